// Package sessiontest provides an in-memory session.Conn for tests.
package sessiontest

import (
	"errors"
	"sync"
	"time"
)

// ErrConnClosed is returned by Send after Close.
var ErrConnClosed = errors.New("connection closed")

// Conn records sent messages. A blocked Conn holds every Send until
// Unblock or Close is called.
type Conn struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	closed  bool

	gate      chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	notify    chan struct{}
}

// NewConn returns a Conn that accepts sends immediately.
func NewConn() *Conn {
	return &Conn{
		closeCh: make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// NewBlockedConn returns a Conn whose sends block until Unblock.
func NewBlockedConn() *Conn {
	c := NewConn()
	c.gate = make(chan struct{})
	return c
}

// Unblock releases blocked sends.
func (c *Conn) Unblock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
}

// FailWith makes subsequent sends return err.
func (c *Conn) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Send implements session.Conn.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-c.closeCh:
			return ErrConnClosed
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close implements session.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closeCh)
	})
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Messages returns a copy of the sent messages.
func (c *Conn) Messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// WaitForMessages waits until at least n messages were sent.
func (c *Conn) WaitForMessages(n int, timeout time.Duration) ([][]byte, bool) {
	deadline := time.After(timeout)
	for {
		msgs := c.Messages()
		if len(msgs) >= n {
			return msgs, true
		}
		select {
		case <-c.notify:
		case <-deadline:
			return c.Messages(), false
		}
	}
}
