package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Session errors.
var (
	ErrNotFound         = errors.New("session not found")
	ErrClosed           = errors.New("session closed")
	ErrTransportFailure = errors.New("transport failure")

	ErrSendTimeLimit = fmt.Errorf("%w: send time limit exceeded", ErrTransportFailure)
	ErrBufferLimit   = fmt.Errorf("%w: send buffer size limit exceeded", ErrTransportFailure)
)

// Default backpressure limits.
const (
	DefaultSendTimeLimit   = 10 * time.Second
	DefaultBufferSizeLimit = 512 * 1024
)

// Conn is the raw connection a transport hands to the registry.
type Conn interface {
	// Send writes one message. It may block.
	Send(data []byte) error

	// Close closes the connection. Safe to call multiple times.
	Close() error
}

// Config holds the per-connection limits.
type Config struct {
	// SendTimeLimit bounds a single raw send.
	SendTimeLimit time.Duration

	// BufferSizeLimit bounds the bytes queued but not yet written.
	BufferSizeLimit int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		SendTimeLimit:   DefaultSendTimeLimit,
		BufferSizeLimit: DefaultBufferSizeLimit,
	}
}

func (c *Config) applyDefaults() {
	if c.SendTimeLimit <= 0 {
		c.SendTimeLimit = DefaultSendTimeLimit
	}
	if c.BufferSizeLimit <= 0 {
		c.BufferSizeLimit = DefaultBufferSizeLimit
	}
}

// Handle wraps one session's connection with a bounded queue and a writer
// goroutine that performs timed sends in queue order.
type Handle struct {
	sessionID string
	conn      Conn
	config    Config
	onFailure func(h *Handle, cause error)
	now       func() time.Time

	mu       sync.Mutex
	queue    [][]byte
	buffered int
	inflight bool
	idle     *sync.Cond

	wake      chan struct{}
	done      chan struct{}
	sendStart atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
	cause     error
}

func newHandle(sessionID string, conn Conn, config Config, onFailure func(*Handle, error)) *Handle {
	h := &Handle{
		sessionID: sessionID,
		conn:      conn,
		config:    config,
		onFailure: onFailure,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	h.idle = sync.NewCond(&h.mu)
	go h.writeLoop()
	return h
}

// SessionID returns the owning session.
func (h *Handle) SessionID() string {
	return h.sessionID
}

// Send queues msg for the writer and returns without waiting for the
// connection. A message queued behind others that takes the buffered bytes
// past BufferSizeLimit, or a send while the in-flight write is older than
// SendTimeLimit, force closes the connection.
func (h *Handle) Send(msg []byte) error {
	if h.closed.Load() {
		return ErrClosed
	}

	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return ErrClosed
	}
	busy := h.inflight || len(h.queue) > 0
	h.queue = append(h.queue, msg)
	h.buffered += len(msg)
	over := busy && h.buffered > h.config.BufferSizeLimit
	h.mu.Unlock()

	if over {
		return h.fail(ErrBufferLimit)
	}
	if err := h.checkSendTime(); err != nil {
		return err
	}

	select {
	case h.wake <- struct{}{}:
	default:
	}
	return nil
}

// Flush waits until every queued message has been written or the handle
// is closed.
func (h *Handle) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		h.mu.Lock()
		h.idle.Broadcast()
		h.mu.Unlock()
	})
	defer stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	for !h.closed.Load() && (h.inflight || len(h.queue) > 0) {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.idle.Wait()
	}
	return nil
}

// BufferedBytes returns the bytes queued or in flight.
func (h *Handle) BufferedBytes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buffered
}

// Closed reports whether the handle has been closed.
func (h *Handle) Closed() bool {
	return h.closed.Load()
}

// Close closes the handle and the connection without reporting a failure.
// Queued messages are discarded.
func (h *Handle) Close() error {
	h.shutdown(ErrClosed)
	return nil
}

func (h *Handle) checkSendTime() error {
	if h.closed.Load() {
		return ErrClosed
	}
	if start := h.sendStart.Load(); start != 0 {
		if h.now().Sub(time.Unix(0, start)) > h.config.SendTimeLimit {
			return h.fail(ErrSendTimeLimit)
		}
	}
	return nil
}

func (h *Handle) writeLoop() {
	for {
		select {
		case <-h.done:
			return
		case <-h.wake:
		}
		if err := h.flush(); err != nil {
			h.fail(fmt.Errorf("%w: %w", ErrTransportFailure, err))
			return
		}
	}
}

// flush writes queued messages until the queue is empty or the handle closes.
func (h *Handle) flush() error {
	for {
		h.mu.Lock()
		if h.closed.Load() || len(h.queue) == 0 {
			h.mu.Unlock()
			return nil
		}
		msg := h.queue[0]
		h.queue[0] = nil
		h.queue = h.queue[1:]
		h.inflight = true
		h.mu.Unlock()

		err := h.timedSend(msg)

		h.mu.Lock()
		h.inflight = false
		if !h.closed.Load() {
			h.buffered -= len(msg)
		}
		if len(h.queue) == 0 {
			h.idle.Broadcast()
		}
		h.mu.Unlock()

		if err != nil {
			if h.closed.Load() {
				return nil
			}
			return err
		}
	}
}

// timedSend writes msg, force-closing the connection if it takes longer
// than SendTimeLimit.
func (h *Handle) timedSend(msg []byte) error {
	h.sendStart.Store(h.now().UnixNano())
	timer := time.AfterFunc(h.config.SendTimeLimit, func() {
		h.fail(ErrSendTimeLimit)
	})
	err := h.conn.Send(msg)
	timer.Stop()
	h.sendStart.Store(0)
	return err
}

// fail closes the handle and reports cause once. Returns the first cause.
func (h *Handle) fail(cause error) error {
	if h.shutdown(cause) && h.onFailure != nil {
		h.onFailure(h, cause)
	}
	return h.cause
}

// shutdown closes the handle. Returns true for the call that closed it.
func (h *Handle) shutdown(cause error) bool {
	first := false
	h.closeOnce.Do(func() {
		first = true
		h.cause = cause

		h.mu.Lock()
		h.closed.Store(true)
		h.queue = nil
		h.buffered = 0
		h.idle.Broadcast()
		h.mu.Unlock()
		close(h.done)

		_ = h.conn.Close()
	})
	return first
}
