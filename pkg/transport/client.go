package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/devicehive/notifyhub/pkg/wire"
)

// ErrConnectionClosed is returned by operations on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// DefaultConnectTimeout bounds Connect when the context has no deadline.
const DefaultConnectTimeout = 30 * time.Second

// ClientConfig configures a framed CBOR client.
type ClientConfig struct {
	// TLS enables TLS when set.
	TLS *tls.Config

	// MaxMessageSize is the largest accepted frame (default 1 MiB).
	MaxMessageSize uint32

	// ConnectTimeout applies when the Connect context has no deadline.
	ConnectTimeout time.Duration
}

// Client dials hubs.
type Client struct {
	config ClientConfig
}

// NewClient creates a client.
func NewClient(config ClientConfig) *Client {
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	return &Client{config: config}
}

// Connect dials address and completes the TLS handshake when configured.
func (c *Client) Connect(ctx context.Context, address string) (*ClientConn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{KeepAlive: DefaultTCPKeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	if c.config.TLS != nil {
		tlsConn := tls.Client(conn, c.config.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake: %w", err)
		}
		conn = tlsConn
	}

	return &ClientConn{
		conn:    conn,
		framer:  NewFramer(conn, c.config.MaxMessageSize),
		closeCh: make(chan struct{}),
	}, nil
}

// ClientConn is a connection from a client to a hub.
type ClientConn struct {
	conn    net.Conn
	framer  *Framer
	closeCh chan struct{}

	closeOnce sync.Once
	readMu    sync.Mutex
}

// LocalAddr returns the local network address.
func (c *ClientConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the hub address.
func (c *ClientConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send writes one raw frame.
func (c *ClientConn) Send(data []byte) error {
	select {
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
	}
	return c.framer.WriteFrame(data)
}

// SendRequest encodes req as CBOR and sends it.
func (c *ClientConn) SendRequest(req *wire.Request) error {
	data, err := wire.EncodeRequest(wire.CBOR, req)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Receive reads one raw frame. A zero timeout waits indefinitely.
func (c *ClientConn) Receive(timeout time.Duration) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	select {
	case <-c.closeCh:
		return nil, ErrConnectionClosed
	default:
	}
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	return c.framer.ReadFrame()
}

// ReceiveMessage reads one frame and decodes it as either a response or a
// push.
func (c *ClientConn) ReceiveMessage(timeout time.Duration) (*wire.Response, *wire.Push, error) {
	data, err := c.Receive(timeout)
	if err != nil {
		return nil, nil, err
	}
	return wire.DecodeServerMessage(wire.CBOR, data)
}

// Call sends req and waits for the response carrying the same request ID.
// Pushes that arrive first are passed to onPush when it is non-nil.
func (c *ClientConn) Call(req *wire.Request, timeout time.Duration, onPush func(*wire.Push)) (*wire.Response, error) {
	if err := c.SendRequest(req); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if timeout > 0 && remaining <= 0 {
			return nil, fmt.Errorf("%s: %w", req.Action, context.DeadlineExceeded)
		}
		if timeout <= 0 {
			remaining = 0
		}
		resp, push, err := c.ReceiveMessage(remaining)
		if err != nil {
			return nil, err
		}
		if push != nil {
			if onPush != nil {
				onPush(push)
			}
			continue
		}
		// Undecodable requests are answered without a request ID.
		if sameRequestID(resp.RequestID, req.RequestID) || (resp.RequestID == nil && !resp.IsSuccess()) {
			return resp, nil
		}
	}
}

func sameRequestID(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// Close closes the connection. Safe to call multiple times.
func (c *ClientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}
