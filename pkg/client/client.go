package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/devicehive/notifyhub/pkg/transport"
	"github.com/devicehive/notifyhub/pkg/wire"
)

// Client errors.
var (
	ErrClosed          = errors.New("client closed")
	ErrNotConnected    = errors.New("not connected")
	ErrReconnectFailed = errors.New("reconnect failed")

	// ErrReconnected is returned for a request that was not retried after
	// the connection was replaced. The request may or may not have reached
	// the hub.
	ErrReconnected = errors.New("connection replaced before response")
)

// State represents the connection state.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Conn is one transport connection. *transport.ClientConn implements it.
type Conn interface {
	Call(req *wire.Request, timeout time.Duration, onPush func(*wire.Push)) (*wire.Response, error)
	ReceiveMessage(timeout time.Duration) (*wire.Response, *wire.Push, error)
	Close() error
}

var _ Conn = (*transport.ClientConn)(nil)

// DialFunc opens a new connection.
type DialFunc func(ctx context.Context) (Conn, error)

// Config configures a Client.
type Config struct {
	Dial DialFunc

	// Timeout bounds each request and the requests of a reconnect.
	Timeout time.Duration

	// MaxAttempts bounds the dials of one reconnect. Zero retries until the
	// context ends.
	MaxAttempts int

	Backoff BackoffConfig
	Logger  *slog.Logger
}

// subscription is a live subscription and the filter that created it.
// lastSeen starts at the subscribe time and follows the pushes received.
type subscription struct {
	req      wire.Request
	lastSeen time.Time
}

// Client is a reconnecting hub client. It serializes requests.
type Client struct {
	config  Config
	backoff *Backoff
	logger  *slog.Logger

	callMu sync.Mutex

	mu            sync.Mutex
	conn          Conn
	state         State
	token         string
	subs          map[string]*subscription
	pending       []*wire.Push
	nextID        uint64
	onStateChange func(old, new State)
	onResubscribe func(oldID, newID string)
}

// New creates a client. Connect opens the first connection.
func New(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		config:  config,
		backoff: NewBackoff(config.Backoff),
		logger:  logger.With("component", "client"),
		subs:    make(map[string]*subscription),
	}
}

// OnStateChange sets a callback for state changes.
func (c *Client) OnStateChange(fn func(old, new State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// OnResubscribe sets a callback reporting the new ID of a subscription
// restored after a reconnect.
func (c *Client) OnResubscribe(fn func(oldID, newID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResubscribe = fn
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscriptions returns the IDs of the live subscriptions.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	old := c.state
	c.state = s
	fn := c.onStateChange
	c.mu.Unlock()
	if fn != nil && old != s {
		fn(old, s)
	}
}

// Connect dials the first connection.
func (c *Client) Connect(ctx context.Context) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	switch c.State() {
	case StateClosed:
		return ErrClosed
	case StateConnected:
		return nil
	}
	c.setState(StateConnecting)
	conn, err := c.config.Dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.backoff.Reset()
	c.setState(StateConnected)
	return nil
}

// Call sends req and returns its response. Pushes that arrive before the
// response go to onPush, or are queued for ReceiveMessage when onPush is
// nil. A request that fails because the
// connection was lost is sent again on the new connection, except inserts,
// which return ErrReconnected.
func (c *Client) Call(ctx context.Context, req *wire.Request, onPush func(*wire.Push)) (*wire.Response, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	resp, err := c.call(conn, req, onPush)
	if err == nil || !IsConnectionLost(err) {
		return resp, err
	}

	if rerr := c.reconnect(ctx, err); rerr != nil {
		return nil, rerr
	}
	if req.Action == wire.ActionInsert {
		return nil, fmt.Errorf("%s: %w", req.Action, ErrReconnected)
	}
	conn, err = c.current()
	if err != nil {
		return nil, err
	}
	return c.call(conn, req, onPush)
}

// ReceiveMessage waits for the next push or unsolicited response. A lost
// connection is replaced before ReceiveMessage returns its error.
func (c *Client) ReceiveMessage(ctx context.Context, timeout time.Duration) (*wire.Response, *wire.Push, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if push := c.dequeue(); push != nil {
		return nil, push, nil
	}
	conn, err := c.current()
	if err != nil {
		return nil, nil, err
	}
	resp, push, err := conn.ReceiveMessage(timeout)
	if err != nil {
		if IsConnectionLost(err) {
			if rerr := c.reconnect(ctx, err); rerr != nil {
				return nil, nil, rerr
			}
		}
		return nil, nil, err
	}
	c.observe(push)
	return resp, push, nil
}

// Close closes the connection. Safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.setState(StateClosed)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) current() (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil, ErrClosed
	}
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func (c *Client) call(conn Conn, req *wire.Request, onPush func(*wire.Push)) (*wire.Response, error) {
	c.mu.Lock()
	c.nextID++
	if req.RequestID == nil {
		req.RequestID = c.nextID
	}
	c.mu.Unlock()

	resp, err := conn.Call(req, c.config.Timeout, func(p *wire.Push) {
		c.observe(p)
		if onPush != nil {
			onPush(p)
			return
		}
		c.mu.Lock()
		c.pending = append(c.pending, p)
		c.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	if resp.IsSuccess() {
		c.track(req, resp)
	}
	return resp, nil
}

// track records the state a reconnect has to restore.
func (c *Client) track(req *wire.Request, resp *wire.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch req.Action {
	case wire.ActionAuthenticate:
		c.token = req.Token
	case wire.ActionSubscribe:
		sub := &subscription{req: *req, lastSeen: time.Now()}
		sub.req.RequestID = nil
		if req.Timestamp != nil {
			sub.lastSeen = *req.Timestamp
		}
		c.subs[resp.SubscriptionID] = sub
	case wire.ActionUnsubscribe:
		if req.SubscriptionID != "" {
			delete(c.subs, req.SubscriptionID)
			return
		}
		for id, sub := range c.subs {
			if sub.covers(req.DeviceIDs) {
				delete(c.subs, id)
			}
		}
	}
}

// covers reports whether a device-targeted unsubscribe removes the
// subscription. Subscriptions without devices are removed by any.
func (s *subscription) covers(devices []string) bool {
	targets := s.req.DeviceIDs
	if s.req.DeviceID != "" {
		targets = []string{s.req.DeviceID}
	}
	if len(targets) == 0 {
		return true
	}
	for _, d := range devices {
		if slices.Contains(targets, d) {
			return true
		}
	}
	return false
}

// dequeue returns the oldest push that arrived during a call without a
// push callback.
func (c *Client) dequeue() *wire.Push {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	return p
}

func (c *Client) observe(p *wire.Push) {
	if p == nil || p.Notification == nil || p.Notification.Timestamp == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[p.SubscriptionID]; ok && p.Notification.Timestamp.After(sub.lastSeen) {
		sub.lastSeen = *p.Notification.Timestamp
	}
}

// reconnect replaces the lost connection and restores authentication and
// subscriptions.
func (c *Client) reconnect(ctx context.Context, cause error) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.conn
	c.conn = nil
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	c.setState(StateReconnecting)
	c.logger.Info("Connection lost, reconnecting", "error", cause)

	for {
		if limit := c.config.MaxAttempts; limit > 0 && c.backoff.Attempts() >= limit {
			c.setState(StateDisconnected)
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectFailed, limit, cause)
		}
		delay := c.backoff.Next()
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return fmt.Errorf("%w: %w", ErrReconnectFailed, ctx.Err())
		case <-time.After(delay):
		}
		if c.State() == StateClosed {
			return ErrClosed
		}

		conn, err := c.config.Dial(ctx)
		if err != nil {
			c.logger.Debug("Reconnect attempt failed", "attempt", c.backoff.Attempts(), "error", err)
			continue
		}
		if err := c.restore(conn); err != nil {
			conn.Close()
			if IsConnectionLost(err) {
				continue
			}
			c.setState(StateDisconnected)
			return fmt.Errorf("%w: %w", ErrReconnectFailed, err)
		}

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			conn.Close()
			return ErrClosed
		}
		c.conn = conn
		c.mu.Unlock()
		c.backoff.Reset()
		c.setState(StateConnected)
		c.logger.Info("Reconnected")
		return nil
	}
}

func (c *Client) restore(conn Conn) error {
	c.mu.Lock()
	token := c.token
	subs := c.subs
	c.subs = make(map[string]*subscription, len(subs))
	onResubscribe := c.onResubscribe
	c.mu.Unlock()

	if token != "" {
		resp, err := c.call(conn, &wire.Request{Action: wire.ActionAuthenticate, Token: token}, nil)
		if err != nil {
			c.keep(subs)
			return err
		}
		if !resp.IsSuccess() {
			c.keep(subs)
			return fmt.Errorf("authenticate: %d %s", resp.Code, resp.Error)
		}
	}

	for oldID, sub := range subs {
		req := sub.req
		since := sub.lastSeen
		req.Timestamp = &since
		resp, err := c.call(conn, &req, nil)
		if err != nil {
			c.keep(subs)
			return err
		}
		if !resp.IsSuccess() {
			c.logger.Warn("Subscription not restored", "subscription_id", oldID, "code", resp.Code, "error", resp.Error)
			continue
		}
		if onResubscribe != nil {
			onResubscribe(oldID, resp.SubscriptionID)
		}
	}
	return nil
}

// keep reinstates the subscriptions of a failed restore. Those re-created
// on the abandoned connection die with it.
func (c *Client) keep(subs map[string]*subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = subs
}

// IsConnectionLost reports whether err means the connection is gone, as
// opposed to a timeout or a rejected request.
func IsConnectionLost(err error) bool {
	if err == nil || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, transport.ErrConnectionClosed) ||
		errors.Is(err, transport.ErrFrameTruncated) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// DialTransport returns a DialFunc for the framed transport.
func DialTransport(tc *transport.Client, address string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		return tc.Connect(ctx, address)
	}
}
