package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/devicehive/notifyhub/pkg/log"
	"github.com/devicehive/notifyhub/pkg/service"
	"github.com/devicehive/notifyhub/pkg/session"
	"github.com/devicehive/notifyhub/pkg/wire"
)

// Name identifies this transport in logs and connection info.
const Name = "tcp"

// DefaultAddress is the default listen address of the framed transport.
const DefaultAddress = ":8011"

// DefaultTCPKeepAlive is the TCP keep-alive period of accepted connections.
const DefaultTCPKeepAlive = 30 * time.Second

// Handler receives the lifecycle of every connection. *service.Service
// implements it.
type Handler interface {
	OnConnect(sessionID string, conn session.Conn, info service.ConnInfo)
	OnMessage(ctx context.Context, sessionID string, data []byte)
	OnDisconnect(sessionID string)
}

// ServerConfig configures a framed CBOR server.
type ServerConfig struct {
	// Address to listen on (e.g. ":8011").
	Address string

	// TLS enables TLS when set. Plain TCP otherwise.
	TLS *tls.Config

	// MaxMessageSize is the largest accepted frame (default 1 MiB).
	MaxMessageSize uint32

	// IdleTimeout closes connections that send nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	// Handler receives connections and frames.
	Handler Handler

	// Logger records frames and connection state (optional).
	Logger log.Logger

	// OnError is called for accept, handshake and read failures (optional).
	OnError func(sessionID string, err error)
}

// Server accepts framed connections and hands them to a Handler.
type Server struct {
	config   ServerConfig
	listener net.Listener

	conns   map[*ServerConn]struct{}
	connsMu sync.RWMutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server. It does not listen until Start.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Handler == nil {
		return nil, errors.New("transport: handler is required")
	}
	if config.Address == "" {
		config.Address = DefaultAddress
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Server{
		config: config,
		conns:  make(map[*ServerConn]struct{}),
	}, nil
}

// Start listens and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.New("transport: server already running")
	}

	lc := net.ListenConfig{KeepAlive: DefaultTCPKeepAlive}
	listener, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}
	if s.config.TLS != nil {
		listener = tls.NewListener(listener, s.config.TLS)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every connection and waits for their
// goroutines to finish.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()
	err := s.listener.Close()

	s.connsMu.RLock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.RUnlock()

	s.wg.Wait()
	return err
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.reportError("", fmt.Errorf("accept: %w", err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(s.ctx); err != nil {
			conn.Close()
			s.reportError("", fmt.Errorf("TLS handshake: %w", err))
			return
		}
	}

	sessionID := uuid.New().String()
	framer := NewFramer(conn, s.config.MaxMessageSize)
	if s.config.Logger != nil {
		framer.SetLogger(s.config.Logger, sessionID)
	}
	sconn := &ServerConn{
		conn:       conn,
		framer:     framer,
		server:     s,
		closeCh:    make(chan struct{}),
		remoteAddr: conn.RemoteAddr(),
		sessionID:  sessionID,
	}

	s.connsMu.Lock()
	s.conns[sconn] = struct{}{}
	s.connsMu.Unlock()
	s.logState(sconn, "", "CONNECTED")

	s.config.Handler.OnConnect(sessionID, sconn, service.ConnInfo{
		Transport:  Name,
		RemoteAddr: sconn.remoteAddr.String(),
		Codec:      wire.CBOR,
	})

	sconn.readLoop()
	sconn.Close()

	s.connsMu.Lock()
	delete(s.conns, sconn)
	s.connsMu.Unlock()
	s.logState(sconn, "CONNECTED", "DISCONNECTED")

	s.config.Handler.OnDisconnect(sessionID)
}

func (s *Server) reportError(sessionID string, err error) {
	if s.config.OnError != nil {
		s.config.OnError(sessionID, err)
	}
}

func (s *Server) logState(c *ServerConn, from, to string) {
	if s.config.Logger == nil {
		return
	}
	s.config.Logger.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  c.sessionID,
		Layer:      log.LayerTransport,
		Category:   log.CategoryState,
		Transport:  Name,
		RemoteAddr: c.remoteAddr.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: from,
			NewState: to,
		},
	})
}

// ServerConn is one accepted connection. It satisfies session.Conn.
type ServerConn struct {
	conn       net.Conn
	framer     *Framer
	server     *Server
	closeCh    chan struct{}
	closeOnce  sync.Once
	remoteAddr net.Addr
	sessionID  string
}

// SessionID returns the identifier the handler knows this connection by.
func (c *ServerConn) SessionID() string {
	return c.sessionID
}

// RemoteAddr returns the peer address.
func (c *ServerConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// TLSState returns the TLS state and false on a plain connection.
func (c *ServerConn) TLSState() (tls.ConnectionState, bool) {
	if tlsConn, ok := c.conn.(*tls.Conn); ok {
		return tlsConn.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// Send writes one frame.
func (c *ServerConn) Send(data []byte) error {
	select {
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
	}
	return c.framer.WriteFrame(data)
}

// Close closes the connection. Safe to call multiple times.
func (c *ServerConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}

// readLoop hands frames to the handler in arrival order until the
// connection fails or closes.
func (c *ServerConn) readLoop() {
	idle := c.server.config.IdleTimeout
	for {
		if idle > 0 {
			c.conn.SetReadDeadline(time.Now().Add(idle))
		}
		data, err := c.framer.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.closed() && c.server.running.Load() {
				c.server.reportError(c.sessionID, err)
			}
			return
		}
		c.server.config.Handler.OnMessage(c.server.ctx, c.sessionID, data)
	}
}

func (c *ServerConn) closed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}
