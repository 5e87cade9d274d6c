// Package ws serves hub sessions over websocket.
//
// Each websocket message carries one request, response or push. Clients
// pick the encoding with the "codec" query parameter: JSON text messages
// by default, CBOR binary messages with codec=cbor.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/devicehive/notifyhub/pkg/auth"
	"github.com/devicehive/notifyhub/pkg/service"
	"github.com/devicehive/notifyhub/pkg/transport"
	"github.com/devicehive/notifyhub/pkg/wire"
)

// Name identifies this transport in logs and connection info.
const Name = "ws"

// Defaults.
const (
	DefaultMaxMessageSize = 1 << 20
	DefaultWriteTimeout   = 10 * time.Second
	DefaultPingInterval   = 30 * time.Second
)

// Config configures the websocket endpoint.
type Config struct {
	// MaxMessageSize bounds inbound messages.
	MaxMessageSize int64

	// WriteTimeout bounds a single write.
	WriteTimeout time.Duration

	// PingInterval is the period of server pings. A peer that does not
	// answer within twice the interval is dropped.
	PingInterval time.Duration

	// AllowedOrigins lists accepted Origin headers. Empty accepts any.
	AllowedOrigins []string
}

func (c *Config) applyDefaults() {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
}

// Handler upgrades HTTP requests and runs one session per websocket.
type Handler struct {
	target   transport.Handler
	config   Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler returns an http.Handler that feeds websocket sessions into
// target.
func NewHandler(target transport.Handler, config Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()
	h := &Handler{
		target: target,
		config: config,
		logger: logger.With("component", "WebSocket"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and serves the session until the peer
// goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	codec := wire.JSON
	if name := r.URL.Query().Get("codec"); name != "" {
		c, err := wire.CodecByName(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		codec = c
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(ws, codec, h.config)
	sessionID := uuid.New().String()
	h.target.OnConnect(sessionID, conn, service.ConnInfo{
		Transport:  Name,
		RemoteAddr: r.RemoteAddr,
		Origin:     r.Header.Get("Origin"),
		Codec:      codec,
		Principal:  auth.FromContext(r.Context()),
	})
	h.logger.Debug("Websocket opened", "session_id", sessionID, "remote", r.RemoteAddr, "codec", codec.Name())

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	go conn.pingLoop(ctx)

	err = conn.readLoop(func(data []byte) {
		h.target.OnMessage(ctx, sessionID, data)
	})
	cancel()
	conn.Close()
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		h.logger.Debug("Websocket read failed", "session_id", sessionID, "error", err)
	}
	h.target.OnDisconnect(sessionID)
}

// conn adapts a websocket to session.Conn.
type conn struct {
	ws          *websocket.Conn
	messageType int
	config      Config

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, codec wire.Codec, config Config) *conn {
	mt := websocket.TextMessage
	if codec == wire.CBOR {
		mt = websocket.BinaryMessage
	}
	ws.SetReadLimit(config.MaxMessageSize)
	return &conn{ws: ws, messageType: mt, config: config, closed: make(chan struct{})}
}

// Send writes one message.
func (c *conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return transport.ErrConnectionClosed
	default:
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.ws.WriteMessage(c.messageType, data)
}

// Close closes the websocket. Safe to call multiple times.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

func (c *conn) readLoop(handle func([]byte)) error {
	deadline := 2 * c.config.PingInterval
	c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		c.ws.SetReadDeadline(time.Now().Add(deadline))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		handle(data)
	}
}

func (c *conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
			if err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.Close()
				}
				return
			}
		}
	}
}
