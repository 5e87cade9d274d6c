package service

import (
	"errors"
	"log/slog"
	"time"

	"github.com/devicehive/notifyhub/pkg/auth"
	"github.com/devicehive/notifyhub/pkg/dispatch"
	"github.com/devicehive/notifyhub/pkg/log"
	"github.com/devicehive/notifyhub/pkg/session"
	"github.com/devicehive/notifyhub/pkg/store"
	"github.com/devicehive/notifyhub/pkg/subscription"
	"github.com/devicehive/notifyhub/pkg/version"
	"github.com/devicehive/notifyhub/pkg/wire"
)

// Service errors.
var (
	ErrValidation        = errors.New("invalid request parameters")
	ErrDeviceUnavailable = errors.New("device is not connected to network")
	ErrNotFound          = errors.New("not found")
	ErrUnknownAction     = errors.New("unknown action")
)

// APIVersion is reported by server/info.
const APIVersion = version.API

// Default catch-up bounds.
const (
	DefaultCatchUpLimit   = 1000
	DefaultCatchUpTimeout = 10 * time.Second
)

// Config configures a Service.
type Config struct {
	// CatchUpLimit bounds the notifications replayed for one subscribe.
	CatchUpLimit int

	// CatchUpTimeout bounds the catch-up store query.
	CatchUpTimeout time.Duration

	// Dispatch configures the delivery worker pool.
	Dispatch dispatch.Config
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		CatchUpLimit:   DefaultCatchUpLimit,
		CatchUpTimeout: DefaultCatchUpTimeout,
	}
}

func (c *Config) applyDefaults() {
	if c.CatchUpLimit <= 0 {
		c.CatchUpLimit = DefaultCatchUpLimit
	}
	if c.CatchUpTimeout <= 0 {
		c.CatchUpTimeout = DefaultCatchUpTimeout
	}
}

// Deps are the collaborators a Service is built from. Index, Registry,
// Store and Directory are required.
type Deps struct {
	Index     *subscription.Index
	Registry  *session.Registry
	Store     store.NotificationStore
	Directory auth.DeviceDirectory

	// Authenticator handles the authenticate action. Nil rejects it.
	Authenticator auth.Authenticator

	// Logger receives operational logs.
	Logger *slog.Logger

	// ProtocolLogger receives the traffic trace. Nil disables it.
	ProtocolLogger log.Logger
}

// SubscribeRequest selects notifications for a new subscription.
type SubscribeRequest struct {
	// DeviceID and DeviceIDs are mutually exclusive. Neither means all
	// devices the principal may see.
	DeviceID  string
	DeviceIDs []string

	// Names restricts notification names. Empty means all names.
	Names []string

	// Since requests catch-up of stored notifications after this time.
	Since time.Time
}

// UnsubscribeRequest selects subscriptions to remove. SubscriptionID takes
// precedence over DeviceIDs; neither removes every subscription of the
// session.
type UnsubscribeRequest struct {
	SubscriptionID string
	DeviceIDs      []string
}

// ConnInfo describes a new transport connection.
type ConnInfo struct {
	// Transport is "tcp" or "ws".
	Transport string

	// RemoteAddr is the peer address as reported by the transport.
	RemoteAddr string

	// Origin is the HTTP Origin header for websocket clients.
	Origin string

	// Codec encodes responses and pushes for this connection.
	Codec wire.Codec

	// Principal is set when the transport authenticated the client.
	Principal *auth.Principal
}
