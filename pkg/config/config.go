// Package config loads the daemon configuration from defaults, an optional
// YAML file and NOTIFYHUB_ environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/devicehive/notifyhub/pkg/discovery"
	"github.com/devicehive/notifyhub/pkg/dispatch"
	"github.com/devicehive/notifyhub/pkg/service"
	"github.com/devicehive/notifyhub/pkg/session"
	"github.com/devicehive/notifyhub/pkg/transport"
	"github.com/devicehive/notifyhub/pkg/transport/ws"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NOTIFYHUB"

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the daemon configuration.
type Config struct {
	Log       LogConfig          `mapstructure:"log"`
	HTTP      HTTPConfig         `mapstructure:"http"`
	TCP       TCPConfig          `mapstructure:"tcp"`
	TLS       transport.TLSFiles `mapstructure:"tls"`
	WebSocket WebSocketConfig    `mapstructure:"websocket"`
	Session   SessionConfig      `mapstructure:"session"`
	Dispatch  DispatchConfig     `mapstructure:"dispatch"`
	CatchUp   CatchUpConfig      `mapstructure:"catch_up"`
	Store     StoreConfig        `mapstructure:"store"`
	Auth      AuthConfig         `mapstructure:"auth"`
	Trace     TraceConfig        `mapstructure:"trace"`
	Discovery DiscoveryConfig    `mapstructure:"discovery"`
	Telemetry TelemetryConfig    `mapstructure:"telemetry"`
}

// LogConfig selects the operational log output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPConfig configures the REST and websocket listener.
type HTTPConfig struct {
	Listen          string        `mapstructure:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TCPConfig configures the framed CBOR listener. An empty address
// disables it.
type TCPConfig struct {
	Address        string        `mapstructure:"address"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxMessageSize uint32        `mapstructure:"max_message_size"`
}

// WebSocketConfig configures the websocket endpoint.
type WebSocketConfig struct {
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// SessionConfig bounds slow consumers.
type SessionConfig struct {
	SendTimeLimit   time.Duration `mapstructure:"send_time_limit"`
	BufferSizeLimit int           `mapstructure:"buffer_size_limit"`
}

// DispatchConfig sizes the delivery worker pool. Zero picks defaults.
type DispatchConfig struct {
	Workers   int `mapstructure:"workers"`
	BatchSize int `mapstructure:"batch_size"`
}

// CatchUpConfig bounds the replay that follows a subscribe with a timestamp.
type CatchUpConfig struct {
	Limit   int           `mapstructure:"limit"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StoreConfig selects the notification store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`

	// Retain bounds the notifications kept by the memory store.
	Retain int `mapstructure:"retain"`

	// Devices seeds the memory store's device directory.
	Devices []DeviceConfig `mapstructure:"devices"`
}

// DeviceConfig is one seeded device.
type DeviceConfig struct {
	ID        string `mapstructure:"id"`
	Name      string `mapstructure:"name"`
	NetworkID *int64 `mapstructure:"network_id"`
}

// AuthConfig locates the access-key file.
type AuthConfig struct {
	KeysFile string `mapstructure:"keys_file"`
}

// TraceConfig enables the CBOR protocol trace.
type TraceConfig struct {
	Path string `mapstructure:"path"`
}

// DiscoveryConfig controls mDNS advertisement.
type DiscoveryConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Instance  string        `mapstructure:"instance"`
	HubID     string        `mapstructure:"hub_id"`
	Interface string        `mapstructure:"interface"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// TelemetryConfig controls span export. An empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("tcp.address", transport.DefaultAddress)
	v.SetDefault("tcp.idle_timeout", 5*time.Minute)
	v.SetDefault("tcp.max_message_size", transport.DefaultMaxMessageSize)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.ca_file", "")
	v.SetDefault("websocket.max_message_size", ws.DefaultMaxMessageSize)
	v.SetDefault("websocket.write_timeout", ws.DefaultWriteTimeout)
	v.SetDefault("websocket.ping_interval", ws.DefaultPingInterval)
	v.SetDefault("websocket.allowed_origins", []string{})
	v.SetDefault("session.send_time_limit", session.DefaultSendTimeLimit)
	v.SetDefault("session.buffer_size_limit", session.DefaultBufferSizeLimit)
	v.SetDefault("dispatch.workers", 0)
	v.SetDefault("dispatch.batch_size", dispatch.DefaultBatchSize)
	v.SetDefault("catch_up.limit", service.DefaultCatchUpLimit)
	v.SetDefault("catch_up.timeout", service.DefaultCatchUpTimeout)
	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.retain", 0)
	v.SetDefault("auth.keys_file", "")
	v.SetDefault("trace.path", "")
	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.instance", "")
	v.SetDefault("discovery.hub_id", "")
	v.SetDefault("discovery.interface", "")
	v.SetDefault("discovery.ttl", discovery.DefaultTTL)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.protocol", "grpc")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.service_name", "notifyhub")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Load reads the configuration. path may be empty. Environment variables
// such as NOTIFYHUB_STORE_DSN override both defaults and the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format must be text or json, got %q", ErrInvalid, c.Log.Format)
	}
	if c.HTTP.Listen == "" && c.TCP.Address == "" {
		return fmt.Errorf("%w: one of http.listen or tcp.address is required", ErrInvalid)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls.cert_file and tls.key_file go together", ErrInvalid)
	}
	if c.Session.BufferSizeLimit < 0 || c.Session.SendTimeLimit < 0 {
		return fmt.Errorf("%w: session limits must not be negative", ErrInvalid)
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store.dsn is required for the postgres driver (set NOTIFYHUB_STORE_DSN)", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store.driver %q", ErrInvalid, c.Store.Driver)
	}
	for i, d := range c.Store.Devices {
		if d.ID == "" {
			return fmt.Errorf("%w: store.devices[%d].id is required", ErrInvalid, i)
		}
	}
	if c.Telemetry.Endpoint != "" {
		switch c.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("%w: telemetry.protocol must be grpc or http, got %q", ErrInvalid, c.Telemetry.Protocol)
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("%w: telemetry.sample_ratio must be within [0,1]", ErrInvalid)
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	return level, nil
}

// SessionLimits converts to the registry configuration.
func (c *Config) SessionLimits() session.Config {
	return session.Config{
		SendTimeLimit:   c.Session.SendTimeLimit,
		BufferSizeLimit: c.Session.BufferSizeLimit,
	}
}

// ServiceConfig converts to the service configuration.
func (c *Config) ServiceConfig() service.Config {
	return service.Config{
		CatchUpLimit:   c.CatchUp.Limit,
		CatchUpTimeout: c.CatchUp.Timeout,
		Dispatch: dispatch.Config{
			Workers:   c.Dispatch.Workers,
			BatchSize: c.Dispatch.BatchSize,
		},
	}
}

// WebSocketHandlerConfig converts to the websocket transport configuration.
func (c *Config) WebSocketHandlerConfig() ws.Config {
	return ws.Config{
		MaxMessageSize: c.WebSocket.MaxMessageSize,
		WriteTimeout:   c.WebSocket.WriteTimeout,
		PingInterval:   c.WebSocket.PingInterval,
		AllowedOrigins: c.WebSocket.AllowedOrigins,
	}
}

// AdvertiserConfig converts to the mDNS advertiser configuration.
func (c *Config) AdvertiserConfig() discovery.AdvertiserConfig {
	return discovery.AdvertiserConfig{
		Interface: c.Discovery.Interface,
		TTL:       c.Discovery.TTL,
	}
}
