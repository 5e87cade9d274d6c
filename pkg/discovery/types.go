package discovery

import (
	"errors"
	"net"
	"time"
)

// Service identifiers.
const (
	ServiceType = "_notifyhub._tcp"
	Domain      = "local."

	// MaxInstanceNameLen is the DNS-SD limit on instance names.
	MaxInstanceNameLen = 63

	// DefaultTTL is the record TTL of advertisements.
	DefaultTTL = 120 * time.Second
)

// Errors.
var (
	ErrNotFound            = errors.New("service not found")
	ErrMissingRequired     = errors.New("missing required TXT record")
	ErrInvalidTXTRecord    = errors.New("invalid TXT record")
	ErrInstanceNameTooLong = errors.New("instance name too long")
	ErrNotAdvertising      = errors.New("not advertising")
)

// HubInfo is what a hub advertises.
type HubInfo struct {
	// InstanceName is the DNS-SD instance, e.g. the host name.
	InstanceName string

	// HubID identifies the hub across restarts.
	HubID string

	// APIVersion is the protocol version served.
	APIVersion string

	// TCPPort is the framed CBOR transport port. Zero when disabled.
	TCPPort uint16

	// HTTPPort serves REST and websocket. Zero when disabled.
	HTTPPort uint16

	// TLS reports whether the transports require TLS.
	TLS bool
}

// Port returns the port registered as the SRV target: the framed
// transport when enabled, the HTTP port otherwise.
func (h *HubInfo) Port() int {
	if h.TCPPort != 0 {
		return int(h.TCPPort)
	}
	return int(h.HTTPPort)
}

// HubService is a hub found by a browser.
type HubService struct {
	HubInfo

	Host      string
	Addresses []string
}

// TCPAddress returns host:port of the framed transport using the first
// known address, or "" when the hub does not serve it.
func (s *HubService) TCPAddress() string {
	if s.TCPPort == 0 {
		return ""
	}
	host := s.Host
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return net.JoinHostPort(host, itoa(uint64(s.TCPPort)))
}

// AdvertiserConfig configures advertising.
type AdvertiserConfig struct {
	// Interface restricts advertising to one interface. Empty means all.
	Interface string

	// TTL is the DNS record TTL.
	TTL time.Duration
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{TTL: DefaultTTL}
}

// BrowserConfig configures browsing.
type BrowserConfig struct {
	// Interface restricts browsing to one interface. Empty means all.
	Interface string
}
