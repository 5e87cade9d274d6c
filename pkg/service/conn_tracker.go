package service

import (
	"net/netip"
	"sync"
	"time"

	"github.com/devicehive/notifyhub/pkg/auth"
	"github.com/devicehive/notifyhub/pkg/wire"
)

// connState is what the service knows about one connected session.
type connState struct {
	sessionID   string
	transport   string
	remoteAddr  string
	origin      string
	codec       wire.Codec
	connectedAt time.Time

	mu        sync.RWMutex
	principal *auth.Principal
}

func (c *connState) Principal() *auth.Principal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.principal
}

func (c *connState) setPrincipal(p *auth.Principal) {
	c.mu.Lock()
	c.principal = p
	c.mu.Unlock()
}

// remoteIP parses the host part of remoteAddr. Invalid addresses yield the
// zero Addr.
func (c *connState) remoteIP() netip.Addr {
	if ap, err := netip.ParseAddrPort(c.remoteAddr); err == nil {
		return ap.Addr()
	}
	addr, _ := netip.ParseAddr(c.remoteAddr)
	return addr
}

// connTracker maps session IDs to their connection state.
type connTracker struct {
	mu    sync.RWMutex
	conns map[string]*connState
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[string]*connState)}
}

// Add registers state, replacing any previous state for the session.
func (ct *connTracker) Add(state *connState) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.conns[state.sessionID] = state
}

// Get returns the state for sessionID or nil.
func (ct *connTracker) Get(sessionID string) *connState {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.conns[sessionID]
}

// Remove deregisters a session. Safe to call on absent sessions.
func (ct *connTracker) Remove(sessionID string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	_, ok := ct.conns[sessionID]
	delete(ct.conns, sessionID)
	return ok
}

// Len returns the number of tracked sessions.
func (ct *connTracker) Len() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.conns)
}
