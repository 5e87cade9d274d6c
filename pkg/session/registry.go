package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Registry maps session IDs to connection handles.
type Registry struct {
	config Config
	logger *slog.Logger

	mu      sync.RWMutex
	handles map[string]*Handle

	hookMu           sync.RWMutex
	onTransportError func(sessionID string, cause error)
}

// NewRegistry creates a registry applying config to every handle.
// Zero limits are replaced by the defaults.
func NewRegistry(config Config, logger *slog.Logger) *Registry {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		config:  config,
		logger:  logger,
		handles: make(map[string]*Handle),
	}
}

// Config returns the effective limits.
func (r *Registry) Config() Config {
	return r.config
}

// OnTransportError sets the hook called once per handle that is force-closed
// or whose connection fails. The handle is already removed when it runs.
func (r *Registry) OnTransportError(fn func(sessionID string, cause error)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onTransportError = fn
}

// Register wraps conn and stores it under sessionID. A handle already
// registered under the same ID is closed and replaced.
func (r *Registry) Register(sessionID string, conn Conn) *Handle {
	h := newHandle(sessionID, conn, r.config, r.handleFailure)

	r.mu.Lock()
	old := r.handles[sessionID]
	r.handles[sessionID] = h
	r.mu.Unlock()

	if old != nil {
		old.Close()
		r.logger.Warn("Replaced existing session handle", "session_id", sessionID)
	}
	return h
}

// Get returns the handle for sessionID.
func (r *Registry) Get(sessionID string) (*Handle, error) {
	r.mu.RLock()
	h, ok := r.handles[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return h, nil
}

// Remove deregisters and closes the handle. Returns false if none existed.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	h, ok := r.handles[sessionID]
	delete(r.handles, sessionID)
	r.mu.Unlock()

	if ok {
		h.Close()
	}
	return ok
}

// Send queues msg on the session's connection without waiting for the
// write. A session that was removed or closed reports ErrNotFound. Write
// failures surface through the transport-error hook.
func (r *Registry) Send(sessionID string, msg []byte) error {
	h, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	if err := h.Send(msg); err != nil {
		if errors.Is(err, ErrClosed) {
			return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return err
	}
	return nil
}

// Flush waits until every registered handle has written its queue or the
// context ends.
func (r *Registry) Flush(ctx context.Context) error {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		if err := h.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// CloseAll closes and removes every handle.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

func (r *Registry) handleFailure(h *Handle, cause error) {
	r.mu.Lock()
	if r.handles[h.sessionID] == h {
		delete(r.handles, h.sessionID)
	}
	r.mu.Unlock()

	r.logger.Warn("Session connection failed",
		"session_id", h.sessionID,
		"error", cause,
	)

	r.hookMu.RLock()
	fn := r.onTransportError
	r.hookMu.RUnlock()
	if fn != nil {
		fn(h.sessionID, cause)
	}
}
