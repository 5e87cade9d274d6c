package subscription

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Index is the concurrent subscription store.
type Index struct {
	mu sync.RWMutex

	subs     map[string]*Subscription
	sessions map[string]map[string]struct{}

	// Immutable slices, replaced on every write.
	devices map[string][]*Subscription
	global  []*Subscription

	newID func() string
	now   func() time.Time
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		subs:     make(map[string]*Subscription),
		sessions: make(map[string]map[string]struct{}),
		devices:  make(map[string][]*Subscription),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Add assigns a fresh ID to sub, stores it and returns the ID.
// The index takes ownership of sub; callers must not modify it afterwards.
func (x *Index) Add(sub *Subscription) string {
	x.mu.Lock()
	defer x.mu.Unlock()

	id := x.newID()
	for {
		if _, taken := x.subs[id]; !taken {
			break
		}
		id = x.newID()
	}
	sub.ID = id
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = x.now()
	}

	x.subs[id] = sub
	owned, ok := x.sessions[sub.SessionID]
	if !ok {
		owned = make(map[string]struct{})
		x.sessions[sub.SessionID] = owned
	}
	owned[id] = struct{}{}

	if sub.IsGlobal() {
		x.global = appendCopy(x.global, sub)
	} else {
		for deviceID := range sub.Devices {
			x.devices[deviceID] = appendCopy(x.devices[deviceID], sub)
		}
	}

	return id
}

// RemoveByID removes a subscription. Unknown IDs are ignored.
// Returns true if a subscription was removed.
func (x *Index) RemoveByID(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	sub, ok := x.subs[id]
	if !ok {
		return false
	}
	x.removeLocked(sub)
	return true
}

// RemoveByDevicesAndSession removes the session's subscriptions whose device
// set intersects deviceIDs. An empty deviceIDs removes all of them.
// Returns the removed IDs.
func (x *Index) RemoveByDevicesAndSession(sessionID string, deviceIDs []string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	var removed []string
	for id := range x.sessions[sessionID] {
		sub := x.subs[id]
		if len(deviceIDs) == 0 || sub.intersects(deviceIDs) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		x.removeLocked(x.subs[id])
	}
	return removed
}

// RemoveAllForSession removes every subscription owned by the session.
// Returns the removed IDs (nil when the session owned none).
func (x *Index) RemoveAllForSession(sessionID string) []string {
	return x.RemoveByDevicesAndSession(sessionID, nil)
}

// Match returns the subscriptions matching a notification from deviceID
// named name.
func (x *Index) Match(deviceID, name string) []*Subscription {
	x.mu.RLock()
	bucket := x.devices[deviceID]
	global := x.global
	x.mu.RUnlock()

	var matched []*Subscription
	for _, sub := range bucket {
		if sub.Matches(deviceID, name) {
			matched = append(matched, sub)
		}
	}
	for _, sub := range global {
		if sub.Matches(deviceID, name) {
			matched = append(matched, sub)
		}
	}
	return matched
}

// Get returns a subscription by ID.
func (x *Index) Get(id string) (*Subscription, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	sub, ok := x.subs[id]
	return sub, ok
}

// ForSession returns the subscriptions owned by the session.
func (x *Index) ForSession(sessionID string) []*Subscription {
	x.mu.RLock()
	defer x.mu.RUnlock()

	owned := x.sessions[sessionID]
	out := make([]*Subscription, 0, len(owned))
	for id := range owned {
		out = append(out, x.subs[id])
	}
	return out
}

// Count returns the number of subscriptions.
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.subs)
}

// SessionCount returns the number of sessions owning at least one subscription.
func (x *Index) SessionCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.sessions)
}

// bucketCount returns the number of device buckets.
func (x *Index) bucketCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.devices)
}

// removeLocked drops sub from the buckets, then from the session and
// primary maps. Caller holds x.mu.
func (x *Index) removeLocked(sub *Subscription) {
	if sub.IsGlobal() {
		x.global = removeCopy(x.global, sub)
	} else {
		for deviceID := range sub.Devices {
			next := removeCopy(x.devices[deviceID], sub)
			if len(next) == 0 {
				delete(x.devices, deviceID)
			} else {
				x.devices[deviceID] = next
			}
		}
	}

	if owned, ok := x.sessions[sub.SessionID]; ok {
		delete(owned, sub.ID)
		if len(owned) == 0 {
			delete(x.sessions, sub.SessionID)
		}
	}
	delete(x.subs, sub.ID)
}

func appendCopy(bucket []*Subscription, sub *Subscription) []*Subscription {
	next := make([]*Subscription, len(bucket), len(bucket)+1)
	copy(next, bucket)
	return append(next, sub)
}

func removeCopy(bucket []*Subscription, sub *Subscription) []*Subscription {
	next := make([]*Subscription, 0, len(bucket))
	for _, s := range bucket {
		if s != sub {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		return nil
	}
	return next
}
