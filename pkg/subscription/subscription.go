package subscription

import (
	"slices"
	"time"
)

// Set is a set of strings (device IDs or notification names).
type Set map[string]struct{}

// NewSet returns a set of the non-empty items.
func NewSet(items ...string) Set {
	s := make(Set, len(items))
	for _, item := range items {
		if item != "" {
			s[item] = struct{}{}
		}
	}
	return s
}

// Contains reports whether item is in the set.
func (s Set) Contains(item string) bool {
	_, ok := s[item]
	return ok
}

// Slice returns the items in sorted order.
func (s Set) Slice() []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, 0, len(s))
	for item := range s {
		out = append(out, item)
	}
	slices.Sort(out)
	return out
}

// Subscription is a session's registered interest in device notifications.
type Subscription struct {
	// ID is assigned by the index.
	ID string

	// SessionID is the owning session.
	SessionID string

	// Devices restricts matching to these devices. Empty means all devices.
	Devices Set

	// Names restricts matching to these notification names. Empty means all names.
	Names Set

	// Visible restricts a global subscription to the devices the owning
	// principal may see. Nil means unrestricted.
	Visible Set

	// Since is the catch-up start (zero when absent).
	Since time.Time

	// CreatedAt is set by the index.
	CreatedAt time.Time
}

// IsGlobal reports whether the subscription covers all devices.
func (s *Subscription) IsGlobal() bool {
	return len(s.Devices) == 0
}

// Matches reports whether a notification from deviceID named name is
// covered by this subscription.
func (s *Subscription) Matches(deviceID, name string) bool {
	if !s.coversDevice(deviceID) {
		return false
	}
	return len(s.Names) == 0 || s.Names.Contains(name)
}

func (s *Subscription) coversDevice(deviceID string) bool {
	if len(s.Devices) > 0 {
		return s.Devices.Contains(deviceID)
	}
	return s.Visible == nil || s.Visible.Contains(deviceID)
}

// intersects reports whether the device set shares a device with ids.
// A global subscription intersects any non-empty list.
func (s *Subscription) intersects(ids []string) bool {
	if s.IsGlobal() {
		return len(ids) > 0
	}
	for _, id := range ids {
		if s.Devices.Contains(id) {
			return true
		}
	}
	return false
}
