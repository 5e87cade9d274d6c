package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/devicehive/notifyhub/pkg/model"
)

// Memory keeps notifications and devices in process memory. It retains
// at most Retain notifications, dropping the oldest.
type Memory struct {
	mu            sync.RWMutex
	notifications []model.Notification
	devices       map[string]model.Device
	nextID        int64
	retain        int
	now           func() time.Time
}

// DefaultRetain bounds the in-memory notification history.
const DefaultRetain = 10000

// NewMemory returns an empty in-memory store. retain <= 0 means DefaultRetain.
func NewMemory(retain int) *Memory {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Memory{
		devices: make(map[string]model.Device),
		retain:  retain,
		now:     time.Now,
	}
}

// Insert implements NotificationStore.
func (m *Memory) Insert(_ context.Context, n *model.Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	n.ID = m.nextID
	ts := m.now().UTC()
	// Keep timestamps strictly increasing so Since cursors never skip.
	if last := len(m.notifications); last > 0 && !ts.After(m.notifications[last-1].Timestamp) {
		ts = m.notifications[last-1].Timestamp.Add(time.Microsecond)
	}
	n.Timestamp = ts

	stored := *n
	stored.Payload = clonePayload(n.Payload)
	m.notifications = append(m.notifications, stored)
	if over := len(m.notifications) - m.retain; over > 0 {
		m.notifications = slices.Delete(m.notifications, 0, over)
	}
	return nil
}

// QueryMatching implements NotificationStore.
func (m *Memory) QueryMatching(_ context.Context, q Query) ([]model.Notification, error) {
	devices := toSet(q.DeviceIDs)
	names := toSet(q.Names)
	limit := q.limit()

	m.mu.RLock()
	defer m.mu.RUnlock()

	start := 0
	if !q.Since.IsZero() {
		start = sort.Search(len(m.notifications), func(i int) bool {
			return m.notifications[i].Timestamp.After(q.Since)
		})
	}

	var out []model.Notification
	for _, n := range m.notifications[start:] {
		if devices != nil {
			if _, ok := devices[n.DeviceID]; !ok {
				continue
			}
		}
		if names != nil {
			if _, ok := names[n.Name]; !ok {
				continue
			}
		}
		c := n
		c.Payload = clonePayload(n.Payload)
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of retained notifications.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.notifications)
}

// PutDevice implements DeviceDirectory.
func (m *Memory) PutDevice(_ context.Context, d model.Device) error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	m.mu.Lock()
	m.devices[d.ID] = d
	m.mu.Unlock()
	return nil
}

// GetDevice implements DeviceDirectory.
func (m *Memory) GetDevice(_ context.Context, id string) (*model.Device, error) {
	m.mu.RLock()
	d, ok := m.devices[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return &d, nil
}

// DevicesInNetworks implements DeviceDirectory.
func (m *Memory) DevicesInNetworks(_ context.Context, networkIDs []int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for id, d := range m.devices {
		if d.NetworkID != nil && slices.Contains(networkIDs, *d.NetworkID) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	s := make(map[string]struct{}, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
