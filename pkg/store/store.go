// Package store defines the persistence boundary for notifications and
// devices, with an in-memory implementation.
package store

import (
	"context"
	"time"

	"github.com/devicehive/notifyhub/pkg/auth"
	"github.com/devicehive/notifyhub/pkg/model"
)

// DefaultQueryLimit caps catch-up queries that set no limit.
const DefaultQueryLimit = 1000

// ErrDeviceNotFound is returned for unknown devices.
var ErrDeviceNotFound = auth.ErrDeviceNotFound

// Query selects stored notifications for catch-up or polling.
type Query struct {
	// DeviceIDs restricts the query. Empty means all devices.
	DeviceIDs []string

	// Names restricts the query. Empty means all names.
	Names []string

	// Since is exclusive; notifications at or before it are skipped.
	Since time.Time

	// Limit caps the result size. Zero means DefaultQueryLimit.
	Limit int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultQueryLimit
	}
	return q.Limit
}

// NotificationStore persists notifications.
type NotificationStore interface {
	// Insert assigns ID and Timestamp and persists the notification.
	Insert(ctx context.Context, n *model.Notification) error

	// QueryMatching returns matching notifications in timestamp order.
	QueryMatching(ctx context.Context, q Query) ([]model.Notification, error)
}

// DeviceDirectory looks up devices.
type DeviceDirectory interface {
	auth.DeviceDirectory

	// PutDevice creates or replaces a device.
	PutDevice(ctx context.Context, d model.Device) error
}
