package model

import (
	"fmt"
	"time"
)

// MaxNameLength is the maximum length of a notification name.
const MaxNameLength = 128

// Notification is a device notification.
type Notification struct {
	// ID is assigned by the store.
	ID int64 `json:"id"`

	// DeviceID is the producing device.
	DeviceID string `json:"deviceId"`

	// Name is the notification name used for filtering.
	Name string `json:"notification"`

	// Payload is an opaque structured document.
	Payload map[string]any `json:"parameters,omitempty"`

	// Timestamp is assigned by the store at insertion.
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the fields a producer must supply.
func (n *Notification) Validate() error {
	if n.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if n.Name == "" {
		return fmt.Errorf("notification name is required")
	}
	if len(n.Name) > MaxNameLength {
		return fmt.Errorf("notification name exceeds %d characters", MaxNameLength)
	}
	return nil
}
