package model

// Device is a registered device.
type Device struct {
	// ID is the device identifier used in subscriptions.
	ID string `json:"id" cbor:"id"`

	// Name is a display name.
	Name string `json:"name,omitempty" cbor:"name,omitempty"`

	// NetworkID is the network the device belongs to (nil when unassigned).
	NetworkID *int64 `json:"networkId,omitempty" cbor:"networkId,omitempty"`

	// Blocked devices may not insert notifications.
	Blocked bool `json:"isBlocked,omitempty" cbor:"isBlocked,omitempty"`
}

// HasNetwork reports whether the device is assigned to a network.
func (d *Device) HasNetwork() bool {
	return d != nil && d.NetworkID != nil
}
