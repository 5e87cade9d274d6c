// Package model defines the entities shared by the notification hub.
//
// # Devices
//
// A Device is identified by an opaque string ID. Devices belong to at most
// one network; a device without a network cannot produce notifications.
//
// # Notifications
//
// A Notification is an immutable record emitted by a device (or by a client
// on its behalf). The store assigns the ID and timestamp at insertion:
//
//	Notification{ID: 17, DeviceID: "dev-1", Name: "temp", Payload: {...}}
//
// Consumers receive notifications through subscriptions and must treat
// duplicate IDs as the same notification.
package model
