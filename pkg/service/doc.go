// Package service ties the subscription index, the connection registry and
// the delivery dispatcher together behind the operations clients use.
//
// Transports call OnConnect when a connection opens, OnMessage for every
// inbound frame and OnDisconnect when the connection ends. Each frame is
// decoded with the connection's codec and routed through a fixed table of
// actions:
//
//	authenticate              token
//	server/info
//	notification/subscribe    GET_DEVICE_NOTIFICATION
//	notification/unsubscribe  GET_DEVICE_NOTIFICATION
//	notification/insert       CREATE_DEVICE_NOTIFICATION
//
// The permission of a route is checked before its handler runs; handlers
// then authorize the individual devices they touch.
//
// Producers call InsertNotification (or Ingest for notifications stored
// elsewhere). Matching is synchronous and cheap; delivery is queued on the
// dispatcher and never blocks the producer. A connection that cannot keep
// up is closed by the registry and its subscriptions are dropped through
// OnTransportError.
package service
