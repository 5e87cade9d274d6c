// Package wire defines the messages exchanged between clients and the hub
// and their encodings.
//
// # Messages
//
// Every client message is a Request naming an action. The hub answers each
// request with a Response carrying the same action and requestId. Matched
// notifications arrive as unsolicited Push messages:
//
//	{"action": "notification/insert", "subscriptionId": "...",
//	 "notification": {"id": 17, "deviceId": "dev-1", "notification": "temp",
//	                  "parameters": {...}, "timestamp": "..."}}
//
// # Encodings
//
// The same message types are carried as CBOR on the framed TCP transport
// and as JSON on the websocket transport. Both use string keys so a message
// can be logged or converted without a schema.
package wire
