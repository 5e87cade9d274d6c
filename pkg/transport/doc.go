// Package transport is the framed TCP transport of the hub.
//
// Every message travels as one frame: a 4-byte big-endian length followed
// by a CBOR-encoded request, response or push. TLS is optional and is
// configured from PEM files.
//
//	┌────────────────────────────────┐
//	│      CBOR Messages             │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│      TLS 1.2+ (optional)       │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// The server reads frames of one connection sequentially and passes them
// to its Handler, so requests of a session are processed in arrival order.
// Writes go through the session registry, which owns backpressure.
package transport
