// Package client is a reconnecting client for the hub's framed transport.
//
// A Client wraps one transport connection at a time. When the connection
// is lost it dials again with exponential backoff:
//
//  1. Initial delay: 1 second
//  2. Doubling on every failed attempt
//  3. Maximum delay: 30 seconds
//  4. Reset on successful reconnection
//
// Each delay gets up to 25% random jitter so clients dropped together do not
// return together.
//
// After reconnecting the client authenticates with the last accepted token
// and subscribes again with every live subscription's filter. Resubscribe
// requests carry the timestamp of the last notification seen on the
// subscription (the subscribe time when none was seen), so the hub replays
// what was missed while disconnected. Delivery across a reconnect is at
// least once.
// Subscription IDs change on reconnect; OnResubscribe reports the mapping.
package client
