// Package subscription implements the subscription index of the notification hub.
//
// A subscription registers a session's interest in notifications from a set of
// devices, optionally filtered by notification name. The index answers two
// questions: which subscription has a given ID (for unsubscribe), and which
// subscriptions match a notification from a given device (for delivery).
//
// # Device Buckets
//
// Every subscription with an explicit device set is placed in one bucket per
// device. Subscriptions without a device set go into the global bucket and
// match every device the owning principal may see:
//
//	devices["dev-1"] = [sub-a, sub-c]
//	devices["dev-2"] = [sub-c]
//	global           = [sub-b]
//
// Match("dev-1", name) consults devices["dev-1"] and the global bucket.
//
// # Consistency
//
// Buckets are immutable slices replaced on every write. Writers serialize on
// the index lock and update the primary map and all buckets of a subscription
// in one critical section. Readers capture the bucket slices under a read lock
// and filter them without holding it, so a reader observes either the state
// before or after any single mutation.
//
// # Lifecycle
//
// Subscriptions do not survive their session. Filters never change after Add;
// a client that wants a different filter removes the subscription and adds a
// new one.
package subscription
