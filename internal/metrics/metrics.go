// Package metrics exposes process-wide delivery counters through expvar.
package metrics

import (
	"expvar"
	"sync"
)

var (
	metricsOnce sync.Once

	notificationsIngested *expvar.Int
	subscriptionsMatched  *expvar.Int
	deliveriesSent        *expvar.Int
	deliveriesDropped     *expvar.Int
	deliveriesFailed      *expvar.Int
	catchUpDelivered      *expvar.Int
)

func initMetrics() {
	metricsOnce.Do(func() {
		notificationsIngested = expvar.NewInt("notifyhub_notifications_ingested_total")
		subscriptionsMatched = expvar.NewInt("notifyhub_subscriptions_matched_total")
		deliveriesSent = expvar.NewInt("notifyhub_deliveries_sent_total")
		deliveriesDropped = expvar.NewInt("notifyhub_deliveries_dropped_total")
		deliveriesFailed = expvar.NewInt("notifyhub_deliveries_failed_total")
		catchUpDelivered = expvar.NewInt("notifyhub_catchup_notifications_total")
	})
}

// Publish registers a gauge computed on every scrape. Names must be unique
// per process.
func Publish(name string, fn func() any) {
	expvar.Publish(name, expvar.Func(fn))
}

// Ingested counts a notification handed to the matcher with its match count.
func Ingested(matched int) {
	initMetrics()
	notificationsIngested.Add(1)
	subscriptionsMatched.Add(int64(matched))
}

// Delivered counts a push written to a session.
func Delivered() {
	initMetrics()
	deliveriesSent.Add(1)
}

// Dropped counts a push for a session that no longer exists.
func Dropped() {
	initMetrics()
	deliveriesDropped.Add(1)
}

// Failed counts a push lost to a transport or encoding failure.
func Failed() {
	initMetrics()
	deliveriesFailed.Add(1)
}

// CatchUp counts notifications replayed for a "since" subscription.
func CatchUp(n int) {
	initMetrics()
	catchUpDelivered.Add(int64(n))
}

// Snapshot returns the current counter values keyed by expvar name.
func Snapshot() map[string]int64 {
	initMetrics()
	return map[string]int64{
		"notifyhub_notifications_ingested_total": notificationsIngested.Value(),
		"notifyhub_subscriptions_matched_total":  subscriptionsMatched.Value(),
		"notifyhub_deliveries_sent_total":        deliveriesSent.Value(),
		"notifyhub_deliveries_dropped_total":     deliveriesDropped.Value(),
		"notifyhub_deliveries_failed_total":      deliveriesFailed.Value(),
		"notifyhub_catchup_notifications_total":  catchUpDelivered.Value(),
	}
}
