package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersAccumulate(t *testing.T) {
	before := Snapshot()

	Ingested(3)
	Delivered()
	Delivered()
	Dropped()
	Failed()
	CatchUp(5)

	after := Snapshot()
	assert.Equal(t, int64(1), after["notifyhub_notifications_ingested_total"]-before["notifyhub_notifications_ingested_total"])
	assert.Equal(t, int64(3), after["notifyhub_subscriptions_matched_total"]-before["notifyhub_subscriptions_matched_total"])
	assert.Equal(t, int64(2), after["notifyhub_deliveries_sent_total"]-before["notifyhub_deliveries_sent_total"])
	assert.Equal(t, int64(1), after["notifyhub_deliveries_dropped_total"]-before["notifyhub_deliveries_dropped_total"])
	assert.Equal(t, int64(1), after["notifyhub_deliveries_failed_total"]-before["notifyhub_deliveries_failed_total"])
	assert.Equal(t, int64(5), after["notifyhub_catchup_notifications_total"]-before["notifyhub_catchup_notifications_total"])
}
