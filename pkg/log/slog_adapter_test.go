package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func logOne(t *testing.T, event Event) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	NewSlogAdapter(logger).Log(event)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	return entry
}

func TestSlogAdapterLogsPush(t *testing.T) {
	entry := logOne(t, Event{
		Timestamp: time.Now(),
		SessionID: "session-1",
		Direction: DirectionOut,
		Layer:     LayerWire,
		Category:  CategoryMessage,
		Transport: "ws",
		DeviceID:  "dev-1",
		Message: &MessageEvent{
			Type:           MessageTypePush,
			SubscriptionID: "sub-1",
			NotificationID: 7,
		},
	})

	checks := map[string]any{
		"msg":             "trace",
		"level":           "DEBUG",
		"session_id":      "session-1",
		"direction":       "OUT",
		"transport":       "ws",
		"device_id":       "dev-1",
		"msg_type":        "PUSH",
		"subscription_id": "sub-1",
		"notification_id": float64(7),
	}
	for key, want := range checks {
		if entry[key] != want {
			t.Errorf("%s: got %v, want %v", key, entry[key], want)
		}
	}
}

func TestSlogAdapterLogsStateChange(t *testing.T) {
	entry := logOne(t, Event{
		SessionID: "session-1",
		Layer:     LayerService,
		Category:  CategoryState,
		StateChange: &StateChangeEvent{
			Entity:          StateEntitySubscription,
			OldState:        "ACTIVE",
			NewState:        "REMOVED",
			Reason:          "disconnect",
			SubscriptionIDs: []string{"sub-1", "sub-2"},
		},
	})

	if entry["entity"] != "SUBSCRIPTION" {
		t.Errorf("entity: got %v", entry["entity"])
	}
	if entry["reason"] != "disconnect" {
		t.Errorf("reason: got %v", entry["reason"])
	}
	ids, ok := entry["subscription_ids"].([]any)
	if !ok || len(ids) != 2 {
		t.Errorf("subscription_ids: got %v", entry["subscription_ids"])
	}
}

func TestSlogAdapterLogsError(t *testing.T) {
	code := 403
	entry := logOne(t, Event{
		SessionID: "session-1",
		Category:  CategoryError,
		Error: &ErrorEventData{
			Layer:   LayerService,
			Message: "not authorized",
			Code:    &code,
			Context: "notification/subscribe",
		},
	})

	if entry["error_msg"] != "not authorized" {
		t.Errorf("error_msg: got %v", entry["error_msg"])
	}
	if entry["error_code"] != float64(403) {
		t.Errorf("error_code: got %v", entry["error_code"])
	}
}
