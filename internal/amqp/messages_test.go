package amqp

import (
	"testing"
	"time"
)

func TestNewMonthSyncedMessage(t *testing.T) {
	updatedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := NewMonthSyncedMessage("2024-06", updatedAt)

	if msg.Event != EventMonthSynced {
		t.Errorf("Event = %q, want %q", msg.Event, EventMonthSynced)
	}
	if msg.MonthKey != "2024-06" {
		t.Errorf("MonthKey = %q, want %q", msg.MonthKey, "2024-06")
	}
	if !msg.UpdatedAt.Equal(updatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", msg.UpdatedAt, updatedAt)
	}
	if msg.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}
}

func TestMonthEventMessage_JSON(t *testing.T) {
	msg := NewMonthDeletedMessage("2024-06")

	body, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	parsed, err := MonthEventMessageFromJSON(body)
	if err != nil {
		t.Fatalf("MonthEventMessageFromJSON() error = %v", err)
	}
	if parsed.Event != EventMonthDeleted {
		t.Errorf("Event = %q, want %q", parsed.Event, EventMonthDeleted)
	}
	if parsed.MonthKey != msg.MonthKey {
		t.Errorf("MonthKey = %q, want %q", parsed.MonthKey, msg.MonthKey)
	}
	if !parsed.Timestamp.Equal(msg.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", parsed.Timestamp, msg.Timestamp)
	}
}

func TestMonthEventMessageFromJSON_Invalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"event": `},
		{"unknown event", `{"event": "month.exploded", "monthKey": "2024-06"}`},
		{"bad month key", `{"event": "month.synced", "monthKey": "June 2024"}`},
		{"missing month key", `{"event": "month.synced"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := MonthEventMessageFromJSON([]byte(tc.body)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
