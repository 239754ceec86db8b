package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"bilancio/internal/core"
)

// Event names carried on the wire.
const (
	EventMonthSynced  = "month.synced"
	EventMonthDeleted = "month.deleted"
)

// MonthEventMessage tells other household devices that a month document
// changed remotely. It carries only the key and the confirmed timestamp;
// consumers fetch the document themselves.
type MonthEventMessage struct {
	Event     string    `json:"event"`
	MonthKey  string    `json:"monthKey"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMonthSyncedMessage builds the event for a confirmed remote write.
func NewMonthSyncedMessage(key core.MonthKey, updatedAt time.Time) *MonthEventMessage {
	return &MonthEventMessage{
		Event:     EventMonthSynced,
		MonthKey:  string(key),
		UpdatedAt: updatedAt,
		Timestamp: time.Now(),
	}
}

// NewMonthDeletedMessage builds the event for a confirmed remote delete.
func NewMonthDeletedMessage(key core.MonthKey) *MonthEventMessage {
	return &MonthEventMessage{
		Event:     EventMonthDeleted,
		MonthKey:  string(key),
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes.
func (m *MonthEventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// MonthEventMessageFromJSON parses a wire message and validates its
// event name and month key.
func MonthEventMessageFromJSON(data []byte) (*MonthEventMessage, error) {
	var msg MonthEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Event != EventMonthSynced && msg.Event != EventMonthDeleted {
		return nil, fmt.Errorf("unknown event %q", msg.Event)
	}
	if _, err := core.ParseMonthKey(msg.MonthKey); err != nil {
		return nil, fmt.Errorf("bad month key %q: %w", msg.MonthKey, err)
	}
	return &msg, nil
}
