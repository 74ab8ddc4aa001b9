package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope for every message sent over a broadcast transport
type Event struct {
	ID        string          `json:"id"`        // Event UUID
	RoomID    string          `json:"room_id"`   // Room the event belongs to
	SenderID  string          `json:"sender_id"` // Peer that sent it
	Type      EventType       `json:"type"`      // Event type
	Timestamp time.Time       `json:"timestamp"` // Event creation time
	Data      json.RawMessage `json:"data"`      // Event-specific payload
}

// EventType represents the type of broadcast event
type EventType string

const (
	EventTypeActiveTurn    EventType = "ACTIVE_TURN"
	EventTypeQueueSnapshot EventType = "QUEUE_SNAPSHOT"
	EventTypeRoster        EventType = "ROSTER"
	EventTypeSignal        EventType = "SIGNAL"
)

// SchedulingTypes lists the event types the scheduler consumes.
var SchedulingTypes = []EventType{EventTypeActiveTurn, EventTypeQueueSnapshot}

// New builds an envelope around payload.
func New(roomID, senderID string, eventType EventType, payload interface{}, at time.Time) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Event{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		SenderID:  senderID,
		Type:      eventType,
		Timestamp: at,
		Data:      data,
	}, nil
}

// Decode parses a wire frame into an envelope.
func Decode(raw []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("event %q has no type", event.ID)
	}
	return &event, nil
}

// ParseEventPayload parses event data into the appropriate payload struct
func ParseEventPayload(event *Event) (interface{}, error) {
	switch event.Type {
	case EventTypeActiveTurn:
		var payload ActiveTurnPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeQueueSnapshot:
		var payload QueueSnapshotPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeRoster:
		var payload RosterPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeSignal:
		var payload SignalPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("unknown event type: %s", event.Type)
	}
}
