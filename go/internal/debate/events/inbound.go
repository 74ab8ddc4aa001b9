package events

import "fmt"

// Inbound is a decoded scheduling message. The set of variants is closed:
// ActiveTurnChanged and QueueChanged. Each carries a full snapshot that the
// receiver applies as an atomic replace.
type Inbound interface {
	inbound()
}

// ActiveTurnChanged carries a received ACTIVE_TURN snapshot.
type ActiveTurnChanged struct {
	SenderID string
	Turn     ActiveTurnPayload
}

// QueueChanged carries a received QUEUE_SNAPSHOT.
type QueueChanged struct {
	SenderID string
	Queue    QueueSnapshotPayload
}

func (ActiveTurnChanged) inbound() {}
func (QueueChanged) inbound()      {}

// ToInbound converts a scheduling envelope into its typed variant.
func ToInbound(event *Event) (Inbound, error) {
	payload, err := ParseEventPayload(event)
	if err != nil {
		return nil, fmt.Errorf("parse %s payload: %w", event.Type, err)
	}
	switch p := payload.(type) {
	case ActiveTurnPayload:
		return ActiveTurnChanged{SenderID: event.SenderID, Turn: p}, nil
	case QueueSnapshotPayload:
		return QueueChanged{SenderID: event.SenderID, Queue: p}, nil
	default:
		return nil, fmt.Errorf("event type %s is not a scheduling event", event.Type)
	}
}
