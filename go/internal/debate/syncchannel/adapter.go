package syncchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/debateroom/go/internal/debate/events"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by transports after Close.
var ErrClosed = errors.New("transport closed")

// EventHandler receives decoded scheduling messages.
type EventHandler interface {
	HandleInbound(ctx context.Context, in events.Inbound)
}

// Adapter encodes outgoing snapshots into event envelopes and decodes
// incoming frames into typed inbound messages.
type Adapter struct {
	roomID    string
	localID   string
	transport Transport
	clock     clockwork.Clock
}

// NewAdapter binds a transport to one room and local peer.
func NewAdapter(roomID, localID string, transport Transport, clock clockwork.Clock) *Adapter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Adapter{
		roomID:    roomID,
		localID:   localID,
		transport: transport,
		clock:     clock,
	}
}

// PublishActiveTurn broadcasts an ACTIVE_TURN snapshot. Failures are logged.
func (a *Adapter) PublishActiveTurn(ctx context.Context, turn events.ActiveTurnPayload) {
	a.publish(ctx, events.EventTypeActiveTurn, turn)
}

// PublishQueue broadcasts a QUEUE_SNAPSHOT. Failures are logged.
func (a *Adapter) PublishQueue(ctx context.Context, snap events.QueueSnapshotPayload) {
	a.publish(ctx, events.EventTypeQueueSnapshot, snap)
}

func (a *Adapter) publish(ctx context.Context, eventType events.EventType, payload interface{}) {
	raw, err := a.encode(eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to encode event")
		return
	}

	if err := a.transport.Broadcast(ctx, string(eventType), raw); err != nil {
		log.Error().
			Err(err).
			Str("room_id", a.roomID).
			Str("event_type", string(eventType)).
			Msg("failed to broadcast event")
		return
	}

	log.Debug().
		Str("room_id", a.roomID).
		Str("event_type", string(eventType)).
		Int("bytes", len(raw)).
		Msg("broadcast event")
}

func (a *Adapter) encode(eventType events.EventType, payload interface{}) ([]byte, error) {
	event, err := events.New(a.roomID, a.localID, eventType, payload, a.clock.Now())
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event envelope: %w", err)
	}
	return raw, nil
}

// Subscribe routes every scheduling frame on the transport to handler.
// Malformed frames and frames for another room are dropped.
func (a *Adapter) Subscribe(ctx context.Context, handler EventHandler) error {
	for _, eventType := range events.SchedulingTypes {
		eventType := eventType
		err := a.transport.OnEvent(string(eventType), func(raw []byte) {
			in, err := a.Decode(raw)
			if err != nil {
				log.Warn().Err(err).Str("event_type", string(eventType)).Msg("dropping malformed frame")
				return
			}
			if in == nil {
				return
			}
			handler.HandleInbound(ctx, in)
		})
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", eventType, err)
		}
	}
	return nil
}

// Decode turns a raw frame into a typed message. It returns nil without error
// for frames that belong to another room.
func (a *Adapter) Decode(raw []byte) (events.Inbound, error) {
	event, err := events.Decode(raw)
	if err != nil {
		return nil, err
	}
	if event.RoomID != "" && event.RoomID != a.roomID {
		log.Debug().
			Str("room_id", event.RoomID).
			Str("expected_room_id", a.roomID).
			Msg("ignoring frame for another room")
		return nil, nil
	}
	return events.ToInbound(event)
}
