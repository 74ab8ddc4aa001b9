package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/debateroom/go/internal/debate/events"
	"github.com/mcdev12/debateroom/go/internal/debate/syncchannel"
	"github.com/mcdev12/debateroom/go/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// relayHeader carries the id of the relay that published a bridged frame.
const relayHeader = "Debate-Relay-Id"

// DefaultRosterInterval is how often a relay re-announces its local rosters.
// A relay silent for three intervals is dropped from merged rosters.
const DefaultRosterInterval = 10 * time.Second

// Bridge mirrors scheduling frames between the relay's rooms and NATS
// subjects, so peers on different relays or directly on NATS share a room.
// Relays also exchange their local rosters, so every peer sees the whole room.
type Bridge struct {
	id       string
	nc       *nats.Conn
	prefix   string
	cm       *ConnectionManager
	interval time.Duration

	mu   sync.Mutex
	sub  *nats.Subscription
	stop chan struct{}
	done chan struct{}
}

// NewBridge creates a bridge for cm over nc. Subjects follow the
// <prefix>.<room_id>.<event_type> layout used by NATS transports.
func NewBridge(nc *nats.Conn, prefix string, cm *ConnectionManager) *Bridge {
	if prefix == "" {
		prefix = syncchannel.DefaultSubjectPrefix
	}
	return &Bridge{
		id:       uuid.New().String(),
		nc:       nc,
		prefix:   prefix,
		cm:       cm,
		interval: DefaultRosterInterval,
	}
}

// Start subscribes to every room subject and begins mirroring relay frames out.
func (b *Bridge) Start() error {
	sub, err := b.nc.Subscribe(b.prefix+".>", b.handleMsg)
	if err != nil {
		return fmt.Errorf("subscribe to %s.>: %w", b.prefix, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	b.mu.Lock()
	b.sub = sub
	b.stop = stop
	b.done = done
	b.mu.Unlock()

	b.cm.SetForwarder(b.publish)
	b.cm.SetRosterListener(b.publishRoster)
	go b.announceLoop(stop, done)

	log.Info().
		Str("relay_id", b.id).
		Str("prefix", b.prefix).
		Msg("NATS bridge started")
	return nil
}

// Stop unsubscribes, stops mirroring and withdraws this relay's rosters.
func (b *Bridge) Stop() error {
	b.cm.SetForwarder(nil)
	b.cm.SetRosterListener(nil)

	b.mu.Lock()
	sub, stop, done := b.sub, b.stop, b.done
	b.sub, b.stop, b.done = nil, nil, nil
	b.mu.Unlock()

	if sub == nil {
		return nil
	}
	close(stop)
	<-done

	for _, roomID := range b.cm.LocalRooms() {
		b.publishRoster(roomID, nil)
	}
	return sub.Unsubscribe()
}

// announceLoop re-sends local rosters so other relays keep them, and expires
// relays that went quiet.
func (b *Bridge) announceLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := b.cm.clock.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			for _, roomID := range b.cm.LocalRooms() {
				b.publishRoster(roomID, b.cm.LocalRoster(roomID))
			}
			b.cm.PruneRemoteRosters(3 * b.interval)
		}
	}
}

func (b *Bridge) subject(roomID string, eventType events.EventType) string {
	return b.prefix + "." + roomID + "." + string(eventType)
}

// publish mirrors a relay frame to NATS.
func (b *Bridge) publish(roomID string, eventType events.EventType, frame []byte) {
	msg := nats.NewMsg(b.subject(roomID, eventType))
	msg.Header.Set(relayHeader, b.id)
	msg.Data = frame

	if err := b.nc.PublishMsg(msg); err != nil {
		log.Error().
			Err(err).
			Str("room_id", roomID).
			Str("event_type", string(eventType)).
			Msg("failed to mirror frame to NATS")
	}
}

// publishRoster announces the peers connected here in roomID.
func (b *Bridge) publishRoster(roomID string, local models.Roster) {
	event, err := events.New(roomID, SenderID, events.EventTypeRoster, events.RosterPayload{Peers: local}, b.cm.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to build roster announcement")
		return
	}
	frame, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal roster announcement")
		return
	}
	b.publish(roomID, events.EventTypeRoster, frame)
}

// handleMsg injects frames published elsewhere into the matching relay room.
// Rosters from other relays are merged instead of forwarded.
func (b *Bridge) handleMsg(msg *nats.Msg) {
	relayID := msg.Header.Get(relayHeader)
	if relayID == b.id {
		return
	}

	roomID, eventType, ok := b.parseSubject(msg.Subject)
	if !ok {
		log.Debug().Str("subject", msg.Subject).Msg("ignoring unexpected bridge subject")
		return
	}
	if eventType == events.EventTypeRoster {
		b.handleRoster(roomID, relayID, msg.Data)
		return
	}

	b.cm.BroadcastToRoom(roomID, msg.Data)
}

func (b *Bridge) handleRoster(roomID, relayID string, data []byte) {
	// Only relays announce rosters.
	if relayID == "" {
		return
	}
	event, err := events.Decode(data)
	if err != nil || event.Type != events.EventTypeRoster || event.RoomID != roomID {
		log.Warn().Str("relay_id", relayID).Msg("dropping malformed roster announcement")
		return
	}
	payload, err := events.ParseEventPayload(event)
	if err != nil {
		log.Warn().Err(err).Str("relay_id", relayID).Msg("dropping malformed roster announcement")
		return
	}
	b.cm.SetRemoteRoster(roomID, relayID, payload.(events.RosterPayload).Peers)
}

func (b *Bridge) parseSubject(subject string) (string, events.EventType, bool) {
	rest, ok := strings.CutPrefix(subject, b.prefix+".")
	if !ok {
		return "", "", false
	}
	roomID, eventType, ok := strings.Cut(rest, ".")
	if !ok || roomID == "" || eventType == "" || strings.Contains(eventType, ".") {
		return "", "", false
	}
	return roomID, events.EventType(eventType), true
}
