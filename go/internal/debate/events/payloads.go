package events

import (
	"time"

	"github.com/mcdev12/debateroom/go/internal/models"
)

// Payload types shared between the scheduler, the sync adapter and the relay.
// Scheduling payloads always carry the complete current value, never a diff.

// ActiveTurnPayload is the payload for an ACTIVE_TURN event.
// An empty PeerID means no one is speaking.
type ActiveTurnPayload struct {
	PeerID    string     `json:"peer_id"`
	StartTime time.Time  `json:"start_time"`
	PausedAt  *time.Time `json:"paused_at,omitempty"`
	Version   uint64     `json:"version"`
	Origin    string     `json:"origin"`
}

// QueueSnapshotPayload is the payload for a QUEUE_SNAPSHOT event.
type QueueSnapshotPayload struct {
	Order   []string `json:"order"`
	Version uint64   `json:"version"`
	Origin  string   `json:"origin"`
}

// RosterPayload is the payload for a ROSTER event, published by the relay only.
type RosterPayload struct {
	Peers []models.Peer `json:"peers"`
}

// SignalKind distinguishes the two halves of a session negotiation.
type SignalKind string

const (
	SignalOffer  SignalKind = "offer"
	SignalAnswer SignalKind = "answer"
)

// SignalPayload is the payload for a SIGNAL event: a session description
// addressed to one peer. Everyone else ignores it.
type SignalPayload struct {
	Target string     `json:"target"`
	Kind   SignalKind `json:"kind"`
	SDP    string     `json:"sdp"`
}
