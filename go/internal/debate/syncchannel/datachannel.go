package syncchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

// DataChannelLabel is the label of the data channel that carries scheduling frames.
const DataChannelLabel = "debate-sync"

// ErrNoOpenChannel is returned when a broadcast finds no open data channel.
var ErrNoOpenChannel = errors.New("no open data channel")

type channelFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DataChannelTransport fans broadcasts out over a set of WebRTC data channels,
// one per remote peer. Frames are also delivered locally so that the sender
// sees its own broadcast, as with the other transports.
type DataChannelTransport struct {
	mu       sync.RWMutex
	channels map[string]*webrtc.DataChannel
	handlers map[string][]func([]byte)
}

// NewDataChannelTransport creates a transport with no channels attached.
func NewDataChannelTransport() *DataChannelTransport {
	return &DataChannelTransport{
		channels: make(map[string]*webrtc.DataChannel),
		handlers: make(map[string][]func([]byte)),
	}
}

// AddChannel attaches the data channel shared with remotePeerID.
func (t *DataChannelTransport) AddChannel(remotePeerID string, dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.channels[remotePeerID] = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		log.Info().
			Str("peer_id", remotePeerID).
			Str("label", dc.Label()).
			Msg("data channel open")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.handleFrame(msg.Data)
	})
	dc.OnClose(func() {
		t.RemoveChannel(remotePeerID)
	})
}

// RemoveChannel detaches the channel of remotePeerID.
func (t *DataChannelTransport) RemoveChannel(remotePeerID string) {
	t.mu.Lock()
	_, ok := t.channels[remotePeerID]
	delete(t.channels, remotePeerID)
	t.mu.Unlock()

	if ok {
		log.Info().Str("peer_id", remotePeerID).Msg("data channel removed")
	}
}

// Peers returns the remote peers that currently have a channel.
func (t *DataChannelTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.channels))
	for id := range t.channels {
		ids = append(ids, id)
	}
	return ids
}

func (t *DataChannelTransport) Broadcast(_ context.Context, eventType string, payload []byte) error {
	frame, err := json.Marshal(channelFrame{Type: eventType, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal data channel frame: %w", err)
	}

	t.mu.RLock()
	channels := make(map[string]*webrtc.DataChannel, len(t.channels))
	for id, dc := range t.channels {
		channels[id] = dc
	}
	t.mu.RUnlock()

	sent := 0
	for id, dc := range channels {
		if dc.ReadyState() != webrtc.DataChannelStateOpen {
			continue
		}
		if err := dc.SendText(string(frame)); err != nil {
			log.Warn().Err(err).Str("peer_id", id).Msg("failed to send on data channel")
			continue
		}
		sent++
	}

	t.handleFrame(frame)

	if sent == 0 && len(channels) > 0 {
		return ErrNoOpenChannel
	}
	return nil
}

func (t *DataChannelTransport) OnEvent(eventType string, handler func(payload []byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[eventType] = append(t.handlers[eventType], handler)
	return nil
}

// Close closes every attached channel.
func (t *DataChannelTransport) Close() error {
	t.mu.Lock()
	channels := t.channels
	t.channels = make(map[string]*webrtc.DataChannel)
	t.mu.Unlock()

	var errs []error
	for _, dc := range channels {
		if err := dc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *DataChannelTransport) handleFrame(raw []byte) {
	var frame channelFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Warn().Err(err).Msg("dropping malformed data channel frame")
		return
	}

	t.mu.RLock()
	handlers := slices.Clone(t.handlers[frame.Type])
	t.mu.RUnlock()

	for _, h := range handlers {
		h(frame.Payload)
	}
}
