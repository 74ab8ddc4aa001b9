// Package mesh connects every pair of peers in a room with a WebRTC data
// channel, using the room's broadcast channel for session negotiation.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/debateroom/go/internal/debate/events"
	"github.com/mcdev12/debateroom/go/internal/debate/syncchannel"
	"github.com/mcdev12/debateroom/go/internal/models"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

// GoogleSTUNAddress is the default STUN server.
const GoogleSTUNAddress = "stun:stun.l.google.com:19302"

var ErrClosed = errors.New("mesh closed")

// DefaultConfiguration uses a public STUN server.
func DefaultConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{GoogleSTUNAddress}},
		},
	}
}

// Mesh keeps one peer connection per remote peer. The peer with the smaller id
// makes the offer; candidates are gathered before a description is sent, so
// one offer and one answer complete a negotiation.
type Mesh struct {
	roomID  string
	localID string
	signal  syncchannel.Transport
	data    *syncchannel.DataChannelTransport
	config  webrtc.Configuration
	clock   clockwork.Clock

	mu     sync.Mutex
	peers  map[string]*webrtc.PeerConnection
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a mesh for localID. Negotiation frames travel over signal; the
// resulting data channels are attached to data.
func New(roomID, localID string, signal syncchannel.Transport, data *syncchannel.DataChannelTransport, config webrtc.Configuration) *Mesh {
	return &Mesh{
		roomID:  roomID,
		localID: localID,
		signal:  signal,
		data:    data,
		config:  config,
		clock:   clockwork.NewRealClock(),
		peers:   make(map[string]*webrtc.PeerConnection),
		done:    make(chan struct{}),
	}
}

// Start listens for negotiation frames addressed to this peer.
func (m *Mesh) Start() error {
	return m.signal.OnEvent(string(events.EventTypeSignal), m.handleSignal)
}

// UpdateRoster connects to peers that appeared and drops peers that left.
func (m *Mesh) UpdateRoster(ctx context.Context, roster models.Roster) {
	present := make(map[string]bool, len(roster))
	for _, p := range roster {
		present[p.ID] = true
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var departed []string
	for id := range m.peers {
		if !present[id] {
			departed = append(departed, id)
		}
	}
	var offerTo []string
	for _, p := range roster {
		if p.ID == m.localID || m.peers[p.ID] != nil {
			continue
		}
		if m.localID < p.ID {
			offerTo = append(offerTo, p.ID)
		}
	}
	m.mu.Unlock()

	for _, id := range departed {
		m.drop(id)
	}
	for _, id := range offerTo {
		id := id
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.offer(ctx, id); err != nil {
				log.Error().Err(err).Str("peer_id", id).Msg("failed to offer data channel")
				m.drop(id)
			}
		}()
	}
}

// Peers returns the remote peers with a peer connection.
func (m *Mesh) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// Close tears down every peer connection.
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	peers := m.peers
	m.peers = make(map[string]*webrtc.PeerConnection)
	m.mu.Unlock()

	m.wg.Wait()

	var errs []error
	for id, pc := range peers {
		m.data.RemoveChannel(id)
		if err := pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Mesh) newPeerConnection(remoteID string) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(m.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("peer_id", remoteID).Str("state", s.String()).Msg("peer connection state changed")
		if s == webrtc.PeerConnectionStateFailed {
			m.drop(remoteID)
		}
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		pc.Close()
		return nil, ErrClosed
	}
	if old := m.peers[remoteID]; old != nil {
		old.Close()
	}
	m.peers[remoteID] = pc
	return pc, nil
}

func (m *Mesh) offer(ctx context.Context, remoteID string) error {
	pc, err := m.newPeerConnection(remoteID)
	if err != nil {
		return err
	}

	dc, err := pc.CreateDataChannel(syncchannel.DataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	m.data.AddChannel(remoteID, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	if err := m.waitGathered(ctx, gathered); err != nil {
		return err
	}

	log.Debug().Str("peer_id", remoteID).Msg("sending offer")
	return m.send(ctx, remoteID, events.SignalOffer, pc.LocalDescription().SDP)
}

func (m *Mesh) answer(ctx context.Context, remoteID, sdp string) error {
	pc, err := m.newPeerConnection(remoteID)
	if err != nil {
		return err
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != syncchannel.DataChannelLabel {
			return
		}
		m.data.AddChannel(remoteID, dc)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	if err := m.waitGathered(ctx, gathered); err != nil {
		return err
	}

	log.Debug().Str("peer_id", remoteID).Msg("sending answer")
	return m.send(ctx, remoteID, events.SignalAnswer, pc.LocalDescription().SDP)
}

func (m *Mesh) waitGathered(ctx context.Context, gathered <-chan struct{}) error {
	select {
	case <-gathered:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mesh) send(ctx context.Context, target string, kind events.SignalKind, sdp string) error {
	event, err := events.New(m.roomID, m.localID, events.EventTypeSignal, events.SignalPayload{
		Target: target,
		Kind:   kind,
		SDP:    sdp,
	}, m.clock.Now())
	if err != nil {
		return err
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	return m.signal.Broadcast(ctx, string(events.EventTypeSignal), raw)
}

func (m *Mesh) handleSignal(raw []byte) {
	event, err := events.Decode(raw)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed signal")
		return
	}
	if event.RoomID != m.roomID || event.SenderID == m.localID {
		return
	}
	payload, err := events.ParseEventPayload(event)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed signal")
		return
	}
	signal := payload.(events.SignalPayload)
	if signal.Target != m.localID {
		return
	}

	remoteID := event.SenderID
	switch signal.Kind {
	case events.SignalOffer:
		m.mu.Lock()
		closed := m.closed
		if !closed {
			m.wg.Add(1)
		}
		m.mu.Unlock()
		if closed {
			return
		}
		go func() {
			defer m.wg.Done()
			if err := m.answer(context.Background(), remoteID, signal.SDP); err != nil {
				log.Error().Err(err).Str("peer_id", remoteID).Msg("failed to answer data channel offer")
				m.drop(remoteID)
			}
		}()

	case events.SignalAnswer:
		m.mu.Lock()
		pc := m.peers[remoteID]
		m.mu.Unlock()
		if pc == nil {
			log.Debug().Str("peer_id", remoteID).Msg("answer for unknown peer connection")
			return
		}
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: signal.SDP}); err != nil {
			log.Error().Err(err).Str("peer_id", remoteID).Msg("failed to apply answer")
			m.drop(remoteID)
		}

	default:
		log.Warn().Str("kind", string(signal.Kind)).Msg("unknown signal kind")
	}
}

func (m *Mesh) drop(remoteID string) {
	m.mu.Lock()
	pc := m.peers[remoteID]
	delete(m.peers, remoteID)
	m.mu.Unlock()

	m.data.RemoveChannel(remoteID)
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Debug().Err(err).Str("peer_id", remoteID).Msg("failed to close peer connection")
		}
		log.Info().Str("peer_id", remoteID).Msg("peer connection dropped")
	}
}
