package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcdev12/debateroom/go/internal/debate/events"
	"github.com/mcdev12/debateroom/go/internal/debate/syncchannel"
	"github.com/mcdev12/debateroom/go/internal/models"
	"github.com/mcdev12/debateroom/go/internal/token"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotJoined     = errors.New("not joined to a room")
	ErrAlreadyJoined = errors.New("already joined to a room")
)

const clientWriteTimeout = 10 * time.Second

// ClientConfig describes how a peer reaches the relay. RoomID, PeerID and Role
// are only used when joining without a token.
type ClientConfig struct {
	URL        string
	RoomID     string
	PeerID     string
	Role       models.Role
	AudioTrack string
}

// Client is a peer's connection to the relay. It provides the room roster,
// the room broadcast channel and local audio state for one session.
type Client struct {
	config ClientConfig

	writeMu sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}

	mu              sync.RWMutex
	self            models.Peer
	roomID          string
	roster          models.Roster
	handlers        map[string][]func([]byte)
	rosterListeners []func(models.Roster)
	joined          chan struct{}
	localAudio      bool
	remoteTracks    map[string]bool
}

// NewClient creates a relay client. Nothing is dialled until Join.
func NewClient(config ClientConfig) *Client {
	return &Client{
		config:       config,
		handlers:     make(map[string][]func([]byte)),
		remoteTracks: make(map[string]bool),
	}
}

// Join connects to the relay and waits until the room roster lists this peer.
// When rawToken is set the room and identity come from the token.
func (c *Client) Join(ctx context.Context, rawToken, name string) (models.Peer, error) {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return models.Peer{}, ErrAlreadyJoined
	}
	c.mu.Unlock()

	query := url.Values{}
	var peerID, roomID string
	if rawToken != "" {
		claims, err := token.ParseUnverified(rawToken)
		if err != nil {
			return models.Peer{}, err
		}
		query.Set("token", rawToken)
		peerID, roomID = claims.UserID, claims.RoomID
	} else {
		query.Set("room_id", c.config.RoomID)
		query.Set("peer_id", c.config.PeerID)
		query.Set("role", string(c.config.Role))
		peerID, roomID = c.config.PeerID, c.config.RoomID
	}
	if name != "" {
		query.Set("name", name)
	}
	if c.config.AudioTrack != "" {
		query.Set("audio_track", c.config.AudioTrack)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.config.URL+"?"+query.Encode(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return models.Peer{}, ErrPeerConnected
		}
		if resp != nil {
			return models.Peer{}, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return models.Peer{}, fmt.Errorf("dial relay: %w", err)
	}

	joined := make(chan struct{})
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.joined = joined
	c.self = models.Peer{ID: peerID}
	c.roomID = roomID
	c.localAudio = true
	c.mu.Unlock()

	go c.readLoop(conn, done)

	select {
	case <-joined:
	case <-done:
		c.reset()
		return models.Peer{}, errors.New("relay closed the connection before the roster arrived")
	case <-ctx.Done():
		_ = c.Leave(context.Background())
		return models.Peer{}, ctx.Err()
	}

	c.mu.RLock()
	self := c.self
	c.mu.RUnlock()

	log.Info().
		Str("peer_id", self.ID).
		Str("room_id", roomID).
		Str("role", string(self.Role)).
		Msg("joined room")
	return self, nil
}

// Leave closes the connection. It is safe to call more than once.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.RLock()
	conn, done := c.conn, c.done
	c.mu.RUnlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
	err := conn.Close()
	c.reset()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close relay connection: %w", err)
	}
	return nil
}

func (c *Client) reset() {
	c.mu.Lock()
	c.conn = nil
	c.roster = nil
	c.mu.Unlock()
}

// OnRosterChange registers fn to receive every roster the relay publishes.
func (c *Client) OnRosterChange(fn func(models.Roster)) {
	c.mu.Lock()
	c.rosterListeners = append(c.rosterListeners, fn)
	c.mu.Unlock()
}

// Roster returns the last roster received.
func (c *Client) Roster() models.Roster {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roster.Clone()
}

// RoomID returns the room joined, or the configured one before joining.
func (c *Client) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.roomID != "" {
		return c.roomID
	}
	return c.config.RoomID
}

// Transport returns the room broadcast channel.
func (c *Client) Transport() syncchannel.Transport {
	return c
}

// Broadcast sends a frame to every peer in the room, this one included.
func (c *Client) Broadcast(ctx context.Context, eventType string, payload []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotJoined
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(clientWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s frame: %w", eventType, err)
	}
	return nil
}

// OnEvent registers a handler for frames of eventType.
func (c *Client) OnEvent(eventType string, handler func([]byte)) error {
	if eventType == string(events.EventTypeRoster) {
		return fmt.Errorf("use OnRosterChange for %s frames", eventType)
	}
	c.mu.Lock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
	c.mu.Unlock()
	return nil
}

// SetLocalAudioEnabled records the local microphone state.
func (c *Client) SetLocalAudioEnabled(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotJoined
	}
	c.localAudio = enabled
	c.mu.Unlock()

	log.Info().Bool("enabled", enabled).Msg("local audio changed")
	return nil
}

// SetRemoteTrackEnabled records the state of another peer's audio track.
func (c *Client) SetRemoteTrackEnabled(ctx context.Context, trackRef string, enabled bool) error {
	if trackRef == "" {
		return errors.New("empty track reference")
	}
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotJoined
	}
	c.remoteTracks[trackRef] = enabled
	c.mu.Unlock()

	log.Info().Str("track", trackRef).Bool("enabled", enabled).Msg("remote track changed")
	return nil
}

// LocalAudioEnabled reports the local microphone state.
func (c *Client) LocalAudioEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localAudio
}

// RemoteTrackEnabled reports the recorded state of trackRef. Unknown tracks
// are enabled.
func (c *Client) RemoteTrackEnabled(trackRef string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	enabled, ok := c.remoteTracks[trackRef]
	return !ok || enabled
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}

		event, err := events.Decode(message)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed relay frame")
			continue
		}

		if event.Type == events.EventTypeRoster {
			c.handleRoster(event)
			continue
		}

		c.mu.RLock()
		handlers := append([]func([]byte){}, c.handlers[string(event.Type)]...)
		c.mu.RUnlock()
		for _, h := range handlers {
			h(message)
		}
	}
}

func (c *Client) handleRoster(event *events.Event) {
	if event.SenderID != SenderID {
		log.Warn().Str("sender_id", event.SenderID).Msg("dropping roster from non-relay sender")
		return
	}
	payload, err := events.ParseEventPayload(event)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed roster")
		return
	}

	c.mu.Lock()
	roster := models.Roster(payload.(events.RosterPayload).Peers).Clone()
	for i := range roster {
		roster[i].IsLocal = roster[i].ID == c.self.ID
	}
	c.roster = roster

	self, present := roster.Find(c.self.ID)
	signalJoined := false
	if present {
		c.self = self
		select {
		case <-c.joined:
		default:
			close(c.joined)
			signalJoined = true
		}
	}
	listeners := append([]func(models.Roster){}, c.rosterListeners...)
	c.mu.Unlock()

	if signalJoined {
		log.Debug().Int("peers", len(roster)).Msg("first roster received")
	}
	for _, fn := range listeners {
		fn(roster.Clone())
	}
}
