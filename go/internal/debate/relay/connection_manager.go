package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/debateroom/go/internal/debate/events"
	"github.com/mcdev12/debateroom/go/internal/models"
	"github.com/rs/zerolog/log"
)

// SenderID is the sender id stamped on frames the relay itself produces.
const SenderID = "relay"

// ErrPeerConnected is returned when a peer id is already connected to the room.
var ErrPeerConnected = errors.New("peer already connected to room")

// ConnectionManager manages WebSocket connections grouped by room
type ConnectionManager struct {
	// Connection pools organized by room ID
	roomConnections map[string]map[*Connection]bool
	mu              sync.RWMutex

	// Upgrader for WebSocket connections
	upgrader websocket.Upgrader

	config ConnectionConfig
	clock  clockwork.Clock

	broadcastCh chan BroadcastMessage

	forwardMu sync.RWMutex
	forward   ForwardFunc
	onRoster  RosterFunc

	// Peers connected to other relays, by room then relay id.
	remoteMu sync.Mutex
	remote   map[string]map[string]remoteRoster
}

// ForwardFunc receives every peer frame the relay accepts.
type ForwardFunc func(roomID string, eventType events.EventType, frame []byte)

// RosterFunc receives the locally connected peers of a room after every
// connect or disconnect. An empty roster means the room has no local peers.
type RosterFunc func(roomID string, local models.Roster)

type remoteRoster struct {
	peers  models.Roster
	seenAt time.Time
}

// Connection represents a WebSocket connection to a peer
type Connection struct {
	ID      string
	Peer    models.Peer
	RoomID  string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is a frame to fan out to every connection in a room
type BroadcastMessage struct {
	RoomID string
	Frame  []byte
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig, clock clockwork.Clock) *ConnectionManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConnectionManager{
		roomConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		clock:       clock,
		broadcastCh: make(chan BroadcastMessage, 1000),
		remote:      make(map[string]map[string]remoteRoster),
	}
}

// Start processes broadcast messages until ctx is done
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection and joins peer to roomID
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, peer models.Peer, roomID string) error {
	if cm.isConnected(roomID, peer.ID) {
		return ErrPeerConnected
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	now := cm.clock.Now()
	peer.JoinedAt = now
	peer.IsLocal = false

	connection := &Connection{
		ID:          uuid.New().String(),
		Peer:        peer,
		RoomID:      roomID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: now,
		LastPing:    now,
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("peer_id", peer.ID).
		Str("role", string(peer.Role)).
		Str("room_id", roomID).
		Msg("WebSocket connection established")

	cm.rosterChanged(roomID)
	return nil
}

func (cm *ConnectionManager) isConnected(roomID, peerID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for conn := range cm.roomConnections[roomID] {
		if conn.Peer.ID == peerID {
			return true
		}
	}
	return false
}

// registerConnection adds a connection to the manager
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.roomConnections[conn.RoomID] == nil {
		cm.roomConnections[conn.RoomID] = make(map[*Connection]bool)
	}
	cm.roomConnections[conn.RoomID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room_id", conn.RoomID).
		Int("total_connections", len(cm.roomConnections[conn.RoomID])).
		Msg("connection registered")
}

// unregisterConnection removes a connection and republishes the room roster
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	removed := false
	if connections, exists := cm.roomConnections[conn.RoomID]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			close(conn.Send)
			removed = true

			if len(connections) == 0 {
				delete(cm.roomConnections, conn.RoomID)
			}
		}
	}
	cm.mu.Unlock()

	if !removed {
		return
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("peer_id", conn.Peer.ID).
		Str("room_id", conn.RoomID).
		Msg("connection unregistered")

	cm.rosterChanged(conn.RoomID)
}

// LocalRoster returns the peers connected to roomID on this relay
func (cm *ConnectionManager) LocalRoster(roomID string) models.Roster {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	roster := make(models.Roster, 0, len(cm.roomConnections[roomID]))
	for conn := range cm.roomConnections[roomID] {
		roster = append(roster, conn.Peer)
	}
	sortRoster(roster)
	return roster
}

// Roster returns every peer in roomID: local connections plus the peers other
// relays reported. A peer id connected here shadows the same id elsewhere.
func (cm *ConnectionManager) Roster(roomID string) models.Roster {
	roster := cm.LocalRoster(roomID)

	seen := make(map[string]bool, len(roster))
	for _, p := range roster {
		seen[p.ID] = true
	}

	cm.remoteMu.Lock()
	relayIDs := make([]string, 0, len(cm.remote[roomID]))
	for id := range cm.remote[roomID] {
		relayIDs = append(relayIDs, id)
	}
	sort.Strings(relayIDs)
	for _, id := range relayIDs {
		for _, p := range cm.remote[roomID][id].peers {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			p.IsLocal = false
			roster = append(roster, p)
		}
	}
	cm.remoteMu.Unlock()

	sortRoster(roster)
	return roster
}

// LocalRooms returns the rooms with at least one connection on this relay
func (cm *ConnectionManager) LocalRooms() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	rooms := make([]string, 0, len(cm.roomConnections))
	for roomID := range cm.roomConnections {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// SetRemoteRoster records the peers relayID holds in roomID and republishes
// the merged roster. An empty roster forgets relayID for that room.
func (cm *ConnectionManager) SetRemoteRoster(roomID, relayID string, peers models.Roster) {
	cm.remoteMu.Lock()
	prev, had := cm.remote[roomID][relayID]
	changed := had != (len(peers) > 0) || !sameRoster(prev.peers, peers)
	if len(peers) == 0 {
		delete(cm.remote[roomID], relayID)
		if len(cm.remote[roomID]) == 0 {
			delete(cm.remote, roomID)
		}
	} else {
		if cm.remote[roomID] == nil {
			cm.remote[roomID] = make(map[string]remoteRoster)
		}
		cm.remote[roomID][relayID] = remoteRoster{peers: peers.Clone(), seenAt: cm.clock.Now()}
	}
	cm.remoteMu.Unlock()

	if changed {
		log.Debug().
			Str("room_id", roomID).
			Str("relay_id", relayID).
			Int("peers", len(peers)).
			Msg("remote roster updated")
		cm.publishRoster(roomID)
	}
}

// PruneRemoteRosters forgets relays that have not reported within maxAge.
func (cm *ConnectionManager) PruneRemoteRosters(maxAge time.Duration) {
	cutoff := cm.clock.Now().Add(-maxAge)

	var rooms []string
	cm.remoteMu.Lock()
	for roomID, relays := range cm.remote {
		pruned := false
		for relayID, r := range relays {
			if r.seenAt.Before(cutoff) {
				delete(relays, relayID)
				pruned = true
				log.Info().Str("room_id", roomID).Str("relay_id", relayID).Msg("remote relay expired")
			}
		}
		if len(relays) == 0 {
			delete(cm.remote, roomID)
		}
		if pruned {
			rooms = append(rooms, roomID)
		}
	}
	cm.remoteMu.Unlock()

	for _, roomID := range rooms {
		cm.publishRoster(roomID)
	}
}

// SetRosterListener registers fn to see local roster changes. nil disables it.
func (cm *ConnectionManager) SetRosterListener(fn RosterFunc) {
	cm.forwardMu.Lock()
	cm.onRoster = fn
	cm.forwardMu.Unlock()
}

func (cm *ConnectionManager) rosterChanged(roomID string) {
	cm.publishRoster(roomID)

	cm.forwardMu.RLock()
	fn := cm.onRoster
	cm.forwardMu.RUnlock()
	if fn != nil {
		fn(roomID, cm.LocalRoster(roomID))
	}
}

// publishRoster sends the current room roster to every connection in the room
func (cm *ConnectionManager) publishRoster(roomID string) {
	if len(cm.LocalRoster(roomID)) == 0 {
		return
	}
	roster := cm.Roster(roomID)

	event, err := events.New(roomID, SenderID, events.EventTypeRoster, events.RosterPayload{Peers: roster}, cm.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to build roster event")
		return
	}
	frame, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal roster event")
		return
	}
	cm.BroadcastToRoom(roomID, frame)
}

func sameRoster(a, b models.Roster) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sortRoster orders peers by join time, ties broken by id
func sortRoster(roster models.Roster) {
	sort.Slice(roster, func(i, j int) bool {
		if !roster[i].JoinedAt.Equal(roster[j].JoinedAt) {
			return roster[i].JoinedAt.Before(roster[j].JoinedAt)
		}
		return roster[i].ID < roster[j].ID
	})
}

// SetForwarder registers fn to see every accepted peer frame. nil disables it.
func (cm *ConnectionManager) SetForwarder(fn ForwardFunc) {
	cm.forwardMu.Lock()
	cm.forward = fn
	cm.forwardMu.Unlock()
}

// BroadcastToRoom queues a frame for every connection in roomID, the sender included
func (cm *ConnectionManager) BroadcastToRoom(roomID string, frame []byte) {
	select {
	case cm.broadcastCh <- BroadcastMessage{RoomID: roomID, Frame: frame}:
	default:
		log.Warn().Str("room_id", roomID).Msg("broadcast channel full, dropping message")
	}
}

// handleBroadcast processes a broadcast message
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.roomConnections[message.RoomID]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	targetConnections := make([]*Connection, 0, len(connections))
	for conn := range connections {
		targetConnections = append(targetConnections, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targetConnections {
		if !conn.trySend(message.Frame) {
			log.Warn().
				Str("connection_id", conn.ID).
				Str("peer_id", conn.Peer.ID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().
		Str("room_id", message.RoomID).
		Int("connections", len(targetConnections)).
		Msg("frame broadcasted")
}

// trySend queues frame without blocking. It reports false when the buffer is
// full; a closed connection silently drops the frame.
func (c *Connection) trySend(frame []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = true
		}
	}()
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}

// Stats summarises the relay's connections
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveRooms      int            `json:"active_rooms"`
	RoomConnections  map[string]int `json:"room_connections"`
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := Stats{RoomConnections: make(map[string]int)}
	for roomID, connections := range cm.roomConnections {
		stats.TotalConnections += len(connections)
		stats.RoomConnections[roomID] = len(connections)
	}
	stats.ActiveRooms = len(cm.roomConnections)
	return stats
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := c.Manager.clock.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.Chan():
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads frames from the peer and forwards them to the room
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage validates a peer frame and forwards it to the room.
// Peers may not publish rosters or speak for another peer.
func (c *Connection) handleClientMessage(message []byte) {
	event, err := events.Decode(message)
	if err != nil {
		log.Warn().Err(err).Str("connection_id", c.ID).Msg("dropping malformed client frame")
		return
	}
	if event.Type == events.EventTypeRoster {
		log.Warn().Str("peer_id", c.Peer.ID).Msg("dropping roster frame from peer")
		return
	}
	if event.SenderID != c.Peer.ID {
		log.Warn().
			Str("peer_id", c.Peer.ID).
			Str("sender_id", event.SenderID).
			Msg("dropping frame with spoofed sender")
		return
	}
	if event.RoomID != c.RoomID {
		log.Warn().
			Str("peer_id", c.Peer.ID).
			Str("room_id", event.RoomID).
			Msg("dropping frame for another room")
		return
	}

	log.Debug().
		Str("connection_id", c.ID).
		Str("peer_id", c.Peer.ID).
		Str("event_type", string(event.Type)).
		Msg("forwarding client frame")

	c.Manager.BroadcastToRoom(c.RoomID, message)

	c.Manager.forwardMu.RLock()
	forward := c.Manager.forward
	c.Manager.forwardMu.RUnlock()
	if forward != nil {
		forward(c.RoomID, event.Type, message)
	}
}
