package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mcdev12/debateroom/go/internal/models"
	"github.com/mcdev12/debateroom/go/internal/token"
	"github.com/rs/zerolog/log"
)

// TokenVerifier checks join tokens presented on connect
type TokenVerifier interface {
	Verify(raw string) (*token.Claims, error)
}

// WebSocketHandler handles WebSocket upgrade requests for room connections
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	verifier          TokenVerifier
}

// NewWebSocketHandler creates a new WebSocket handler. With a nil verifier
// peers identify themselves through query parameters.
func NewWebSocketHandler(cm *ConnectionManager, verifier TokenVerifier) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		verifier:          verifier,
	}
}

// HandleRoomConnection handles GET /ws/room.
//
// With a verifier the peer, role and room come from the token query parameter.
// Otherwise peer_id, role and room_id are read from the query directly.
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var (
		peer   models.Peer
		roomID string
	)

	if h.verifier != nil {
		raw := query.Get("token")
		if raw == "" {
			http.Error(w, "token is required", http.StatusUnauthorized)
			return
		}
		claims, err := h.verifier.Verify(raw)
		if err != nil {
			log.Warn().Err(err).Msg("rejecting connection with invalid token")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		peer, err = claims.Peer(query.Get("name"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		roomID = claims.RoomID
	} else {
		roomID = query.Get("room_id")
		if roomID == "" {
			http.Error(w, "room_id is required", http.StatusBadRequest)
			return
		}
		peer.ID = query.Get("peer_id")
		if peer.ID == "" {
			http.Error(w, "peer_id is required", http.StatusBadRequest)
			return
		}
		role, err := models.ParseRole(query.Get("role"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		peer.Role = role
		peer.Name = query.Get("name")
	}

	if peer.ID == SenderID {
		http.Error(w, "reserved peer id", http.StatusBadRequest)
		return
	}
	if peer.Name == "" {
		peer.Name = peer.ID
	}
	peer.AudioTrack = query.Get("audio_track")

	if err := h.connectionManager.UpgradeConnection(w, r, peer, roomID); err != nil {
		if errors.Is(err, ErrPeerConnected) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		// The upgrader has already written a response.
		log.Error().
			Err(err).
			Str("room_id", roomID).
			Str("peer_id", peer.ID).
			Msg("failed to upgrade WebSocket connection")
		return
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to write stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/room", h.HandleRoomConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
