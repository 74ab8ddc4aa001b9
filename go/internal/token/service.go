package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
)

// TokenApp defines what the HTTP service needs from the token application
type TokenApp interface {
	IssueToken(ctx context.Context, req TokenRequest) (*TokenResponse, error)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Service serves the token endpoint
type Service struct {
	app TokenApp
}

// NewService creates a new token HTTP service
func NewService(app TokenApp) *Service {
	return &Service{app: app}
}

// RegisterRoutes registers the token routes with an HTTP mux
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/get-token", s.HandleGetToken)
}

// HandleGetToken handles GET /api/get-token?role=&roomId=&new=
func (s *Service) HandleGetToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}

	query := r.URL.Query()
	req := TokenRequest{
		Role:     query.Get("role"),
		RoomID:   query.Get("roomId"),
		ForceNew: query.Get("new") == "true",
	}

	resp, err := s.app.IssueToken(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidRole) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid role"})
			return
		}
		log.Error().Err(err).Str("role", req.Role).Msg("token generation failed")
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Token generation failed", Details: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
