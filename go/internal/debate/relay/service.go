package relay

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Service is the room relay: it accepts peer WebSocket connections, publishes
// room rosters and fans scheduling frames out to every peer in the room.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	bridge            *Bridge
	allowedOrigins    []string
}

// Config holds configuration for the relay service
type Config struct {
	ConnectionConfig ConnectionConfig
	AllowedOrigins   []string
	SubjectPrefix    string
}

// DefaultConfig returns default configuration for the relay
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
	}
}

// NewService creates a new relay service. verifier may be nil, see
// NewWebSocketHandler. When nc is non-nil scheduling frames are also mirrored
// over NATS.
func NewService(config Config, verifier TokenVerifier, nc *nats.Conn, clock clockwork.Clock) *Service {
	connectionManager := NewConnectionManager(config.ConnectionConfig, clock)

	s := &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager, verifier),
		allowedOrigins:    config.AllowedOrigins,
	}
	if nc != nil {
		s.bridge = NewBridge(nc, config.SubjectPrefix, connectionManager)
	}
	return s
}

// Start runs the relay until ctx is done
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting room relay service")

	if s.bridge != nil {
		if err := s.bridge.Start(); err != nil {
			return err
		}
		defer func() {
			if err := s.bridge.Stop(); err != nil {
				log.Error().Err(err).Msg("failed to stop NATS bridge")
			}
		}()
	}

	s.connectionManager.Start(ctx)

	log.Info().Msg("room relay service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	log.Info().Msg("room relay routes registered")
}

// Handler returns the relay's routes plus a health check, wrapped in CORS.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	allowedOrigins := s.allowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedOrigins: allowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

// GetStats returns statistics about the relay
func (s *Service) GetStats() Stats {
	return s.connectionManager.GetConnectionStats()
}
