package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcdev12/debateroom/go/internal/debate/relay"
	"github.com/mcdev12/debateroom/go/internal/token"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the room relay peers connect to over WebSocket",
	Long: `The relay keeps one connection pool per room. It publishes the room roster
whenever a peer connects or leaves and forwards every scheduling frame to all
peers in the room, the sender included. With NATS configured, frames are
mirrored to NATS so peers on other relays or on NATS share the room.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runRelay(ctx, config)
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
}

func runRelay(ctx context.Context, cfg *Config) error {
	relayConfig := relay.DefaultConfig()
	relayConfig.AllowedOrigins = cfg.Relay.AllowedOrigins
	relayConfig.SubjectPrefix = cfg.NATS.SubjectPrefix

	var verifier relay.TokenVerifier
	if cfg.Relay.RequireToken {
		if cfg.Token.Secret == "" {
			return fmt.Errorf("relay.require_token needs APP_SECRET")
		}
		verifier = token.NewIssuer(cfg.Token.AccessKey, cfg.Token.Secret, cfg.TokenTTL(), nil)
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		var err error
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("debate-relay"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Error().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Drain()
	}

	service := relay.NewService(relayConfig, verifier, nc, nil)

	serviceErr := make(chan error, 1)
	go func() {
		serviceErr <- service.Start(ctx)
	}()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Relay.Port),
		Handler:           service.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("port", cfg.Relay.Port).
		Bool("require_token", cfg.Relay.RequireToken).
		Str("nats_url", cfg.NATS.URL).
		Msg("starting room relay")

	if err := serveUntilDone(ctx, server); err != nil {
		return err
	}
	select {
	case err := <-serviceErr:
		return err
	case <-time.After(shutdownTimeout):
		return nil
	}
}
