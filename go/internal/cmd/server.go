package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcdev12/debateroom/go/clients/rooms_api_client"
	"github.com/mcdev12/debateroom/go/internal/token"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var tokenServerCmd = &cobra.Command{
	Use:   "token-server",
	Short: "Serve join tokens for the shared debate room",
	Long: `Serves GET /api/get-token. The first request creates a room through the
rooms management API and every later request joins the same room until a
caller passes new=true. With token.use_database the current room survives
restarts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runTokenServer(ctx, config)
	},
}

func init() {
	rootCmd.AddCommand(tokenServerCmd)
}

func runTokenServer(ctx context.Context, cfg *Config) error {
	if cfg.Token.Secret == "" {
		return errors.New("APP_SECRET is required")
	}
	if cfg.Token.ManagementToken == "" {
		log.Warn().Msg("MANAGEMENT_TOKEN is not set; room creation will fail")
	}

	var store token.RoomStore
	if cfg.Token.UseDatabase {
		database, err := setupDatabase(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		repo := token.NewRepository(database)
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		store = repo
	} else {
		store = token.NewMemoryStore()
	}

	creator := rooms_api_client.NewRoomsApiClient(cfg.Token.RoomsAPIURL, cfg.Token.ManagementToken, cfg.Token.TemplateID)
	issuer := token.NewIssuer(cfg.Token.AccessKey, cfg.Token.Secret, cfg.TokenTTL(), nil)
	app := token.NewApp(creator, store, issuer, nil)
	if err := app.Load(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Token.Port),
		Handler:           token.NewHandler(token.NewService(app), cfg.Token.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("port", cfg.Token.Port).
		Bool("database", cfg.Token.UseDatabase).
		Msg("starting token server")
	return serveUntilDone(ctx, server)
}

// serveUntilDone runs server until ctx is cancelled, then shuts it down.
func serveUntilDone(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Str("addr", server.Addr).Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
