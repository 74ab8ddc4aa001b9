package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/debateroom/go/clients/rooms_api_client"
	"github.com/mcdev12/debateroom/go/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const createRoomKey = "create-room"

// RoomCreator provisions rooms on the communication platform.
type RoomCreator interface {
	CreateRoom(ctx context.Context, now time.Time) (*rooms_api_client.Room, error)
}

// TokenRequest is a request for a join token.
type TokenRequest struct {
	Role     string
	RoomID   string
	ForceNew bool
}

// TokenResponse is the issued token and the room it is valid for.
type TokenResponse struct {
	Token  string `json:"token"`
	RoomID string `json:"roomId"`
}

// App hands out join tokens for a shared current room. The room is created
// lazily and reused; concurrent requests that find no room share one creation.
type App struct {
	creator RoomCreator
	store   RoomStore
	issuer  *Issuer
	clock   clockwork.Clock

	group   singleflight.Group
	mu      sync.RWMutex
	current *models.Room
}

// NewApp creates a token app. store may be nil.
func NewApp(creator RoomCreator, store RoomStore, issuer *Issuer, clock clockwork.Clock) *App {
	if store == nil {
		store = NewMemoryStore()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &App{
		creator: creator,
		store:   store,
		issuer:  issuer,
		clock:   clock,
	}
}

// Load restores the current room from the store.
func (a *App) Load(ctx context.Context) error {
	room, err := a.store.LatestRoom(ctx)
	if errors.Is(err, ErrNoRoom) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load current room: %w", err)
	}

	a.mu.Lock()
	a.current = room
	a.mu.Unlock()

	log.Info().Str("room_id", room.ID).Msg("restored current room")
	return nil
}

// IssueToken validates the request, resolves the room and signs a token for a
// fresh user id.
func (a *App) IssueToken(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.Role == "" {
		req.Role = string(models.RoleAudience)
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, req.Role)
	}

	room, err := a.resolveRoom(ctx, req)
	if err != nil {
		return nil, err
	}

	userID := "user-" + uuid.NewString()
	signed, err := a.issuer.Issue(userID, room.ID, role)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("role", string(role)).
		Str("user_id", userID).
		Str("room_id", room.ID).
		Msg("token generated")

	return &TokenResponse{Token: signed, RoomID: room.ID}, nil
}

func (a *App) resolveRoom(ctx context.Context, req TokenRequest) (*models.Room, error) {
	if req.RoomID != "" {
		room, err := a.store.GetRoom(ctx, req.RoomID)
		if err != nil {
			return nil, fmt.Errorf("room %s: %w", req.RoomID, err)
		}
		return room, nil
	}
	return a.CurrentRoom(ctx, req.ForceNew)
}

// CurrentRoom returns the cached room, creating one when absent or when
// forceNew is set. A forced creation replaces the cached room.
func (a *App) CurrentRoom(ctx context.Context, forceNew bool) (*models.Room, error) {
	if forceNew {
		return a.createRoom(ctx)
	}

	a.mu.RLock()
	current := a.current
	a.mu.RUnlock()
	if current != nil {
		return current, nil
	}

	v, err, shared := a.group.Do(createRoomKey, func() (interface{}, error) {
		a.mu.RLock()
		current := a.current
		a.mu.RUnlock()
		if current != nil {
			return current, nil
		}
		return a.createRoom(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug().Msg("joined in-flight room creation")
	}
	return v.(*models.Room), nil
}

func (a *App) createRoom(ctx context.Context) (*models.Room, error) {
	now := a.clock.Now()
	created, err := a.creator.CreateRoom(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}

	room := &models.Room{ID: created.ID, Name: created.Name, CreatedAt: now}
	if !created.CreatedAt.IsZero() {
		room.CreatedAt = created.CreatedAt
	}

	if err := a.store.SaveRoom(ctx, *room); err != nil {
		log.Error().Err(err).Str("room_id", room.ID).Msg("failed to persist room")
	}

	a.mu.Lock()
	a.current = room
	a.mu.Unlock()

	log.Info().Str("room_id", room.ID).Str("name", room.Name).Msg("room created")
	return room, nil
}
