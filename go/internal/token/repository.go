package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/mcdev12/debateroom/go/internal/models"
	"github.com/mcdev12/debateroom/go/internal/sqlutil"
)

// ErrNoRoom is returned when no room has been stored yet.
var ErrNoRoom = errors.New("no room stored")

// RoomStore persists provisioned rooms so a restart keeps handing out the same room.
type RoomStore interface {
	SaveRoom(ctx context.Context, room models.Room) error
	LatestRoom(ctx context.Context) (*models.Room, error)
	GetRoom(ctx context.Context, id string) (*models.Room, error)
}

const (
	createRoomsTableSQL = `
CREATE TABLE IF NOT EXISTS debate_rooms (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`

	createRoomsIndexSQL = `
CREATE INDEX IF NOT EXISTS debate_rooms_created_at_idx
ON debate_rooms (created_at DESC)`

	insertRoomSQL = `
INSERT INTO debate_rooms (id, name, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING`

	latestRoomSQL = `
SELECT id, name, created_at
FROM debate_rooms
ORDER BY created_at DESC
LIMIT 1`

	getRoomSQL = `
SELECT id, name, created_at
FROM debate_rooms
WHERE id = $1`
)

// Repository implements RoomStore on Postgres
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new room repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the rooms table when missing
func (r *Repository) Migrate(ctx context.Context) error {
	if err := sqlutil.ExecAll(ctx, r.db, createRoomsTableSQL, createRoomsIndexSQL); err != nil {
		return fmt.Errorf("failed to migrate debate_rooms: %w", err)
	}
	return nil
}

// SaveRoom stores a room; saving the same id twice is a no-op
func (r *Repository) SaveRoom(ctx context.Context, room models.Room) error {
	if _, err := r.db.ExecContext(ctx, insertRoomSQL, room.ID, room.Name, room.CreatedAt); err != nil {
		return fmt.Errorf("failed to save room: %w", err)
	}
	return nil
}

// LatestRoom returns the most recently created room
func (r *Repository) LatestRoom(ctx context.Context) (*models.Room, error) {
	return r.scanRoom(r.db.QueryRowContext(ctx, latestRoomSQL))
}

// GetRoom retrieves a room by ID
func (r *Repository) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	return r.scanRoom(r.db.QueryRowContext(ctx, getRoomSQL, id))
}

func (r *Repository) scanRoom(row *sql.Row) (*models.Room, error) {
	var room models.Room
	if err := row.Scan(&room.ID, &room.Name, &room.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRoom
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return &room, nil
}

// MemoryStore is a RoomStore for deployments without a database.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]models.Room
	order []string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]models.Room)}
}

func (m *MemoryStore) SaveRoom(_ context.Context, room models.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room.ID]; ok {
		return nil
	}
	m.rooms[room.ID] = room
	m.order = append(m.order, room.ID)
	return nil
}

func (m *MemoryStore) LatestRoom(_ context.Context) (*models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.order) == 0 {
		return nil, ErrNoRoom
	}
	room := m.rooms[m.order[len(m.order)-1]]
	return &room, nil
}

func (m *MemoryStore) GetRoom(_ context.Context, id string) (*models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil, ErrNoRoom
	}
	return &room, nil
}
