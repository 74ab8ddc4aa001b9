// Package room ties a participant's connection to the real-time platform to
// the local speaker scheduler.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/debateroom/go/internal/debate/events"
	"github.com/mcdev12/debateroom/go/internal/debate/scheduler"
	"github.com/mcdev12/debateroom/go/internal/debate/syncchannel"
	"github.com/mcdev12/debateroom/go/internal/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrJoinInProgress = errors.New("join already in progress")
	ErrAlreadyJoined  = errors.New("already joined")
	ErrNotJoined      = errors.New("not joined")
)

// Platform is the real-time communication platform a session runs on.
type Platform interface {
	Join(ctx context.Context, token, name string) (models.Peer, error)
	Leave(ctx context.Context) error
	RoomID() string
	OnRosterChange(fn func(models.Roster))
	Transport() syncchannel.Transport
	SetLocalAudioEnabled(ctx context.Context, enabled bool) error
	SetRemoteTrackEnabled(ctx context.Context, trackRef string, enabled bool) error
}

// Status is the connection state shown to the user.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusJoining      Status = "joining"
	StatusConnected    Status = "connected"
	StatusFailed       Status = "failed"
)

// Session is one participant's membership of a room.
type Session struct {
	platform Platform

	clock        clockwork.Clock
	budget       time.Duration
	tickInterval time.Duration
	transport    syncchannel.Transport

	mu         sync.Mutex
	joining    bool
	connected  bool
	status     Status
	message    string
	local      models.Peer
	sched      *scheduler.Scheduler
	runCtx     context.Context
	cancelRun  context.CancelFunc
	runDone    chan struct{}
	latest     models.Roster
	subscribed map[syncchannel.Transport]bool

	// rosterMu serialises roster application so the newest roster lands last.
	rosterMu sync.Mutex
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the time source for the scheduler.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Session) { s.clock = clock }
}

// WithBudget sets the per-turn duration budget.
func WithBudget(d time.Duration) Option {
	return func(s *Session) { s.budget = d }
}

// WithTickInterval sets how often remaining time is recomputed.
func WithTickInterval(d time.Duration) Option {
	return func(s *Session) { s.tickInterval = d }
}

// WithTransport carries scheduling snapshots over t instead of the platform's
// own broadcast channel.
func WithTransport(t syncchannel.Transport) Option {
	return func(s *Session) { s.transport = t }
}

// NewSession creates a disconnected session on platform.
func NewSession(platform Platform, opts ...Option) *Session {
	s := &Session{
		platform:   platform,
		clock:      clockwork.NewRealClock(),
		status:     StatusDisconnected,
		subscribed: make(map[syncchannel.Transport]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	platform.OnRosterChange(s.onRoster)
	return s
}

// Join connects to the room. Only one attempt may be in flight; a failed
// attempt is reported through Status and may be retried by calling Join again.
func (s *Session) Join(ctx context.Context, token, name string) error {
	s.mu.Lock()
	if s.joining {
		s.mu.Unlock()
		return ErrJoinInProgress
	}
	if s.connected {
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	s.joining = true
	s.status, s.message = StatusJoining, ""
	s.latest = nil
	s.mu.Unlock()

	local, err := s.platform.Join(ctx, token, name)
	if err != nil {
		s.mu.Lock()
		s.joining = false
		s.status, s.message = StatusFailed, fmt.Sprintf("could not join room: %v", err)
		s.mu.Unlock()

		log.Error().Err(err).Str("name", name).Msg("failed to join room")
		return fmt.Errorf("join room: %w", err)
	}

	transport := s.transport
	if transport == nil {
		transport = s.platform.Transport()
	}
	roomID := s.platform.RoomID()
	adapter := syncchannel.NewAdapter(roomID, local.ID, transport, s.clock)

	opts := []scheduler.Option{
		scheduler.WithClock(s.clock),
		scheduler.WithBroadcaster(adapter),
		scheduler.WithAudio(s.platform),
	}
	if s.budget > 0 {
		opts = append(opts, scheduler.WithBudget(s.budget))
	}
	if s.tickInterval > 0 {
		opts = append(opts, scheduler.WithTickInterval(s.tickInterval))
	}
	sched := scheduler.New(local.ID, opts...)

	runCtx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})

	s.mu.Lock()
	s.joining = false
	s.connected = true
	s.status, s.message = StatusConnected, ""
	s.local = local
	s.sched = sched
	s.runCtx = runCtx
	s.cancelRun = cancel
	s.runDone = runDone
	needSubscribe := !s.subscribed[transport]
	s.subscribed[transport] = true
	s.mu.Unlock()

	if needSubscribe {
		if err := adapter.Subscribe(runCtx, liveScheduler{s}); err != nil {
			log.Error().Err(err).Msg("failed to subscribe to scheduling events")
		}
	}

	go func() {
		defer close(runDone)
		_ = sched.Run(runCtx)
	}()

	s.applyLatestRoster()

	log.Info().
		Str("peer_id", local.ID).
		Str("room_id", roomID).
		Str("role", string(local.Role)).
		Msg("session joined")
	return nil
}

// Leave disconnects and clears local scheduling state. Other peers are not
// told; they keep their replicas until the next legitimate change. Calling
// Leave when not connected does nothing.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	sched, cancel, runDone := s.sched, s.cancelRun, s.runDone
	s.connected = false
	s.sched = nil
	s.runCtx = nil
	s.latest = nil
	s.status, s.message = StatusDisconnected, ""
	s.mu.Unlock()

	sched.Reset()
	cancel()
	<-runDone

	if err := s.platform.Leave(ctx); err != nil {
		log.Warn().Err(err).Msg("platform leave failed")
		return fmt.Errorf("leave room: %w", err)
	}
	log.Info().Str("peer_id", sched.LocalID()).Msg("session left")
	return nil
}

// Status returns the connection state and the last failure message, if any.
func (s *Session) Status() (Status, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.message
}

// Local returns the local peer while connected.
func (s *Session) Local() (models.Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local, s.connected
}

// Scheduler returns the live scheduler, or ErrNotJoined.
func (s *Session) Scheduler() (*scheduler.Scheduler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotJoined
	}
	return s.sched, nil
}

// liveScheduler routes frames from a transport subscription to whichever
// scheduler the session holds when they arrive. Frames that arrive while
// disconnected are dropped.
type liveScheduler struct {
	s *Session
}

func (l liveScheduler) HandleInbound(_ context.Context, in events.Inbound) {
	l.s.mu.Lock()
	sched, ctx := l.s.sched, l.s.runCtx
	l.s.mu.Unlock()
	if sched == nil {
		return
	}
	sched.HandleInbound(ctx, in)
}

func (s *Session) onRoster(roster models.Roster) {
	s.mu.Lock()
	s.latest = roster.Clone()
	s.mu.Unlock()

	s.applyLatestRoster()
}

func (s *Session) applyLatestRoster() {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()

	s.mu.Lock()
	sched, roster, ctx := s.sched, s.latest, s.runCtx
	s.mu.Unlock()
	if sched == nil || roster == nil {
		return
	}
	sched.UpdateRoster(ctx, roster)
}
