// Package scheduler owns who is speaking now.
//
// Every client runs an identical Scheduler against its own replica of the
// active turn and the turn queue. Local actions mutate the replica and emit a
// full snapshot; received snapshots replace the replica. Convergence comes from
// all clients applying the same deterministic rules, not from a server.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/debateroom/go/internal/debate/authority"
	"github.com/mcdev12/debateroom/go/internal/debate/events"
	"github.com/mcdev12/debateroom/go/internal/debate/queue"
	"github.com/mcdev12/debateroom/go/internal/debate/turnclock"
	"github.com/mcdev12/debateroom/go/internal/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotIdle          = errors.New("a turn is already active")
	ErrNotSpeaker       = errors.New("peer is not a current speaker")
	ErrUnauthorized     = errors.New("local peer may not perform this action")
	ErrNotActiveSpeaker = errors.New("local peer is not the active speaker")
	ErrAlreadyPaused    = errors.New("turn is already paused")
	ErrNotPaused        = errors.New("turn is not paused")
	ErrNoActiveTurn     = errors.New("no active turn")
)

// State is the scheduler state machine position.
type State int

const (
	StateIdle State = iota
	StateSpeaking
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateSpeaking:
		return "speaking"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// Broadcaster sends snapshots to every peer. Sends are fire-and-forget.
type Broadcaster interface {
	PublishActiveTurn(ctx context.Context, turn events.ActiveTurnPayload)
	PublishQueue(ctx context.Context, snapshot events.QueueSnapshotPayload)
}

// AudioController is the part of the platform used to enforce mutes.
type AudioController interface {
	SetLocalAudioEnabled(ctx context.Context, enabled bool) error
	SetRemoteTrackEnabled(ctx context.Context, trackRef string, enabled bool) error
}

// ActiveTurn is the speaker currently holding the floor.
type ActiveTurn struct {
	PeerID string
	Clock  turnclock.TurnClock
}

// Snapshot is a read-only view for the UI layer.
type Snapshot struct {
	State           State
	Mode            string
	ActiveSpeakerID string
	StartTime       time.Time
	PausedAt        *time.Time
	Remaining       time.Duration
	QueueOrder      []string
}

// Scheduler is the turn state machine for one local peer.
type Scheduler struct {
	localID     string
	clock       clockwork.Clock
	budget      time.Duration
	broadcaster Broadcaster
	audio       AudioController
	ticker      *Ticker
	tickEvery   time.Duration
	autoTick    bool

	// tickMu orders ticker start/stop decisions; see syncTicker.
	tickMu sync.Mutex

	mu     sync.Mutex
	runCtx context.Context
	roster models.Roster
	mode   authority.Mode
	active *ActiveTurn
	queue  *queue.TurnQueue

	// turnHeld is set once any turn has started in this session; auto-election
	// by join order only applies before that.
	turnHeld bool

	// lamport is the highest snapshot version seen from any peer. Local
	// publishes stamp lamport+1; turnVersion and queueVersion are the stamps
	// of the snapshots currently applied.
	lamport      uint64
	turnVersion  uint64
	turnOrigin   string
	queueVersion uint64
	queueOrigin  string

	// awaitingQueue is set on a moderator that joined an active room until it
	// adopts the room's queue or acts itself.
	awaitingQueue bool

	localAudio *bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithBudget sets the per-turn duration budget.
func WithBudget(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.budget = d
		}
	}
}

// WithBroadcaster sets the outbound snapshot sink.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Scheduler) { s.broadcaster = b }
}

// WithAudio sets the audio controller.
func WithAudio(a AudioController) Option {
	return func(s *Scheduler) { s.audio = a }
}

// WithTickInterval sets the tick period used while Run is active.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickEvery = d }
}

// WithoutAutoTick disables the internal ticker; callers drive Tick themselves.
func WithoutAutoTick() Option {
	return func(s *Scheduler) { s.autoTick = false }
}

// New creates a scheduler for the local peer localID.
func New(localID string, opts ...Option) *Scheduler {
	s := &Scheduler{
		localID:  localID,
		clock:    clockwork.NewRealClock(),
		budget:   turnclock.DefaultBudget,
		autoTick: true,
		mode:     authority.SelfElected{},
		queue:    queue.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ticker = NewTicker(s.clock, s.tickEvery)
	return s
}

// LocalID returns the local peer id.
func (s *Scheduler) LocalID() string {
	return s.localID
}

// Run enables the periodic tick until ctx is done, then stops it.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	s.syncTicker()

	<-ctx.Done()

	s.mu.Lock()
	s.runCtx = nil
	s.mu.Unlock()
	s.syncTicker()
	s.ticker.Wait()
	return nil
}

// StartTurn gives the floor to peerID. Valid only while idle; a request for the
// peer that is already speaking is ignored.
func (s *Scheduler) StartTurn(ctx context.Context, peerID string) error {
	return s.do(ctx, func(fx *effects) error {
		if s.active != nil {
			if s.active.PeerID == peerID {
				log.Debug().Str("peer_id", peerID).Msg("start ignored - already the active speaker")
				return nil
			}
			return ErrNotIdle
		}
		if !s.roster.IsSpeaker(peerID) {
			return ErrNotSpeaker
		}
		if !authority.CanStartTurn(s.mode, s.localPeerLocked(), peerID) {
			return ErrUnauthorized
		}
		s.awaitingQueue = false
		s.startTurnLocked(fx, peerID)
		return nil
	})
}

// Pause freezes the local speaker's clock.
func (s *Scheduler) Pause(ctx context.Context) error {
	return s.do(ctx, func(fx *effects) error {
		if err := s.checkLocalSpeakerLocked(); err != nil {
			return err
		}
		if s.active.Clock.Paused() {
			return ErrAlreadyPaused
		}
		s.active.Clock.Pause(s.clock.Now())
		s.publishTurnLocked(fx)
		return nil
	})
}

// Resume continues the local speaker's clock with the budget left at pause time.
func (s *Scheduler) Resume(ctx context.Context) error {
	return s.do(ctx, func(fx *effects) error {
		if err := s.checkLocalSpeakerLocked(); err != nil {
			return err
		}
		if !s.active.Clock.Paused() {
			return ErrNotPaused
		}
		s.active.Clock.Resume(s.clock.Now())
		s.publishTurnLocked(fx)
		return nil
	})
}

// EndTurn finishes the active turn early. The active speaker may end its own
// turn; a moderator may end anyone's.
func (s *Scheduler) EndTurn(ctx context.Context) error {
	return s.do(ctx, func(fx *effects) error {
		if s.active == nil {
			return ErrNoActiveTurn
		}
		if !s.mayEndLocked() {
			return ErrUnauthorized
		}
		s.endTurnLocked(fx)
		return nil
	})
}

// Skip ends the active turn and starts the next queued speaker. Moderators only.
func (s *Scheduler) Skip(ctx context.Context) error {
	return s.do(ctx, func(fx *effects) error {
		if s.active == nil {
			return ErrNoActiveTurn
		}
		if !authority.CanMutateQueue(s.mode, s.localPeerLocked()) {
			return ErrUnauthorized
		}
		s.awaitingQueue = false
		s.endTurnLocked(fx)
		s.advanceLocked(fx)
		return nil
	})
}

// OnLocalAudioChanged records a user-initiated audio toggle. Muting while
// holding the floor ends the turn.
func (s *Scheduler) OnLocalAudioChanged(ctx context.Context, enabled bool) error {
	return s.do(ctx, func(fx *effects) error {
		s.localAudio = &enabled
		if enabled || s.active == nil || s.active.PeerID != s.localID {
			return nil
		}
		log.Info().Str("peer_id", s.localID).Msg("active speaker muted - ending turn")
		s.endTurnLocked(fx)
		return nil
	})
}

// Tick recomputes the active turn's clock and handles expiry. Called once per second.
func (s *Scheduler) Tick(ctx context.Context) {
	_ = s.do(ctx, func(fx *effects) error {
		if s.active == nil || !s.active.Clock.Expired(s.clock.Now()) {
			return nil
		}

		expired := s.active.PeerID
		log.Info().
			Str("peer_id", expired).
			Dur("budget", s.budget).
			Msg("turn expired")

		s.forceMuteLocked(fx, expired)
		s.active = nil
		s.onTurnFinishedLocked(fx, expired)

		if authority.IsDriver(s.mode, s.localPeerLocked()) {
			s.advanceLocked(fx)
		}
		return nil
	})
}

// Enqueue appends a speaker to the queue. Moderators only.
func (s *Scheduler) Enqueue(ctx context.Context, peerID string) error {
	return s.mutateQueue(ctx, func() error {
		if !s.roster.IsSpeaker(peerID) {
			return ErrNotSpeaker
		}
		if s.active != nil && s.active.PeerID == peerID {
			return ErrNotIdle
		}
		return s.queue.Enqueue(peerID)
	})
}

// Dequeue removes a speaker from the queue. Moderators only.
func (s *Scheduler) Dequeue(ctx context.Context, peerID string) error {
	return s.mutateQueue(ctx, func() error {
		return s.queue.Remove(peerID)
	})
}

// Reorder moves the queue entry at from to position to. Moderators only.
func (s *Scheduler) Reorder(ctx context.Context, from, to int) error {
	return s.mutateQueue(ctx, func() error {
		return s.queue.Reorder(from, to)
	})
}

// Reset clears all local scheduling state. Used on leave; nothing is broadcast.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.roster = nil
	s.mode = authority.SelfElected{}
	s.active = nil
	s.queue.Clear()
	s.turnHeld = false
	s.lamport = 0
	s.turnVersion, s.turnOrigin = 0, ""
	s.queueVersion, s.queueOrigin = 0, ""
	s.awaitingQueue = false
	s.localAudio = nil
	s.mu.Unlock()

	s.syncTicker()
	log.Debug().Str("peer_id", s.localID).Msg("scheduler state reset")
}

// State returns the state machine position.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// ActiveSpeakerID returns the speaking peer, or "" when idle.
func (s *Scheduler) ActiveSpeakerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.PeerID
}

// RemainingSeconds returns the whole seconds left in the active turn.
func (s *Scheduler) RemainingSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return 0
	}
	return s.active.Clock.RemainingSeconds(s.clock.Now())
}

// QueueOrder returns the waiting speakers, head first.
func (s *Scheduler) QueueOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Order()
}

// LocalAudio reports the last known local audio state; ok is false until the
// first toggle or forced mute.
func (s *Scheduler) LocalAudio() (enabled, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localAudio == nil {
		return false, false
	}
	return *s.localAudio, true
}

// Mode returns the authority mode in force.
func (s *Scheduler) Mode() authority.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Snapshot returns a consistent view of the whole scheduling state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:      s.stateLocked(),
		Mode:       s.mode.String(),
		QueueOrder: s.queue.Order(),
	}
	if s.active != nil {
		snap.ActiveSpeakerID = s.active.PeerID
		snap.StartTime = s.active.Clock.StartTime
		snap.PausedAt = s.active.Clock.PauseTime
		snap.Remaining = s.active.Clock.Remaining(s.clock.Now())
	}
	return snap
}

func (s *Scheduler) mutateQueue(ctx context.Context, mutate func() error) error {
	return s.do(ctx, func(fx *effects) error {
		if !authority.CanMutateQueue(s.mode, s.localPeerLocked()) {
			return ErrUnauthorized
		}
		if err := mutate(); err != nil {
			return err
		}
		s.awaitingQueue = false
		s.publishQueueLocked(fx)
		return nil
	})
}

func (s *Scheduler) stateLocked() State {
	switch {
	case s.active == nil:
		return StateIdle
	case s.active.Clock.Paused():
		return StatePaused
	default:
		return StateSpeaking
	}
}

func (s *Scheduler) localPeerLocked() models.Peer {
	if p, ok := s.roster.Find(s.localID); ok {
		return p
	}
	return models.Peer{ID: s.localID}
}

func (s *Scheduler) checkLocalSpeakerLocked() error {
	if s.active == nil {
		return ErrNoActiveTurn
	}
	if s.active.PeerID != s.localID || s.localPeerLocked().Role != models.RoleSpeaker {
		return ErrNotActiveSpeaker
	}
	return nil
}

func (s *Scheduler) mayEndLocked() bool {
	if s.active.PeerID == s.localID {
		return true
	}
	return authority.CanMutateQueue(s.mode, s.localPeerLocked())
}

func (s *Scheduler) startTurnLocked(fx *effects, peerID string) {
	now := s.clock.Now()
	s.active = &ActiveTurn{PeerID: peerID, Clock: turnclock.New(now, s.budget)}
	_ = s.queue.Remove(peerID)
	s.turnHeld = true
	s.publishTurnLocked(fx)

	log.Info().
		Str("peer_id", peerID).
		Time("start_time", now).
		Str("mode", s.mode.String()).
		Msg("turn started")
}

func (s *Scheduler) endTurnLocked(fx *effects) {
	ended := s.active.PeerID
	s.forceMuteLocked(fx, ended)
	s.active = nil
	s.onTurnFinishedLocked(fx, ended)
	s.publishTurnLocked(fx)

	log.Info().Str("peer_id", ended).Msg("turn ended")
}

// advanceLocked starts the queue head, or stays idle when the queue is empty.
func (s *Scheduler) advanceLocked(fx *effects) {
	for {
		next, ok := s.queue.Pop()
		if !ok {
			log.Info().Msg("queue empty - staying idle")
			return
		}
		if s.roster.IsSpeaker(next) {
			s.startTurnLocked(fx, next)
			if s.isModeratorLocked() {
				s.publishQueueLocked(fx)
			}
			return
		}
	}
}

// onTurnFinishedLocked re-adds a speaker who finished a turn to the queue tail.
// In a moderated room only the moderator's client does this, and broadcasts it.
func (s *Scheduler) onTurnFinishedLocked(fx *effects, peerID string) {
	if !s.roster.IsSpeaker(peerID) || s.queue.Contains(peerID) {
		return
	}
	switch s.mode.(type) {
	case authority.SelfElected:
		_ = s.queue.Enqueue(peerID)
	case authority.ModeratorControlled:
		if s.isModeratorLocked() {
			_ = s.queue.Enqueue(peerID)
			s.publishQueueLocked(fx)
		}
	}
}

func (s *Scheduler) forceMuteLocked(fx *effects, peerID string) {
	if peerID == s.localID {
		muted := false
		s.localAudio = &muted
		fx.audio = append(fx.audio, audioOp{local: true, enabled: false})
		return
	}
	if s.isModeratorLocked() {
		if p, ok := s.roster.Find(peerID); ok && p.AudioTrack != "" {
			fx.audio = append(fx.audio, audioOp{track: p.AudioTrack, enabled: false})
		}
	}
}

func (s *Scheduler) isModeratorLocked() bool {
	m, ok := s.mode.(authority.ModeratorControlled)
	return ok && m.IsModerator(s.localID)
}

// maybeElectLocked applies auto-election in a self-elected room.
func (s *Scheduler) maybeElectLocked(fx *effects) {
	if _, ok := s.mode.(authority.SelfElected); !ok || s.active != nil {
		return
	}
	if !s.roster.IsSpeaker(s.localID) {
		return
	}

	var candidate string
	if !s.turnHeld {
		candidate, _ = authority.Elect(s.roster)
	} else {
		candidate, _ = s.queue.Head()
	}
	if candidate != s.localID {
		return
	}

	log.Info().Str("peer_id", s.localID).Bool("first_turn", !s.turnHeld).Msg("self-elected as next speaker")
	s.startTurnLocked(fx, s.localID)
}

func (s *Scheduler) publishTurnLocked(fx *effects) {
	s.lamport++
	s.turnVersion = s.lamport
	s.turnOrigin = s.localID
	turn := s.turnPayloadLocked()
	fx.turn = &turn
}

func (s *Scheduler) publishQueueLocked(fx *effects) {
	s.lamport++
	s.queueVersion = s.lamport
	s.queueOrigin = s.localID
	snap := s.queuePayloadLocked()
	fx.queue = &snap
}

func (s *Scheduler) turnPayloadLocked() events.ActiveTurnPayload {
	turn := events.ActiveTurnPayload{Version: s.turnVersion, Origin: s.turnOrigin}
	if s.active != nil {
		turn.PeerID = s.active.PeerID
		turn.StartTime = s.active.Clock.StartTime
		if s.active.Clock.PauseTime != nil {
			paused := *s.active.Clock.PauseTime
			turn.PausedAt = &paused
		}
	}
	return turn
}

func (s *Scheduler) queuePayloadLocked() events.QueueSnapshotPayload {
	return events.QueueSnapshotPayload{
		Order:   s.queue.Order(),
		Version: s.queueVersion,
		Origin:  s.queueOrigin,
	}
}
