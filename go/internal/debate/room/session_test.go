package room

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/debateroom/go/internal/debate/events"
	"github.com/mcdev12/debateroom/go/internal/debate/scheduler"
	"github.com/mcdev12/debateroom/go/internal/debate/syncchannel"
	"github.com/mcdev12/debateroom/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

type fakePlatform struct {
	peer      models.Peer
	transport syncchannel.Transport
	release   chan struct{}

	mu        sync.Mutex
	joinErr   error
	joins     int
	leaves    int
	listeners []func(models.Roster)
	audio     []bool
}

func (f *fakePlatform) Join(ctx context.Context, token, name string) (models.Peer, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return models.Peer{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins++
	if f.joinErr != nil {
		return models.Peer{}, f.joinErr
	}
	p := f.peer
	p.IsLocal = true
	return p, nil
}

func (f *fakePlatform) Leave(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakePlatform) RoomID() string { return "room-1" }

func (f *fakePlatform) OnRosterChange(fn func(models.Roster)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *fakePlatform) Transport() syncchannel.Transport { return f.transport }

func (f *fakePlatform) SetLocalAudioEnabled(ctx context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, enabled)
	return nil
}

func (f *fakePlatform) SetRemoteTrackEnabled(ctx context.Context, trackRef string, enabled bool) error {
	return nil
}

func (f *fakePlatform) emit(roster models.Roster) {
	f.mu.Lock()
	listeners := append([]func(models.Roster){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(roster)
	}
}

func (f *fakePlatform) counts() (joins, leaves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins, f.leaves
}

func speaker(id string, joinedAfter time.Duration) models.Peer {
	return models.Peer{ID: id, Name: id, Role: models.RoleSpeaker, JoinedAt: t0.Add(joinedAfter), AudioTrack: "track-" + id}
}

func TestJoinLatchRejectsDuplicateAttempts(t *testing.T) {
	ctx := context.Background()
	platform := &fakePlatform{
		peer:      speaker("s1", 0),
		transport: syncchannel.NewMemoryBus().Attach(),
		release:   make(chan struct{}),
	}
	sess := NewSession(platform, WithClock(clockwork.NewFakeClockAt(t0)))

	done := make(chan error, 1)
	go func() { done <- sess.Join(ctx, "", "S1") }()

	require.Eventually(t, func() bool {
		status, _ := sess.Status()
		return status == StatusJoining
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, sess.Join(ctx, "", "S1"), ErrJoinInProgress)

	close(platform.release)
	require.NoError(t, <-done)

	status, _ := sess.Status()
	assert.Equal(t, StatusConnected, status)
	assert.ErrorIs(t, sess.Join(ctx, "", "S1"), ErrAlreadyJoined)

	joins, _ := platform.counts()
	assert.Equal(t, 1, joins)

	local, ok := sess.Local()
	require.True(t, ok)
	assert.Equal(t, "s1", local.ID)

	require.NoError(t, sess.Leave(ctx))
}

func TestJoinFailureReleasesLatch(t *testing.T) {
	ctx := context.Background()
	platform := &fakePlatform{
		peer:      speaker("s1", 0),
		transport: syncchannel.NewMemoryBus().Attach(),
		joinErr:   errors.New("token expired"),
	}
	sess := NewSession(platform)

	err := sess.Join(ctx, "tok", "S1")
	require.Error(t, err)

	status, message := sess.Status()
	assert.Equal(t, StatusFailed, status)
	assert.Contains(t, message, "token expired")

	_, err = sess.Scheduler()
	assert.ErrorIs(t, err, ErrNotJoined)

	platform.mu.Lock()
	platform.joinErr = nil
	platform.mu.Unlock()

	require.NoError(t, sess.Join(ctx, "tok", "S1"))
	status, message = sess.Status()
	assert.Equal(t, StatusConnected, status)
	assert.Empty(t, message)

	joins, _ := platform.counts()
	assert.Equal(t, 2, joins)
	require.NoError(t, sess.Leave(ctx))
}

func TestSessionsConvergeAndLeaveIsLocal(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	bus := syncchannel.NewMemoryBus()

	var frames atomic.Int32
	spy := bus.Attach()
	require.NoError(t, spy.OnEvent("ACTIVE_TURN", func([]byte) { frames.Add(1) }))
	require.NoError(t, spy.OnEvent("QUEUE_SNAPSHOT", func([]byte) { frames.Add(1) }))

	p1 := &fakePlatform{peer: speaker("s1", 0), transport: bus.Attach()}
	p2 := &fakePlatform{peer: speaker("s2", time.Second), transport: bus.Attach()}
	sess1 := NewSession(p1, WithClock(clock))
	sess2 := NewSession(p2, WithClock(clock))

	require.NoError(t, sess1.Join(ctx, "", "S1"))
	require.NoError(t, sess2.Join(ctx, "", "S2"))

	roster := models.Roster{speaker("s1", 0), speaker("s2", time.Second)}
	p1.emit(roster)
	p2.emit(roster)

	sched1, err := sess1.Scheduler()
	require.NoError(t, err)
	sched2, err := sess2.Scheduler()
	require.NoError(t, err)

	assert.Equal(t, "s1", sched1.ActiveSpeakerID())
	assert.Equal(t, "s1", sched2.ActiveSpeakerID())
	assert.Equal(t, []string{"s2"}, sched1.QueueOrder())
	assert.Equal(t, []string{"s2"}, sched2.QueueOrder())

	sent := frames.Load()
	require.NoError(t, sess1.Leave(ctx))

	assert.Equal(t, scheduler.StateIdle, sched1.State())
	assert.Empty(t, sched1.QueueOrder())
	assert.Equal(t, "s1", sched2.ActiveSpeakerID())
	assert.Equal(t, sent, frames.Load())

	require.NoError(t, sess1.Leave(ctx))
	_, leaves := p1.counts()
	assert.Equal(t, 1, leaves)

	_, err = sess1.Scheduler()
	assert.ErrorIs(t, err, ErrNotJoined)

	p2.emit(models.Roster{speaker("s2", time.Second)})
	assert.Equal(t, "s2", sched2.ActiveSpeakerID())

	require.NoError(t, sess2.Leave(ctx))
}

func TestRosterBeforeJoinCompletesIsApplied(t *testing.T) {
	ctx := context.Background()
	platform := &fakePlatform{
		peer:      speaker("s1", 0),
		transport: syncchannel.NewMemoryBus().Attach(),
		release:   make(chan struct{}),
	}
	sess := NewSession(platform, WithClock(clockwork.NewFakeClockAt(t0)), WithBudget(90*time.Second))

	done := make(chan error, 1)
	go func() { done <- sess.Join(ctx, "", "S1") }()

	require.Eventually(t, func() bool {
		status, _ := sess.Status()
		return status == StatusJoining
	}, time.Second, time.Millisecond)
	platform.emit(models.Roster{speaker("s1", 0)})
	close(platform.release)
	require.NoError(t, <-done)

	sched, err := sess.Scheduler()
	require.NoError(t, err)
	assert.Equal(t, "s1", sched.ActiveSpeakerID())
	assert.Equal(t, 90, sched.RemainingSeconds())

	require.NoError(t, sess.Leave(ctx))
}

func TestAlternateTransportCarriesSnapshots(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	platformBus := syncchannel.NewMemoryBus()
	altBus := syncchannel.NewMemoryBus()

	var onPlatform atomic.Int32
	spy := platformBus.Attach()
	require.NoError(t, spy.OnEvent("ACTIVE_TURN", func([]byte) { onPlatform.Add(1) }))

	p1 := &fakePlatform{peer: speaker("s1", 0), transport: platformBus.Attach()}
	p2 := &fakePlatform{peer: speaker("s2", time.Second), transport: platformBus.Attach()}
	sess1 := NewSession(p1, WithClock(clock), WithTransport(altBus.Attach()))
	sess2 := NewSession(p2, WithClock(clock), WithTransport(altBus.Attach()))
	require.NoError(t, sess1.Join(ctx, "", "S1"))
	require.NoError(t, sess2.Join(ctx, "", "S2"))

	roster := models.Roster{speaker("s1", 0), speaker("s2", time.Second)}
	p2.emit(roster)
	p1.emit(roster)

	sched2, err := sess2.Scheduler()
	require.NoError(t, err)
	assert.Equal(t, "s1", sched2.ActiveSpeakerID())
	assert.Zero(t, onPlatform.Load())

	require.NoError(t, sess1.Leave(ctx))
	require.NoError(t, sess2.Leave(ctx))
}

func TestFramesReachCurrentSchedulerAcrossRejoin(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	bus := syncchannel.NewMemoryBus()

	platform := &fakePlatform{peer: speaker("s1", 0), transport: bus.Attach()}
	sess := NewSession(platform, WithClock(clock))
	require.NoError(t, sess.Join(ctx, "", "S1"))

	other := syncchannel.NewAdapter("room-2", "s9", bus.Attach(), clock)
	remote := syncchannel.NewAdapter("room-1", "s2", bus.Attach(), clock)

	first, err := sess.Scheduler()
	require.NoError(t, err)
	other.PublishActiveTurn(ctx, events.ActiveTurnPayload{PeerID: "s9", StartTime: t0, Version: 1, Origin: "s9"})
	assert.Equal(t, scheduler.StateIdle, first.State(), "frames for another room are dropped")

	remote.PublishActiveTurn(ctx, events.ActiveTurnPayload{PeerID: "s2", StartTime: t0, Version: 1, Origin: "s2"})
	assert.Equal(t, "s2", first.ActiveSpeakerID())

	require.NoError(t, sess.Leave(ctx))
	remote.PublishActiveTurn(ctx, events.ActiveTurnPayload{PeerID: "s2", StartTime: t0, Version: 2, Origin: "s2"})
	assert.Equal(t, scheduler.StateIdle, first.State(), "a left scheduler receives nothing")

	require.NoError(t, sess.Join(ctx, "", "S1"))
	second, err := sess.Scheduler()
	require.NoError(t, err)
	require.NotSame(t, first, second)

	remote.PublishActiveTurn(ctx, events.ActiveTurnPayload{PeerID: "s2", StartTime: t0, Version: 3, Origin: "s2"})
	assert.Equal(t, "s2", second.ActiveSpeakerID())

	require.NoError(t, sess.Leave(ctx))
}
