package syncchannel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/debateroom/go/internal/debate/events"
	"github.com/mcdev12/debateroom/go/internal/debate/scheduler"
	"github.com/mcdev12/debateroom/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

type collector struct {
	mu  sync.Mutex
	got []events.Inbound
}

func (c *collector) HandleInbound(_ context.Context, in events.Inbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, in)
}

func (c *collector) all() []events.Inbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Inbound(nil), c.got...)
}

func TestAdapterRoundTripIncludesSender(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	bus := NewMemoryBus()

	a := NewAdapter("room-1", "s1", bus.Attach(), clock)
	b := NewAdapter("room-1", "s2", bus.Attach(), clock)

	gotA, gotB := &collector{}, &collector{}
	require.NoError(t, a.Subscribe(ctx, gotA))
	require.NoError(t, b.Subscribe(ctx, gotB))

	a.PublishActiveTurn(ctx, events.ActiveTurnPayload{PeerID: "s1", StartTime: t0, Version: 1, Origin: "s1"})
	a.PublishQueue(ctx, events.QueueSnapshotPayload{Order: []string{"s2"}, Version: 2, Origin: "s1"})

	for _, c := range []*collector{gotA, gotB} {
		got := c.all()
		require.Len(t, got, 2)

		turn, ok := got[0].(events.ActiveTurnChanged)
		require.True(t, ok)
		assert.Equal(t, "s1", turn.SenderID)
		assert.Equal(t, "s1", turn.Turn.PeerID)
		assert.True(t, turn.Turn.StartTime.Equal(t0))

		queue, ok := got[1].(events.QueueChanged)
		require.True(t, ok)
		assert.Equal(t, []string{"s2"}, queue.Queue.Order)
	}
}

func TestAdapterDropsForeignAndMalformedFrames(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	sink := &collector{}

	local := NewAdapter("room-1", "s1", bus.Attach(), nil)
	require.NoError(t, local.Subscribe(ctx, sink))

	other := NewAdapter("room-2", "x", bus.Attach(), nil)
	other.PublishActiveTurn(ctx, events.ActiveTurnPayload{PeerID: "x", Version: 1, Origin: "x"})

	raw := bus.Attach()
	require.NoError(t, raw.Broadcast(ctx, string(events.EventTypeActiveTurn), []byte("{not json")))

	assert.Empty(t, sink.all())
}

func TestAdapterDecode(t *testing.T) {
	a := NewAdapter("room-1", "s1", NewMemoryBus().Attach(), clockwork.NewFakeClockAt(t0))

	ev, err := events.New("room-1", "m", events.EventTypeQueueSnapshot,
		events.QueueSnapshotPayload{Order: []string{"a", "b"}, Version: 4, Origin: "m"}, t0)
	require.NoError(t, err)
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	in, err := a.Decode(raw)
	require.NoError(t, err)
	q, ok := in.(events.QueueChanged)
	require.True(t, ok)
	assert.Equal(t, "m", q.SenderID)
	assert.Equal(t, uint64(4), q.Queue.Version)

	roster, err := events.New("room-1", "relay", events.EventTypeRoster, events.RosterPayload{}, t0)
	require.NoError(t, err)
	raw, err = json.Marshal(roster)
	require.NoError(t, err)
	_, err = a.Decode(raw)
	assert.Error(t, err, "roster frames are not scheduling messages")
}

func TestMemoryTransportClose(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	tr := bus.Attach()

	calls := 0
	require.NoError(t, tr.OnEvent("X", func([]byte) { calls++ }))
	require.NoError(t, tr.Broadcast(ctx, "X", []byte("1")))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Broadcast(ctx, "X", []byte("2")), ErrClosed)
	require.NoError(t, bus.Attach().Broadcast(ctx, "X", []byte("3")))
	assert.Equal(t, 1, calls)
}

func TestSchedulersConvergeOverMemoryBus(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	bus := NewMemoryBus()

	roster := models.Roster{
		{ID: "s1", Role: models.RoleSpeaker, JoinedAt: t0},
		{ID: "s2", Role: models.RoleSpeaker, JoinedAt: t0.Add(time.Second)},
		{ID: "s3", Role: models.RoleSpeaker, JoinedAt: t0.Add(2 * time.Second)},
	}

	var peers []*scheduler.Scheduler
	for _, p := range roster {
		adapter := NewAdapter("room-1", p.ID, bus.Attach(), clock)
		s := scheduler.New(p.ID,
			scheduler.WithClock(clock),
			scheduler.WithBroadcaster(adapter),
			scheduler.WithoutAutoTick(),
		)
		require.NoError(t, adapter.Subscribe(ctx, s))
		peers = append(peers, s)
	}

	// Later joiners see the roster first so that the first broadcast reaches them.
	for i := len(peers) - 1; i >= 0; i-- {
		peers[i].UpdateRoster(ctx, roster)
	}

	for _, s := range peers {
		assert.Equal(t, "s1", s.ActiveSpeakerID())
		assert.Equal(t, []string{"s2", "s3"}, s.QueueOrder())
	}

	clock.Advance(2 * time.Minute)
	for _, s := range peers {
		s.Tick(ctx)
	}

	for _, s := range peers {
		assert.Equal(t, "s2", s.ActiveSpeakerID())
		assert.Equal(t, []string{"s3", "s1"}, s.QueueOrder())
		assert.Equal(t, 120, s.RemainingSeconds())
	}
}
