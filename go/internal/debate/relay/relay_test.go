package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/debateroom/go/internal/debate/events"
	"github.com/mcdev12/debateroom/go/internal/models"
	"github.com/mcdev12/debateroom/go/internal/token"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T, verifier TokenVerifier) (*Service, *httptest.Server, string) {
	t.Helper()
	svc := NewService(DefaultConfig(), verifier, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = svc.Start(ctx) }()

	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return svc, srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/room"
}

func joinClient(t *testing.T, url, peerID string, role models.Role) *Client {
	t.Helper()
	c := NewClient(ClientConfig{URL: url, RoomID: "room-1", PeerID: peerID, Role: role, AudioTrack: "track-" + peerID})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peer, err := c.Join(ctx, "", strings.ToUpper(peerID))
	require.NoError(t, err)
	require.Equal(t, peerID, peer.ID)
	require.True(t, peer.IsLocal)
	t.Cleanup(func() { _ = c.Leave(context.Background()) })
	return c
}

func frame(t *testing.T, senderID string, eventType events.EventType, payload interface{}) []byte {
	t.Helper()
	event, err := events.New("room-1", senderID, eventType, payload, time.Now())
	require.NoError(t, err)
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	return raw
}

func receive(t *testing.T, ch <-chan []byte) *events.Event {
	t.Helper()
	select {
	case raw := <-ch:
		event, err := events.Decode(raw)
		require.NoError(t, err)
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestRosterFollowsConnections(t *testing.T) {
	_, _, url := startRelay(t, nil)

	a := joinClient(t, url, "a", models.RoleSpeaker)
	b := joinClient(t, url, "b", models.RoleModerator)

	require.Eventually(t, func() bool { return len(a.Roster()) == 2 }, 5*time.Second, 10*time.Millisecond)

	roster := a.Roster()
	self, ok := roster.Local()
	require.True(t, ok)
	assert.Equal(t, "a", self.ID)
	assert.Equal(t, "track-a", self.AudioTrack)
	other, ok := roster.Find("b")
	require.True(t, ok)
	assert.Equal(t, models.RoleModerator, other.Role)
	assert.Equal(t, "B", other.Name)
	assert.False(t, other.IsLocal)

	require.NoError(t, b.Leave(context.Background()))
	require.Eventually(t, func() bool { return len(a.Roster()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestFramesReachEveryPeerIncludingSender(t *testing.T) {
	_, _, url := startRelay(t, nil)

	a := joinClient(t, url, "a", models.RoleSpeaker)
	b := joinClient(t, url, "b", models.RoleSpeaker)

	gotA := make(chan []byte, 4)
	gotB := make(chan []byte, 4)
	require.NoError(t, a.OnEvent(string(events.EventTypeActiveTurn), func(raw []byte) { gotA <- raw }))
	require.NoError(t, b.OnEvent(string(events.EventTypeActiveTurn), func(raw []byte) { gotB <- raw }))

	payload := events.ActiveTurnPayload{PeerID: "a", StartTime: time.Now().UTC(), Version: 1, Origin: "a"}
	require.NoError(t, a.Transport().Broadcast(context.Background(), string(events.EventTypeActiveTurn),
		frame(t, "a", events.EventTypeActiveTurn, payload)))

	for _, ch := range []chan []byte{gotA, gotB} {
		event := receive(t, ch)
		assert.Equal(t, "a", event.SenderID)
		assert.Equal(t, events.EventTypeActiveTurn, event.Type)
	}
}

func TestRelayDropsSpoofedAndRosterFrames(t *testing.T) {
	_, _, url := startRelay(t, nil)

	b := joinClient(t, url, "b", models.RoleSpeaker)
	got := make(chan []byte, 4)
	require.NoError(t, b.OnEvent(string(events.EventTypeQueueSnapshot), func(raw []byte) { got <- raw }))

	conn, _, err := websocket.DefaultDialer.Dial(url+"?room_id=room-1&peer_id=c&role=speaker", nil)
	require.NoError(t, err)
	defer conn.Close()

	snap := events.QueueSnapshotPayload{Order: []string{"b"}, Version: 3, Origin: "c"}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame(t, "b", events.EventTypeQueueSnapshot, snap)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame(t, "c", events.EventTypeRoster, events.RosterPayload{})))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame(t, "c", events.EventTypeQueueSnapshot, snap)))

	event := receive(t, got)
	assert.Equal(t, "c", event.SenderID)
	require.Eventually(t, func() bool { return len(b.Roster()) == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestDuplicatePeerRejected(t *testing.T) {
	_, _, url := startRelay(t, nil)
	joinClient(t, url, "a", models.RoleSpeaker)

	dup := NewClient(ClientConfig{URL: url, RoomID: "room-1", PeerID: "a", Role: models.RoleSpeaker})
	_, err := dup.Join(context.Background(), "", "again")
	assert.ErrorIs(t, err, ErrPeerConnected)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?room_id=room-1&peer_id=relay&role=speaker", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?room_id=room-1&peer_id=z&role=chair", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTokenAuthenticatedJoin(t *testing.T) {
	issuer := token.NewIssuer("k", "secret", time.Hour, nil)
	_, _, url := startRelay(t, issuer)

	raw, err := issuer.Issue("user-1", "room-9", models.RoleModerator)
	require.NoError(t, err)

	c := NewClient(ClientConfig{URL: url})
	peer, err := c.Join(context.Background(), raw, "Mo")
	require.NoError(t, err)
	defer c.Leave(context.Background())

	assert.Equal(t, "user-1", peer.ID)
	assert.Equal(t, "Mo", peer.Name)
	assert.Equal(t, models.RoleModerator, peer.Role)
	assert.Equal(t, "room-9", c.RoomID())

	_, resp, err := websocket.DefaultDialer.Dial(url+"?room_id=room-9&peer_id=x&role=speaker", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged, err := token.NewIssuer("k", "other", time.Hour, nil).Issue("user-2", "room-9", models.RoleSpeaker)
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(url+"?token="+forged, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAudioControlRequiresJoin(t *testing.T) {
	_, _, url := startRelay(t, nil)

	c := NewClient(ClientConfig{URL: url, RoomID: "room-1", PeerID: "a", Role: models.RoleModerator})
	assert.ErrorIs(t, c.SetLocalAudioEnabled(context.Background(), false), ErrNotJoined)
	assert.ErrorIs(t, c.Transport().Broadcast(context.Background(), "ACTIVE_TURN", nil), ErrNotJoined)

	_, err := c.Join(context.Background(), "", "")
	require.NoError(t, err)
	defer c.Leave(context.Background())

	assert.True(t, c.LocalAudioEnabled())
	require.NoError(t, c.SetLocalAudioEnabled(context.Background(), false))
	assert.False(t, c.LocalAudioEnabled())

	assert.True(t, c.RemoteTrackEnabled("track-b"))
	require.NoError(t, c.SetRemoteTrackEnabled(context.Background(), "track-b", false))
	assert.False(t, c.RemoteTrackEnabled("track-b"))
	assert.Error(t, c.SetRemoteTrackEnabled(context.Background(), "", false))
}

func TestConnectionStats(t *testing.T) {
	svc, srv, url := startRelay(t, nil)
	joinClient(t, url, "a", models.RoleSpeaker)
	joinClient(t, url, "b", models.RoleSpeaker)

	res, err := http.Get(srv.URL + "/ws/stats")
	require.NoError(t, err)
	defer res.Body.Close()

	var stats Stats
	require.NoError(t, json.NewDecoder(res.Body).Decode(&stats))
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 1, stats.ActiveRooms)
	assert.Equal(t, 2, stats.RoomConnections["room-1"])
	assert.Equal(t, stats, svc.GetStats())
}

func TestBridgeInjectsForeignFrames(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig(), nil)
	b := NewBridge(nil, "", cm)

	roomID, eventType, ok := b.parseSubject("debate.rooms.room-1.ACTIVE_TURN")
	require.True(t, ok)
	assert.Equal(t, "room-1", roomID)
	assert.Equal(t, events.EventTypeActiveTurn, eventType)

	for _, subject := range []string{"debate.rooms.room-1", "other.room-1.ACTIVE_TURN", "debate.rooms.a.b.c"} {
		_, _, ok := b.parseSubject(subject)
		assert.False(t, ok, subject)
	}

	b.handleMsg(&nats.Msg{Subject: "debate.rooms.room-1.QUEUE_SNAPSHOT", Data: []byte("x")})
	select {
	case msg := <-cm.broadcastCh:
		assert.Equal(t, BroadcastMessage{RoomID: "room-1", Frame: []byte("x")}, msg)
	default:
		t.Fatal("expected frame to be injected")
	}

	own := &nats.Msg{Subject: "debate.rooms.room-1.QUEUE_SNAPSHOT", Data: []byte("y"), Header: nats.Header{}}
	own.Header.Set(relayHeader, b.id)
	b.handleMsg(own)
	b.handleMsg(&nats.Msg{Subject: "debate.rooms.room-1.ROSTER", Data: []byte("z")})
	assert.Empty(t, cm.broadcastCh)
}

func rosterMsg(t *testing.T, relayID string, peers ...models.Peer) *nats.Msg {
	t.Helper()
	event, err := events.New("room-1", SenderID, events.EventTypeRoster, events.RosterPayload{Peers: peers}, time.Now())
	require.NoError(t, err)
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	msg := &nats.Msg{Subject: "debate.rooms.room-1.ROSTER", Data: raw, Header: nats.Header{}}
	msg.Header.Set(relayHeader, relayID)
	return msg
}

func TestBridgeMergesRostersAcrossRelays(t *testing.T) {
	svc, _, url := startRelay(t, nil)
	b := NewBridge(nil, "", svc.connectionManager)

	a := joinClient(t, url, "s1", models.RoleSpeaker)

	remote := models.Peer{ID: "s2", Name: "S2", Role: models.RoleSpeaker, JoinedAt: time.Now()}
	b.handleMsg(rosterMsg(t, "relay-b", remote))

	require.Eventually(t, func() bool {
		_, ok := a.Roster().Find("s2")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, a.Roster(), 2)

	// A remote copy of a locally connected id does not duplicate it.
	b.handleMsg(rosterMsg(t, "relay-c", models.Peer{ID: "s1", Role: models.RoleSpeaker}))
	assert.Len(t, svc.connectionManager.Roster("room-1"), 2)

	b.handleMsg(rosterMsg(t, "relay-b"))
	b.handleMsg(rosterMsg(t, "relay-c"))
	require.Eventually(t, func() bool { return len(a.Roster()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestRemoteRostersExpire(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cm := NewConnectionManager(DefaultConnectionConfig(), clock)

	cm.SetRemoteRoster("room-1", "relay-b", models.Roster{{ID: "s2", Role: models.RoleSpeaker}})
	clock.Advance(20 * time.Second)
	cm.SetRemoteRoster("room-1", "relay-c", models.Roster{{ID: "s3", Role: models.RoleSpeaker}})
	require.Len(t, cm.Roster("room-1"), 2)

	clock.Advance(15 * time.Second)
	cm.PruneRemoteRosters(3 * DefaultRosterInterval)

	roster := cm.Roster("room-1")
	require.Len(t, roster, 1)
	assert.Equal(t, "s3", roster[0].ID)
}
