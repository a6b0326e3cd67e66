package mesh

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/Huddle/internal/apperr"
	"github.com/BioHazard786/Huddle/internal/latency"
	"github.com/BioHazard786/Huddle/internal/logging"
	"github.com/BioHazard786/Huddle/internal/peer"
	"github.com/BioHazard786/Huddle/internal/protocol"
	"github.com/BioHazard786/Huddle/internal/rendezvous"
	"github.com/BioHazard786/Huddle/internal/roomcode"
	"github.com/BioHazard786/Huddle/internal/signaling"
)

const (
	testCode = "K7TQ2M"
	waitFor  = 15 * time.Second
	tick     = 20 * time.Millisecond
)

func newRendezvous(t *testing.T) string {
	t.Helper()
	url, _ := startRendezvous(t)
	return url
}

// startRendezvous also returns a func that stops the server early.
func startRendezvous(t *testing.T) (string, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := rendezvous.NewHub(rendezvous.NewMetrics(), logging.Discard())
	go hub.Run(ctx)

	srv := httptest.NewServer(rendezvous.NewRouter(hub))
	stop := func() {
		srv.Close()
		cancel()
	}
	t.Cleanup(stop)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", stop
}

func newCoordinator(t *testing.T, servers ...string) *Coordinator {
	t.Helper()
	return newCoordinatorWith(t, nil, servers...)
}

func newCoordinatorWith(t *testing.T, tweak func(*Options), servers ...string) *Coordinator {
	t.Helper()
	opts := Options{
		Servers:              servers,
		API:                  peer.NewAPI(true),
		HostTimeout:          5 * time.Second,
		JoinTimeout:          5 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		PingInterval:         time.Hour,
		ReconnectBaseDelay:   100 * time.Millisecond,
		FailoverDelay:        100 * time.Millisecond,
		ReconnectMaxAttempts: 8,
		Logger:               logging.Discard(),
	}
	if tweak != nil {
		tweak(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func watchEvents(c *Coordinator) *eventLog {
	l := &eventLog{}
	go func() {
		for e := range c.Events() {
			l.mu.Lock()
			l.events = append(l.events, e)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) find(kind EventKind, peerID string) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Kind == kind && (peerID == "" || e.PeerID == peerID) {
			return e, true
		}
	}
	return Event{}, false
}

func (l *eventLog) count(kind EventKind, peerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind && (peerID == "" || e.PeerID == peerID) {
			n++
		}
	}
	return n
}

func (l *eventLog) wait(t *testing.T, kind EventKind, peerID string) Event {
	t.Helper()
	var ev Event
	require.Eventually(t, func() bool {
		var ok bool
		ev, ok = l.find(kind, peerID)
		return ok
	}, waitFor, tick, "waiting for %s from %q", kind, peerID)
	return ev
}

func (l *eventLog) waitCount(t *testing.T, kind EventKind, peerID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return l.count(kind, peerID) >= n
	}, waitFor, tick, "waiting for %d × %s from %q", n, kind, peerID)
}

func localID(t *testing.T, c *Coordinator) string {
	t.Helper()
	s, ok := c.Session()
	require.True(t, ok)
	return s.LocalID
}

func roleOf(c *Coordinator, id string) (peer.Role, bool) {
	for _, p := range c.Peers() {
		if p.ID == id {
			return p.Role, true
		}
	}
	return 0, false
}

func TestHostAndJoinExchangeChat(t *testing.T) {
	url := newRendezvous(t)
	ctx := context.Background()

	host := newCoordinator(t, url)
	hostLog := watchEvents(host)
	require.NoError(t, host.HostRoom(ctx, strings.ToLower(testCode), "alice"))

	s, ok := host.Session()
	require.True(t, ok)
	assert.Equal(t, testCode, s.Code)
	assert.Equal(t, roomcode.HostID(testCode), s.LocalID)
	assert.Equal(t, RoleHost, s.Role)
	assert.Equal(t, SessionConnected, s.State)

	guest := newCoordinator(t, url)
	guestLog := watchEvents(guest)
	require.NoError(t, guest.JoinRoom(ctx, testCode, "bob"))
	guestID := localID(t, guest)

	ev := hostLog.wait(t, EventPeerConnected, guestID)
	assert.Equal(t, "bob", ev.Username)
	ev = guestLog.wait(t, EventPeerConnected, roomcode.HostID(testCode))
	assert.Equal(t, "alice", ev.Username)

	sent, err := guest.SendChat("hello")
	require.NoError(t, err)
	assert.Equal(t, "bob", sent.Sender)

	ev = hostLog.wait(t, EventMessage, guestID)
	chat, ok := ev.Payload.(protocol.Chat)
	require.True(t, ok)
	assert.Equal(t, "hello", chat.Content)
	assert.Equal(t, "bob", chat.Sender)
	assert.Equal(t, sent.Timestamp, chat.Timestamp)

	peers := host.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "bob", peers[0].Username)
	assert.Equal(t, peer.StateOpen, peers[0].State)
	assert.Equal(t, peer.Answerer, peers[0].Role)
}

func TestMeshFormsAndNewcomerInitiates(t *testing.T) {
	url := newRendezvous(t)
	ctx := context.Background()

	a := newCoordinator(t, url)
	aLog := watchEvents(a)
	require.NoError(t, a.HostRoom(ctx, testCode, "alice"))
	aID := localID(t, a)

	b := newCoordinator(t, url)
	bLog := watchEvents(b)
	require.NoError(t, b.JoinRoom(ctx, testCode, "bob"))
	bID := localID(t, b)
	aLog.wait(t, EventPeerConnected, bID)
	bLog.wait(t, EventPeerConnected, aID)

	c := newCoordinator(t, url)
	cLog := watchEvents(c)
	require.NoError(t, c.JoinRoom(ctx, testCode, "carol"))
	cID := localID(t, c)

	aLog.wait(t, EventPeerConnected, cID)
	bLog.wait(t, EventPeerConnected, cID)
	cLog.wait(t, EventPeerConnected, aID)
	cLog.wait(t, EventPeerConnected, bID)

	for _, tc := range []struct {
		name   string
		self   *Coordinator
		remote string
		want   peer.Role
	}{
		{"host answers bob", a, bID, peer.Answerer},
		{"host answers carol", a, cID, peer.Answerer},
		{"bob offers to host", b, aID, peer.Offerer},
		{"bob answers carol", b, cID, peer.Answerer},
		{"carol offers to host", c, aID, peer.Offerer},
		{"carol offers to bob", c, bID, peer.Offerer},
	} {
		t.Run(tc.name, func(t *testing.T) {
			role, ok := roleOf(tc.self, tc.remote)
			require.True(t, ok)
			assert.Equal(t, tc.want, role)
		})
	}

	n := c.Broadcast(protocol.Chat{Sender: "carol", Content: "hi all"})
	assert.Equal(t, 2, n)
	aLog.wait(t, EventMessage, cID)
	bLog.wait(t, EventMessage, cID)
}

func TestDepartureReportedOnce(t *testing.T) {
	url := newRendezvous(t)
	ctx := context.Background()

	a := newCoordinator(t, url)
	aLog := watchEvents(a)
	require.NoError(t, a.HostRoom(ctx, testCode, "alice"))

	b := newCoordinator(t, url)
	bLog := watchEvents(b)
	require.NoError(t, b.JoinRoom(ctx, testCode, "bob"))
	bID := localID(t, b)

	c := newCoordinator(t, url)
	cLog := watchEvents(c)
	require.NoError(t, c.JoinRoom(ctx, testCode, "carol"))
	cID := localID(t, c)

	aLog.wait(t, EventPeerConnected, cID)
	bLog.wait(t, EventPeerConnected, cID)

	c.LeaveRoom()
	c.LeaveRoom()

	aLog.wait(t, EventPeerDisconnected, cID)
	bLog.wait(t, EventPeerDisconnected, cID)
	cLog.wait(t, EventLeft, "")

	// Both peer-left and the link itself going down must collapse into one
	// notification.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, aLog.count(EventPeerDisconnected, cID))
	assert.Equal(t, 1, bLog.count(EventPeerDisconnected, cID))
	assert.Equal(t, 1, cLog.count(EventLeft, ""))
	assert.Zero(t, cLog.count(EventReconnecting, ""))

	require.Len(t, a.Peers(), 1)
	assert.Equal(t, bID, a.Peers()[0].ID)
	_, ok := c.Session()
	assert.False(t, ok)
	assert.Empty(t, c.Peers())
}

func TestJoinMissingRoom(t *testing.T) {
	url := newRendezvous(t)

	guest := newCoordinator(t, url)
	log := watchEvents(guest)

	start := time.Now()
	err := guest.JoinRoom(context.Background(), "ZZZZZZ", "bob")
	require.ErrorIs(t, err, apperr.ErrRoomNotFound)
	assert.Less(t, time.Since(start), 5*time.Second)

	_, ok := guest.Session()
	assert.False(t, ok)

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, log.count(EventReconnecting, ""))
}

func TestHostCodeInUse(t *testing.T) {
	url := newRendezvous(t)
	ctx := context.Background()

	first := newCoordinator(t, url)
	require.NoError(t, first.HostRoom(ctx, testCode, "alice"))

	second := newCoordinator(t, url)
	err := second.HostRoom(ctx, testCode, "mallory")
	require.ErrorIs(t, err, apperr.ErrRoomCodeInUse)
	_, ok := second.Session()
	assert.False(t, ok)
}

func TestRejectsBadInput(t *testing.T) {
	url := newRendezvous(t)
	ctx := context.Background()
	c := newCoordinator(t, url)

	err := c.HostRoom(ctx, "NOPE", "alice")
	require.ErrorIs(t, err, apperr.ErrInvalidRoomCode)

	require.NoError(t, c.HostRoom(ctx, testCode, ""))
	s, _ := c.Session()
	assert.Equal(t, DefaultUsername, s.Username)

	err = c.JoinRoom(ctx, "ABCDEF", "alice")
	require.ErrorIs(t, err, apperr.ErrAlreadyInRoom)
}

func TestNoServers(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, apperr.ErrSignalingUnavailable)
}

func TestUnreachableServer(t *testing.T) {
	c := newCoordinator(t, "ws://127.0.0.1:1/ws")
	err := c.HostRoom(context.Background(), testCode, "alice")
	require.ErrorIs(t, err, apperr.ErrSignalingUnavailable)
	_, ok := c.Session()
	assert.False(t, ok)
}

func TestStartFailsOverToNextServer(t *testing.T) {
	url := newRendezvous(t)
	c := newCoordinator(t, "ws://127.0.0.1:1/ws", url)

	require.NoError(t, c.HostRoom(context.Background(), testCode, "alice"))
	s, ok := c.Session()
	require.True(t, ok)
	assert.Equal(t, 1, s.Endpoint)
}

func TestLeaveRoomIsIdempotent(t *testing.T) {
	url := newRendezvous(t)
	c := newCoordinator(t, url)
	log := watchEvents(c)

	c.LeaveRoom()
	require.NoError(t, c.HostRoom(context.Background(), testCode, "alice"))
	c.LeaveRoom()
	c.LeaveRoom()

	log.wait(t, EventLeft, "")
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, log.count(EventLeft, ""))
	assert.Zero(t, log.count(EventSessionLost, ""))
	assert.Zero(t, log.count(EventReconnecting, ""))
}

func TestCloseEndsEvents(t *testing.T) {
	c := newCoordinator(t, "ws://127.0.0.1:1/ws")
	c.Close()
	c.Close()

	select {
	case _, ok := <-c.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
	err := c.HostRoom(context.Background(), testCode, "alice")
	require.ErrorIs(t, err, apperr.ErrClosed)
}

func TestRecoversFromSignalingLoss(t *testing.T) {
	url := newRendezvous(t)
	ctx := context.Background()

	host := newCoordinator(t, url)
	hostLog := watchEvents(host)
	require.NoError(t, host.HostRoom(ctx, testCode, "alice"))
	hostID := localID(t, host)

	guest := newCoordinator(t, url)
	guestLog := watchEvents(guest)
	require.NoError(t, guest.JoinRoom(ctx, testCode, "bob"))
	guestID := localID(t, guest)

	hostLog.wait(t, EventPeerConnected, guestID)
	guestLog.wait(t, EventPeerConnected, hostID)

	host.mu.Lock()
	client := host.client
	host.mu.Unlock()
	require.NotNil(t, client)
	client.Close()

	hostLog.wait(t, EventSessionLost, "")
	hostLog.wait(t, EventReconnecting, "")
	hostLog.wait(t, EventReconnected, "")

	ev := guestLog.wait(t, EventRoomClosed, "")
	assert.Equal(t, signaling.ReasonHostLeft, ev.Reason)
	guestLog.wait(t, EventReconnected, "")

	// The guest keeps its id and rebuilds the mesh by offering again.
	assert.Equal(t, guestID, localID(t, guest))
	hostLog.waitCount(t, EventPeerConnected, guestID, 2)
	guestLog.waitCount(t, EventPeerConnected, hostID, 2)

	s, _ := host.Session()
	assert.Equal(t, SessionConnected, s.State)
	assert.Zero(t, hostLog.count(EventFailed, ""))
}

func TestLatencyMeasured(t *testing.T) {
	url := newRendezvous(t)
	ctx := context.Background()

	host := newCoordinatorWith(t, func(o *Options) { o.PingInterval = 50 * time.Millisecond }, url)
	hostLog := watchEvents(host)
	require.NoError(t, host.HostRoom(ctx, testCode, "alice"))

	guest := newCoordinator(t, url)
	require.NoError(t, guest.JoinRoom(ctx, testCode, "bob"))
	guestID := localID(t, guest)
	hostLog.wait(t, EventPeerConnected, guestID)

	ev := hostLog.wait(t, EventQualityChanged, "")
	assert.NotEqual(t, latency.Disconnected, ev.Quality)

	require.Eventually(t, func() bool {
		peers := host.Peers()
		return len(peers) == 1 && peers[0].HasLatency
	}, waitFor, tick)
	assert.NotEqual(t, latency.Disconnected, host.Quality())
}

func TestMediaGoesToHandlerOnly(t *testing.T) {
	url := newRendezvous(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []protocol.Payload
	host := newCoordinatorWith(t, func(o *Options) {
		o.Handler = func(from string, p protocol.Payload) {
			mu.Lock()
			got = append(got, p)
			mu.Unlock()
		}
	}, url)
	hostLog := watchEvents(host)
	require.NoError(t, host.HostRoom(ctx, testCode, "alice"))

	guest := newCoordinator(t, url)
	guestLog := watchEvents(guest)
	require.NoError(t, guest.JoinRoom(ctx, testCode, "bob"))
	guestID := localID(t, guest)
	hostLog.wait(t, EventPeerConnected, guestID)
	guestLog.wait(t, EventPeerConnected, roomcode.HostID(testCode))

	assert.Equal(t, 1, guest.SendAudio([]byte{1, 2, 3}))
	assert.Equal(t, 1, guest.SendScreenFrame([]byte{9}, 4, 3))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		var audio, screen bool
		for _, p := range got {
			switch v := p.(type) {
			case protocol.Audio:
				audio = assert.ObjectsAreEqual([]byte{1, 2, 3}, v.Data)
			case protocol.Screen:
				screen = v.Width == 4 && v.Height == 3
			}
		}
		return audio && screen
	}, waitFor, tick)

	_, err := guest.SendChat("after media")
	require.NoError(t, err)
	hostLog.wait(t, EventMessage, guestID)
	assert.Equal(t, 1, hostLog.count(EventMessage, guestID), "media never reaches the event stream")
}

func TestExhaustedReconnectTearsSessionDown(t *testing.T) {
	url, stop := startRendezvous(t)
	host := newCoordinatorWith(t, func(o *Options) { o.ReconnectMaxAttempts = 2 }, url)
	hostLog := watchEvents(host)
	require.NoError(t, host.HostRoom(context.Background(), testCode, "alice"))

	stop()
	host.mu.Lock()
	client := host.client
	host.mu.Unlock()
	require.NotNil(t, client)
	client.Close()

	ev := hostLog.wait(t, EventFailed, "")
	assert.ErrorIs(t, ev.Err, apperr.ErrReconnectionExhausted)
	assert.Equal(t, 2, hostLog.count(EventReconnecting, ""))

	_, inRoom := host.Session()
	assert.False(t, inRoom)
	assert.Empty(t, host.Peers())
	host.mu.Lock()
	assert.Nil(t, host.client)
	assert.False(t, host.live)
	host.mu.Unlock()

	// Nothing is left to leave.
	host.LeaveRoom()
	assert.Zero(t, hostLog.count(EventLeft, ""))
}
