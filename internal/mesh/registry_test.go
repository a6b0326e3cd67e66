package mesh

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/Huddle/internal/logging"
	"github.com/BioHazard786/Huddle/internal/peer"
	"github.com/BioHazard786/Huddle/internal/signaling"
)

// detached builds a coordinator that believes it is in a room but has no
// signaling session, so offers and answers go nowhere.
func detached(t *testing.T, localID string) (*Coordinator, uint64, func() []*peerEntry) {
	t.Helper()
	c := newCoordinator(t, "ws://127.0.0.1:1/ws")

	var mu sync.Mutex
	var created []*peerEntry
	c.trackPeer = func(e *peerEntry) {
		mu.Lock()
		created = append(created, e)
		mu.Unlock()
	}

	c.mu.Lock()
	c.session = &Session{Code: testCode, LocalID: localID, Username: "me", Role: RoleGuest, State: SessionConnected}
	gen := c.generation
	c.mu.Unlock()

	return c, gen, func() []*peerEntry {
		mu.Lock()
		defer mu.Unlock()
		return append([]*peerEntry(nil), created...)
	}
}

func remoteOffer(t *testing.T) string {
	t.Helper()
	remote, err := peer.New(peer.Params{
		ID:     "remote",
		Role:   peer.Offerer,
		API:    peer.NewAPI(true),
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(remote.Close)

	var sdp string
	require.NoError(t, remote.Offer(func(desc webrtc.SessionDescription) error {
		sdp = desc.SDP
		return nil
	}))
	require.NotEmpty(t, sdp)
	return sdp
}

func TestConcurrentSetupKeepsOneConnection(t *testing.T) {
	c, gen, created := detached(t, "zzzz")
	offer := signaling.SignalData{Type: signaling.SignalOffer, SDP: remoteOffer(t), Username: "x"}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				c.connectTo(gen, "x", "x")
			} else {
				c.acceptOffer(gen, "x", offer)
			}
		}()
	}
	wg.Wait()

	current := c.peers.get("x")
	require.NotNil(t, current)
	assert.NotEqual(t, peer.StateClosed, current.conn.State())

	all := created()
	require.NotEmpty(t, all)
	live := 0
	for _, e := range all {
		if e == current {
			live++
			continue
		}
		assert.Equal(t, peer.StateClosed, e.conn.State(), "stray connection left open")
	}
	assert.Equal(t, 1, live)
	assert.Len(t, c.Peers(), 1)
}

func TestOfferCollision(t *testing.T) {
	sdp := remoteOffer(t)
	offer := signaling.SignalData{Type: signaling.SignalOffer, SDP: sdp, Username: "x"}

	t.Run("lower id keeps its offer", func(t *testing.T) {
		c, gen, _ := detached(t, "aaaa")
		c.connectTo(gen, "x", "x")
		ours := c.peers.get("x")
		require.NotNil(t, ours)

		c.acceptOffer(gen, "x", offer)
		assert.Same(t, ours, c.peers.get("x"))
		assert.Equal(t, peer.Offerer, ours.conn.Role())
		assert.NotEqual(t, peer.StateClosed, ours.conn.State())
	})

	t.Run("higher id yields", func(t *testing.T) {
		c, gen, _ := detached(t, "zzzz")
		c.connectTo(gen, "x", "x")
		ours := c.peers.get("x")
		require.NotNil(t, ours)

		c.acceptOffer(gen, "x", offer)
		theirs := c.peers.get("x")
		require.NotNil(t, theirs)
		assert.NotSame(t, ours, theirs)
		assert.Equal(t, peer.Answerer, theirs.conn.Role())
		assert.Equal(t, peer.StateClosed, ours.conn.State())
	})
}

func TestStaleGenerationIgnored(t *testing.T) {
	c, gen, created := detached(t, "zzzz")

	c.mu.Lock()
	c.generation++
	c.mu.Unlock()

	c.handleSignal(gen, nil, &signaling.Message{Type: signaling.TypePeerLeft, PeerID: "x"})
	msg, err := signaling.NewSignal("zzzz", signaling.SignalData{Type: signaling.SignalOffer, SDP: remoteOffer(t)})
	require.NoError(t, err)
	msg.From = "x"
	c.handleSignal(gen, nil, msg)

	assert.Empty(t, created())
	assert.Nil(t, c.peers.get("x"))
}

func TestSetupAfterSessionEndLeavesNothing(t *testing.T) {
	c, gen, created := detached(t, "zzzz")
	log := watchEvents(c)
	offer := signaling.SignalData{Type: signaling.SignalOffer, SDP: remoteOffer(t), Username: "y"}

	// The session ends between the caller reading gen and registering.
	c.mu.Lock()
	c.generation++
	c.mu.Unlock()

	c.connectTo(gen, "x", "x")
	c.acceptOffer(gen, "y", offer)

	assert.Nil(t, c.peers.get("x"))
	assert.Nil(t, c.peers.get("y"))
	assert.Empty(t, c.Peers())
	all := created()
	require.Len(t, all, 2)
	for _, e := range all {
		assert.Equal(t, peer.StateClosed, e.conn.State())
	}

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, log.count(EventPeerFailed, ""))
	assert.Zero(t, log.count(EventPeerDisconnected, ""))
}

func TestEventQueueKeepsOrderWithoutReader(t *testing.T) {
	q := newEventQueue()
	defer q.close()

	for i := range 1000 {
		q.push(Event{Kind: EventMessage, Attempt: i})
	}
	for i := range 1000 {
		select {
		case e := <-q.out:
			require.Equal(t, i, e.Attempt)
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestAnnounceOnlyOnce(t *testing.T) {
	e := &peerEntry{id: "x", username: "from-offer"}
	assert.True(t, e.announce("bob"))
	assert.False(t, e.announce("mallory"))
	assert.Equal(t, "bob", e.name())

	same := &peerEntry{id: "y", username: "carol"}
	assert.False(t, same.announce("carol"))
	assert.False(t, same.announce(""))
}
