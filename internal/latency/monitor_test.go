package latency

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/Huddle/internal/logging"
)

type fakePinger struct {
	mu    sync.Mutex
	open  []string
	pings []string
	stamp []int64
}

func (f *fakePinger) OpenPeers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.open)
}

func (f *fakePinger) Ping(id string, ts int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings = append(f.pings, id)
	f.stamp = append(f.stamp, ts)
}

func (f *fakePinger) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pings)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestClassifyBoundaries(t *testing.T) {
	tests := []struct {
		ms   int
		want Quality
	}{
		{0, Excellent},
		{49, Excellent},
		{50, Good},
		{99, Good},
		{100, Fair},
		{199, Fair},
		{200, Poor},
		{1500, Poor},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(time.Duration(tt.ms)*time.Millisecond), "%dms", tt.ms)
	}
}

func TestPongProducesHalfRoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_000_000)}
	pinger := &fakePinger{open: []string{"bob"}}
	var changes []Quality
	m := New(pinger, Options{Now: clock.Now, Logger: logging.Discard(), OnChange: func(q Quality) {
		changes = append(changes, q)
	}})

	assert.Equal(t, Disconnected, m.Quality())

	m.Tick()
	require.Len(t, pinger.stamp, 1)
	sent := pinger.stamp[0]

	clock.Advance(120 * time.Millisecond)
	d, ok := m.HandlePong("bob", sent)
	require.True(t, ok)
	assert.Equal(t, 60*time.Millisecond, d)

	got, ok := m.Latency("bob")
	require.True(t, ok)
	assert.Equal(t, 60*time.Millisecond, got)
	assert.Equal(t, Good, m.Quality())

	// A second copy of the same reply is stale.
	_, ok = m.HandlePong("bob", sent)
	assert.False(t, ok)

	// An immediate echo is a zero latency sample.
	m.Tick()
	d, ok = m.HandlePong("bob", clock.Now().UnixMilli())
	require.True(t, ok)
	assert.Zero(t, d)
	assert.Equal(t, Excellent, m.Quality())

	_, ok = m.HandlePong("bob", clock.Now().Add(time.Second).UnixMilli())
	assert.False(t, ok)
	_, ok = m.HandlePong("carol", clock.Now().UnixMilli())
	assert.False(t, ok, "never pinged")

	assert.Equal(t, []Quality{Good, Excellent}, changes)
}

func TestAggregateIsMeanOverOpenPeers(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(5_000_000)}
	pinger := &fakePinger{open: []string{"a", "b", "c"}}
	m := New(pinger, Options{Now: clock.Now, Logger: logging.Discard()})

	sent := clock.Now().UnixMilli()
	m.Tick()
	pinger.mu.Lock()
	pinger.open = []string{"a", "b"}
	pinger.mu.Unlock()

	clock.Advance(40 * time.Millisecond)
	m.HandlePong("a", sent) // 20ms
	clock.Advance(320 * time.Millisecond)
	m.HandlePong("b", sent) // 180ms
	assert.Equal(t, Fair, m.Quality(), "mean of 20ms and 180ms is 100ms")

	clock.Advance(640 * time.Millisecond)
	m.HandlePong("c", sent) // no longer open
	assert.Equal(t, Fair, m.Quality())

	pinger.mu.Lock()
	pinger.open = []string{"a"}
	pinger.mu.Unlock()
	m.Forget("b")
	assert.Equal(t, Excellent, m.Quality())

	pinger.mu.Lock()
	pinger.open = nil
	pinger.mu.Unlock()
	m.Forget("a")
	assert.Equal(t, Disconnected, m.Quality())
	_, ok := m.Latency("a")
	assert.False(t, ok)
}

func TestUnansweredPingCountsAsSlow(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(2_000_000)}
	pinger := &fakePinger{open: []string{"far"}}
	m := New(pinger, Options{Now: clock.Now, Logger: logging.Discard()})

	m.Tick()
	first := clock.Now().UnixMilli()
	clock.Advance(3 * time.Second)
	m.Tick()

	got, ok := m.Latency("far")
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, got)
	assert.Equal(t, Poor, m.Quality())

	// The late reply to the first ping no longer counts.
	_, ok = m.HandlePong("far", first)
	assert.False(t, ok)

	second := clock.Now().UnixMilli()
	clock.Advance(100 * time.Millisecond)
	d, ok := m.HandlePong("far", second)
	require.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, d)
	assert.Equal(t, Good, m.Quality())

	// A floor never lowers a slower measured sample.
	m.Tick()
	clock.Advance(10 * time.Millisecond)
	m.Tick()
	got, _ = m.Latency("far")
	assert.Equal(t, 50*time.Millisecond, got)
}

func TestStartStopIdempotent(t *testing.T) {
	pinger := &fakePinger{open: []string{"a"}}
	m := New(pinger, Options{Interval: 10 * time.Millisecond, Logger: logging.Discard()})

	m.Stop()
	m.Start()
	m.Start()
	assert.True(t, m.Running())

	assert.Eventually(t, func() bool { return pinger.pingCount() >= 2 }, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
	assert.False(t, m.Running())

	count := pinger.pingCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, pinger.pingCount(), "no pings after Stop")

	m.Start()
	assert.Eventually(t, func() bool { return pinger.pingCount() > count }, 2*time.Second, 5*time.Millisecond)
	m.Stop()
}
