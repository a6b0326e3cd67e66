package latency

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BioHazard786/Huddle/internal/logging"
)

const DefaultInterval = 3 * time.Second

// Quality buckets one-way latency for display.
type Quality string

const (
	Excellent    Quality = "excellent"
	Good         Quality = "good"
	Fair         Quality = "fair"
	Poor         Quality = "poor"
	Disconnected Quality = "disconnected"
)

// Classify buckets a one-way latency: under 50ms is excellent, under 100ms
// good, under 200ms fair, anything slower poor.
func Classify(d time.Duration) Quality {
	switch ms := d.Milliseconds(); {
	case ms < 50:
		return Excellent
	case ms < 100:
		return Good
	case ms < 200:
		return Fair
	default:
		return Poor
	}
}

// Pinger is the part of the mesh the monitor drives.
type Pinger interface {
	// OpenPeers lists the participants with an open link.
	OpenPeers() []string
	// Ping sends a ping stamped with ts (unix milliseconds) to one peer.
	Ping(peerID string, ts int64)
}

type Options struct {
	Interval time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
	// OnChange is called with the new aggregate quality whenever it moves.
	OnChange func(Quality)
	Logger   *slog.Logger
}

// Monitor pings every open peer on an interval and keeps the last measured
// one-way latency for each.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	now      func() time.Time
	onChange func(Quality)
	logger   *slog.Logger

	mu      sync.Mutex
	sent    map[string]int64
	samples map[string]time.Duration
	quality Quality
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(pinger Pinger, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OnChange == nil {
		opts.OnChange = func(Quality) {}
	}
	return &Monitor{
		pinger:   pinger,
		interval: opts.Interval,
		now:      opts.Now,
		onChange: opts.OnChange,
		logger:   logging.OrDefault(opts.Logger).With("component", "latency"),
		sent:     make(map[string]int64),
		samples:  make(map[string]time.Duration),
		quality:  Disconnected,
	}
}

// Start begins pinging. Starting a running monitor does nothing.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	stop := make(chan struct{})
	m.stop = stop

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Tick()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts pinging and waits for the loop to exit. Stopping a stopped
// monitor does nothing. Samples are kept.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	m.wg.Wait()
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

// Tick pings every open peer once. A peer still owing a reply to the
// previous ping has a round trip of at least the time since, and its sample
// is raised to that floor.
func (m *Monitor) Tick() {
	ts := m.now().UnixMilli()
	overdue := false
	for _, id := range m.pinger.OpenPeers() {
		m.mu.Lock()
		if last, ok := m.sent[id]; ok {
			floor := time.Duration(ts-last) * time.Millisecond / 2
			if floor > m.samples[id] {
				m.samples[id] = floor
				overdue = true
			}
		}
		m.sent[id] = ts
		m.mu.Unlock()
		m.pinger.Ping(id, ts)
	}
	if overdue {
		m.recompute()
	}
}

// HandlePong records the round trip for a pong echoing ts. Only a reply to
// the last ping sent to peerID counts; it returns the one-way latency.
func (m *Monitor) HandlePong(peerID string, ts int64) (time.Duration, bool) {
	rtt := m.now().UnixMilli() - ts

	m.mu.Lock()
	last, ok := m.sent[peerID]
	if !ok || last != ts || rtt < 0 {
		m.mu.Unlock()
		m.logger.Debug("ignoring stale pong", "peer", peerID, "ts", ts)
		return 0, false
	}
	delete(m.sent, peerID)
	latency := time.Duration(rtt) * time.Millisecond / 2
	m.samples[peerID] = latency
	m.mu.Unlock()

	m.recompute()
	return latency, true
}

// Forget drops a departed peer's sample.
func (m *Monitor) Forget(peerID string) {
	m.mu.Lock()
	delete(m.sent, peerID)
	delete(m.samples, peerID)
	m.mu.Unlock()
	m.recompute()
}

// Reset drops every sample.
func (m *Monitor) Reset() {
	m.mu.Lock()
	clear(m.sent)
	clear(m.samples)
	m.mu.Unlock()
	m.recompute()
}

// Latency returns the last sample for peerID.
func (m *Monitor) Latency(peerID string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.samples[peerID]
	return d, ok
}

// Quality classifies the mean latency across open peers that have a sample,
// or reports Disconnected when none do.
func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

func (m *Monitor) recompute() {
	open := m.pinger.OpenPeers()

	m.mu.Lock()
	var (
		total time.Duration
		n     int
	)
	for _, id := range open {
		if d, ok := m.samples[id]; ok {
			total += d
			n++
		}
	}
	next := Disconnected
	if n > 0 {
		next = Classify(total / time.Duration(n))
	}
	changed := next != m.quality
	m.quality = next
	m.mu.Unlock()

	if changed {
		m.onChange(next)
	}
}
