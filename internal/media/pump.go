package media

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bep/debounce"

	"github.com/BioHazard786/Huddle/internal/logging"
)

const (
	// DefaultAudioInterval matches a 20ms encoder frame.
	DefaultAudioInterval = 20 * time.Millisecond
	DefaultFrameInterval = 100 * time.Millisecond
	// DefaultSpeakingHold is how long the source must stay quiet before
	// peers are told we stopped speaking.
	DefaultSpeakingHold = 300 * time.Millisecond
)

// loop runs fn on an interval. start and stop may be called any number of
// times in any order.
type loop struct {
	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

func (l *loop) start(interval time.Duration, fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return false
	}
	stop := make(chan struct{})
	l.stop = stop

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-stop:
				return
			}
		}
	}()
	return true
}

func (l *loop) halt() bool {
	l.mu.Lock()
	stop := l.stop
	l.stop = nil
	l.mu.Unlock()

	if stop == nil {
		return false
	}
	close(stop)
	l.wg.Wait()
	return true
}

func (l *loop) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stop != nil
}

type AudioOptions struct {
	Interval     time.Duration
	SpeakingHold time.Duration
	Logger       *slog.Logger
}

// AudioPump polls an AudioSource and broadcasts every packet. It raises the
// speaking flag on the first voiced packet and lowers it once the source has
// been quiet for the hold time.
type AudioPump struct {
	src      AudioSource
	out      Broadcaster
	interval time.Duration
	logger   *slog.Logger
	loop     loop
	quiet    func(func())

	mu       sync.Mutex
	speaking bool
	sent     int
}

func NewAudioPump(src AudioSource, out Broadcaster, opts AudioOptions) *AudioPump {
	if opts.Interval <= 0 {
		opts.Interval = DefaultAudioInterval
	}
	if opts.SpeakingHold <= 0 {
		opts.SpeakingHold = DefaultSpeakingHold
	}
	return &AudioPump{
		src:      src,
		out:      out,
		interval: opts.Interval,
		logger:   logging.OrDefault(opts.Logger).With("component", "audio"),
		quiet:    debounce.New(opts.SpeakingHold),
	}
}

func (p *AudioPump) Start() {
	if p.loop.start(p.interval, p.tick) {
		p.logger.Debug("audio pump started", "interval", p.interval)
	}
}

// Stop halts the pump and clears the speaking flag if it was raised.
func (p *AudioPump) Stop() {
	if !p.loop.halt() {
		return
	}
	p.setSpeaking(false)
	p.logger.Debug("audio pump stopped")
}

func (p *AudioPump) Running() bool {
	return p.loop.running()
}

func (p *AudioPump) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

// Sent counts packets handed to the mesh.
func (p *AudioPump) Sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

func (p *AudioPump) tick() {
	pkt, ok := p.src.NextPacket()
	if !ok {
		return
	}
	p.out.SendAudio(pkt.Data)

	p.mu.Lock()
	p.sent++
	p.mu.Unlock()

	if pkt.Speaking {
		p.setSpeaking(true)
		p.quiet(p.silence)
	}
}

// silence fires after the hold time with no voiced packet.
func (p *AudioPump) silence() {
	if p.loop.running() {
		p.setSpeaking(false)
	}
}

func (p *AudioPump) setSpeaking(v bool) {
	p.mu.Lock()
	changed := p.speaking != v
	p.speaking = v
	p.mu.Unlock()

	if changed {
		p.out.SetSpeaking(v)
	}
}

type ScreenOptions struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// ScreenPump broadcasts the current frame of a FrameSource on an interval,
// announcing the share when it starts and when it stops.
type ScreenPump struct {
	src      FrameSource
	out      Broadcaster
	interval time.Duration
	logger   *slog.Logger
	loop     loop

	mu   sync.Mutex
	sent int
}

func NewScreenPump(src FrameSource, out Broadcaster, opts ScreenOptions) *ScreenPump {
	if opts.Interval <= 0 {
		opts.Interval = DefaultFrameInterval
	}
	return &ScreenPump{
		src:      src,
		out:      out,
		interval: opts.Interval,
		logger:   logging.OrDefault(opts.Logger).With("component", "screen"),
	}
}

func (p *ScreenPump) Start() {
	if p.loop.start(p.interval, p.tick) {
		p.out.SetScreenSharing(true)
		p.logger.Debug("screen share started", "interval", p.interval)
	}
}

func (p *ScreenPump) Stop() {
	if p.loop.halt() {
		p.out.SetScreenSharing(false)
		p.logger.Debug("screen share stopped")
	}
}

func (p *ScreenPump) Running() bool {
	return p.loop.running()
}

func (p *ScreenPump) Sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

func (p *ScreenPump) tick() {
	f, ok := p.src.CurrentFrame()
	if !ok {
		return
	}
	p.out.SendScreenFrame(f.Data, f.Width, f.Height)

	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
}
