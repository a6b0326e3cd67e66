package reconnect

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/BioHazard786/Huddle/internal/apperr"
	"github.com/BioHazard786/Huddle/internal/logging"
)

const (
	DefaultBaseDelay     = 2 * time.Second
	DefaultFailoverDelay = time.Second
	DefaultMaxAttempts   = 5
)

type State int

const (
	StateStable State = iota
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Session re-establishes a room session against the endpoint with the given
// index, running the same procedure that first set it up.
type Session interface {
	Establish(ctx context.Context, endpoint int) error
}

// SessionFunc adapts a function to Session.
type SessionFunc func(ctx context.Context, endpoint int) error

func (f SessionFunc) Establish(ctx context.Context, endpoint int) error {
	return f(ctx, endpoint)
}

// Scheduler runs f after d and returns a func that cancels it.
type Scheduler func(d time.Duration, f func()) (cancel func())

// AfterFunc is the real-time Scheduler.
func AfterFunc(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

type EventKind int

const (
	EventReconnecting EventKind = iota
	EventReconnected
	EventFailed
)

// Event reports supervisor progress to the layer above.
type Event struct {
	Kind        EventKind
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Endpoint    int
	Err         error
}

type Options struct {
	BaseDelay     time.Duration
	FailoverDelay time.Duration
	// MaxAttempts is per endpoint; the budget is MaxAttempts × Endpoints.
	MaxAttempts int
	Endpoints   int
	Schedule    Scheduler
	OnEvent     func(Event)
	Logger      *slog.Logger
}

// Supervisor retries a lost session with exponential backoff until it comes
// back, the attempt budget runs out, or the user leaves on purpose.
type Supervisor struct {
	session Session
	opts    Options
	logger  *slog.Logger

	mu           sync.Mutex
	state        State
	attempts     int
	endpoint     int
	intentional  bool
	scheduled    bool
	establishing bool
	cancelTimer  func()
	ctx          context.Context
	cancelCtx    context.CancelFunc
}

func New(session Session, opts Options) *Supervisor {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.FailoverDelay <= 0 {
		opts.FailoverDelay = DefaultFailoverDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Endpoints <= 0 {
		opts.Endpoints = 1
	}
	if opts.Schedule == nil {
		opts.Schedule = AfterFunc
	}
	if opts.OnEvent == nil {
		opts.OnEvent = func(Event) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		session:   session,
		opts:      opts,
		logger:    logging.OrDefault(opts.Logger).With("component", "reconnect"),
		ctx:       ctx,
		cancelCtx: cancel,
	}
}

// Delay is base × 1.5^(attempt−1).
func Delay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(1.5, float64(attempt-1)))
}

// Delay returns the wait before the given attempt. With more than one
// endpoint every retry fails over, so the shorter failover base applies.
func (s *Supervisor) Delay(attempt int) time.Duration {
	if s.opts.Endpoints > 1 {
		return Delay(s.opts.FailoverDelay, attempt)
	}
	return Delay(s.opts.BaseDelay, attempt)
}

func (s *Supervisor) MaxAttempts() int {
	return s.opts.MaxAttempts * s.opts.Endpoints
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Trigger reports that the session was lost. Triggers while a retry is
// already pending or running are absorbed.
func (s *Supervisor) Trigger(cause error) {
	s.mu.Lock()
	if s.intentional || s.state == StateFailed || s.scheduled || s.establishing {
		s.mu.Unlock()
		return
	}
	s.logger.Info("session lost", "error", cause)
	ev := s.scheduleLocked(cause)
	s.mu.Unlock()

	s.opts.OnEvent(ev)
}

// MarkIntentional records a deliberate leave: any pending retry is
// cancelled and later triggers are ignored until Reset.
func (s *Supervisor) MarkIntentional() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intentional = true
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
	s.scheduled = false
	s.cancelCtx()
}

// Reset arms the supervisor for a freshly established session on endpoint.
func (s *Supervisor) Reset(endpoint int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
	s.cancelCtx()
	s.ctx, s.cancelCtx = context.WithCancel(context.Background())
	s.intentional = false
	s.scheduled = false
	s.attempts = 0
	s.state = StateStable
	s.endpoint = endpoint
}

// scheduleLocked counts an attempt and either schedules it or gives up.
func (s *Supervisor) scheduleLocked(cause error) Event {
	s.attempts++
	limit := s.MaxAttempts()
	if s.attempts > limit {
		s.state = StateFailed
		s.logger.Warn("giving up", "attempts", limit, "error", cause)
		return Event{
			Kind:        EventFailed,
			Attempt:     s.attempts - 1,
			MaxAttempts: limit,
			Err:         apperr.Wrap("reconnect", apperr.ErrReconnectionExhausted, fmt.Sprint(cause)),
		}
	}

	s.state = StateReconnecting
	if s.opts.Endpoints > 1 {
		s.endpoint = (s.endpoint + 1) % s.opts.Endpoints
	}
	delay := s.Delay(s.attempts)
	s.scheduled = true
	s.cancelTimer = s.opts.Schedule(delay, s.attempt)

	s.logger.Info("reconnecting", "attempt", s.attempts, "max", limit, "delay", delay, "endpoint", s.endpoint)
	return Event{
		Kind:        EventReconnecting,
		Attempt:     s.attempts,
		MaxAttempts: limit,
		Delay:       delay,
		Endpoint:    s.endpoint,
		Err:         cause,
	}
}

func (s *Supervisor) attempt() {
	s.mu.Lock()
	if s.intentional || !s.scheduled {
		s.mu.Unlock()
		return
	}
	s.scheduled = false
	s.cancelTimer = nil
	s.establishing = true
	endpoint, ctx := s.endpoint, s.ctx
	s.mu.Unlock()

	err := s.session.Establish(ctx, endpoint)

	s.mu.Lock()
	s.establishing = false
	if s.intentional {
		s.mu.Unlock()
		return
	}

	var ev Event
	switch {
	case err == nil:
		ev = Event{Kind: EventReconnected, Attempt: s.attempts, MaxAttempts: s.MaxAttempts(), Endpoint: endpoint}
		s.attempts = 0
		s.state = StateStable
		s.logger.Info("reconnected", "endpoint", endpoint)
	case !apperr.Retryable(err):
		s.state = StateFailed
		ev = Event{Kind: EventFailed, Attempt: s.attempts, MaxAttempts: s.MaxAttempts(), Err: err}
		s.logger.Warn("reconnect failed permanently", "error", err)
	default:
		s.logger.Debug("attempt failed", "attempt", s.attempts, "error", err)
		ev = s.scheduleLocked(err)
	}
	s.mu.Unlock()

	s.opts.OnEvent(ev)
}
