package mesh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Huddle/internal/apperr"
	"github.com/BioHazard786/Huddle/internal/latency"
	"github.com/BioHazard786/Huddle/internal/logging"
	"github.com/BioHazard786/Huddle/internal/peer"
	"github.com/BioHazard786/Huddle/internal/protocol"
	"github.com/BioHazard786/Huddle/internal/reconnect"
	"github.com/BioHazard786/Huddle/internal/roomcode"
	"github.com/BioHazard786/Huddle/internal/signaling"
)

const (
	DefaultHostTimeout = 10 * time.Second
	DefaultJoinTimeout = 15 * time.Second
	DefaultUsername    = "Anonymous"
)

type Options struct {
	// Servers are signaling endpoints in failover order. At least one is required.
	Servers []string
	WebRTC  webrtc.Configuration
	// API builds peer connections; nil uses pion's defaults.
	API *webrtc.API

	HostTimeout      time.Duration
	JoinTimeout      time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration

	ReconnectBaseDelay   time.Duration
	FailoverDelay        time.Duration
	ReconnectMaxAttempts int
	// Schedule overrides how reconnect attempts are timed.
	Schedule reconnect.Scheduler

	// Handler receives every application payload, media included, on the
	// goroutine that read it. Media payloads are not repeated on Events.
	Handler func(from string, p protocol.Payload)
	Logger  *slog.Logger
}

// Coordinator owns one room membership: the signaling session, the mesh of
// peer connections and the background monitors around them.
type Coordinator struct {
	opts       Options
	logger     *slog.Logger
	peers      *registry
	events     *eventQueue
	monitor    *latency.Monitor
	supervisor *reconnect.Supervisor

	mu          sync.Mutex
	session     *Session
	client      *signaling.Client
	generation  uint64
	live        bool
	intentional bool
	closed      bool
	known       map[string]string

	// trackPeer sees every entry created; tests use it to audit the registry.
	trackPeer func(*peerEntry)
}

func New(opts Options) (*Coordinator, error) {
	if len(opts.Servers) == 0 {
		return nil, apperr.Wrap("mesh", apperr.ErrSignalingUnavailable, "no signaling servers configured")
	}
	if opts.HostTimeout <= 0 {
		opts.HostTimeout = DefaultHostTimeout
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.API == nil {
		opts.API = webrtc.NewAPI()
	}

	c := &Coordinator{
		opts:   opts,
		logger: logging.OrDefault(opts.Logger).With("component", "mesh"),
		peers:  newRegistry(),
		events: newEventQueue(),
		known:  make(map[string]string),
	}
	c.monitor = latency.New(pinger{c}, latency.Options{
		Interval: opts.PingInterval,
		OnChange: func(q latency.Quality) {
			c.emit(Event{Kind: EventQualityChanged, Quality: q})
		},
		Logger: opts.Logger,
	})
	c.supervisor = reconnect.New(reconnect.SessionFunc(c.reestablish), reconnect.Options{
		BaseDelay:     opts.ReconnectBaseDelay,
		FailoverDelay: opts.FailoverDelay,
		MaxAttempts:   opts.ReconnectMaxAttempts,
		Endpoints:     len(opts.Servers),
		Schedule:      opts.Schedule,
		OnEvent:       c.onSupervisorEvent,
		Logger:        opts.Logger,
	})
	return c, nil
}

// Events delivers notifications in order. The channel closes after Close.
func (c *Coordinator) Events() <-chan Event {
	return c.events.out
}

// HostRoom opens a room under code and waits until the rendezvous service
// has accepted it.
func (c *Coordinator) HostRoom(ctx context.Context, code, username string) error {
	code, err := roomcode.Parse(code)
	if err != nil {
		return err
	}
	if err := c.begin(&Session{
		Code:     code,
		LocalID:  roomcode.HostID(code),
		Username: orDefault(username),
		Role:     RoleHost,
	}); err != nil {
		return err
	}
	return c.start(ctx)
}

// JoinRoom enters an existing room and starts connecting to everyone in it.
func (c *Coordinator) JoinRoom(ctx context.Context, code, username string) error {
	code, err := roomcode.Parse(code)
	if err != nil {
		return err
	}
	if err := c.begin(&Session{
		Code:     code,
		LocalID:  roomcode.NewParticipantID(),
		Username: orDefault(username),
		Role:     RoleGuest,
	}); err != nil {
		return err
	}
	return c.start(ctx)
}

func orDefault(username string) string {
	if username == "" {
		return DefaultUsername
	}
	return username
}

func (c *Coordinator) begin(s *Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return apperr.New("mesh", apperr.ErrClosed)
	}
	if c.session != nil {
		return apperr.Wrap("mesh", apperr.ErrAlreadyInRoom, c.session.Code)
	}
	s.State = SessionConnecting
	c.session = s
	c.intentional = false
	clear(c.known)
	return nil
}

// start walks the endpoints in order until one accepts the session. Any
// answer from a reachable server ends the walk.
func (c *Coordinator) start(ctx context.Context) error {
	var err error
	for i := range c.opts.Servers {
		c.supervisor.Reset(i)
		if err = c.establish(ctx, i); err == nil {
			c.monitor.Start()
			return nil
		}
		if !errors.Is(err, apperr.ErrSignalingUnavailable) {
			break
		}
		c.logger.Warn("signaling endpoint unavailable", "endpoint", c.opts.Servers[i], "error", err)
	}

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	return err
}

func (c *Coordinator) reestablish(ctx context.Context, endpoint int) error {
	if err := c.establish(ctx, endpoint); err != nil {
		return err
	}
	c.monitor.Start()
	return nil
}

// establish opens a signaling session on endpoint and registers, hosts or
// joins as the session role requires. Each call starts a new generation;
// messages and callbacks from older generations are ignored.
func (c *Coordinator) establish(ctx context.Context, endpoint int) error {
	c.mu.Lock()
	if c.session == nil || c.intentional {
		c.mu.Unlock()
		return apperr.New("mesh", apperr.ErrClosed)
	}
	c.generation++
	gen := c.generation
	c.live = false
	old := c.client
	c.client = nil
	sess := *c.session
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	timeout := c.opts.HostTimeout
	if sess.Role == RoleGuest {
		timeout = c.opts.JoinTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	server := c.opts.Servers[endpoint]
	client := signaling.NewClient(server, c.opts.Logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	d := signaling.NewDispatcher(client, func(m *signaling.Message) { c.handleSignal(gen, client, m) }, c.opts.Logger)

	c.mu.Lock()
	if c.generation != gen || c.intentional {
		c.mu.Unlock()
		client.Close()
		return apperr.New("mesh", apperr.ErrClosed)
	}
	c.client = client
	c.mu.Unlock()

	go d.Run()
	go c.watch(gen, client, d)

	fail := func(err error) error {
		c.mu.Lock()
		if c.generation == gen {
			c.generation++
			c.client = nil
		}
		c.mu.Unlock()
		client.Close()
		return err
	}

	_, err := d.Request(ctx, &signaling.Message{
		Type:     signaling.TypeRegister,
		PeerID:   sess.LocalID,
		Username: sess.Username,
	}, signaling.TypeRegistered)
	if err != nil {
		return fail(err)
	}

	var roster []signaling.PeerInfo
	switch sess.Role {
	case RoleHost:
		_, err = d.Request(ctx, &signaling.Message{Type: signaling.TypeHost, Room: sess.Code}, signaling.TypeHosted)
	case RoleGuest:
		var joined *signaling.Message
		joined, err = d.Request(ctx, &signaling.Message{Type: signaling.TypeJoin, Room: sess.Code}, signaling.TypeJoined)
		if err == nil {
			roster = joined.Peers
		}
	}
	if err != nil {
		return fail(err)
	}

	c.mu.Lock()
	if c.generation != gen || c.session == nil {
		c.mu.Unlock()
		return fail(apperr.New("mesh", apperr.ErrClosed))
	}
	c.live = true
	c.session.State = SessionConnected
	c.session.Endpoint = endpoint
	for _, p := range roster {
		c.known[p.PeerID] = p.Username
	}
	c.mu.Unlock()

	c.logger.Info("session established", "room", sess.Code, "role", sess.Role, "id", sess.LocalID, "server", server, "peers", len(roster))

	// Newcomers initiate: we offer to everyone already present.
	for _, p := range roster {
		if p.PeerID == sess.LocalID {
			continue
		}
		c.connectTo(gen, p.PeerID, p.Username)
	}
	return nil
}

// watch turns the end of a live signaling session into a session loss.
func (c *Coordinator) watch(gen uint64, client *signaling.Client, d *signaling.Dispatcher) {
	<-d.Done()

	c.mu.Lock()
	if c.generation != gen || !c.live || c.intentional {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.live = false
	c.client = nil
	if c.session != nil {
		c.session.State = SessionReconnecting
	}
	c.mu.Unlock()

	cause := client.Err()
	if cause == nil {
		cause = apperr.New("signaling", apperr.ErrSessionLost)
	}
	c.logger.Warn("signaling connection lost", "server", client.URL(), "error", cause)
	c.sessionLost(cause)
}

// teardown ends a session that cannot be recovered. Afterwards the
// coordinator is out of any room and HostRoom or JoinRoom may start again.
func (c *Coordinator) teardown() {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return
	}
	code := c.session.Code
	c.session = nil
	c.generation++
	c.live = false
	client := c.client
	c.client = nil
	c.mu.Unlock()

	c.monitor.Stop()
	if client != nil {
		client.Close()
	}
	c.closePeers()
	c.monitor.Reset()
	c.logger.Warn("session torn down", "room", code)
}

// sessionLost tears the mesh down and hands recovery to the supervisor. The
// mesh is rebuilt from the roster once a new session is established.
func (c *Coordinator) sessionLost(cause error) {
	c.logger.Warn("session lost", "error", cause)
	c.monitor.Stop()
	c.closePeers()
	c.monitor.Reset()
	c.emit(Event{Kind: EventSessionLost, Err: cause})
	c.supervisor.Trigger(cause)
}

func (c *Coordinator) onSupervisorEvent(ev reconnect.Event) {
	switch ev.Kind {
	case reconnect.EventReconnecting:
		c.emit(Event{Kind: EventReconnecting, Attempt: ev.Attempt, MaxAttempts: ev.MaxAttempts, Delay: ev.Delay, Err: ev.Err})
	case reconnect.EventReconnected:
		c.emit(Event{Kind: EventReconnected, Attempt: ev.Attempt, MaxAttempts: ev.MaxAttempts})
	case reconnect.EventFailed:
		c.teardown()
		c.emit(Event{Kind: EventFailed, Attempt: ev.Attempt, MaxAttempts: ev.MaxAttempts, Err: ev.Err})
	}
}

// dropStale discards an entry registered after its session ended, so a
// leave or reconnect racing the registration leaves nothing behind. The
// entry is unregistered before closing so no event is reported for it.
func (c *Coordinator) dropStale(gen uint64, e *peerEntry) bool {
	if c.current(gen) {
		return false
	}
	c.logger.Debug("dropping peer from ended session", "peer", e.id)
	c.peers.remove(e)
	e.conn.Close()
	return true
}

func (c *Coordinator) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

func (c *Coordinator) handleSignal(gen uint64, client *signaling.Client, m *signaling.Message) {
	if !c.current(gen) {
		return
	}

	switch m.Type {
	case signaling.TypePeerJoined:
		c.mu.Lock()
		c.known[m.PeerID] = m.Username
		c.mu.Unlock()
		c.logger.Info("peer joined", "peer", m.PeerID, "username", m.Username)

	case signaling.TypePeerLeft:
		c.logger.Info("peer left", "peer", m.PeerID)
		c.dropPeer(m.PeerID)

	case signaling.TypeSignal:
		data, err := m.Signal()
		if err != nil {
			c.logger.Warn("bad signal payload", "from", m.From, "error", err)
			return
		}
		c.handlePeerSignal(gen, m.From, data)

	case signaling.TypeRoomClosed:
		c.logger.Warn("room closed", "reason", m.Reason)
		c.emit(Event{Kind: EventRoomClosed, Reason: m.Reason})

		c.mu.Lock()
		if c.generation != gen || !c.live {
			c.mu.Unlock()
			return
		}
		c.generation++
		c.live = false
		c.client = nil
		if c.session != nil {
			c.session.State = SessionReconnecting
		}
		c.mu.Unlock()

		client.Close()
		c.sessionLost(apperr.Wrap("room", apperr.ErrSessionLost, m.Reason))

	case signaling.TypeError:
		c.logger.Warn("rendezvous error", "code", m.Error, "message", m.Message)

	default:
		c.logger.Debug("ignoring signaling message", "type", m.Type)
	}
}

func (c *Coordinator) handlePeerSignal(gen uint64, from string, data signaling.SignalData) {
	switch data.Type {
	case signaling.SignalOffer:
		c.acceptOffer(gen, from, data)

	case signaling.SignalAnswer:
		e := c.peers.get(from)
		if e == nil {
			c.logger.Warn("answer from unknown peer", "peer", from)
			return
		}
		if err := e.conn.HandleAnswer(data.SDP); err != nil {
			c.logger.Warn("failed to apply answer", "peer", from, "error", err)
		}

	case signaling.SignalCandidate:
		e := c.peers.get(from)
		if e == nil || data.Candidate == nil {
			c.logger.Debug("dropping candidate", "peer", from)
			return
		}
		if err := e.conn.AddCandidate(*data.Candidate); err != nil {
			c.logger.Debug("failed to add candidate", "peer", from, "error", err)
		}

	default:
		c.logger.Debug("unknown signal type", "type", data.Type, "peer", from)
	}
}

func (c *Coordinator) newEntry(gen uint64, id, username string, role peer.Role) (*peerEntry, error) {
	e := &peerEntry{id: id, username: username}
	conn, err := peer.New(peer.Params{
		ID:               id,
		Role:             role,
		Config:           c.opts.WebRTC,
		API:              c.opts.API,
		HandshakeTimeout: c.opts.HandshakeTimeout,
		Logger:           c.opts.Logger,
		OnCandidate: func(cand webrtc.ICECandidateInit) {
			c.sendSignal(gen, id, signaling.SignalData{Type: signaling.SignalCandidate, Candidate: &cand})
		},
		OnStateChange: func(s peer.State, err error) { c.onPeerState(e, s, err) },
		OnMessage:     func(data []byte) { c.demux(e, data) },
	})
	if err != nil {
		return nil, err
	}
	e.conn = conn
	if c.trackPeer != nil {
		c.trackPeer(e)
	}
	return e, nil
}

// connectTo offers to id unless a connection to it already exists.
func (c *Coordinator) connectTo(gen uint64, id, username string) {
	e, err := c.newEntry(gen, id, username, peer.Offerer)
	if err != nil {
		c.logger.Error("failed to create peer", "peer", id, "error", err)
		c.emit(Event{Kind: EventPeerFailed, PeerID: id, Username: username, Err: err})
		return
	}
	if existing := c.peers.insert(e); existing != nil {
		c.logger.Debug("already connecting", "peer", id)
		e.conn.Close()
		return
	}
	if c.dropStale(gen, e) {
		return
	}

	local := c.localName()
	err = e.conn.Offer(func(desc webrtc.SessionDescription) error {
		c.sendSignal(gen, id, signaling.SignalData{Type: signaling.SignalOffer, SDP: desc.SDP, Username: local})
		return nil
	})
	if err != nil {
		c.logger.Warn("offer failed", "peer", id, "error", err)
	}
}

// acceptOffer answers an offer from id. An existing connection to id is
// replaced unless both sides are offering at once and we sort first, in
// which case our offer stands and theirs is dropped.
func (c *Coordinator) acceptOffer(gen uint64, from string, data signaling.SignalData) {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return
	}
	localID := c.session.LocalID
	username := data.Username
	if username == "" {
		username = c.known[from]
	}
	c.mu.Unlock()

	if existing := c.peers.get(from); existing != nil {
		state := existing.conn.State()
		if existing.conn.Role() == peer.Offerer && state != peer.StateOpen && state != peer.StateClosed && localID < from {
			c.logger.Info("offer collision, keeping ours", "peer", from)
			return
		}
	}

	e, err := c.newEntry(gen, from, username, peer.Answerer)
	if err != nil {
		c.logger.Error("failed to create peer", "peer", from, "error", err)
		c.emit(Event{Kind: EventPeerFailed, PeerID: from, Username: username, Err: err})
		return
	}
	if old := c.peers.replace(e); old != nil {
		c.logger.Info("replacing connection", "peer", from, "state", old.conn.State())
		c.retire(old)
	}
	if c.dropStale(gen, e) {
		return
	}

	err = e.conn.HandleOffer(data.SDP, func(desc webrtc.SessionDescription) error {
		c.sendSignal(gen, from, signaling.SignalData{Type: signaling.SignalAnswer, SDP: desc.SDP})
		return nil
	})
	if err != nil {
		c.logger.Warn("failed to answer", "peer", from, "error", err)
	}
}

// retire closes an entry that has already been taken out of the registry,
// reporting the disconnect if it was ever open.
func (c *Coordinator) retire(e *peerEntry) {
	if e.conn.WasOpen() {
		c.monitor.Forget(e.id)
		c.emit(Event{Kind: EventPeerDisconnected, PeerID: e.id, Username: e.name()})
	}
	e.conn.Close()
}

func (c *Coordinator) dropPeer(id string) {
	if e := c.peers.removeID(id); e != nil {
		c.retire(e)
	}
}

func (c *Coordinator) closePeers() {
	for _, e := range c.peers.drain() {
		c.retire(e)
	}
}

func (c *Coordinator) onPeerState(e *peerEntry, s peer.State, err error) {
	switch s {
	case peer.StateOpen:
		if c.peers.get(e.id) != e {
			return
		}
		c.logger.Info("peer connected", "peer", e.id, "username", e.name())
		if err := c.sendTo(e, protocol.Announce{Username: c.localName()}); err != nil {
			c.logger.Debug("announce failed", "peer", e.id, "error", err)
		}
		c.emit(Event{Kind: EventPeerConnected, PeerID: e.id, Username: e.name()})

	case peer.StateClosed:
		if !c.peers.remove(e) {
			return
		}
		c.monitor.Forget(e.id)
		if e.conn.WasOpen() {
			c.logger.Info("peer disconnected", "peer", e.id, "error", err)
			c.emit(Event{Kind: EventPeerDisconnected, PeerID: e.id, Username: e.name(), Err: err})
			return
		}
		c.logger.Warn("peer failed", "peer", e.id, "error", err)
		c.emit(Event{Kind: EventPeerFailed, PeerID: e.id, Username: e.name(), Err: err})
	}
}

func (c *Coordinator) sendSignal(gen uint64, to string, data signaling.SignalData) {
	c.mu.Lock()
	client := c.client
	ok := c.generation == gen && client != nil
	c.mu.Unlock()
	if !ok {
		return
	}

	msg, err := signaling.NewSignal(to, data)
	if err != nil {
		c.logger.Error("failed to encode signal", "error", err)
		return
	}
	client.Send(msg)
}

func (c *Coordinator) localName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.Username
}

func (c *Coordinator) emit(e Event) {
	c.events.push(e)
}

// LeaveRoom ends the membership on purpose. It tells the rendezvous
// service, closes every peer and suppresses reconnection. Calling it when
// not in a room does nothing.
func (c *Coordinator) LeaveRoom() {
	c.supervisor.MarkIntentional()

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return
	}
	code := c.session.Code
	c.intentional = true
	c.session = nil
	c.generation++
	c.live = false
	client := c.client
	c.client = nil
	c.mu.Unlock()

	c.monitor.Stop()
	if client != nil {
		client.Send(&signaling.Message{Type: signaling.TypeLeave})
		client.Close()
	}
	c.closePeers()
	c.monitor.Reset()

	c.logger.Info("left room", "room", code)
	c.emit(Event{Kind: EventLeft})
}

// Close leaves any room and closes the events channel.
func (c *Coordinator) Close() {
	c.LeaveRoom()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.events.close()
}

// Session returns a copy of the current session, if any.
func (c *Coordinator) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// Peers snapshots every tracked connection, ordered by id.
func (c *Coordinator) Peers() []PeerInfo {
	entries := c.peers.all()
	out := make([]PeerInfo, 0, len(entries))
	for _, e := range entries {
		lat, ok := c.monitor.Latency(e.id)
		speaking, sharing := e.flags()
		out = append(out, PeerInfo{
			ID:         e.id,
			Username:   e.name(),
			State:      e.conn.State(),
			Role:       e.conn.Role(),
			Latency:    lat,
			HasLatency: ok,
			Speaking:   speaking,
			Sharing:    sharing,
			Dropped:    e.conn.Dropped(),
		})
	}
	return out
}

// Quality is the aggregate connection quality across open peers.
func (c *Coordinator) Quality() latency.Quality {
	return c.monitor.Quality()
}
