package peer

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Huddle/internal/apperr"
	"github.com/BioHazard786/Huddle/internal/logging"
)

// Data channel labels. The control channel is ordered and reliable and
// carries chat, presence, ping and announce; the media channel is unordered
// with no retransmits and carries audio and screen frames.
const (
	ControlLabel = "control"
	MediaLabel   = "media"
)

const DefaultHandshakeTimeout = 30 * time.Second

// Media frames are dropped while the media channel holds more than
// MediaHighWaterMark unsent bytes.
const MediaHighWaterMark = 1024 * 1024

type State int

const (
	StateCreated State = iota
	StateHandshaking
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Role int

const (
	Offerer Role = iota
	Answerer
)

func (r Role) String() string {
	if r == Offerer {
		return "offerer"
	}
	return "answerer"
}

// Params configures a new Peer. Callbacks run on pion goroutines and must
// not block.
type Params struct {
	ID               string
	Role             Role
	Config           webrtc.Configuration
	API              *webrtc.API
	HandshakeTimeout time.Duration
	// MediaHighWaterMark overrides the media backlog limit.
	MediaHighWaterMark uint64
	Logger             *slog.Logger

	// OnCandidate forwards a local candidate to the remote side. It is only
	// called after the local description has been published.
	OnCandidate func(webrtc.ICECandidateInit)
	// OnStateChange sees every transition exactly once. Closed carries the
	// reason, or nil after Close.
	OnStateChange func(State, error)
	OnMessage     func([]byte)
}

// Peer is the direct link to one remote participant.
type Peer struct {
	id     string
	role   Role
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	onCandidate   func(webrtc.ICECandidateInit)
	onStateChange func(State, error)
	onMessage     func([]byte)

	remote *candidateQueue

	mediaHighWater uint64
	dropped        atomic.Uint64

	localMu   sync.Mutex
	published bool
	early     []webrtc.ICECandidateInit

	mu       sync.Mutex
	state    State
	wasOpen  bool
	err      error
	control  *webrtc.DataChannel
	media    *webrtc.DataChannel
	watchdog *time.Timer
	closed   chan struct{}
}

// NewAPI builds a pion API. Loopback candidates are only useful when both
// ends run on the same machine, as in tests.
func NewAPI(loopback bool) *webrtc.API {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(loopback)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func New(p Params) (*Peer, error) {
	api := p.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	if p.HandshakeTimeout <= 0 {
		p.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if p.MediaHighWaterMark == 0 {
		p.MediaHighWaterMark = MediaHighWaterMark
	}

	pc, err := api.NewPeerConnection(p.Config)
	if err != nil {
		return nil, apperr.NewPeerError("create peer connection", p.ID, err)
	}

	peer := &Peer{
		id:             p.ID,
		role:           p.Role,
		pc:             pc,
		logger:         logging.OrDefault(p.Logger).With("component", "peer", "peer", p.ID, "role", p.Role.String()),
		onCandidate:    p.OnCandidate,
		onStateChange:  p.OnStateChange,
		onMessage:      p.OnMessage,
		mediaHighWater: p.MediaHighWaterMark,
		closed:         make(chan struct{}),
	}
	if peer.onCandidate == nil {
		peer.onCandidate = func(webrtc.ICECandidateInit) {}
	}
	if peer.onStateChange == nil {
		peer.onStateChange = func(State, error) {}
	}
	if peer.onMessage == nil {
		peer.onMessage = func([]byte) {}
	}
	peer.remote = newCandidateQueue(pc.AddICECandidate)

	pc.OnICECandidate(peer.handleLocalCandidate)
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		peer.logger.Debug("ice state", "state", s.String())
		switch s {
		case webrtc.ICEConnectionStateFailed,
			webrtc.ICEConnectionStateDisconnected,
			webrtc.ICEConnectionStateClosed:
			peer.fail()
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed {
			peer.fail()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		switch dc.Label() {
		case ControlLabel:
			peer.attachControl(dc)
		case MediaLabel:
			peer.attachMedia(dc)
		default:
			peer.logger.Warn("ignoring unknown data channel", "label", dc.Label())
		}
	})

	// The timer callback takes p.mu, so it cannot observe a half-built peer.
	peer.mu.Lock()
	peer.watchdog = time.AfterFunc(p.HandshakeTimeout, func() {
		if peer.State() != StateOpen {
			peer.logger.Warn("handshake timed out", "after", p.HandshakeTimeout)
			peer.closeWithError(apperr.NewPeerError("handshake", peer.id, apperr.ErrPeerHandshakeFailed), false)
		}
	})
	peer.mu.Unlock()
	return peer, nil
}

func (p *Peer) ID() string {
	return p.id
}

func (p *Peer) Role() Role {
	return p.role
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// WasOpen reports whether the peer ever reached Open.
func (p *Peer) WasOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wasOpen
}

// closeErr returns why the peer closed, or nil.
func (p *Peer) closeErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Closed is closed when the peer reaches Closed.
func (p *Peer) Closed() <-chan struct{} {
	return p.closed
}

// Offer opens the data channels and produces the offer. publish must hand
// the offer to the signaling transport; local candidates are held back
// until it returns so they never overtake the offer.
func (p *Peer) Offer(publish func(webrtc.SessionDescription) error) error {
	if !p.setState(StateHandshaking) {
		return apperr.NewPeerError("offer", p.id, apperr.ErrClosed)
	}

	ordered := true
	control, err := p.pc.CreateDataChannel(ControlLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return p.abort("create control channel", err)
	}
	p.attachControl(control)

	unordered := false
	noRetransmits := uint16(0)
	media, err := p.pc.CreateDataChannel(MediaLabel, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &noRetransmits,
	})
	if err != nil {
		return p.abort("create media channel", err)
	}
	p.attachMedia(media)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return p.abort("create offer", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return p.abort("set local description", err)
	}
	if err := p.publish(offer, publish); err != nil {
		return p.abort("publish offer", err)
	}
	return p.remote.LocalSet()
}

// HandleOffer applies a remote offer and publishes the answer.
func (p *Peer) HandleOffer(sdp string, publish func(webrtc.SessionDescription) error) error {
	if !p.setState(StateHandshaking) {
		return apperr.NewPeerError("answer", p.id, apperr.ErrClosed)
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return p.abort("set remote description", err)
	}
	if err := p.remote.RemoteSet(); err != nil {
		p.logger.Debug("queued candidate rejected", "error", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return p.abort("create answer", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return p.abort("set local description", err)
	}
	if err := p.publish(answer, publish); err != nil {
		return p.abort("publish answer", err)
	}
	if err := p.remote.LocalSet(); err != nil {
		p.logger.Debug("queued candidate rejected", "error", err)
	}
	return nil
}

// HandleAnswer applies the remote answer to our offer.
func (p *Peer) HandleAnswer(sdp string) error {
	if p.State() == StateClosed {
		return apperr.NewPeerError("handle answer", p.id, apperr.ErrClosed)
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return p.abort("set remote description", err)
	}
	if err := p.remote.RemoteSet(); err != nil {
		p.logger.Debug("queued candidate rejected", "error", err)
	}
	return nil
}

// AddCandidate applies a remote candidate, or queues it until both
// descriptions are set.
func (p *Peer) AddCandidate(c webrtc.ICECandidateInit) error {
	if p.State() == StateClosed {
		return nil
	}
	if err := p.remote.Add(c); err != nil {
		return apperr.NewPeerError("add candidate", p.id, err)
	}
	return nil
}

// Send writes to the control channel.
func (p *Peer) Send(data []byte) error {
	p.mu.Lock()
	dc, state := p.control, p.state
	p.mu.Unlock()

	if state != StateOpen || dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return apperr.NewPeerError("send", p.id, apperr.ErrNotWritable)
	}
	return dc.Send(data)
}

// SendMedia writes to the media channel, or the control channel when the
// media channel is not open. Frames that would grow the backlog past the
// high water mark are dropped with ErrBackpressure.
func (p *Peer) SendMedia(data []byte) error {
	p.mu.Lock()
	dc, state := p.media, p.state
	fallback := dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen
	if fallback {
		dc = p.control
	}
	p.mu.Unlock()

	if state == StateOpen && dc != nil && dc.BufferedAmount() > p.mediaHighWater {
		p.dropped.Add(1)
		return apperr.NewPeerError("send media", p.id, apperr.ErrBackpressure)
	}
	if fallback || state != StateOpen {
		return p.Send(data)
	}
	return dc.Send(data)
}

// Dropped counts media frames discarded for backpressure.
func (p *Peer) Dropped() uint64 {
	return p.dropped.Load()
}

// Close tears the connection down. Closing a closed peer does nothing.
func (p *Peer) Close() {
	p.closeWithError(nil, true)
}

func (p *Peer) attachControl(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.control = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.logger.Debug("control channel open")
		p.setState(StateOpen)
	})
	dc.OnClose(func() {
		p.logger.Debug("control channel closed")
		p.fail()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.onMessage(msg.Data)
	})
}

func (p *Peer) attachMedia(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.media = dc
	p.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.onMessage(msg.Data)
	})
}

func (p *Peer) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()

	p.localMu.Lock()
	if !p.published {
		p.early = append(p.early, init)
		p.localMu.Unlock()
		return
	}
	p.localMu.Unlock()
	p.onCandidate(init)
}

func (p *Peer) publish(desc webrtc.SessionDescription, publish func(webrtc.SessionDescription) error) error {
	if err := publish(desc); err != nil {
		return err
	}

	p.localMu.Lock()
	p.published = true
	early := p.early
	p.early = nil
	p.localMu.Unlock()

	for _, c := range early {
		p.onCandidate(c)
	}
	return nil
}

// setState moves forward through Created, Handshaking and Open. Moving
// backwards, or out of Closed, is refused.
func (p *Peer) setState(next State) bool {
	p.mu.Lock()
	if p.state == StateClosed || next < p.state {
		p.mu.Unlock()
		return false
	}
	if next == p.state {
		p.mu.Unlock()
		return true
	}
	p.state = next
	if next == StateOpen {
		p.wasOpen = true
		if p.watchdog != nil {
			p.watchdog.Stop()
		}
	}
	p.mu.Unlock()

	p.logger.Debug("state", "state", next.String())
	p.onStateChange(next, nil)
	return true
}

// fail closes the peer after a transport level loss.
func (p *Peer) fail() {
	err := apperr.ErrPeerDisconnected
	if !p.WasOpen() {
		err = apperr.ErrPeerHandshakeFailed
	}
	p.closeWithError(apperr.NewPeerError("connection", p.id, err), false)
}

func (p *Peer) abort(op string, err error) error {
	wrapped := apperr.Wrap(op, apperr.ErrPeerHandshakeFailed, err.Error())
	p.closeWithError(wrapped, true)
	return wrapped
}

// closeWithError moves to Closed once. When called from a pion callback the
// underlying connection is closed on another goroutine, since pion waits for
// its own callbacks while closing.
func (p *Peer) closeWithError(err error, wait bool) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateClosed
	p.err = err
	if p.watchdog != nil {
		p.watchdog.Stop()
	}
	p.mu.Unlock()

	close(p.closed)
	if err != nil {
		p.logger.Debug("closed", "error", err)
	}
	p.onStateChange(StateClosed, err)

	if wait {
		if cerr := p.pc.Close(); cerr != nil {
			p.logger.Debug("close peer connection", "error", cerr)
		}
		return
	}
	go p.pc.Close()
}
