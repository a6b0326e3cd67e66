package rendezvous

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/BioHazard786/Huddle/internal/logging"
	"github.com/BioHazard786/Huddle/internal/roomcode"
	"github.com/BioHazard786/Huddle/internal/signaling"
)

const defaultUsername = "Anonymous"

type inbound struct {
	client *Client
	msg    *signaling.Message
}

// Hub owns every room and registration. All state is touched only from the
// Run goroutine; connections talk to it over channels.
type Hub struct {
	logger  *slog.Logger
	metrics *Metrics

	peers map[string]*Client
	rooms map[string]*Room

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	done       chan struct{}
}

func NewHub(metrics *Metrics, logger *slog.Logger) *Hub {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Hub{
		logger:     logging.OrDefault(logger).With("component", "rendezvous"),
		metrics:    metrics,
		peers:      make(map[string]*Client),
		rooms:      make(map[string]*Room),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		done:       make(chan struct{}),
	}
}

// Run processes connection events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.logger.Debug("connection opened", "remote", c.conn.RemoteAddr().String())

		case c := <-h.unregister:
			h.logger.Debug("connection closed", "remote", c.conn.RemoteAddr().String(), "peer", c.peerID)
			h.disconnect(c)
			close(c.send)

		case in := <-h.inbound:
			h.handle(in.client, in.msg)

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) handle(c *Client, msg *signaling.Message) {
	if msg.Type == signaling.TypeRegister {
		h.handleRegister(c, msg)
		return
	}
	if c.peerID == "" {
		h.sendError(c, signaling.ErrorNotRegistered, "Must register first")
		return
	}

	switch msg.Type {
	case signaling.TypeHost:
		h.handleHost(c, msg)
	case signaling.TypeJoin:
		h.handleJoin(c, msg)
	case signaling.TypeSignal:
		h.handleSignal(c, msg)
	case signaling.TypeBroadcast:
		h.handleBroadcast(c, msg)
	case signaling.TypeDirect:
		h.handleDirect(c, msg)
	case signaling.TypeLeave:
		h.disconnect(c)
	default:
		h.logger.Warn("unknown message type", "type", msg.Type, "peer", c.peerID)
		h.sendError(c, "", "Unknown message type: "+msg.Type)
	}
}

// handleRegister binds an id to the connection. An id held by another live
// connection is refused; it frees up once that connection is reaped.
func (h *Hub) handleRegister(c *Client, msg *signaling.Message) {
	id := msg.PeerID
	if id == "" {
		id = uuid.NewString()[:8]
	}
	if existing, ok := h.peers[id]; ok && existing != c {
		h.logger.Info("peer id already in use", "peer", id)
		h.sendError(c, signaling.ErrorIDTaken, "Peer id already in use")
		return
	}

	if c.peerID != "" && c.peerID != id {
		h.disconnect(c)
	}

	c.peerID = id
	c.username = msg.Username
	if c.username == "" {
		c.username = defaultUsername
	}
	h.peers[id] = c
	h.metrics.peers.Set(float64(len(h.peers)))

	h.logger.Info("peer registered", "peer", id, "username", c.username)
	h.send(c, &signaling.Message{Type: signaling.TypeRegistered, PeerID: id})
}

func (h *Hub) handleHost(c *Client, msg *signaling.Message) {
	code := roomcode.Normalize(msg.Room)
	if code == "" {
		h.sendError(c, "", "Room code required")
		return
	}
	if _, ok := h.rooms[code]; ok {
		h.sendError(c, signaling.ErrorRoomExists, "Room already exists")
		return
	}
	h.leaveRoom(c)

	room := &Room{Code: code, HostID: c.peerID}
	room.add(c)
	c.room = code
	h.rooms[code] = room
	h.metrics.rooms.Set(float64(len(h.rooms)))

	h.logger.Info("room created", "room", code, "host", c.peerID)
	h.send(c, &signaling.Message{Type: signaling.TypeHosted, Room: code})
}

func (h *Hub) handleJoin(c *Client, msg *signaling.Message) {
	code := roomcode.Normalize(msg.Room)
	if code == "" {
		h.sendError(c, "", "Room code required")
		return
	}
	room, ok := h.rooms[code]
	if !ok {
		h.sendError(c, signaling.ErrorRoomNotFound, "Room not found")
		return
	}
	if c.room == code {
		h.send(c, &signaling.Message{Type: signaling.TypeJoined, Room: code, Peers: othersIn(room, c), HostID: room.HostID})
		return
	}
	h.leaveRoom(c)

	roster := room.roster()
	for _, m := range room.members {
		h.send(m, &signaling.Message{Type: signaling.TypePeerJoined, PeerID: c.peerID, Username: c.username})
	}
	room.add(c)
	c.room = code

	h.logger.Info("peer joined", "room", code, "peer", c.peerID, "members", len(room.members))
	h.send(c, &signaling.Message{Type: signaling.TypeJoined, Room: code, Peers: roster, HostID: room.HostID})
}

func (h *Hub) handleSignal(c *Client, msg *signaling.Message) {
	target, ok := h.peers[msg.To]
	if !ok {
		h.logger.Warn("signal for unknown peer dropped", "from", c.peerID, "to", msg.To)
		return
	}
	h.metrics.signals.Inc()
	h.send(target, &signaling.Message{Type: signaling.TypeSignal, From: c.peerID, Data: msg.Data})
}

func (h *Hub) handleBroadcast(c *Client, msg *signaling.Message) {
	room, ok := h.rooms[c.room]
	if !ok {
		return
	}
	for _, m := range room.members {
		if m != c {
			h.send(m, &signaling.Message{Type: signaling.TypeBroadcast, From: c.peerID, Data: msg.Data})
		}
	}
}

func (h *Hub) handleDirect(c *Client, msg *signaling.Message) {
	target, ok := h.peers[msg.To]
	if !ok {
		h.logger.Warn("message for unknown peer dropped", "from", c.peerID, "to", msg.To)
		return
	}
	h.send(target, &signaling.Message{Type: signaling.TypeDirect, From: c.peerID, Data: msg.Data})
}

// disconnect removes c from its room and releases its id. The connection
// itself stays open; a client may register again.
func (h *Hub) disconnect(c *Client) {
	h.leaveRoom(c)
	if c.peerID != "" {
		if h.peers[c.peerID] == c {
			delete(h.peers, c.peerID)
			h.metrics.peers.Set(float64(len(h.peers)))
		}
		h.logger.Info("peer left", "peer", c.peerID)
		c.peerID = ""
	}
}

func (h *Hub) leaveRoom(c *Client) {
	if c.room == "" {
		return
	}
	code := c.room
	c.room = ""

	room, ok := h.rooms[code]
	if !ok {
		return
	}
	room.remove(c)

	for _, m := range room.members {
		h.send(m, &signaling.Message{Type: signaling.TypePeerLeft, PeerID: c.peerID})
	}

	reason := ""
	switch {
	case c.peerID == room.HostID:
		reason = signaling.ReasonHostLeft
	case room.empty():
		reason = signaling.ReasonEmpty
	default:
		return
	}

	for _, m := range room.members {
		h.send(m, &signaling.Message{Type: signaling.TypeRoomClosed, Reason: reason})
		m.room = ""
	}
	delete(h.rooms, code)
	h.metrics.rooms.Set(float64(len(h.rooms)))
	h.logger.Info("room closed", "room", code, "reason", reason)
}

// send queues msg without blocking the hub. A client that cannot keep up
// loses messages rather than stalling everyone else.
func (h *Hub) send(c *Client, msg *signaling.Message) {
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("send queue full, dropping", "peer", c.peerID, "type", msg.Type)
	}
}

func (h *Hub) sendError(c *Client, code, message string) {
	h.send(c, &signaling.Message{Type: signaling.TypeError, Error: code, Message: message})
}

func othersIn(room *Room, c *Client) []signaling.PeerInfo {
	var out []signaling.PeerInfo
	for _, p := range room.roster() {
		if p.PeerID != c.peerID {
			out = append(out, p)
		}
	}
	return out
}
