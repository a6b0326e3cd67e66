package mesh

import (
	"time"

	"github.com/BioHazard786/Huddle/internal/apperr"
	"github.com/BioHazard786/Huddle/internal/protocol"
)

// SendTo delivers p to one peer. Media payloads use the lossy channel.
// A peer that is missing or not yet open gets ErrNotWritable and nothing is
// sent.
func (c *Coordinator) SendTo(id string, p protocol.Payload) error {
	e := c.peers.get(id)
	if e == nil {
		return apperr.NewPeerError("send", id, apperr.ErrNotWritable)
	}
	return c.sendTo(e, p)
}

func (c *Coordinator) sendTo(e *peerEntry, p protocol.Payload) error {
	data, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	if protocol.IsMedia(p) {
		return e.conn.SendMedia(data)
	}
	return e.conn.Send(data)
}

// Broadcast sends p to every open peer and reports how many took it.
func (c *Coordinator) Broadcast(p protocol.Payload) int {
	data, err := protocol.Encode(p)
	if err != nil {
		c.logger.Error("failed to encode payload", "kind", p.Kind(), "error", err)
		return 0
	}
	media := protocol.IsMedia(p)

	sent := 0
	for _, e := range c.peers.all() {
		if media {
			err = e.conn.SendMedia(data)
		} else {
			err = e.conn.Send(data)
		}
		if err == nil {
			sent++
		}
	}
	return sent
}

// SendChat broadcasts a chat line stamped with our name and the current time.
func (c *Coordinator) SendChat(content string) (protocol.Chat, error) {
	s, ok := c.Session()
	if !ok {
		return protocol.Chat{}, apperr.New("chat", apperr.ErrClosed)
	}
	msg := protocol.Chat{
		Sender:    s.Username,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
	c.Broadcast(msg)
	return msg, nil
}

func (c *Coordinator) SetSpeaking(speaking bool) {
	c.Broadcast(protocol.Speaking{Speaking: speaking})
}

func (c *Coordinator) SetScreenSharing(sharing bool) {
	c.Broadcast(protocol.ScreenState{Sharing: sharing})
}

func (c *Coordinator) SendAudio(data []byte) int {
	return c.Broadcast(protocol.Audio{Data: data})
}

func (c *Coordinator) SendScreenFrame(data []byte, width, height int) int {
	return c.Broadcast(protocol.Screen{Data: data, Width: width, Height: height})
}

// demux routes one inbound frame. Keep-alive and identity traffic is
// handled here; everything else goes to the handler and the event stream.
func (c *Coordinator) demux(e *peerEntry, data []byte) {
	p, err := protocol.Decode(data)
	if err != nil {
		c.logger.Debug("dropping frame", "peer", e.id, "error", err)
		return
	}

	switch v := p.(type) {
	case protocol.Ping:
		if err := c.sendTo(e, protocol.Pong{Timestamp: v.Timestamp}); err != nil {
			c.logger.Debug("pong failed", "peer", e.id, "error", err)
		}
		return
	case protocol.Pong:
		c.monitor.HandlePong(e.id, v.Timestamp)
		return
	case protocol.Announce:
		if e.announce(v.Username) {
			c.emit(Event{Kind: EventPeerUpdated, PeerID: e.id, Username: v.Username})
		}
		return
	case protocol.Speaking:
		e.setSpeaking(v.Speaking)
	case protocol.ScreenState:
		e.setSharing(v.Sharing)
	}

	if c.opts.Handler != nil {
		c.opts.Handler(e.id, p)
	}
	if !protocol.IsMedia(p) {
		c.emit(Event{Kind: EventMessage, PeerID: e.id, Username: e.name(), Payload: p})
	}
}

// pinger lets the latency monitor reach open peers.
type pinger struct{ c *Coordinator }

func (p pinger) OpenPeers() []string {
	return p.c.peers.openIDs()
}

func (p pinger) Ping(id string, ts int64) {
	if err := p.c.SendTo(id, protocol.Ping{Timestamp: ts}); err != nil {
		p.c.logger.Debug("ping failed", "peer", id, "error", err)
	}
}
