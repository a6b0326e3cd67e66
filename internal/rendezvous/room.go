package rendezvous

import (
	"slices"

	"github.com/BioHazard786/Huddle/internal/signaling"
)

// Room is a set of participants gathered under one code. The host created
// it; the room lives until the host leaves or the last member does.
type Room struct {
	Code    string
	HostID  string
	members []*Client
}

func (r *Room) add(c *Client) {
	r.members = append(r.members, c)
}

func (r *Room) remove(c *Client) {
	r.members = slices.DeleteFunc(r.members, func(m *Client) bool { return m == c })
}

func (r *Room) empty() bool {
	return len(r.members) == 0
}

// roster lists the current members in join order.
func (r *Room) roster() []signaling.PeerInfo {
	peers := make([]signaling.PeerInfo, 0, len(r.members))
	for _, m := range r.members {
		peers = append(peers, signaling.PeerInfo{
			PeerID:   m.peerID,
			Username: m.username,
			IsHost:   m.peerID == r.HostID,
		})
	}
	return peers
}
