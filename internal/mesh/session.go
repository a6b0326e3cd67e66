package mesh

import (
	"time"

	"github.com/BioHazard786/Huddle/internal/peer"
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionConnected
	SessionReconnecting
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Session describes our membership of a room.
type Session struct {
	Code     string
	LocalID  string
	Username string
	Role     Role
	State    SessionState
	// Endpoint indexes the signaling server currently in use.
	Endpoint int
}

// PeerInfo is a snapshot of one remote participant.
type PeerInfo struct {
	ID         string
	Username   string
	State      peer.State
	Role       peer.Role
	Latency    time.Duration
	HasLatency bool
	Speaking   bool
	Sharing    bool
	// Dropped counts outgoing media frames discarded for backpressure.
	Dropped uint64
}
