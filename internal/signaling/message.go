package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Message types sent by clients.
const (
	TypeRegister  = "register"
	TypeHost      = "host"
	TypeJoin      = "join"
	TypeSignal    = "signal"
	TypeBroadcast = "broadcast"
	TypeDirect    = "message"
	TypeLeave     = "leave"
)

// Message types sent by the rendezvous service.
const (
	TypeRegistered = "registered"
	TypeHosted     = "hosted"
	TypeJoined     = "joined"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypeRoomClosed = "room-closed"
	TypeError      = "error"
)

// Error codes carried in Message.Error.
const (
	ErrorRoomExists    = "room-exists"
	ErrorRoomNotFound  = "room-not-found"
	ErrorIDTaken       = "id-taken"
	ErrorNotRegistered = "not-registered"
)

// Reasons carried in room-closed.
const (
	ReasonHostLeft = "host-left"
	ReasonEmpty    = "empty"
)

// Message is one JSON frame on the control channel, in either direction.
type Message struct {
	Type     string          `json:"type"`
	PeerID   string          `json:"peerId,omitempty"`
	Username string          `json:"username,omitempty"`
	Room     string          `json:"room,omitempty"`
	HostID   string          `json:"hostId,omitempty"`
	Peers    []PeerInfo      `json:"peers,omitempty"`
	To       string          `json:"to,omitempty"`
	From     string          `json:"from,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Error    string          `json:"error,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// PeerInfo describes a room member in a joined roster.
type PeerInfo struct {
	PeerID   string `json:"peerId"`
	Username string `json:"username"`
	IsHost   bool   `json:"isHost"`
}

// Handshake payload kinds relayed inside signal messages.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice-candidate"
)

// SignalData is the handshake payload relayed between two participants.
// Username rides along with the offer so the answering side can label the
// connection before the data channel opens.
type SignalData struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Username  string                   `json:"username,omitempty"`
}

// NewSignal wraps data for relay to the participant to.
func NewSignal(to string, data SignalData) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}
	return &Message{Type: TypeSignal, To: to, Data: raw}, nil
}

// Signal decodes the handshake payload of a signal message.
func (m *Message) Signal() (SignalData, error) {
	var data SignalData
	if len(m.Data) == 0 {
		return data, fmt.Errorf("signal from %s has no data", m.From)
	}
	if err := json.Unmarshal(m.Data, &data); err != nil {
		return data, fmt.Errorf("decode signal from %s: %w", m.From, err)
	}
	return data, nil
}
