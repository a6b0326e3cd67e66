package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind tags the payload carried by an envelope.
type Kind string

const (
	KindChat        Kind = "chat"
	KindAudio       Kind = "audio"
	KindSpeaking    Kind = "speaking"
	KindScreen      Kind = "screen"
	KindScreenState Kind = "screen-state"
	KindPing        Kind = "ping"
	KindPong        Kind = "pong"
	KindAnnounce    Kind = "announce"
)

var ErrUnknownType = errors.New("unknown message type")

// Payload is implemented only by the message types in this package.
type Payload interface {
	Kind() Kind
	payload()
}

// Chat is a text message typed by a participant.
type Chat struct {
	Sender    string `msgpack:"sender"`
	Content   string `msgpack:"content"`
	Timestamp int64  `msgpack:"timestamp"` // unix milliseconds
}

// Audio is one encoded voice packet.
type Audio struct {
	Data []byte `msgpack:"data"`
}

// Speaking reports whether the sender's microphone is picking up voice.
type Speaking struct {
	Speaking bool `msgpack:"speaking"`
}

// Screen is one encoded frame of a shared screen.
type Screen struct {
	Data   []byte `msgpack:"data"`
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`
}

// ScreenState is sent when the sender starts or stops sharing.
type ScreenState struct {
	Sharing bool `msgpack:"sharing"`
}

type Ping struct {
	Timestamp int64 `msgpack:"timestamp"`
}

type Pong struct {
	Timestamp int64 `msgpack:"timestamp"`
}

// Announce carries the sender's display name right after a link opens.
type Announce struct {
	Username string `msgpack:"username"`
}

func (Chat) Kind() Kind        { return KindChat }
func (Audio) Kind() Kind       { return KindAudio }
func (Speaking) Kind() Kind    { return KindSpeaking }
func (Screen) Kind() Kind      { return KindScreen }
func (ScreenState) Kind() Kind { return KindScreenState }
func (Ping) Kind() Kind        { return KindPing }
func (Pong) Kind() Kind        { return KindPong }
func (Announce) Kind() Kind    { return KindAnnounce }

func (Chat) payload()        {}
func (Audio) payload()       {}
func (Speaking) payload()    {}
func (Screen) payload()      {}
func (ScreenState) payload() {}
func (Ping) payload()        {}
func (Pong) payload()        {}
func (Announce) payload()    {}

// Envelope is the wire form of every data channel message.
type Envelope struct {
	Type    Kind               `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Encode wraps p in an envelope and serialises it.
func Encode(p Payload) ([]byte, error) {
	body, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return msgpack.Marshal(Envelope{Type: p.Kind(), Payload: body})
}

// Decode parses a data channel message. Unlisted types fail with
// ErrUnknownType so callers can drop them without guessing.
func Decode(data []byte) (Payload, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var (
		p   Payload
		err error
	)
	switch env.Type {
	case KindChat:
		p, err = decodeAs[Chat](env.Payload)
	case KindAudio:
		p, err = decodeAs[Audio](env.Payload)
	case KindSpeaking:
		p, err = decodeAs[Speaking](env.Payload)
	case KindScreen:
		p, err = decodeAs[Screen](env.Payload)
	case KindScreenState:
		p, err = decodeAs[ScreenState](env.Payload)
	case KindPing:
		p, err = decodeAs[Ping](env.Payload)
	case KindPong:
		p, err = decodeAs[Pong](env.Payload)
	case KindAnnounce:
		p, err = decodeAs[Announce](env.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return p, nil
}

func decodeAs[T Payload](raw msgpack.RawMessage) (Payload, error) {
	var v T
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// IsMedia reports whether p belongs on the lossy media channel.
func IsMedia(p Payload) bool {
	switch p.(type) {
	case Audio, Screen:
		return true
	}
	return false
}
