package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrSignalingUnavailable  = errors.New("signaling server unavailable")
	ErrSignalingTimeout      = errors.New("signaling server timeout")
	ErrRoomCodeInUse         = errors.New("room code already in use")
	ErrRoomNotFound          = errors.New("room not found")
	ErrPeerHandshakeFailed   = errors.New("peer handshake failed")
	ErrPeerDisconnected      = errors.New("peer disconnected")
	ErrSessionLost           = errors.New("session lost")
	ErrReconnectionExhausted = errors.New("reconnection attempts exhausted")
	ErrNotRegistered         = errors.New("not registered with signaling server")
	ErrInvalidRoomCode       = errors.New("invalid room code")
	ErrAlreadyInRoom         = errors.New("already in a room")
	ErrNotWritable           = errors.New("channel not open")
	ErrBackpressure          = errors.New("send buffer full")
	ErrClosed                = errors.New("closed")
	ErrRendezvous            = errors.New("signaling server error")
)

// Error carries the operation that failed and the peer it concerned, if any.
type Error struct {
	Op      string
	Peer    string
	Err     error
	Details string
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Peer != "" {
		msg += " " + e.Peer
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", msg, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func NewPeerError(op, peer string, err error) *Error {
	return &Error{Op: op, Peer: peer, Err: err}
}

func Wrap(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}

// Retryable reports whether err describes a transport problem that a later
// attempt could get past.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrSignalingUnavailable),
		errors.Is(err, ErrSignalingTimeout),
		errors.Is(err, ErrSessionLost),
		errors.Is(err, ErrRoomNotFound),
		errors.Is(err, ErrRoomCodeInUse):
		return true
	}
	return false
}

// FromRendezvous maps an error code sent by the rendezvous service onto the
// sentinel callers test against.
func FromRendezvous(op, code, message string) error {
	switch code {
	case "room-exists", "id-taken":
		return Wrap(op, ErrRoomCodeInUse, message)
	case "room-not-found":
		return Wrap(op, ErrRoomNotFound, message)
	case "not-registered":
		return Wrap(op, ErrNotRegistered, message)
	}
	if message == "" {
		message = code
	}
	return Wrap(op, ErrRendezvous, message)
}
