package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	assert.Equal(t, "host room: room code already in use", New("host room", ErrRoomCodeInUse).Error())
	assert.Equal(t, "handshake a1b2c3d4: peer handshake failed", NewPeerError("handshake", "a1b2c3d4", ErrPeerHandshakeFailed).Error())
	assert.Equal(t, "connect: signaling server unavailable (dial tcp: refused)",
		Wrap("connect", ErrSignalingUnavailable, "dial tcp: refused").Error())
}

func TestErrorsIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("join: %w", New("join room", ErrRoomNotFound))
	require.ErrorIs(t, err, ErrRoomNotFound)

	var appErr *Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "join room", appErr.Op)
}

func TestFromRendezvous(t *testing.T) {
	assert.ErrorIs(t, FromRendezvous("host", "room-exists", "Room already exists"), ErrRoomCodeInUse)
	assert.ErrorIs(t, FromRendezvous("register", "id-taken", ""), ErrRoomCodeInUse)
	assert.ErrorIs(t, FromRendezvous("join", "room-not-found", "Room not found"), ErrRoomNotFound)
	assert.ErrorIs(t, FromRendezvous("host", "", "Must register first"), ErrRendezvous)
	assert.Contains(t, FromRendezvous("host", "", "Must register first").Error(), "Must register first")
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New("connect", ErrSignalingUnavailable)))
	assert.True(t, Retryable(ErrSignalingTimeout))
	assert.False(t, Retryable(ErrInvalidRoomCode))
	assert.False(t, Retryable(ErrReconnectionExhausted))
	assert.False(t, Retryable(nil))
}
