package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestChatWireShape(t *testing.T) {
	data, err := Encode(Chat{Sender: "A", Content: "hello", Timestamp: 1700000000000})
	require.NoError(t, err)

	var raw struct {
		Type    string         `msgpack:"type"`
		Payload map[string]any `msgpack:"payload"`
	}
	require.NoError(t, msgpack.Unmarshal(data, &raw))
	assert.Equal(t, "chat", raw.Type)
	assert.Equal(t, "A", raw.Payload["sender"])
	assert.Equal(t, "hello", raw.Payload["content"])
	assert.Contains(t, raw.Payload, "timestamp")

	p, err := Decode(data)
	require.NoError(t, err)
	chat, ok := p.(Chat)
	require.True(t, ok)
	assert.Equal(t, "hello", chat.Content)
	assert.EqualValues(t, 1700000000000, chat.Timestamp)
}

func TestDecodeUnknownType(t *testing.T) {
	body, err := msgpack.Marshal(map[string]any{"x": 1})
	require.NoError(t, err)
	data, err := msgpack.Marshal(Envelope{Type: "file-chunk", Payload: body})
	require.NoError(t, err)

	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte{0xc1, 0x00})
	assert.Error(t, err)
}

func TestEveryKindDecodesToItself(t *testing.T) {
	payloads := []Payload{
		Chat{Sender: "a", Content: "b", Timestamp: 1},
		Audio{Data: []byte{1, 2, 3}},
		Speaking{Speaking: true},
		Screen{Data: []byte{9}, Width: 640, Height: 480},
		ScreenState{Sharing: true},
		Ping{Timestamp: 42},
		Pong{Timestamp: 42},
		Announce{Username: "alice"},
	}
	for _, p := range payloads {
		data, err := Encode(p)
		require.NoError(t, err)
		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, p.Kind(), got.Kind())
		assert.Equal(t, p, got)
	}
}

func TestIsMedia(t *testing.T) {
	assert.True(t, IsMedia(Audio{}))
	assert.True(t, IsMedia(Screen{}))
	assert.False(t, IsMedia(Chat{}))
	assert.False(t, IsMedia(Ping{}))
}
