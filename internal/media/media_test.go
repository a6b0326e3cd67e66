package media

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/Huddle/internal/logging"
	"github.com/BioHazard786/Huddle/internal/protocol"
)

type fakeMesh struct {
	mu       sync.Mutex
	audio    [][]byte
	frames   []Frame
	speaking []bool
	sharing  []bool
}

func (f *fakeMesh) SendAudio(data []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, data)
	return 1
}

func (f *fakeMesh) SendScreenFrame(data []byte, w, h int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, Frame{Data: data, Width: w, Height: h})
	return 1
}

func (f *fakeMesh) SetSpeaking(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speaking = append(f.speaking, v)
}

func (f *fakeMesh) SetScreenSharing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sharing = append(f.sharing, v)
}

func (f *fakeMesh) speakingLog() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.speaking...)
}

func (f *fakeMesh) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

type voice struct {
	mu     sync.Mutex
	voiced bool
}

func (v *voice) set(on bool) {
	v.mu.Lock()
	v.voiced = on
	v.mu.Unlock()
}

func (v *voice) NextPacket() (Packet, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Packet{Data: []byte{0x01}, Speaking: v.voiced}, true
}

func TestAudioPumpSpeakingDebounced(t *testing.T) {
	src := &voice{voiced: true}
	out := &fakeMesh{}
	p := NewAudioPump(src, out, AudioOptions{
		Interval:     5 * time.Millisecond,
		SpeakingHold: 60 * time.Millisecond,
		Logger:       logging.Discard(),
	})

	p.Start()
	p.Start()
	defer p.Stop()

	require.Eventually(t, p.Speaking, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return out.audioCount() >= 5 }, time.Second, 5*time.Millisecond)

	// Short gaps inside the hold time never lower the flag.
	src.set(false)
	time.Sleep(20 * time.Millisecond)
	src.set(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []bool{true}, out.speakingLog())

	src.set(false)
	require.Eventually(t, func() bool { return !p.Speaking() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, out.speakingLog())
	assert.Positive(t, p.Sent())
}

func TestAudioPumpStopClearsSpeaking(t *testing.T) {
	src := &voice{voiced: true}
	out := &fakeMesh{}
	p := NewAudioPump(src, out, AudioOptions{
		Interval:     5 * time.Millisecond,
		SpeakingHold: time.Hour,
		Logger:       logging.Discard(),
	})

	p.Stop()
	p.Start()
	require.Eventually(t, p.Speaking, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop()
	assert.False(t, p.Running())
	assert.False(t, p.Speaking())
	assert.Equal(t, []bool{true, false}, out.speakingLog())

	n := out.audioCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, out.audioCount(), "no packets after Stop")
}

func TestScreenPumpAnnouncesShare(t *testing.T) {
	out := &fakeMesh{}
	p := NewScreenPump(NewPattern(4, 2), out, ScreenOptions{Interval: 5 * time.Millisecond, Logger: logging.Discard()})

	p.Start()
	p.Start()
	require.Eventually(t, func() bool { return p.Sent() >= 3 }, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()

	out.mu.Lock()
	defer out.mu.Unlock()
	assert.Equal(t, []bool{true, false}, out.sharing)
	require.NotEmpty(t, out.frames)
	assert.Equal(t, 4, out.frames[0].Width)
	assert.Equal(t, 2, out.frames[0].Height)
	assert.Len(t, out.frames[0].Data, 4*2*3)
}

func TestPatternMoves(t *testing.T) {
	p := NewPattern(2, 2)
	a, ok := p.CurrentFrame()
	require.True(t, ok)
	b, _ := p.CurrentFrame()
	assert.NotEqual(t, a.Data, b.Data)

	_, ok = NewPattern(0, 0).CurrentFrame()
	assert.False(t, ok)
}

func TestToneAlternatesVoiceAndSilence(t *testing.T) {
	tone := &Tone{Frequency: 440, SampleRate: 8000, Samples: 160, On: 2, Off: 1}

	var voiced []bool
	for range 6 {
		pkt, ok := tone.NextPacket()
		require.True(t, ok)
		require.Len(t, pkt.Data, 320)
		voiced = append(voiced, pkt.Speaking)

		silent := true
		for _, b := range pkt.Data {
			if b != 0 {
				silent = false
				break
			}
		}
		assert.Equal(t, !pkt.Speaking, silent)
	}
	assert.Equal(t, []bool{true, true, false, true, true, false}, voiced)

	_, ok := (&Tone{}).NextPacket()
	assert.False(t, ok)
}

func TestRouterFeedsSinks(t *testing.T) {
	m := NewMeter()
	r := NewRouter(m, m)

	r.Handle("bob", protocol.Audio{Data: []byte{1, 2, 3}})
	r.Handle("bob", protocol.Audio{Data: []byte{4}})
	r.Handle("bob", protocol.Screen{Data: make([]byte, 12), Width: 2, Height: 2})
	r.Handle("bob", protocol.Chat{Content: "ignored"})

	s := m.Stats("bob")
	assert.Equal(t, 2, s.AudioPackets)
	assert.Equal(t, 4, s.AudioBytes)
	assert.Equal(t, 1, s.Frames)
	assert.Equal(t, 12, s.FrameBytes)
	assert.Equal(t, 2, s.LastWidth)

	m.Forget("bob")
	assert.Zero(t, m.Stats("bob"))

	// Missing sinks drop media quietly.
	NewRouter(nil, nil).Handle("bob", protocol.Audio{Data: []byte{1}})
}
