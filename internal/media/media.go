// Package media moves audio packets and screen frames between local
// capture, the mesh and local playback. Capture and playback themselves are
// collaborators behind the interfaces below.
package media

import (
	"sync"

	"github.com/BioHazard786/Huddle/internal/protocol"
)

// Packet is one encoded audio frame. Speaking is the source's own voice
// activity verdict for it.
type Packet struct {
	Data     []byte
	Speaking bool
}

type AudioSource interface {
	// NextPacket returns the next encoded packet, or false when none is ready.
	NextPacket() (Packet, bool)
}

type AudioSink interface {
	Feed(peerID string, data []byte)
}

// Frame is one encoded screen image.
type Frame struct {
	Data   []byte
	Width  int
	Height int
}

type FrameSource interface {
	// CurrentFrame returns the latest captured frame, or false before the first.
	CurrentFrame() (Frame, bool)
}

type FrameSink interface {
	Show(peerID string, f Frame)
}

// Broadcaster is the part of the mesh the pumps send through.
type Broadcaster interface {
	SendAudio(data []byte) int
	SendScreenFrame(data []byte, width, height int) int
	SetSpeaking(speaking bool)
	SetScreenSharing(sharing bool)
}

// Router hands received media to the local sinks. Its Handle method fits the
// mesh payload handler.
type Router struct {
	audio  AudioSink
	frames FrameSink
}

// NewRouter accepts nil for either sink; that kind of media is then dropped.
func NewRouter(audio AudioSink, frames FrameSink) *Router {
	return &Router{audio: audio, frames: frames}
}

func (r *Router) Handle(from string, p protocol.Payload) {
	switch v := p.(type) {
	case protocol.Audio:
		if r.audio != nil {
			r.audio.Feed(from, v.Data)
		}
	case protocol.Screen:
		if r.frames != nil {
			r.frames.Show(from, Frame{Data: v.Data, Width: v.Width, Height: v.Height})
		}
	}
}

// Meter counts received media per peer. It is both an AudioSink and a
// FrameSink.
type Meter struct {
	mu    sync.Mutex
	stats map[string]Stats
}

type Stats struct {
	AudioPackets int
	AudioBytes   int
	Frames       int
	FrameBytes   int
	LastWidth    int
	LastHeight   int
}

func NewMeter() *Meter {
	return &Meter{stats: make(map[string]Stats)}
}

func (m *Meter) Feed(peerID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats[peerID]
	s.AudioPackets++
	s.AudioBytes += len(data)
	m.stats[peerID] = s
}

func (m *Meter) Show(peerID string, f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats[peerID]
	s.Frames++
	s.FrameBytes += len(f.Data)
	s.LastWidth, s.LastHeight = f.Width, f.Height
	m.stats[peerID] = s
}

func (m *Meter) Stats(peerID string) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats[peerID]
}

func (m *Meter) Forget(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stats, peerID)
}
