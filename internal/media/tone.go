package media

import (
	"encoding/binary"
	"math"
	"sync"

	goaudio "github.com/go-audio/audio"
)

const toneAmplitude = 0.3 * math.MaxInt16

// Tone is a synthetic AudioSource for checking the voice path without a
// microphone. It produces a sine wave as 16-bit little-endian mono PCM,
// voiced for On packets and then silent for Off packets, repeating.
type Tone struct {
	Frequency  float64
	SampleRate int
	// Samples is the number of samples per packet.
	Samples int
	On      int
	Off     int

	mu      sync.Mutex
	packets int
	offset  int
}

// NewTone returns a tone at freq Hz in 20ms packets of 8kHz audio, voiced
// for one second out of every one and a half.
func NewTone(freq float64) *Tone {
	return &Tone{Frequency: freq, SampleRate: 8000, Samples: 160, On: 50, Off: 25}
}

func (t *Tone) NextPacket() (Packet, bool) {
	if t.SampleRate <= 0 || t.Samples <= 0 {
		return Packet{}, false
	}
	t.mu.Lock()
	period := t.On + t.Off
	voiced := period <= 0 || t.packets%period < t.On
	t.packets++
	start := t.offset
	t.offset += t.Samples
	t.mu.Unlock()

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: t.SampleRate},
		Data:           make([]int, t.Samples),
		SourceBitDepth: 16,
	}
	if voiced {
		for i := range buf.Data {
			x := 2 * math.Pi * t.Frequency * float64(start+i) / float64(t.SampleRate)
			buf.Data[i] = int(math.Sin(x) * toneAmplitude)
		}
	}
	return Packet{Data: pcm16(buf), Speaking: voiced}, true
}

func pcm16(buf *goaudio.IntBuffer) []byte {
	out := make([]byte, 2*len(buf.Data))
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s)))
	}
	return out
}
