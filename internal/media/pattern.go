package media

import "sync"

// Pattern is a synthetic FrameSource producing a scrolling RGB gradient,
// for checking a screen share end to end without a capture device.
type Pattern struct {
	Width  int
	Height int

	mu    sync.Mutex
	frame int
}

func NewPattern(width, height int) *Pattern {
	return &Pattern{Width: width, Height: height}
}

func (p *Pattern) CurrentFrame() (Frame, bool) {
	if p.Width <= 0 || p.Height <= 0 {
		return Frame{}, false
	}
	p.mu.Lock()
	shift := p.frame
	p.frame++
	p.mu.Unlock()

	data := make([]byte, p.Width*p.Height*3)
	for y := range p.Height {
		for x := range p.Width {
			i := (y*p.Width + x) * 3
			data[i] = byte(x + shift)
			data[i+1] = byte(y + shift)
			data[i+2] = byte(shift)
		}
	}
	return Frame{Data: data, Width: p.Width, Height: p.Height}, true
}
