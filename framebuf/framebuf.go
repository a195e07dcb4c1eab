// Package framebuf holds the two RGB565 pixel buffers a player decodes into
// and hands to the display.
package framebuf

import (
	"errors"
	"fmt"
)

// RGB565 colors
const (
	ColorBlack    uint16 = 0x0000
	ColorWhite    uint16 = 0xFFFF
	ColorRed      uint16 = 0xF800
	ColorGreen    uint16 = 0x07E0
	ColorBlue     uint16 = 0x001F
	ColorYellow   uint16 = 0xFFE0
	ColorCyan     uint16 = 0x07FF
	ColorMagenta  uint16 = 0xF81F
	ColorGray     uint16 = 0x8410
	ColorDarkGray uint16 = 0x4208
)

// RGB565 packs 8-bit channels into a 16-bit pixel.
func RGB565(r, g, b uint8) uint16 {
	return uint16(r&0xF8)<<8 | uint16(g&0xFC)<<3 | uint16(b)>>3
}

// Expand unpacks a 16-bit pixel into 8-bit channels.
func Expand(c uint16) (r, g, b uint8) {
	r = uint8(c>>11) << 3
	g = uint8(c>>5&0x3F) << 2
	b = uint8(c&0x1F) << 3
	return r | r>>5, g | g>>6, b | b>>5
}

// ErrAllocation is returned when a sink cannot provide a buffer.
var ErrAllocation = errors.New("framebuf: allocation failed")

// Buffer is one RGB565 pixel buffer. Width and Height describe the image
// currently held, which may be smaller than the allocation.
type Buffer struct {
	Pixels []uint16
	Stride int
	Width  int
	Height int

	// Index is the buffer's slot in its pool.
	Index int
}

// NewBuffer allocates a buffer of w x h pixels on the heap.
func NewBuffer(w, h int) *Buffer {
	return &Buffer{Pixels: make([]uint16, w*h), Stride: w, Width: w, Height: h}
}

// Capacity reports the allocated dimensions.
func (b *Buffer) Capacity() (w, h int) {
	if b.Stride == 0 {
		return 0, 0
	}
	return b.Stride, len(b.Pixels) / b.Stride
}

// Fill sets every pixel of the allocation to c.
func (b *Buffer) Fill(c uint16) {
	for i := range b.Pixels {
		b.Pixels[i] = c
	}
}

// Set writes one pixel, ignoring coordinates outside the image.
func (b *Buffer) Set(x, y int, c uint16) {
	if x < 0 || y < 0 || x >= b.Width || y >= b.Height {
		return
	}
	b.Pixels[y*b.Stride+x] = c
}

// At reads one pixel.
func (b *Buffer) At(x, y int) uint16 {
	if x < 0 || y < 0 || x >= b.Width || y >= b.Height {
		return 0
	}
	return b.Pixels[y*b.Stride+x]
}

// Sink is the display side of a Pool. WriteBuffer may return before the
// transfer completes; WaitTransfer blocks until every pending transfer is
// done.
type Sink interface {
	AllocBuffer(width, height int) (*Buffer, error)
	FreeBuffer(*Buffer)
	WriteBuffer(*Buffer) error
	WaitTransfer()
}

// Pool owns a front and a back buffer. The back buffer is written by the
// decoder; the front buffer belongs to the sink until its transfer is done.
// A Pool is used from a single goroutine.
type Pool struct {
	sink     Sink
	bufs     [2]*Buffer
	back     int
	inFlight [2]bool
	released bool
}

// New allocates both buffers from sink.
func New(sink Sink, width, height int) (*Pool, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid size %dx%d", ErrAllocation, width, height)
	}

	p := &Pool{sink: sink}
	for i := range p.bufs {
		buf, err := sink.AllocBuffer(width, height)
		if err != nil {
			if i > 0 {
				sink.FreeBuffer(p.bufs[0])
			}
			return nil, fmt.Errorf("%w: buffer %d: %w", ErrAllocation, i, err)
		}
		buf.Index = i
		p.bufs[i] = buf
	}
	return p, nil
}

// Back returns the writable buffer. If it is still being transferred from
// its previous turn as front, Back waits for the transfer first.
func (p *Pool) Back() *Buffer {
	if p.inFlight[p.back] {
		p.sink.WaitTransfer()
		p.inFlight = [2]bool{}
	}
	return p.bufs[p.back]
}

// Front returns the buffer most recently handed to the sink.
func (p *Pool) Front() *Buffer {
	return p.bufs[1-p.back]
}

// Present swaps roles and hands the freshly written buffer to the sink. If
// the sink rejects it the roles stay as they were.
func (p *Pool) Present() error {
	front := p.back
	p.back = 1 - p.back
	p.inFlight[front] = true
	if err := p.sink.WriteBuffer(p.bufs[front]); err != nil {
		p.inFlight[front] = false
		p.back = front
		return err
	}
	return nil
}

// Size reports the allocated buffer dimensions.
func (p *Pool) Size() (w, h int) {
	return p.bufs[0].Capacity()
}

// Release waits for pending transfers and frees both buffers. Calling it
// again is a no-op.
func (p *Pool) Release() {
	if p.released {
		return
	}
	p.released = true
	p.sink.WaitTransfer()
	for i, buf := range p.bufs {
		p.sink.FreeBuffer(buf)
		p.bufs[i] = nil
	}
}
