// Package display is a software stand-in for the SPI panel: it owns the
// screen memory, accepts pixel buffers asynchronously and blits them
// centered on screen.
package display

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charlescerisier/watchman/framebuf"
)

// Geometry and memory of the reference hardware.
const (
	DefaultWidth  = 240
	DefaultHeight = 320
	DefaultBudget = 320 << 10
)

var (
	ErrClosed = errors.New("display: closed")
	ErrBudget = errors.New("display: buffer memory exhausted")
)

// Config configures a Panel.
type Config struct {
	Width  int
	Height int
	// Budget bounds the bytes handed out by AllocBuffer.
	Budget int
	// TransferTime simulates how long one transfer keeps a buffer busy.
	TransferTime time.Duration
	Logger       *slog.Logger
}

// Panel implements the player's display sink.
type Panel struct {
	width, height int
	budget        int
	transferTime  time.Duration
	log           *slog.Logger

	mu         sync.Mutex
	idle       *sync.Cond
	pending    int
	allocated  int
	screen     []uint16
	brightness int
	asleep     bool
	closed     bool
	frames     int
	dropped    int

	transfers chan *framebuf.Buffer
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a panel and starts its transfer goroutine.
func New(cfg Config) *Panel {
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Panel{
		width:        cfg.Width,
		height:       cfg.Height,
		budget:       cfg.Budget,
		transferTime: cfg.TransferTime,
		log:          cfg.Logger.With("component", "display"),
		screen:       make([]uint16, cfg.Width*cfg.Height),
		brightness:   100,
		transfers:    make(chan *framebuf.Buffer, 2),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	p.idle = sync.NewCond(&p.mu)
	go p.transferLoop()

	p.log.Info("panel ready", "width", p.width, "height", p.height, "budget", p.budget)
	return p
}

// Size returns the screen dimensions.
func (p *Panel) Size() (int, int) { return p.width, p.height }

// AllocBuffer hands out a w x h buffer if the memory budget allows.
func (p *Panel) AllocBuffer(w, h int) (*framebuf.Buffer, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("display: invalid buffer size %dx%d", w, h)
	}
	bytes := w * h * 2

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allocated+bytes > p.budget {
		return nil, fmt.Errorf("%w: want %d bytes, %d of %d in use", ErrBudget, bytes, p.allocated, p.budget)
	}
	p.allocated += bytes
	return framebuf.NewBuffer(w, h), nil
}

// FreeBuffer returns a buffer's memory to the budget.
func (p *Panel) FreeBuffer(b *framebuf.Buffer) {
	if b == nil {
		return
	}
	p.mu.Lock()
	p.allocated = max(p.allocated-len(b.Pixels)*2, 0)
	p.mu.Unlock()
	b.Pixels = nil
}

// Allocated reports the bytes currently handed out.
func (p *Panel) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// WriteBuffer queues b for transfer and returns. b must not be written until
// WaitTransfer returns.
func (p *Panel) WriteBuffer(b *framebuf.Buffer) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.pending++
	p.mu.Unlock()

	select {
	case p.transfers <- b:
		return nil
	case <-p.quit:
		p.finishTransfer()
		return ErrClosed
	}
}

// WaitTransfer blocks until every queued transfer has completed.
func (p *Panel) WaitTransfer() {
	p.mu.Lock()
	for p.pending > 0 {
		p.idle.Wait()
	}
	p.mu.Unlock()
}

func (p *Panel) transferLoop() {
	defer close(p.done)
	for {
		select {
		case <-p.quit:
			// Release anything still queued so waiters wake up.
			for {
				select {
				case <-p.transfers:
					p.finishTransfer()
				default:
					return
				}
			}
		case b := <-p.transfers:
			p.blit(b)
			if p.transferTime > 0 {
				time.Sleep(p.transferTime)
			}
			p.finishTransfer()
		}
	}
}

func (p *Panel) finishTransfer() {
	p.mu.Lock()
	if p.pending > 0 {
		p.pending--
	}
	if p.pending == 0 {
		p.idle.Broadcast()
	}
	p.mu.Unlock()
}

// blit copies the buffer's image centered on screen, cropping what does not
// fit.
func (p *Panel) blit(b *framebuf.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.asleep {
		p.dropped++
		return
	}

	w, h := b.Width, b.Height
	x0 := (p.width - w) / 2
	y0 := (p.height - h) / 2
	for y := 0; y < h; y++ {
		sy := y0 + y
		if sy < 0 || sy >= p.height {
			continue
		}
		src := b.Pixels[y*b.Stride : y*b.Stride+w]
		for x, c := range src {
			sx := x0 + x
			if sx < 0 || sx >= p.width {
				continue
			}
			p.screen[sy*p.width+sx] = c
		}
	}
	p.frames++
}

// Clear fills the whole screen with c.
func (p *Panel) Clear(c uint16) {
	p.FillRect(0, 0, p.width, p.height, c)
}

// FillRect fills a rectangle clipped to the screen.
func (p *Panel) FillRect(x, y, w, h int, c uint16) {
	r := image.Rect(x, y, x+w, y+h).Intersect(image.Rect(0, 0, p.width, p.height))
	if r.Empty() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for yy := r.Min.Y; yy < r.Max.Y; yy++ {
		row := p.screen[yy*p.width:]
		for xx := r.Min.X; xx < r.Max.X; xx++ {
			row[xx] = c
		}
	}
}

// Pixel reads one screen pixel as stored, before brightness is applied.
func (p *Panel) Pixel(x, y int) uint16 {
	if x < 0 || y < 0 || x >= p.width || y >= p.height {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.screen[y*p.width+x]
}

// SetBrightness sets the backlight level, clamped to 0-100.
func (p *Panel) SetBrightness(level int) {
	level = min(max(level, 0), 100)
	p.mu.Lock()
	changed := p.brightness != level
	p.brightness = level
	p.mu.Unlock()
	if changed {
		p.log.Debug("brightness", "level", level)
	}
}

func (p *Panel) Brightness() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.brightness
}

// Sleep turns the panel off. Transfers still complete but are not shown.
func (p *Panel) Sleep() {
	p.mu.Lock()
	p.asleep = true
	p.mu.Unlock()
	p.log.Info("panel asleep")
}

// Wake turns the panel back on.
func (p *Panel) Wake() {
	p.mu.Lock()
	p.asleep = false
	p.mu.Unlock()
	p.log.Info("panel awake")
}

func (p *Panel) Asleep() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.asleep
}

// Stats reports presented and dropped frame counts.
func (p *Panel) Stats() (frames, dropped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames, p.dropped
}

// Snapshot renders the screen as it would look with the current backlight.
func (p *Panel) Snapshot() *image.RGBA {
	p.mu.Lock()
	defer p.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	level := p.brightness
	if p.asleep {
		level = 0
	}
	for i, c := range p.screen {
		r, g, b := framebuf.Expand(c)
		img.SetRGBA(i%p.width, i/p.width, color.RGBA{
			R: uint8(int(r) * level / 100),
			G: uint8(int(g) * level / 100),
			B: uint8(int(b) * level / 100),
			A: 0xFF,
		})
	}
	return img
}

// SavePNG writes a snapshot to path, creating parent directories.
func (p *Panel) SavePNG(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, p.Snapshot()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Close stops the transfer goroutine. Queued transfers are discarded.
func (p *Panel) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.quit)
		<-p.done

		p.mu.Lock()
		p.pending = 0
		p.idle.Broadcast()
		p.mu.Unlock()
		p.log.Info("panel closed")
	})
	return nil
}
