// Package audio buffers PCM from the player and drains it to an output at
// the stream's byte rate, standing in for the I2S DAC.
package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Defaults of the reference hardware: 22.05 kHz 16-bit mono.
const (
	DefaultSampleRate  = 22050
	DefaultBits        = 16
	DefaultChannels    = 1
	DefaultBufferBytes = 32 << 10
	DefaultVolume      = 80
	defaultTick        = 10 * time.Millisecond
)

var ErrStopped = errors.New("audio: sink is stopped")

// State of the sink.
type State int

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	}
	return "stopped"
}

// Config configures a Sink.
type Config struct {
	SampleRate    int
	BitsPerSample int
	Channels      int
	BufferBytes   int
	Volume        int
	// Output receives drained PCM. Nil discards it.
	Output io.Writer
	// Tick is the drain period.
	Tick   time.Duration
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.BitsPerSample <= 0 {
		c.BitsPerSample = DefaultBits
	}
	if c.Channels <= 0 {
		c.Channels = DefaultChannels
	}
	if c.BufferBytes <= 0 {
		c.BufferBytes = DefaultBufferBytes
	}
	if c.Output == nil {
		c.Output = io.Discard
	}
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Sink is a bounded ring buffer with a paced drain goroutine. Write never
// blocks: it accepts what fits and reports how much that was.
type Sink struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	ring      []byte
	head      int
	size      int
	state     State
	volume    int
	underruns int
	drained   int64

	quit chan struct{}
	done chan struct{}
}

// New creates a stopped sink.
func New(cfg Config) *Sink {
	vol := cfg.Volume
	cfg.setDefaults()
	if vol == 0 {
		vol = DefaultVolume
	}
	return &Sink{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "audio"),
		ring:   make([]byte, cfg.BufferBytes),
		volume: min(max(vol, 0), 100),
	}
}

// ByteRate is the drain rate in bytes per second.
func (s *Sink) ByteRate() int {
	return s.cfg.SampleRate * s.cfg.Channels * s.cfg.BitsPerSample / 8
}

// Start begins draining. Starting a playing sink is a no-op; starting a
// paused sink resumes it.
func (s *Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StatePlaying:
		return nil
	case StatePaused:
		s.state = StatePlaying
		return nil
	}

	s.state = StatePlaying
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.drain(s.quit, s.done)
	s.log.Info("audio started", "rate", s.cfg.SampleRate, "bits", s.cfg.BitsPerSample, "channels", s.cfg.Channels)
	return nil
}

// Stop halts the drain goroutine and discards buffered audio.
func (s *Sink) Stop() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	quit, done := s.quit, s.done
	s.quit, s.done = nil, nil
	s.head, s.size = 0, 0
	s.mu.Unlock()

	close(quit)
	<-done
	s.log.Info("audio stopped")
	return nil
}

// Pause holds buffered audio without draining it.
func (s *Sink) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePlaying {
		s.state = StatePaused
		s.log.Info("audio paused")
	}
	return nil
}

// Resume continues a paused sink.
func (s *Sink) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePaused {
		s.state = StatePlaying
		s.log.Info("audio resumed")
	}
	return nil
}

func (s *Sink) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Write copies as much of p as fits into the buffer, applying the volume.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return 0, ErrStopped
	}
	n := min(len(p), len(s.ring)-s.size)
	if s.cfg.BitsPerSample == 16 {
		n -= n % 2
	}
	if n == 0 {
		return 0, nil
	}

	tail := (s.head + s.size) % len(s.ring)
	first := min(n, len(s.ring)-tail)
	copy(s.ring[tail:], p[:first])
	copy(s.ring, p[first:n])
	if s.volume < 100 && s.cfg.BitsPerSample == 16 {
		s.scale(tail, n)
	}
	s.size += n
	return n, nil
}

// scale applies the volume to n bytes of 16-bit samples starting at off.
func (s *Sink) scale(off, n int) {
	factor := int32(s.volume * 65536 / 100)
	for i := 0; i < n; i += 2 {
		lo := (off + i) % len(s.ring)
		hi := (off + i + 1) % len(s.ring)
		sample := int32(int16(uint16(s.ring[lo]) | uint16(s.ring[hi])<<8))
		sample = min(max(sample*factor>>16, -32768), 32767)
		s.ring[lo] = byte(uint16(sample))
		s.ring[hi] = byte(uint16(sample) >> 8)
	}
}

func (s *Sink) drain(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	chunk := max(s.ByteRate()*int(s.cfg.Tick)/int(time.Second), 2)
	buf := make([]byte, chunk)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.state != StatePlaying {
			s.mu.Unlock()
			continue
		}
		if s.size == 0 {
			s.underruns++
			s.mu.Unlock()
			continue
		}
		n := min(chunk, s.size)
		first := min(n, len(s.ring)-s.head)
		copy(buf, s.ring[s.head:s.head+first])
		copy(buf[first:], s.ring[:n-first])
		s.head = (s.head + n) % len(s.ring)
		s.size -= n
		s.drained += int64(n)
		s.mu.Unlock()

		if _, err := s.cfg.Output.Write(buf[:n]); err != nil {
			s.log.Warn("audio output failed", "error", err)
		}
	}
}

// SetVolume sets the volume, clamped to 0-100. It applies to data written
// afterwards.
func (s *Sink) SetVolume(v int) {
	s.mu.Lock()
	s.volume = min(max(v, 0), 100)
	s.mu.Unlock()
}

func (s *Sink) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// ClearBuffer drops buffered audio.
func (s *Sink) ClearBuffer() {
	s.mu.Lock()
	s.head, s.size = 0, 0
	s.mu.Unlock()
}

// Available reports free buffer space in bytes.
func (s *Sink) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ring) - s.size
}

// Buffered reports bytes waiting to drain.
func (s *Sink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Stats reports drained bytes and drain ticks that found the buffer empty.
func (s *Sink) Stats() (drained int64, underruns int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drained, s.underruns
}

// PCM16 encodes samples as little-endian 16-bit PCM.
func PCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
