// Package player runs the frame-paced, double-buffered decode loop for one
// clip at a time and exposes its play/pause/stop/seek control surface.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/charlescerisier/watchman/avi"
	"github.com/charlescerisier/watchman/framebuf"
)

// State is the playback state machine.
type State int32

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Decoder turns one compressed frame into RGB565 pixels written to dst. It
// must not keep src after returning.
type Decoder interface {
	Decode(src []byte, dst *framebuf.Buffer) (width, height int, err error)
}

// Display provides and shows pixel buffers.
type Display = framebuf.Sink

// AudioSink consumes PCM. Write accepts as many bytes as fit and returns
// without blocking.
type AudioSink interface {
	Start() error
	Stop() error
	Write(p []byte) (int, error)
}

// Callbacks are invoked from the decode loop goroutine. OnFrameDecoded may
// call Pause but must not call Stop, Open, Close or Destroy, which wait for
// the loop to exit. OnPlaybackComplete and OnError run after the loop has
// exited and may call anything.
type Callbacks struct {
	OnFrameDecoded     func(frameIndex int)
	OnPlaybackComplete func()
	OnError            func(err error)
}

// Config configures a Player.
type Config struct {
	Decoder   Decoder
	Display   Display
	Audio     AudioSink
	Callbacks Callbacks
	Logger    *slog.Logger

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	// DefaultFPS is used when a clip does not declare a frame rate.
	DefaultFPS float64

	// BufferWidth and BufferHeight fix the pixel buffer size. When zero the
	// buffers follow the clip's dimensions.
	BufferWidth  int
	BufferHeight int

	PauseInterval          time.Duration
	StopTimeout            time.Duration
	MaxConsecutiveFailures int
	AudioChunkSize         int

	ParserOptions []avi.Option
}

const (
	defaultFPS            = 15
	defaultPauseInterval  = 20 * time.Millisecond
	defaultStopTimeout    = time.Second
	defaultMaxFailures    = 30
	defaultAudioChunkSize = 32 << 10
)

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	if c.DefaultFPS <= 0 {
		c.DefaultFPS = defaultFPS
	}
	if c.PauseInterval <= 0 {
		c.PauseInterval = defaultPauseInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = defaultMaxFailures
	}
	if c.AudioChunkSize <= 0 {
		c.AudioChunkSize = defaultAudioChunkSize
	}
}

// Info describes the open clip.
type Info struct {
	SessionID   uuid.UUID
	Path        string
	Width       int
	Height      int
	FPS         float64
	FrameCount  int
	DurationSec float64

	HasAudio       bool
	SampleRate     int
	AvgBytesPerSec int
}

// Player plays one clip at a time. Control methods may be called from any
// goroutine; the decode loop observes state changes within one iteration.
type Player struct {
	cfg    Config
	log    *slog.Logger
	tracer trace.Tracer

	// mu serializes control operations.
	mu sync.Mutex
	// sessMu is held by the decode loop while it reads and decodes a frame.
	sessMu sync.Mutex

	state atomic.Int32
	frame atomic.Int64

	session *avi.Session
	pool    *framebuf.Pool

	// clip is replaced on every Open and read lock-free.
	clip atomic.Pointer[clip]

	loopDone    chan struct{}
	audioDone   chan struct{}
	audioQuit   chan struct{}
	needsRewind atomic.Bool
	errFired    atomic.Bool

	sigMu sync.Mutex
	sig   chan struct{}
}

type clip struct {
	info     Info
	interval time.Duration
}

// New creates a stopped Player with no clip open.
func New(cfg Config) (*Player, error) {
	if cfg.Decoder == nil {
		return nil, fmt.Errorf("player: decoder is required")
	}
	if cfg.Display == nil {
		return nil, fmt.Errorf("player: display is required")
	}
	cfg.setDefaults()

	return &Player{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "player"),
		tracer: cfg.TracerProvider.Tracer("github.com/charlescerisier/watchman/player"),
		sig:    make(chan struct{}),
	}, nil
}

// Open opens path, closing any clip that was open. The pixel buffers are
// kept for reuse.
func (p *Player) Open(ctx context.Context, path string) error {
	_, span := p.tracer.Start(ctx, "player.Open", trace.WithAttributes(attribute.String("clip.path", path)))
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked(0)
	p.closeLocked()

	session, err := avi.OpenFile(path, append([]avi.Option{avi.WithLogger(p.cfg.Logger)}, p.cfg.ParserOptions...)...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		p.log.Error("open failed", "path", path, "error", err)
		return err
	}

	fps := session.FPS()
	interval := time.Duration(session.MainHeader().FrameIntervalUS) * time.Microsecond
	if fps <= 0 {
		fps = p.cfg.DefaultFPS
		interval = time.Duration(math.Round(1e6/fps)) * time.Microsecond
	}

	video := session.Video()
	width, height := video.Width, video.Height
	if !video.Found || width == 0 || height == 0 {
		width, height = int(session.MainHeader().Width), int(session.MainHeader().Height)
	}
	audio := session.Audio()

	p.session = session
	info := Info{
		SessionID:      uuid.New(),
		Path:           path,
		Width:          width,
		Height:         height,
		FPS:            fps,
		FrameCount:     session.TotalFrames(),
		DurationSec:    float64(session.TotalFrames()) / fps,
		HasAudio:       audio.Found && audio.AvgBytesPerSec > 0,
		SampleRate:     audio.SampleRate,
		AvgBytesPerSec: audio.AvgBytesPerSec,
	}
	p.clip.Store(&clip{info: info, interval: interval})
	p.frame.Store(0)
	p.needsRewind.Store(false)
	p.errFired.Store(false)
	p.state.Store(int32(StateStopped))

	span.SetAttributes(
		attribute.String("session.id", info.SessionID.String()),
		attribute.Int("clip.frames", info.FrameCount),
		attribute.Float64("clip.fps", fps),
	)
	p.log.Info("clip opened",
		"session", info.SessionID,
		"path", path,
		"width", width,
		"height", height,
		"fps", fps,
		"frames", info.FrameCount,
		"audio", info.HasAudio)
	return nil
}

// Play starts or resumes playback. It is a no-op while already playing.
func (p *Player) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil {
		return ErrNotOpen
	}

	switch p.State() {
	case StatePlaying:
		return nil
	case StateError:
		return ErrFatal
	case StatePaused:
		p.state.Store(int32(StatePlaying))
		p.notify()
		p.startAudioLocked()
		p.log.Info("playback resumed", "frame", p.CurrentFrame())
		return nil
	}

	// Stopped: the previous loop may still be finishing its last iteration.
	if p.loopDone != nil {
		<-p.loopDone
		p.loopDone = nil
	}
	if p.needsRewind.Load() {
		if err := p.session.Rewind(); err != nil {
			return err
		}
		p.frame.Store(0)
		p.needsRewind.Store(false)
	}

	p.state.Store(int32(StatePlaying))
	done := make(chan struct{})
	p.loopDone = done
	go p.run(done)
	p.startAudioLocked()

	p.log.Info("playback started", "session", p.Info().SessionID, "frame", p.CurrentFrame())
	return nil
}

// Pause suspends a playing loop at its next iteration boundary.
func (p *Player) Pause() error {
	if !p.state.CompareAndSwap(int32(StatePlaying), int32(StatePaused)) {
		return nil
	}
	p.notify()
	p.log.Info("playback paused", "frame", p.CurrentFrame())
	return nil
}

// Stop ends playback and resets the position to frame 0. It waits up to
// StopTimeout for the decode loop to exit. Stop also clears the Error state.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked(p.cfg.StopTimeout)
	return nil
}

// stopLocked stops the loop and audio pump. A zero wait blocks until the
// loop has exited.
func (p *Player) stopLocked(wait time.Duration) {
	prev := p.State()
	if prev == StateStopped && p.loopDone == nil && p.audioDone == nil {
		return
	}

	p.state.Store(int32(StateStopped))
	p.notify()

	if p.loopDone != nil && waitFor(p.loopDone, wait) {
		p.loopDone = nil
	}
	p.stopAudioLocked(wait)

	p.frame.Store(0)
	p.needsRewind.Store(true)
	if prev != StateStopped {
		p.log.Info("playback stopped", "from", prev)
	}
}

// Seek positions the clip so playback resumes at frame. It is rejected
// while playing.
func (p *Player) Seek(ctx context.Context, frame int) error {
	_, span := p.tracer.Start(ctx, "player.Seek", trace.WithAttributes(attribute.Int("seek.frame", frame)))
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil {
		return ErrNotOpen
	}
	if p.State() == StatePlaying {
		return ErrSeekWhilePlaying
	}

	// A paused loop parks without holding sessMu, so this waits at most for
	// the iteration in progress.
	p.sessMu.Lock()
	defer p.sessMu.Unlock()

	if err := p.session.Seek(frame); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "seek failed")
		p.frame.Store(0)
		p.needsRewind.Store(false)
		p.log.Warn("seek failed", "frame", frame, "error", err)
		return err
	}
	p.frame.Store(int64(frame))
	p.needsRewind.Store(false)

	// A paused pump keeps its own position; restart it at the new one.
	if p.audioDone != nil {
		p.stopAudioLocked(p.cfg.StopTimeout)
		if p.State() == StatePaused {
			p.startAudioLocked()
		}
	}

	p.log.Debug("seeked", "frame", frame)
	return nil
}

// Close stops playback and closes the clip. Pixel buffers are kept.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked(0)
	return p.closeLocked()
}

func (p *Player) closeLocked() error {
	if p.session == nil {
		return nil
	}
	err := p.session.Close()
	p.session = nil
	p.clip.Store(nil)
	p.frame.Store(0)
	return err
}

// Destroy closes the clip and frees the pixel buffers.
func (p *Player) Destroy() error {
	err := p.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		p.pool.Release()
		p.pool = nil
	}
	return err
}

// State returns the current playback state.
func (p *Player) State() State {
	return State(p.state.Load())
}

// CurrentFrame is the index of the next frame the loop will present.
func (p *Player) CurrentFrame() int {
	return int(p.frame.Load())
}

// PositionSeconds converts the current frame to seconds.
func (p *Player) PositionSeconds() float64 {
	fps := p.Info().FPS
	if fps <= 0 {
		return 0
	}
	return float64(p.CurrentFrame()) / fps
}

// Info returns a snapshot of the open clip's metadata. It is the zero Info
// when no clip is open.
func (p *Player) Info() Info {
	if c := p.clip.Load(); c != nil {
		return c.info
	}
	return Info{}
}

// FrameInterval is the pacing interval of the open clip.
func (p *Player) FrameInterval() time.Duration {
	if c := p.clip.Load(); c != nil {
		return c.interval
	}
	return 0
}

// SessionID identifies the current Open in logs.
func (p *Player) SessionID() uuid.UUID {
	return p.Info().SessionID
}

// notify wakes every goroutine sleeping in p.sleep.
func (p *Player) notify() {
	p.sigMu.Lock()
	close(p.sig)
	p.sig = make(chan struct{})
	p.sigMu.Unlock()
}

// sleep waits for d or until the next notify.
func (p *Player) sleep(d time.Duration) {
	p.sigMu.Lock()
	sig := p.sig
	p.sigMu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-sig:
	}
}

// waitFor waits for done, giving up after d. A zero d waits forever.
func waitFor(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		<-done
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
