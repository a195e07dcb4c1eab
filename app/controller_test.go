package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charlescerisier/watchman/avi"
	"github.com/charlescerisier/watchman/channel"
	"github.com/charlescerisier/watchman/config"
	"github.com/charlescerisier/watchman/display"
	"github.com/charlescerisier/watchman/framebuf"
	"github.com/charlescerisier/watchman/input"
	"github.com/charlescerisier/watchman/mjpeg"
	"github.com/charlescerisier/watchman/power"
	"github.com/charlescerisier/watchman/resume"
)

const (
	clipFPS  = 50
	longClip = 200 // 4s at clipFPS
)

type fixture struct {
	cfg   *config.Config
	ctrl  *Controller
	panel *display.Panel
	queue *input.Queue
	src   *power.StaticSource

	cancel context.CancelFunc
	errc   chan error
}

// writeEpisode writes a clip of identical 16x16 JPEG frames.
func writeEpisode(t *testing.T, path string, frames int, color uint16) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	buf := framebuf.NewBuffer(16, 16)
	buf.Fill(color)
	jpg, err := mjpeg.EncodeBuffer(buf, 75)
	if err != nil {
		t.Fatal(err)
	}

	w, err := avi.CreateFile(path)
	if err != nil {
		t.Fatal(err)
	}
	w.AddStream(avi.Codec{FourCC: avi.TagMJPG, Type: avi.StreamTypeVideo, Width: 16, Height: 16, FPS: clipFPS})
	for i := 0; i < frames; i++ {
		if err := w.WritePacket(avi.Packet{StreamIndex: 0, Data: jpg, Keyframe: true}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

// library creates channels "a" and "b" with episodes "ep1" and "ep2".
func library(t *testing.T, ep1Frames int) string {
	t.Helper()
	root := t.TempDir()
	for _, ch := range []string{"a", "b"} {
		writeEpisode(t, filepath.Join(root, ch, "ep1.avi"), ep1Frames, framebuf.ColorBlue)
		writeEpisode(t, filepath.Join(root, ch, "ep2.avi"), longClip, framebuf.ColorRed)
	}
	return root
}

func newFixture(t *testing.T, root string, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.MediaRoot = root
	cfg.StateFile = filepath.Join(t.TempDir(), "state.yaml")
	cfg.ChannelSwitchDelay = 10 * time.Millisecond
	cfg.OSDDuration = 50 * time.Millisecond
	cfg.AutosaveInterval = time.Hour
	cfg.Power.PollInterval = 10 * time.Millisecond
	cfg.Power.AutoDim = false
	cfg.Power.AutoSleep = false
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	panel := display.New(display.Config{Width: 240, Height: 320, Logger: logger})
	t.Cleanup(func() { panel.Close() })

	f := &fixture{
		cfg:   cfg,
		panel: panel,
		queue: input.NewQueue(8),
		src:   power.NewStaticSource(8000),
	}
	ctrl, err := New(cfg, Deps{
		Panel:   panel,
		Decoder: mjpeg.NewDecoder(320, 240),
		Voltage: f.src,
		Queue:   f.queue,
		Logger:  logger,
		Tick:    10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.ctrl = ctrl
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.errc = make(chan error, 1)
	go func() { f.errc <- f.ctrl.Run(ctx) }()
	t.Cleanup(func() { f.stop(t) })
}

// stop cancels Run and returns its result. Later calls return nil.
func (f *fixture) stop(t *testing.T) error {
	t.Helper()
	f.cancel()
	if f.errc == nil {
		return nil
	}
	select {
	case err := <-f.errc:
		f.errc = nil
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func (f *fixture) push(typ input.EventType) {
	f.queue.Push(input.Event{Type: typ, Timestamp: time.Now()})
}

func (f *fixture) saved(t *testing.T) resume.State {
	t.Helper()
	st, err := resume.NewStore(f.cfg.StateFile).Load()
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(config.Default(), Deps{}); err == nil {
		t.Error("expected error without collaborators")
	}
}

func TestStartsOnFirstChannel(t *testing.T) {
	f := newFixture(t, library(t, longClip), nil)
	f.start(t)

	waitUntil(t, "playback", func() bool { return f.ctrl.Status().State == "playing" })
	st := f.ctrl.Status()
	if st.Channel != "a" || st.Episode != "ep1" || st.Channels != 2 {
		t.Errorf("status = %+v", st)
	}
	if st.FPS != clipFPS || st.Frames != longClip || st.SessionID == "" {
		t.Errorf("clip info in status = %+v", st)
	}
	if st.Battery.Level != "full" || st.Battery.Millivolts != 8000 {
		t.Errorf("battery = %+v", st.Battery)
	}
}

func TestEpisodeAdvancesOnCompletion(t *testing.T) {
	f := newFixture(t, library(t, 5), nil)
	f.start(t)

	waitUntil(t, "second episode saved", func() bool { return f.saved(t).Episode == 1 })
	if st := f.ctrl.Status(); st.Episode != "ep2" {
		t.Errorf("episode = %q", st.Episode)
	}
	if got := f.saved(t); got.Channel != 0 || got.Episode != 1 || got.PositionSec != 0 {
		t.Errorf("saved state = %+v", got)
	}
	if err := f.stop(t); err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestChannelSwitching(t *testing.T) {
	f := newFixture(t, library(t, longClip), nil)
	f.start(t)
	waitUntil(t, "playback", func() bool { return f.ctrl.Status().State == "playing" })

	f.push(input.RotateCW)
	waitUntil(t, "channel b", func() bool {
		st := f.ctrl.Status()
		return st.Channel == "b" && st.State == "playing"
	})
	if got := f.saved(t); got.Channel != 1 || got.PositionSec != 0 {
		t.Errorf("saved state = %+v", got)
	}

	f.push(input.RotateCCW)
	waitUntil(t, "channel a", func() bool {
		st := f.ctrl.Status()
		return st.Channel == "a" && st.State == "playing"
	})
	f.push(input.RotateCCW)
	waitUntil(t, "wrap to channel b", func() bool { return f.ctrl.Status().Channel == "b" })
}

func TestPauseToggleAndLongPress(t *testing.T) {
	f := newFixture(t, library(t, longClip), nil)
	f.start(t)
	waitUntil(t, "playback", func() bool { return f.ctrl.Status().State == "playing" })

	f.push(input.ButtonPress)
	waitUntil(t, "pause", func() bool { return f.ctrl.Status().State == "paused" })
	time.Sleep(30 * time.Millisecond)
	frame := f.ctrl.Player().CurrentFrame()
	time.Sleep(60 * time.Millisecond)
	if got := f.ctrl.Player().CurrentFrame(); got != frame {
		t.Errorf("frame moved while paused: %d -> %d", frame, got)
	}

	f.push(input.ButtonRelease)
	f.push(input.ButtonPress)
	waitUntil(t, "resume", func() bool { return f.ctrl.Status().State == "playing" })

	f.push(input.ButtonLongPress)
	waitUntil(t, "next episode", func() bool { return f.ctrl.Status().Episode == "ep2" })
}

func TestResumesSavedPosition(t *testing.T) {
	f := newFixture(t, library(t, longClip), nil)
	if err := resume.NewStore(f.cfg.StateFile).Save(resume.State{Channel: 1, Episode: 1, PositionSec: 2}); err != nil {
		t.Fatal(err)
	}
	f.start(t)

	waitUntil(t, "resumed playback", func() bool { return f.ctrl.Status().State == "playing" })
	st := f.ctrl.Status()
	if st.Channel != "b" || st.Episode != "ep2" {
		t.Fatalf("status = %+v", st)
	}
	if st.Frame < 2*clipFPS {
		t.Errorf("frame = %d, expected at least %d", st.Frame, 2*clipFPS)
	}
}

func TestIgnoresStaleSavedChannel(t *testing.T) {
	f := newFixture(t, library(t, longClip), nil)
	resume.NewStore(f.cfg.StateFile).Save(resume.State{Channel: 9, Episode: 3, PositionSec: 30})
	f.start(t)

	waitUntil(t, "playback", func() bool { return f.ctrl.Status().State == "playing" })
	if st := f.ctrl.Status(); st.Channel != "a" || st.Frame > clipFPS {
		t.Errorf("status = %+v", st)
	}
}

func TestOSD(t *testing.T) {
	f := newFixture(t, library(t, longClip), nil)
	f.start(t)

	waitUntil(t, "OSD bar", func() bool {
		return f.panel.Pixel(0, 0) == framebuf.ColorDarkGray &&
			f.panel.Pixel(15, 10) == framebuf.ColorCyan &&
			f.panel.Pixel(240-25, 10) == framebuf.ColorGreen
	})
	waitUntil(t, "OSD timeout", func() bool { return !f.ctrl.OSDVisible() })
}

func TestIdleDimAndWake(t *testing.T) {
	f := newFixture(t, library(t, longClip), func(cfg *config.Config) {
		cfg.Power.AutoDim = true
		cfg.Power.AutoDimAfter = 100 * time.Millisecond
	})
	f.start(t)

	waitUntil(t, "dim", func() bool { return f.panel.Brightness() == f.cfg.Display.DimBrightness })
	if got := f.ctrl.Status().Battery.PowerState; got != "dimmed" {
		t.Errorf("power state = %q", got)
	}
	f.push(input.ButtonRelease)
	waitUntil(t, "full brightness", func() bool { return f.panel.Brightness() == f.cfg.Display.Brightness })
}

func TestCriticalBatteryShutsDown(t *testing.T) {
	f := newFixture(t, library(t, longClip), nil)
	f.start(t)
	waitUntil(t, "playback", func() bool { return f.ctrl.Status().State == "playing" })

	f.src.Set(6100)
	var err error
	select {
	case err = <-f.errc:
		f.errc = nil
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop on critical battery")
	}
	if !errors.Is(err, power.ErrCriticalBattery) {
		t.Fatalf("Run = %v", err)
	}
	if !f.panel.Asleep() {
		t.Error("panel still awake")
	}
	if got := f.panel.Pixel(120, 160); got != framebuf.ColorRed {
		t.Errorf("screen = %#04x, expected red", got)
	}
	if got := f.saved(t); got.Channel != 0 || got.Episode != 0 {
		t.Errorf("saved state = %+v", got)
	}
}

func TestNoChannels(t *testing.T) {
	f := newFixture(t, t.TempDir(), nil)
	f.start(t)

	select {
	case err := <-f.errc:
		f.errc = nil
		if !errors.Is(err, channel.ErrNoChannels) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	if got := f.panel.Pixel(0, 0); got != framebuf.ColorRed {
		t.Errorf("screen = %#04x, expected red", got)
	}
}
