// Package app wires the player to its collaborators: channels, resume
// state, battery and idle management, encoder input and the on-screen
// display.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/charlescerisier/watchman/audio"
	"github.com/charlescerisier/watchman/avi"
	"github.com/charlescerisier/watchman/channel"
	"github.com/charlescerisier/watchman/config"
	"github.com/charlescerisier/watchman/display"
	"github.com/charlescerisier/watchman/framebuf"
	"github.com/charlescerisier/watchman/input"
	"github.com/charlescerisier/watchman/player"
	"github.com/charlescerisier/watchman/power"
	"github.com/charlescerisier/watchman/remote"
	"github.com/charlescerisier/watchman/resume"
)

// On-screen display geometry.
const (
	osdBarHeight = 30
	osdIconSize  = 20
	osdIconInset = 5
	osdMargin    = 10

	defaultTick = 100 * time.Millisecond
)

// Deps are the collaborators a Controller drives. Panel, Decoder, Voltage
// and Queue are required; Audio may be nil.
type Deps struct {
	Panel   *display.Panel
	Audio   *audio.Sink
	Decoder player.Decoder
	Voltage power.VoltageSource
	Queue   *input.Queue

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider

	// Tick is the housekeeping interval for OSD, brightness and idle
	// handling.
	Tick time.Duration
}

// Controller is the media player application.
type Controller struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger

	player   *player.Player
	channels *channel.Manager
	store    *resume.Store
	power    *power.Manager

	completed chan struct{}
	failed    chan error

	// positionSec is the playback position saved with the resume state.
	positionSec atomic.Int64
	active      atomic.Bool

	mu         sync.Mutex
	switching  bool
	osdVisible bool
	osdHideAt  time.Time
	lastPower  power.State
	lastLevel  power.Level
	sleepPause bool
}

// New builds a controller from cfg. Nothing is started until Run.
func New(cfg *config.Config, deps Deps) (*Controller, error) {
	if deps.Panel == nil || deps.Decoder == nil || deps.Voltage == nil || deps.Queue == nil {
		return nil, fmt.Errorf("app: panel, decoder, voltage source and input queue are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tick <= 0 {
		deps.Tick = defaultTick
	}

	c := &Controller{
		cfg:       cfg,
		deps:      deps,
		log:       deps.Logger.With("component", "app"),
		channels:  channel.New(cfg.MediaRoot, deps.Logger),
		store:     resume.NewStore(cfg.StateFile),
		completed: make(chan struct{}, 1),
		failed:    make(chan error, 1),
	}

	pm, err := power.New(power.Config{
		Source:       deps.Voltage,
		PollInterval: cfg.Power.PollInterval,
		AutoDim:      cfg.Power.AutoDim,
		AutoSleep:    cfg.Power.AutoSleep,
		DimAfter:     cfg.Power.AutoDimAfter,
		SleepAfter:   cfg.Power.AutoSleepAfter,
		Logger:       deps.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.power = pm
	c.lastLevel = pm.Level()

	pcfg := player.Config{
		Decoder: deps.Decoder,
		Display: deps.Panel,
		Callbacks: player.Callbacks{
			OnFrameDecoded:     c.onFrameDecoded,
			OnPlaybackComplete: c.onPlaybackComplete,
			OnError:            c.onPlayerError,
		},
		Logger:         deps.Logger,
		TracerProvider: deps.TracerProvider,
		DefaultFPS:     cfg.DefaultFPS,
		ParserOptions:  []avi.Option{avi.WithMaxDepth(cfg.MaxNestingDepth)},
	}
	if deps.Audio != nil {
		pcfg.Audio = deps.Audio
	}
	p, err := player.New(pcfg)
	if err != nil {
		return nil, err
	}
	c.player = p
	return c, nil
}

// Player exposes the underlying player.
func (c *Controller) Player() *player.Player { return c.player }

// Channels exposes the channel manager.
func (c *Controller) Channels() *channel.Manager { return c.channels }

// Power exposes the power manager.
func (c *Controller) Power() *power.Manager { return c.power }

// Run shows the splash screen, scans channels, restores the saved position
// and plays until ctx is done. On a critical battery it saves, paints the
// panel red, puts it to sleep and returns power.ErrCriticalBattery.
func (c *Controller) Run(ctx context.Context) error {
	c.splash()

	if err := c.channels.Scan(); err != nil {
		c.deps.Panel.Clear(framebuf.ColorRed)
		return err
	}
	if c.channels.Count() == 0 {
		c.log.Error("no channels found", "root", c.cfg.MediaRoot)
		c.deps.Panel.Clear(framebuf.ColorRed)
		return channel.ErrNoChannels
	}

	c.restore()
	if err := c.startPlayback(ctx); err != nil {
		c.log.Error("initial playback failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.power.Run(gctx) })
	g.Go(func() error { return c.loop(gctx) })
	err := g.Wait()

	if errors.Is(err, power.ErrCriticalBattery) {
		c.criticalShutdown()
		return err
	}
	c.shutdown()
	return err
}

// splash clears the panel and draws the startup marker.
func (c *Controller) splash() {
	w, h := c.deps.Panel.Size()
	c.deps.Panel.SetBrightness(c.cfg.Display.Brightness)
	c.deps.Panel.Clear(framebuf.ColorBlack)
	c.deps.Panel.FillRect(w/4, h*7/16, w/2, h/8, framebuf.ColorCyan)
}

// loop is the single consumer of encoder events and player notifications.
func (c *Controller) loop(ctx context.Context) error {
	autosave := time.NewTicker(c.cfg.AutosaveInterval)
	defer autosave.Stop()
	tick := time.NewTicker(c.deps.Tick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.deps.Queue.Events():
			c.handleEvent(ctx, ev)
		case <-c.completed:
			c.log.Info("episode complete, advancing")
			c.advanceEpisode(ctx)
		case err := <-c.failed:
			c.log.Error("playback error", "error", err)
			c.active.Store(false)
		case <-autosave.C:
			if c.active.Load() {
				c.save()
			}
		case <-tick.C:
			c.housekeeping()
		}
	}
}

// handleEvent applies one encoder event. Any event counts as activity.
func (c *Controller) handleEvent(ctx context.Context, ev input.Event) {
	c.power.ResetIdle()
	c.log.Debug("input", "event", ev.Type, "position", ev.Position)

	switch ev.Type {
	case input.RotateCW:
		c.switchChannel(ctx, c.channels.Next)
	case input.RotateCCW:
		c.switchChannel(ctx, c.channels.Prev)
	case input.ButtonPress:
		c.togglePause()
	case input.ButtonLongPress:
		if c.active.Load() {
			c.advanceEpisode(ctx)
		}
	}
}

// switchChannel stops playback, selects another channel and, after the
// switch delay, plays that channel's current episode from the start.
func (c *Controller) switchChannel(ctx context.Context, step func() error) {
	c.setSwitching(true)
	defer c.setSwitching(false)

	if c.active.Load() {
		c.player.Stop()
	}
	if err := step(); err != nil {
		c.log.Warn("channel switch failed", "error", err)
		return
	}
	c.positionSec.Store(0)
	c.save()
	c.showOSD()

	select {
	case <-ctx.Done():
		return
	case <-time.After(c.cfg.ChannelSwitchDelay):
	}

	ep, ok := c.channels.CurrentEpisode()
	if !ok {
		return
	}
	if err := c.openAndPlay(ctx, ep.Path); err != nil {
		c.log.Error("channel start failed", "episode", ep.Name, "error", err)
	}
}

// togglePause pauses or resumes video and audio together.
func (c *Controller) togglePause() {
	if !c.active.Load() {
		return
	}
	switch c.player.State() {
	case player.StatePlaying:
		c.player.Pause()
		if c.deps.Audio != nil {
			c.deps.Audio.Pause()
		}
		c.showOSD()
	case player.StatePaused:
		c.player.Play()
		if c.deps.Audio != nil {
			c.deps.Audio.Resume()
		}
	}
}

// advanceEpisode moves to the channel's next episode and plays it.
func (c *Controller) advanceEpisode(ctx context.Context) {
	ep, err := c.channels.NextEpisode()
	if err != nil {
		c.log.Warn("no next episode", "error", err)
		c.active.Store(false)
		return
	}
	c.log.Info("starting episode", "episode", ep.Name)
	if err := c.openAndPlay(ctx, ep.Path); err != nil {
		c.log.Error("episode start failed", "episode", ep.Name, "error", err)
		return
	}
	c.save()
}

func (c *Controller) openAndPlay(ctx context.Context, path string) error {
	// A completion from the clip being replaced must not advance the new one.
	select {
	case <-c.completed:
	default:
	}
	if err := c.player.Open(ctx, path); err != nil {
		c.active.Store(false)
		return err
	}
	c.positionSec.Store(0)
	if err := c.player.Play(); err != nil {
		c.active.Store(false)
		return err
	}
	c.active.Store(true)
	return nil
}

// restore applies the saved channel, episode and position when they still
// match the scanned library.
func (c *Controller) restore() {
	st, err := c.store.Load()
	if err != nil {
		c.log.Warn("resume state unusable", "path", c.store.Path(), "error", err)
		return
	}
	if st.Channel >= c.channels.Count() {
		return
	}
	c.channels.Set(st.Channel)
	if ch, ok := c.channels.Current(); ok && st.Episode < len(ch.Episodes) {
		c.channels.SetEpisode(st.Episode)
	}
	c.positionSec.Store(int64(st.PositionSec))
	c.log.Info("state loaded", "channel", st.Channel, "episode", st.Episode, "position_sec", st.PositionSec)
}

// startPlayback opens the current episode, seeks to the saved position
// and plays.
func (c *Controller) startPlayback(ctx context.Context) error {
	ep, ok := c.channels.CurrentEpisode()
	if !ok {
		return channel.ErrNoChannels
	}
	ch, _ := c.channels.Current()
	c.log.Info("starting playback", "channel", ch.Name, "episode", ep.Name)

	if err := c.player.Open(ctx, ep.Path); err != nil {
		return err
	}
	if pos := c.positionSec.Load(); pos > 0 {
		frame := int(float64(pos) * c.player.Info().FPS)
		if err := c.player.Seek(ctx, frame); err != nil {
			c.log.Warn("resume seek failed", "frame", frame, "error", err)
			c.positionSec.Store(0)
		} else {
			c.log.Info("resumed", "position_sec", pos, "frame", frame)
		}
	}
	if err := c.player.Play(); err != nil {
		return err
	}
	c.active.Store(true)
	c.showOSD()
	return nil
}

// save persists the current channel, episode and position.
func (c *Controller) save() {
	st := resume.State{
		Channel:     c.channels.CurrentIndex(),
		PositionSec: int(c.positionSec.Load()),
	}
	if ch, ok := c.channels.Current(); ok {
		st.Episode = ch.CurrentEpisode()
	}
	if err := c.store.Save(st); err != nil {
		c.log.Warn("state save failed", "error", err)
		return
	}
	c.log.Info("state saved", "channel", st.Channel, "episode", st.Episode, "position_sec", st.PositionSec)
}

func (c *Controller) onFrameDecoded(frame int) {
	if fps := c.player.Info().FPS; fps > 0 {
		c.positionSec.Store(int64(float64(frame) / fps))
	}
}

func (c *Controller) onPlaybackComplete() {
	select {
	case c.completed <- struct{}{}:
	default:
	}
}

func (c *Controller) onPlayerError(err error) {
	select {
	case c.failed <- err:
	default:
	}
}

func (c *Controller) setSwitching(v bool) {
	c.mu.Lock()
	c.switching = v
	c.mu.Unlock()
}

func (c *Controller) showOSD() {
	c.mu.Lock()
	c.osdVisible = true
	c.osdHideAt = time.Now().Add(c.cfg.OSDDuration)
	c.mu.Unlock()
}

// OSDVisible reports whether the overlay is currently shown.
func (c *Controller) OSDVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.osdVisible
}

// housekeeping redraws the OSD, follows battery level changes and applies
// the idle state to the panel.
func (c *Controller) housekeeping() {
	if level := c.power.Level(); level != c.lastLevel {
		c.lastLevel = level
		if level == power.LevelLow {
			c.showOSD()
		}
	}

	c.mu.Lock()
	draw := c.osdVisible && !c.switching
	if c.osdVisible && time.Now().After(c.osdHideAt) {
		c.osdVisible = false
	}
	c.mu.Unlock()
	if draw {
		c.drawOSD()
	}

	st := c.power.State()
	if st == c.lastPower {
		return
	}
	prev := c.lastPower
	c.lastPower = st

	panel := c.deps.Panel
	switch st {
	case power.StateActive:
		panel.Wake()
		panel.SetBrightness(c.cfg.Display.Brightness)
		if c.sleepPause {
			c.sleepPause = false
			c.togglePause()
		}
	case power.StateDimmed:
		panel.SetBrightness(c.cfg.Display.DimBrightness)
	case power.StateSleep:
		if c.player.State() == player.StatePlaying {
			c.sleepPause = true
			c.togglePause()
		}
		panel.Sleep()
	}
	c.log.Info("display state", "from", prev, "to", st)
}

// drawOSD paints the status bar: channel marker on the left, battery
// marker on the right.
func (c *Controller) drawOSD() {
	if _, ok := c.channels.Current(); !ok {
		return
	}
	panel := c.deps.Panel
	w, _ := panel.Size()
	panel.FillRect(0, 0, w, osdBarHeight, framebuf.ColorDarkGray)
	panel.FillRect(osdMargin, osdIconInset, osdIconSize, osdIconSize, framebuf.ColorCyan)
	panel.FillRect(w-osdMargin-osdIconSize, osdIconInset, osdIconSize, osdIconSize, batteryColor(c.power.Level()))
}

func batteryColor(l power.Level) uint16 {
	switch l {
	case power.LevelCritical:
		return framebuf.ColorRed
	case power.LevelLow:
		return framebuf.ColorYellow
	}
	return framebuf.ColorGreen
}

// criticalShutdown saves, stops playback and turns the panel off after
// painting it red.
func (c *Controller) criticalShutdown() {
	c.log.Error("critical battery, shutting down")
	c.save()
	c.player.Stop()
	c.deps.Panel.WaitTransfer()
	c.deps.Panel.Clear(framebuf.ColorRed)
	c.deps.Panel.Sleep()
	c.player.Destroy()
}

func (c *Controller) shutdown() {
	if c.active.Load() {
		c.save()
	}
	if err := c.player.Destroy(); err != nil {
		c.log.Warn("player close failed", "error", err)
	}
	c.log.Info("controller stopped")
}

// Status implements remote.StatusProvider.
func (c *Controller) Status() remote.Status {
	info := c.player.Info()
	st := remote.Status{
		State:       c.player.State().String(),
		Channels:    c.channels.Count(),
		Frame:       c.player.CurrentFrame(),
		Frames:      info.FrameCount,
		FPS:         info.FPS,
		PositionSec: c.player.PositionSeconds(),
		Battery: remote.Battery{
			Level:      c.power.Level().String(),
			Percent:    c.power.Percentage(),
			Millivolts: c.power.Voltage(),
			PowerState: c.power.State().String(),
		},
	}
	if info.Path != "" {
		st.SessionID = info.SessionID.String()
	}
	if ch, ok := c.channels.Current(); ok {
		st.Channel = ch.Name
		st.ChannelIndex = c.channels.CurrentIndex()
		st.Episode = ch.Episodes[ch.CurrentEpisode()].Name
	}
	return st
}
