// Package power tracks battery level and user idle time, and drives the
// active/dimmed/sleep transitions.
package power

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Pack voltages in millivolts for a 2S Li-ion battery.
const (
	VoltageFull     = 8400
	VoltageGood     = 7600
	VoltageLow      = 7000
	VoltageCritical = 6600
	VoltageEmpty    = 6000
)

// ErrCriticalBattery is returned by Run once the battery reaches the
// critical level.
var ErrCriticalBattery = errors.New("power: battery critical")

// Level is a coarse battery level.
type Level int

const (
	LevelUnknown Level = iota
	LevelCritical
	LevelLow
	LevelGood
	LevelFull
)

func (l Level) String() string {
	switch l {
	case LevelCritical:
		return "critical"
	case LevelLow:
		return "low"
	case LevelGood:
		return "good"
	case LevelFull:
		return "full"
	}
	return "unknown"
}

// LevelFor maps a pack voltage to a level. Readings below empty are
// treated as a missing battery.
func LevelFor(mv int) Level {
	switch {
	case mv >= VoltageGood:
		return LevelFull
	case mv >= VoltageLow:
		return LevelGood
	case mv >= VoltageCritical:
		return LevelLow
	case mv >= VoltageEmpty:
		return LevelCritical
	}
	return LevelUnknown
}

// Percentage interpolates linearly between empty and full.
func Percentage(mv int) int {
	switch {
	case mv >= VoltageFull:
		return 100
	case mv <= VoltageEmpty:
		return 0
	}
	return (mv - VoltageEmpty) * 100 / (VoltageFull - VoltageEmpty)
}

// State is the idle state.
type State int

const (
	StateActive State = iota
	StateDimmed
	StateSleep
)

func (s State) String() string {
	switch s {
	case StateDimmed:
		return "dimmed"
	case StateSleep:
		return "sleep"
	}
	return "active"
}

// VoltageSource reads the battery pack voltage.
type VoltageSource interface {
	ReadMillivolts() (int, error)
}

// StaticSource reports a fixed voltage that can be changed at runtime.
type StaticSource struct {
	mv atomic.Int64
}

func NewStaticSource(mv int) *StaticSource {
	s := &StaticSource{}
	s.mv.Store(int64(mv))
	return s
}

func (s *StaticSource) Set(mv int) { s.mv.Store(int64(mv)) }

func (s *StaticSource) ReadMillivolts() (int, error) {
	return int(s.mv.Load()), nil
}

// FileSource reads an integer from a file, such as a sysfs voltage_now
// attribute, and multiplies it by Ratio.
type FileSource struct {
	Path  string
	Ratio float64
}

func (s FileSource) ReadMillivolts() (int, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return 0, err
	}
	raw, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("power: parse %s: %w", s.Path, err)
	}
	ratio := s.Ratio
	if ratio == 0 {
		ratio = 1
	}
	return int(raw * ratio), nil
}

// Callbacks are invoked from the goroutine that observed the change.
type Callbacks struct {
	OnLevelChange func(Level)
	OnStateChange func(State)
}

// Config configures a Manager.
type Config struct {
	Source       VoltageSource
	PollInterval time.Duration
	AutoDim      bool
	AutoSleep    bool
	DimAfter     time.Duration
	SleepAfter   time.Duration
	Callbacks    Callbacks
	Logger       *slog.Logger
	// Now replaces the clock in tests.
	Now func() time.Time
}

// Manager samples the battery and tracks idle time.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	voltage      int
	level        Level
	state        State
	lastActivity time.Time
}

// New takes the initial reading and returns a manager in the active state.
func New(cfg Config) (*Manager, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("power: voltage source is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg:          cfg,
		log:          cfg.Logger.With("component", "power"),
		lastActivity: cfg.Now(),
	}
	mv, err := cfg.Source.ReadMillivolts()
	if err != nil {
		m.log.Warn("initial battery read failed", "error", err)
	} else {
		m.voltage = mv
		m.level = LevelFor(mv)
	}
	m.log.Info("battery", "mv", m.voltage, "percent", Percentage(m.voltage), "level", m.level)
	return m, nil
}

// Poll takes one battery sample and applies the idle timers. It reports
// the level observed.
func (m *Manager) Poll() Level {
	mv, err := m.cfg.Source.ReadMillivolts()

	m.mu.Lock()
	var levelChanged, stateChanged bool
	if err != nil {
		m.log.Warn("battery read failed", "error", err)
	} else {
		level := LevelFor(mv)
		if m.voltage == 0 {
			m.voltage = mv
		} else {
			m.voltage = (m.voltage*9 + mv) / 10
		}
		if level != m.level {
			m.log.Info("battery level changed", "from", m.level, "to", level, "mv", m.voltage, "percent", Percentage(m.voltage))
			m.level = level
			levelChanged = true
		}
	}

	idle := m.cfg.Now().Sub(m.lastActivity)
	if m.cfg.AutoDim && m.state == StateActive && m.cfg.DimAfter > 0 && idle >= m.cfg.DimAfter {
		m.state = StateDimmed
		stateChanged = true
	}
	if m.cfg.AutoSleep && m.state != StateSleep && m.cfg.SleepAfter > 0 && idle >= m.cfg.SleepAfter {
		m.state = StateSleep
		stateChanged = true
	}
	level, state := m.level, m.state
	m.mu.Unlock()

	if levelChanged {
		switch level {
		case LevelCritical:
			m.log.Warn("critical battery level")
		case LevelLow:
			m.log.Warn("low battery")
		}
		if cb := m.cfg.Callbacks.OnLevelChange; cb != nil {
			cb(level)
		}
	}
	if stateChanged {
		m.log.Info("idle state", "state", state, "idle", idle.Round(time.Second))
		if cb := m.cfg.Callbacks.OnStateChange; cb != nil {
			cb(state)
		}
	}
	return level
}

// Run polls until ctx is done. It returns ErrCriticalBattery when a poll
// finds the battery critical.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.log.Info("power monitor started", "interval", m.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if m.Poll() == LevelCritical {
			return ErrCriticalBattery
		}
	}
}

// ResetIdle records user activity and leaves the dimmed or sleep state.
func (m *Manager) ResetIdle() {
	m.mu.Lock()
	m.lastActivity = m.cfg.Now()
	changed := m.state != StateActive
	m.state = StateActive
	m.mu.Unlock()

	if changed {
		m.log.Info("idle state", "state", StateActive)
		if cb := m.cfg.Callbacks.OnStateChange; cb != nil {
			cb(StateActive)
		}
	}
}

// IdleTime is the time since the last recorded activity.
func (m *Manager) IdleTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Now().Sub(m.lastActivity)
}

func (m *Manager) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Voltage is the smoothed pack voltage in millivolts.
func (m *Manager) Voltage() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voltage
}

// Percentage of the smoothed voltage.
func (m *Manager) Percentage() int {
	return Percentage(m.Voltage())
}
