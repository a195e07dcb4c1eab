// Package input turns rotary encoder signals into events and delivers them
// to a single consumer through a bounded queue.
package input

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies an encoder event.
type EventType int

const (
	RotateCW EventType = iota
	RotateCCW
	ButtonPress
	ButtonRelease
	ButtonLongPress
)

func (t EventType) String() string {
	switch t {
	case RotateCW:
		return "cw"
	case RotateCCW:
		return "ccw"
	case ButtonPress:
		return "press"
	case ButtonRelease:
		return "release"
	case ButtonLongPress:
		return "long"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, error) {
	for t := RotateCW; t <= ButtonLongPress; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("input: unknown event %q", s)
}

// Event is one encoder event.
type Event struct {
	Type      EventType
	Position  int
	Timestamp time.Time
}

// Queue is a bounded event queue. Push never blocks; events that do not fit
// are dropped and counted.
type Queue struct {
	ch      chan Event
	dropped atomic.Int64
}

const DefaultQueueSize = 10

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Event, size)}
}

// Push enqueues ev and reports whether it was accepted.
func (q *Queue) Push(ev Event) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Events is the receive side for the single consumer.
func (q *Queue) Events() <-chan Event { return q.ch }

// Dropped counts events lost to a full queue.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Encoder debounces raw quadrature and button signals into queued events.
type Encoder struct {
	queue     *Queue
	longPress time.Duration
	debounce  time.Duration
	now       func() time.Time
	log       *slog.Logger

	mu         sync.Mutex
	position   int
	last       uint8
	lastChange time.Time
	pressed    bool
	pressGen   int
	timer      *time.Timer
}

// EncoderConfig configures an Encoder.
type EncoderConfig struct {
	LongPress time.Duration
	Debounce  time.Duration
	Logger    *slog.Logger
	// Now replaces the clock in tests.
	Now func() time.Time
}

// NewEncoder returns an encoder feeding q.
func NewEncoder(q *Queue, cfg EncoderConfig) *Encoder {
	if cfg.LongPress <= 0 {
		cfg.LongPress = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Encoder{
		queue:     q,
		longPress: cfg.LongPress,
		debounce:  cfg.Debounce,
		now:       cfg.Now,
		log:       cfg.Logger.With("component", "encoder"),
	}
}

// Quadrature transition tables: previous state in the high two bits,
// current state in the low two.
var (
	cwTransitions  = [16]bool{0b1101: true, 0b0100: true, 0b0010: true, 0b1011: true}
	ccwTransitions = [16]bool{0b1110: true, 0b0111: true, 0b0001: true, 0b1000: true}
)

// Signal feeds one sample of the A (clk) and B (dt) phases.
func (e *Encoder) Signal(clk, dt bool) {
	now := e.now()

	e.mu.Lock()
	if e.debounce > 0 && now.Sub(e.lastChange) < e.debounce {
		e.mu.Unlock()
		return
	}
	e.lastChange = now

	var cur uint8
	if clk {
		cur |= 2
	}
	if dt {
		cur |= 1
	}
	sum := e.last<<2 | cur
	e.last = cur

	typ := EventType(-1)
	switch {
	case cwTransitions[sum]:
		e.position++
		typ = RotateCW
	case ccwTransitions[sum]:
		e.position--
		typ = RotateCCW
	}
	pos := e.position
	e.mu.Unlock()

	if typ >= 0 {
		e.push(Event{Type: typ, Position: pos, Timestamp: now})
	}
}

// Rotate records one detent in the given direction.
func (e *Encoder) Rotate(cw bool) {
	e.mu.Lock()
	typ := RotateCCW
	if cw {
		e.position++
		typ = RotateCW
	} else {
		e.position--
	}
	pos := e.position
	e.mu.Unlock()

	e.push(Event{Type: typ, Position: pos, Timestamp: e.now()})
}

// Button records a change of the push switch. Holding it for the long-press
// threshold emits a long-press event while it is still held.
func (e *Encoder) Button(down bool) {
	now := e.now()

	e.mu.Lock()
	if down == e.pressed {
		e.mu.Unlock()
		return
	}
	e.pressed = down
	e.pressGen++
	gen := e.pressGen
	pos := e.position
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if down {
		e.timer = time.AfterFunc(e.longPress, func() { e.fireLongPress(gen) })
	}
	e.mu.Unlock()

	typ := ButtonRelease
	if down {
		typ = ButtonPress
	}
	e.push(Event{Type: typ, Position: pos, Timestamp: now})
}

func (e *Encoder) fireLongPress(gen int) {
	e.mu.Lock()
	if !e.pressed || e.pressGen != gen {
		e.mu.Unlock()
		return
	}
	pos := e.position
	e.mu.Unlock()

	e.push(Event{Type: ButtonLongPress, Position: pos, Timestamp: e.now()})
}

// Position is the accumulated detent count.
func (e *Encoder) Position() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

func (e *Encoder) push(ev Event) {
	if !e.queue.Push(ev) {
		e.log.Warn("event dropped", "type", ev.Type, "dropped", e.queue.Dropped())
	}
}

// Close cancels a pending long-press timer.
func (e *Encoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
