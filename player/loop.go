package player

import (
	"errors"
	"fmt"
	"time"

	"github.com/charlescerisier/watchman/avi"
	"github.com/charlescerisier/watchman/framebuf"
)

type stepResult int

const (
	stepDecoded stepResult = iota
	stepFailed
	stepComplete
	stepFatal
	// stepAborted means playback was stopped while the frame was in flight.
	stepAborted
)

// run is the decode loop. It owns the session and the pixel buffers until
// done is closed. Completion and error callbacks fire after that.
func (p *Player) run(done chan struct{}) {
	var (
		complete bool
		fatal    error
	)
	defer func() {
		close(done)
		switch {
		case fatal != nil:
			p.fail(fatal)
		case complete:
			if cb := p.cfg.Callbacks.OnPlaybackComplete; cb != nil {
				cb()
			}
		}
	}()

	c := p.clip.Load()
	if err := p.ensurePool(c.info); err != nil {
		p.state.Store(int32(StateError))
		fatal = err
		return
	}

	failures := 0
	for {
		st := p.State()
		if st == StatePaused {
			p.sleep(p.cfg.PauseInterval)
			continue
		}
		if st != StatePlaying {
			return
		}

		start := time.Now()
		result, index, err := p.step(c.info.FrameCount)

		switch result {
		case stepComplete:
			if p.state.CompareAndSwap(int32(StatePlaying), int32(StateStopped)) ||
				p.state.CompareAndSwap(int32(StatePaused), int32(StateStopped)) {
				p.needsRewind.Store(true)
				complete = true
				p.log.Info("playback complete", "frames", p.CurrentFrame())
			}
			return

		case stepFatal:
			p.state.Store(int32(StateError))
			fatal = err
			return

		case stepAborted:
			return

		case stepFailed:
			failures++
			p.log.Warn("frame failed", "frame", index, "consecutive", failures, "error", err)
			if failures >= p.cfg.MaxConsecutiveFailures {
				p.state.Store(int32(StateError))
				fatal = fmt.Errorf("%w: %w", ErrTooManyFailures, err)
				return
			}

		case stepDecoded:
			failures = 0
			if cb := p.cfg.Callbacks.OnFrameDecoded; cb != nil {
				cb(index)
			}
		}

		// Failed frames keep their slot. Late frames proceed immediately;
		// the lag is not made up.
		if elapsed := time.Since(start); elapsed < c.interval {
			p.sleep(c.interval - elapsed)
		}
	}
}

// step reads, decodes and presents one frame while holding sessMu.
func (p *Player) step(total int) (stepResult, int, error) {
	p.sessMu.Lock()
	defer p.sessMu.Unlock()

	index := p.CurrentFrame()
	if total > 0 && index >= total {
		return stepComplete, index, nil
	}

	frame, err := p.session.ReadNextVideoFrame()
	switch {
	case errors.Is(err, avi.ErrEndOfStream):
		return stepComplete, index, nil
	case errors.Is(err, avi.ErrAlloc):
		return stepFatal, index, fmt.Errorf("%w: %w", ErrAllocation, err)
	case err != nil:
		return stepFailed, index, err
	}
	defer frame.Release()

	back := p.pool.Back()
	w, h, err := p.cfg.Decoder.Decode(frame.Data, back)
	if !p.live() {
		// Stop gave up waiting for this decode; it owns the position now.
		return stepAborted, frame.Index, nil
	}
	if err != nil {
		// The frame is skipped; the index still moves past it.
		p.frame.Store(int64(frame.Index + 1))
		return stepFailed, frame.Index, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	back.Width, back.Height = w, h

	if err := p.pool.Present(); err != nil {
		p.frame.Store(int64(frame.Index + 1))
		return stepFailed, frame.Index, err
	}
	p.frame.Store(int64(frame.Index + 1))
	return stepDecoded, frame.Index, nil
}

func (p *Player) live() bool {
	st := p.State()
	return st == StatePlaying || st == StatePaused
}

// ensurePool allocates the pixel buffers on first use and whenever a clip
// needs a different size.
func (p *Player) ensurePool(info Info) error {
	w, h := p.cfg.BufferWidth, p.cfg.BufferHeight
	if w <= 0 || h <= 0 {
		w, h = info.Width, info.Height
	}

	if p.pool != nil {
		if pw, ph := p.pool.Size(); pw == w && ph == h {
			return nil
		}
		p.pool.Release()
		p.pool = nil
	}

	pool, err := framebuf.New(p.cfg.Display, w, h)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	p.pool = pool
	p.log.Debug("pixel buffers allocated", "width", w, "height", h)
	return nil
}

// fail reports a fatal error once per open clip.
func (p *Player) fail(err error) {
	p.log.Error("playback failed", "frame", p.CurrentFrame(), "error", err)
	if !p.errFired.CompareAndSwap(false, true) {
		return
	}
	if cb := p.cfg.Callbacks.OnError; cb != nil {
		cb(err)
	}
}
