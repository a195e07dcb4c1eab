package player

import "errors"

var (
	// ErrNotOpen is returned by control operations before Open succeeds.
	ErrNotOpen = errors.New("player: no clip open")
	// ErrSeekWhilePlaying rejects seeks that would race the decode loop.
	ErrSeekWhilePlaying = errors.New("player: seek requires a stopped or paused player")
	// ErrFatal is returned by Play once the player entered the Error state.
	ErrFatal = errors.New("player: in error state, reopen the clip")
	// ErrDecode wraps decoder failures.
	ErrDecode = errors.New("player: decode failed")
	// ErrAllocation reports a pixel or frame buffer that could not be
	// allocated. It is fatal to the session.
	ErrAllocation = errors.New("player: buffer allocation failed")
	// ErrTooManyFailures is reported when consecutive frames keep failing.
	ErrTooManyFailures = errors.New("player: too many consecutive frame failures")
)
