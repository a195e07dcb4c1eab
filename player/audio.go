package player

import (
	"errors"
	"time"

	"github.com/charlescerisier/watchman/avi"
)

const audioRetryInterval = 10 * time.Millisecond

// startAudioLocked starts the audio pump for the current position. The pump
// reads the clip through its own session so it never moves the decode
// loop's read cursor.
func (p *Player) startAudioLocked() {
	if p.cfg.Audio == nil {
		return
	}
	info := p.Info()
	if !info.HasAudio {
		return
	}
	if p.audioDone != nil {
		select {
		case <-p.audioDone:
			p.audioDone = nil
		default:
			return // still running, it resumes on its own
		}
	}

	session, err := avi.OpenFile(info.Path, append([]avi.Option{avi.WithLogger(p.cfg.Logger)}, p.cfg.ParserOptions...)...)
	if err != nil {
		p.log.Warn("audio unavailable", "path", info.Path, "error", err)
		return
	}
	if err := p.cfg.Audio.Start(); err != nil {
		session.Close()
		p.log.Warn("audio sink start failed", "error", err)
		return
	}

	// Byte offset of the current video frame in the audio stream, rounded
	// down to whole sample frames.
	skip := int64(float64(p.CurrentFrame()) / info.FPS * float64(info.AvgBytesPerSec))
	if align := int64(session.Audio().BlockAlign); align > 1 {
		skip -= skip % align
	}

	done := make(chan struct{})
	quit := make(chan struct{})
	p.audioDone, p.audioQuit = done, quit
	go p.pumpAudio(session, skip, done, quit)
}

// stopAudioLocked waits for the pump to exit and stops the sink.
func (p *Player) stopAudioLocked(wait time.Duration) {
	if p.audioDone == nil {
		return
	}
	close(p.audioQuit)
	p.notify()
	if !waitFor(p.audioDone, wait) {
		p.log.Warn("audio pump did not stop in time")
	}
	p.audioDone, p.audioQuit = nil, nil
	if err := p.cfg.Audio.Stop(); err != nil {
		p.log.Warn("audio sink stop failed", "error", err)
	}
}

// pumpAudio copies primary audio chunks into the sink while the player is
// playing, idling while paused.
func (p *Player) pumpAudio(session *avi.Session, skip int64, done, quit chan struct{}) {
	defer close(done)
	defer session.Close()

	buf := make([]byte, p.cfg.AudioChunkSize)
	for {
		if !p.waitPlaying(quit) {
			return
		}

		n, err := session.ReadNextAudioChunk(buf)
		if errors.Is(err, avi.ErrEndOfStream) {
			return
		}
		if err != nil {
			p.log.Warn("audio read failed", "error", err)
			if errors.Is(err, avi.ErrShortRead) {
				return
			}
			continue
		}

		data := buf[:n]
		if skip > 0 {
			cut := min(skip, int64(len(data)))
			data = data[cut:]
			skip -= cut
		}

		for len(data) > 0 {
			if !p.waitPlaying(quit) {
				return
			}
			written, err := p.cfg.Audio.Write(data)
			if err != nil {
				p.log.Warn("audio write failed", "error", err)
				return
			}
			data = data[written:]
			if len(data) > 0 {
				p.sleep(audioRetryInterval)
			}
		}
	}
}

// waitPlaying blocks while paused and reports whether playback continues.
func (p *Player) waitPlaying(quit <-chan struct{}) bool {
	for {
		select {
		case <-quit:
			return false
		default:
		}
		switch p.State() {
		case StatePlaying:
			return true
		case StatePaused:
			p.sleep(p.cfg.PauseInterval)
		default:
			return false
		}
	}
}
