package audio

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSinkDrainsInOrder(t *testing.T) {
	out := &syncBuffer{}
	s := New(Config{SampleRate: 8000, BufferBytes: 4096, Volume: 100, Output: out, Tick: 5 * time.Millisecond})
	if s.ByteRate() != 16000 {
		t.Fatalf("ByteRate = %d", s.ByteRate())
	}

	if _, err := s.Write([]byte{1, 2}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Write while stopped = %v", err)
	}
	s.Start()
	defer s.Stop()

	pcm := make([]byte, 1000)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	n, err := s.Write(pcm)
	if err != nil || n != len(pcm) {
		t.Fatalf("Write = %d, %v", n, err)
	}

	waitFor(t, func() bool { return len(out.Bytes()) == len(pcm) })
	if !bytes.Equal(out.Bytes(), pcm) {
		t.Error("drained bytes differ from written bytes")
	}
	if drained, _ := s.Stats(); drained != int64(len(pcm)) {
		t.Errorf("drained = %d", drained)
	}
}

func TestSinkWriteIsBounded(t *testing.T) {
	s := New(Config{BufferBytes: 64, Volume: 100, Tick: time.Hour})
	s.Start()
	defer s.Stop()

	n, _ := s.Write(make([]byte, 50))
	if n != 50 {
		t.Fatalf("first write accepted %d", n)
	}
	n, _ = s.Write(make([]byte, 50))
	if n != 14 {
		t.Errorf("second write accepted %d, expected the 14 free bytes", n)
	}
	if s.Available() != 0 {
		t.Errorf("Available = %d", s.Available())
	}
	if n, _ := s.Write([]byte{1, 2}); n != 0 {
		t.Errorf("write to full buffer accepted %d", n)
	}

	s.ClearBuffer()
	if s.Available() != 64 || s.Buffered() != 0 {
		t.Errorf("after clear: available=%d buffered=%d", s.Available(), s.Buffered())
	}
}

func TestSinkVolume(t *testing.T) {
	s := New(Config{BufferBytes: 64, Volume: 50, Tick: time.Hour})
	s.Start()
	defer s.Stop()

	s.Write(PCM16([]int16{1000, -1000, 32767}))
	s.mu.Lock()
	got := PCM16(nil)
	for i := 0; i < 3; i++ {
		got = append(got, s.ring[i*2], s.ring[i*2+1])
	}
	s.mu.Unlock()

	want := PCM16([]int16{500, -500, 16383})
	if !bytes.Equal(got, want) {
		t.Errorf("scaled = %v, expected %v", got, want)
	}

	s.SetVolume(120)
	if s.Volume() != 100 {
		t.Errorf("Volume = %d, expected clamp to 100", s.Volume())
	}
}

func TestSinkPauseHoldsData(t *testing.T) {
	out := &syncBuffer{}
	s := New(Config{SampleRate: 8000, Volume: 100, Output: out, Tick: 2 * time.Millisecond})
	s.Start()
	defer s.Stop()

	s.Pause()
	if s.State() != StatePaused {
		t.Fatalf("state = %s", s.State())
	}
	s.Write(make([]byte, 100))
	time.Sleep(20 * time.Millisecond)
	if len(out.Bytes()) != 0 {
		t.Fatal("paused sink drained data")
	}

	s.Resume()
	waitFor(t, func() bool { return len(out.Bytes()) == 100 })
}

func TestSinkStopDiscards(t *testing.T) {
	s := New(Config{BufferBytes: 64, Tick: time.Hour})
	s.Start()
	s.Start()
	s.Write(make([]byte, 32))
	s.Stop()
	s.Stop()
	if s.State() != StateStopped || s.Buffered() != 0 {
		t.Errorf("state=%s buffered=%d", s.State(), s.Buffered())
	}

	// A stopped sink can be started again.
	s.Start()
	defer s.Stop()
	if n, err := s.Write(make([]byte, 8)); n != 8 || err != nil {
		t.Errorf("Write after restart = %d, %v", n, err)
	}
}
