package avi

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type clipOptions struct {
	frames    int
	fps       float64
	audio     bool
	audioSize int
	junkSize  int // filler chunk after every frame when > 0
	frameSize func(i int) int
}

func frameData(i, size int) []byte {
	data := make([]byte, size)
	for j := range data {
		data[j] = byte(i*31 + j)
	}
	return data
}

func buildClip(t *testing.T, opts clipOptions) []byte {
	t.Helper()

	buf := NewSeekableBuffer()
	w := NewWriter(buf)

	video, err := w.AddStream(Codec{Name: "video", FourCC: TagMJPG, Type: StreamTypeVideo, Width: 32, Height: 24, FPS: opts.fps})
	if err != nil {
		t.Fatalf("AddStream video: %v", err)
	}
	audio := -1
	if opts.audio {
		audio, err = w.AddStream(Codec{Name: "audio", Type: StreamTypeAudio, Channels: 1, SampleRate: 8000, BitDepth: 16})
		if err != nil {
			t.Fatalf("AddStream audio: %v", err)
		}
	}

	for i := 0; i < opts.frames; i++ {
		size := 64
		if opts.frameSize != nil {
			size = opts.frameSize(i)
		}
		if err := w.WritePacket(Packet{StreamIndex: video, Data: frameData(i, size), Keyframe: true}); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
		if audio >= 0 {
			if err := w.WritePacket(Packet{StreamIndex: audio, Data: frameData(100+i, opts.audioSize)}); err != nil {
				t.Fatalf("WritePacket audio: %v", err)
			}
		}
		if opts.junkSize > 0 {
			if err := w.AddJunk(opts.junkSize); err != nil {
				t.Fatalf("AddJunk: %v", err)
			}
		}
	}

	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return buf.Bytes()
}

func openClip(t *testing.T, data []byte, opts ...Option) *Session {
	t.Helper()
	s, err := Open(NewSeekableBufferFrom(data), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func readAllFrames(t *testing.T, s *Session) [][]byte {
	t.Helper()
	var frames [][]byte
	for {
		f, err := s.ReadNextVideoFrame()
		if errors.Is(err, ErrEndOfStream) {
			return frames
		}
		if err != nil {
			t.Fatalf("ReadNextVideoFrame: %v", err)
		}
		frames = append(frames, f.Data)
	}
}

// rawChunkBytes and rawList build containers the Writer refuses to produce.
func rawChunkBytes(id uint32, body []byte) []byte {
	var b bytes.Buffer
	writeChunk(&b, id, body)
	return b.Bytes()
}

func rawList(kind uint32, children ...[]byte) []byte {
	body := le32(kind)
	for _, c := range children {
		body = append(body, c...)
	}
	return rawChunkBytes(TagLIST, body)
}

func rawRIFF(children ...[]byte) []byte {
	body := le32(TagAVI)
	for _, c := range children {
		body = append(body, c...)
	}
	return rawChunkBytes(TagRIFF, body)
}

func TestOpenParsesHeaders(t *testing.T) {
	data := buildClip(t, clipOptions{frames: 3, fps: 15, audio: true, audioSize: 40})
	s := openClip(t, data)
	defer s.Close()

	main := s.MainHeader()
	if main.FrameIntervalUS != 66667 {
		t.Errorf("FrameIntervalUS = %d, expected 66667", main.FrameIntervalUS)
	}
	if main.TotalFrames != 3 {
		t.Errorf("TotalFrames = %d, expected 3", main.TotalFrames)
	}
	if main.StreamCount != 2 {
		t.Errorf("StreamCount = %d, expected 2", main.StreamCount)
	}

	video := s.Video()
	if !video.Found || video.Width != 32 || video.Height != 24 || video.Codec != TagMJPG || video.StreamIndex != 0 {
		t.Errorf("unexpected video info %+v", video)
	}
	audio := s.Audio()
	if !audio.Found || audio.SampleRate != 8000 || audio.Channels != 1 || audio.BitsPerSample != 16 || audio.StreamIndex != 1 {
		t.Errorf("unexpected audio info %+v", audio)
	}
	if audio.AvgBytesPerSec != 16000 || audio.BlockAlign != 2 {
		t.Errorf("unexpected audio rates %+v", audio)
	}

	if s.DataOffset() <= 0 || s.DataSize() <= 0 {
		t.Errorf("data region not located: offset=%d size=%d", s.DataOffset(), s.DataSize())
	}
	if got := s.FPS(); got < 14.99 || got > 15.01 {
		t.Errorf("FPS() = %f, expected ~15", got)
	}
}

func TestReadNextVideoFrameSequential(t *testing.T) {
	const n = 7
	data := buildClip(t, clipOptions{frames: n, fps: 15})
	s := openClip(t, data)
	defer s.Close()

	for i := 0; i < n; i++ {
		f, err := s.ReadNextVideoFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.Index != i {
			t.Errorf("frame index = %d, expected %d", f.Index, i)
		}
		if !bytes.Equal(f.Data, frameData(i, 64)) {
			t.Errorf("frame %d content mismatch", i)
		}
		if f.TimestampMS != int64(i)*66667/1000 {
			t.Errorf("frame %d timestamp = %d", i, f.TimestampMS)
		}
		f.Release()
		f.Release()
		if f.Data != nil {
			t.Error("Release should drop the buffer")
		}
	}

	for i := 0; i < 2; i++ {
		if _, err := s.ReadNextVideoFrame(); !errors.Is(err, ErrEndOfStream) {
			t.Errorf("expected ErrEndOfStream after last frame, got %v", err)
		}
	}
	if s.CurrentFrame() != n {
		t.Errorf("CurrentFrame = %d, expected %d", s.CurrentFrame(), n)
	}
}

func TestOddSizedChunksKeepAlignment(t *testing.T) {
	even := buildClip(t, clipOptions{frames: 6, fps: 15, junkSize: 4})
	odd := buildClip(t, clipOptions{frames: 6, fps: 15, junkSize: 3})
	oddFrames := buildClip(t, clipOptions{frames: 6, fps: 15, junkSize: 5, frameSize: func(i int) int { return 63 + i }})

	s1 := openClip(t, even)
	defer s1.Close()
	s2 := openClip(t, odd)
	defer s2.Close()

	a := readAllFrames(t, s1)
	b := readAllFrames(t, s2)
	if len(a) != 6 || len(b) != 6 {
		t.Fatalf("frame counts %d and %d, expected 6", len(a), len(b))
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			t.Errorf("frame %d differs between even and odd filler", i)
		}
	}

	s3 := openClip(t, oddFrames)
	defer s3.Close()
	c := readAllFrames(t, s3)
	if len(c) != 6 {
		t.Fatalf("odd frame sizes: got %d frames, expected 6", len(c))
	}
	for i := range c {
		if !bytes.Equal(c[i], frameData(i, 63+i)) {
			t.Errorf("odd-sized frame %d content mismatch", i)
		}
	}
}

func TestSeekMatchesForwardRead(t *testing.T) {
	const n = 8
	data := buildClip(t, clipOptions{frames: n, fps: 15, audio: true, audioSize: 33, junkSize: 1})

	for k := 0; k < n; k++ {
		forward := openClip(t, data)
		var want []byte
		for i := 0; i <= k; i++ {
			f, err := forward.ReadNextVideoFrame()
			if err != nil {
				t.Fatalf("forward read %d: %v", i, err)
			}
			want = f.Data
		}
		forward.Close()

		seeker := openClip(t, data)
		// Read a few frames first so Seek has to rescan.
		seeker.ReadNextVideoFrame()
		seeker.ReadNextVideoFrame()
		if err := seeker.Seek(k); err != nil {
			t.Fatalf("Seek(%d): %v", k, err)
		}
		if seeker.CurrentFrame() != k {
			t.Errorf("CurrentFrame after Seek(%d) = %d", k, seeker.CurrentFrame())
		}
		got, err := seeker.ReadNextVideoFrame()
		if err != nil {
			t.Fatalf("read after Seek(%d): %v", k, err)
		}
		if got.Index != k || !bytes.Equal(got.Data, want) {
			t.Errorf("Seek(%d) returned frame %d with different bytes", k, got.Index)
		}
		seeker.Close()
	}
}

func TestSeekOutOfRange(t *testing.T) {
	data := buildClip(t, clipOptions{frames: 4, fps: 15})
	s := openClip(t, data)
	defer s.Close()

	for _, target := range []int{4, 10, -1} {
		if err := s.Seek(target); !errors.Is(err, ErrSeekRange) {
			t.Errorf("Seek(%d) = %v, expected ErrSeekRange", target, err)
		}
		if s.CurrentFrame() != 0 {
			t.Errorf("CurrentFrame after failed seek = %d, expected 0", s.CurrentFrame())
		}
	}

	// A failed seek leaves the session usable from the start of data.
	f, err := s.ReadNextVideoFrame()
	if err != nil {
		t.Fatalf("read after failed seek: %v", err)
	}
	if f.Index != 0 || !bytes.Equal(f.Data, frameData(0, 64)) {
		t.Errorf("expected frame 0 after failed seek, got %d", f.Index)
	}
}

func TestOpenTruncatedBeforeData(t *testing.T) {
	dir := t.TempDir()
	data := buildClip(t, clipOptions{frames: 5, fps: 15})

	s := openClip(t, data)
	cut := int(s.DataOffset()) - 16
	s.Close()

	truncated := filepath.Join(dir, "truncated.avi")
	if err := os.WriteFile(truncated, data[:cut], 0o644); err != nil {
		t.Fatal(err)
	}
	valid := filepath.Join(dir, "valid.avi")
	if err := os.WriteFile(valid, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := OpenFile(truncated)
	if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrFormat) {
		t.Fatalf("OpenFile(truncated) = %v, expected ErrNotFound or ErrFormat", err)
	}
	var aviErr *AVIError
	if !errors.As(err, &aviErr) {
		t.Errorf("expected *AVIError, got %T", err)
	}

	s, err = OpenFile(valid)
	if err != nil {
		t.Fatalf("OpenFile(valid) after failure: %v", err)
	}
	defer s.Close()
	if s.Path() != valid {
		t.Errorf("Path() = %q, expected %q", s.Path(), valid)
	}
	if frames := readAllFrames(t, s); len(frames) != 5 {
		t.Errorf("got %d frames, expected 5", len(frames))
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte("RIFF")},
		{"not riff", rawChunkBytes(FourCC("RIFX"), le32(TagAVI))},
		{"not avi", rawChunkBytes(TagRIFF, le32(FourCC("WAVE")))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(NewSeekableBufferFrom(tt.data))
			if !errors.Is(err, ErrFormat) {
				t.Errorf("Open = %v, expected ErrFormat", err)
			}
		})
	}
}

func TestOpenWithoutDataList(t *testing.T) {
	data := rawRIFF(rawList(TagHDRL, rawChunkBytes(TagAVIH, make([]byte, 56))))
	if _, err := Open(NewSeekableBufferFrom(data)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open = %v, expected ErrNotFound", err)
	}
}

func TestOpenChunkOverrunsList(t *testing.T) {
	// avih claims more bytes than the hdrl list holds.
	avih := rawChunkBytes(TagAVIH, make([]byte, 56))
	avih[4] = 200
	data := rawRIFF(rawList(TagHDRL, avih), rawList(TagMOVI))
	if _, err := Open(NewSeekableBufferFrom(data)); !errors.Is(err, ErrFormat) {
		t.Errorf("Open = %v, expected ErrFormat", err)
	}
}

func TestNestingDepthBound(t *testing.T) {
	frame := rawChunkBytes(MakeChunkID(0, "dc"), []byte{1, 2, 3})
	nested := rawList(TagMOVI, frame)
	for i := 0; i < 20; i++ {
		nested = rawList(FourCC("nest"), nested)
	}
	data := rawRIFF(nested)

	_, err := Open(NewSeekableBufferFrom(data))
	if !errors.Is(err, ErrNestingDepth) {
		t.Fatalf("Open = %v, expected ErrNestingDepth", err)
	}
	if !errors.Is(err, ErrFormat) {
		t.Errorf("nesting error should also match ErrFormat")
	}

	s := openClip(t, data, WithMaxDepth(32))
	defer s.Close()
	f, err := s.ReadNextVideoFrame()
	if err != nil {
		t.Fatalf("ReadNextVideoFrame: %v", err)
	}
	if !bytes.Equal(f.Data, []byte{1, 2, 3}) {
		t.Errorf("frame = %v", f.Data)
	}
}

func TestRecListsAreTransparent(t *testing.T) {
	dc := MakeChunkID(0, "dc")
	movi := rawList(TagMOVI,
		rawList(TagREC, rawChunkBytes(dc, []byte("a")), rawChunkBytes(MakeChunkID(1, "wb"), []byte("xx"))),
		rawList(TagREC, rawChunkBytes(dc, []byte("bb"))),
		rawList(FourCC("junk"), rawChunkBytes(dc, []byte("skipped"))),
		rawChunkBytes(MakeChunkID(0, "db"), []byte("ccc")),
	)
	s := openClip(t, rawRIFF(movi))
	defer s.Close()

	frames := readAllFrames(t, s)
	want := []string{"a", "bb", "ccc"}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, expected %d", len(frames), len(want))
	}
	for i := range want {
		if string(frames[i]) != want[i] {
			t.Errorf("frame %d = %q, expected %q", i, frames[i], want[i])
		}
	}
}

func TestSecondaryStreamsSkipped(t *testing.T) {
	buf := NewSeekableBuffer()
	w := NewWriter(buf)
	w.AddStream(Codec{FourCC: TagMJPG, Type: StreamTypeVideo, Width: 8, Height: 8, FPS: 10})
	w.AddStream(Codec{FourCC: TagMJPG, Type: StreamTypeVideo, Width: 8, Height: 8, FPS: 10})
	for i := 0; i < 3; i++ {
		w.WritePacket(Packet{StreamIndex: 1, Data: []byte("other")})
		w.WritePacket(Packet{StreamIndex: 0, Data: frameData(i, 10)})
	}
	if err := w.Finalize(); err != nil {
		t.Fatal(err)
	}

	s := openClip(t, buf.Bytes())
	defer s.Close()
	frames := readAllFrames(t, s)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, expected 3", len(frames))
	}
	for i, f := range frames {
		if !bytes.Equal(f, frameData(i, 10)) {
			t.Errorf("frame %d came from the wrong stream", i)
		}
	}
}

func TestReadNextAudioChunk(t *testing.T) {
	data := buildClip(t, clipOptions{frames: 3, fps: 15, audio: true, audioSize: 101})
	s := openClip(t, data)
	defer s.Close()

	buf := make([]byte, 40)
	for i := 0; i < 3; i++ {
		n, err := s.ReadNextAudioChunk(buf)
		if err != nil {
			t.Fatalf("audio chunk %d: %v", i, err)
		}
		if n != 40 {
			t.Errorf("audio chunk %d: read %d bytes, expected 40", i, n)
		}
		if !bytes.Equal(buf[:n], frameData(100+i, 101)[:40]) {
			t.Errorf("audio chunk %d content mismatch", i)
		}
	}
	if _, err := s.ReadNextAudioChunk(buf); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("expected ErrEndOfStream, got %v", err)
	}

	// Audio reads on a video-only clip find nothing.
	v := openClip(t, buildClip(t, clipOptions{frames: 2, fps: 15}))
	defer v.Close()
	if _, err := v.ReadNextAudioChunk(buf); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("video-only clip: expected ErrEndOfStream, got %v", err)
	}
}

func TestTruncatedFrameIsShortRead(t *testing.T) {
	data := buildClip(t, clipOptions{frames: 4, fps: 15})
	s := openClip(t, data)
	end := s.DataOffset() + s.DataSize()
	s.Close()

	// Cut into the body of the last frame; the declared movi size now runs
	// past the end of the file.
	truncated := data[:end-20]
	s = openClip(t, truncated)
	defer s.Close()

	for i := 0; i < 3; i++ {
		if _, err := s.ReadNextVideoFrame(); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if _, err := s.ReadNextVideoFrame(); !errors.Is(err, ErrShortRead) {
		t.Errorf("expected ErrShortRead, got %v", err)
	}
	if _, err := s.ReadNextVideoFrame(); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("expected ErrEndOfStream after short read, got %v", err)
	}
}

func TestMaxFrameSize(t *testing.T) {
	data := buildClip(t, clipOptions{frames: 2, fps: 15, frameSize: func(i int) int { return 100 * (i + 1) }})
	s := openClip(t, data, WithMaxFrameSize(150))
	defer s.Close()

	if _, err := s.ReadNextVideoFrame(); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if _, err := s.ReadNextVideoFrame(); !errors.Is(err, ErrAlloc) {
		t.Errorf("expected ErrAlloc, got %v", err)
	}
}

// flakySeeker fails every Seek once broken is set.
type flakySeeker struct {
	*SeekableBuffer
	broken bool
}

func (f *flakySeeker) Seek(offset int64, whence int) (int64, error) {
	if f.broken {
		return 0, errors.New("seek: device gone")
	}
	return f.SeekableBuffer.Seek(offset, whence)
}

func TestFailedSkipEndsDataRegion(t *testing.T) {
	data := buildClip(t, clipOptions{frames: 3, fps: 15, frameSize: func(i int) int { return 100 * (i + 1) }})
	r := &flakySeeker{SeekableBuffer: NewSeekableBufferFrom(data)}
	s, err := Open(r, WithMaxFrameSize(150))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.ReadNextVideoFrame(); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	r.broken = true
	if _, err := s.ReadNextVideoFrame(); !errors.Is(err, ErrAlloc) {
		t.Fatalf("expected ErrAlloc, got %v", err)
	}
	// The oversized body could not be skipped, so nothing after it is trusted.
	if _, err := s.ReadNextVideoFrame(); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("expected ErrEndOfStream, got %v", err)
	}
}

func TestReadNextChunk(t *testing.T) {
	data := buildClip(t, clipOptions{frames: 2, fps: 15, audio: true, audioSize: 8, junkSize: 3})
	s := openClip(t, data)
	defer s.Close()

	var ids []string
	for {
		c, err := s.ReadNextChunk()
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatalf("ReadNextChunk: %v", err)
		}
		ids = append(ids, FourCCString(c.ID))
	}

	want := []string{"00dc", "01wb", "JUNK", "00dc", "01wb", "JUNK"}
	if len(ids) != len(want) {
		t.Fatalf("chunks = %v, expected %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("chunk %d = %s, expected %s", i, ids[i], want[i])
		}
	}
	if s.CurrentFrame() != 2 {
		t.Errorf("CurrentFrame = %d, expected 2", s.CurrentFrame())
	}
}

func TestUndeclaredFrameRate(t *testing.T) {
	s := openClip(t, buildClip(t, clipOptions{frames: 1}))
	defer s.Close()
	if s.FPS() != 0 {
		t.Errorf("FPS() = %f, expected 0 when undeclared", s.FPS())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.avi")
	if err := os.WriteFile(path, buildClip(t, clipOptions{frames: 2, fps: 15}), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := s.ReadNextVideoFrame(); !errors.Is(err, ErrClosed) {
		t.Errorf("read after close = %v, expected ErrClosed", err)
	}
	if err := s.Seek(0); !errors.Is(err, ErrClosed) {
		t.Errorf("seek after close = %v, expected ErrClosed", err)
	}
}
