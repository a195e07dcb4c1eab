package avi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWriterCreateFile(t *testing.T) {
	// Test creating file in non-existent directory
	if _, err := CreateFile("/nonexistent/path/test.avi"); err == nil {
		t.Error("Expected error when creating file in non-existent directory")
	}

	path := filepath.Join(t.TempDir(), "out.avi")
	w, err := CreateFile(path)
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	if _, err := w.AddStream(Codec{Name: "TEST", FourCC: TagMJPG, Type: StreamTypeVideo, Width: 640, Height: 480, FPS: 30}); err != nil {
		t.Fatalf("AddStream: %v", err)
	}
	if err := w.WritePacket(Packet{StreamIndex: 0, Data: make([]byte, 100), Keyframe: true}); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer s.Close()
	if s.Video().Width != 640 || s.Video().Height != 480 {
		t.Errorf("unexpected video info %+v", s.Video())
	}
	if s.MainHeader().FrameIntervalUS != 33333 {
		t.Errorf("FrameIntervalUS = %d, expected 33333", s.MainHeader().FrameIntervalUS)
	}
}

func TestWriterAddStream(t *testing.T) {
	w := NewWriter(NewSeekableBuffer())

	tests := []struct {
		codec Codec
		index int
	}{
		{Codec{Type: StreamTypeVideo, Width: 320, Height: 240, FPS: 25}, 0},
		{Codec{Type: StreamTypeAudio, Channels: 2, SampleRate: 44100, BitDepth: 16}, 1},
	}
	for _, tt := range tests {
		index, err := w.AddStream(tt.codec)
		if err != nil {
			t.Fatalf("AddStream(%s): %v", tt.codec.Type, err)
		}
		if index != tt.index {
			t.Errorf("AddStream(%s) = %d, expected %d", tt.codec.Type, index, tt.index)
		}
	}
	if len(w.Streams()) != 2 {
		t.Errorf("Streams() has %d entries, expected 2", len(w.Streams()))
	}

	if err := w.WritePacket(Packet{StreamIndex: 0, Data: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.AddStream(Codec{Type: StreamTypeVideo}); err == nil {
		t.Error("expected error adding a stream after packets")
	}
}

func TestWriterWritePacket(t *testing.T) {
	w := NewWriter(NewSeekableBuffer())
	w.AddStream(Codec{Type: StreamTypeVideo, Width: 16, Height: 16, FPS: 10})

	if err := w.WritePacket(Packet{StreamIndex: 3, Data: []byte{1}}); err == nil {
		t.Error("expected error for invalid stream index")
	}
	if err := w.WriteChunk(TagLIST, nil); err == nil {
		t.Error("expected error for LIST chunk")
	}
	if err := w.AddJunk(-1); err == nil {
		t.Error("expected error for negative junk size")
	}
	if err := w.WritePacket(Packet{Junk: true, Data: []byte{0, 0, 0}}); err != nil {
		t.Errorf("junk packet: %v", err)
	}
}

func TestWriterLayout(t *testing.T) {
	buf := NewSeekableBuffer()
	w := NewWriter(buf)
	w.AddStream(Codec{Name: "v", FourCC: TagMJPG, Type: StreamTypeVideo, Width: 16, Height: 16, FPS: 10})
	w.AddStream(Codec{Type: StreamTypeAudio, Channels: 1, SampleRate: 8000, BitDepth: 8})

	w.WritePacket(Packet{StreamIndex: 0, Data: []byte{1, 2, 3}, Keyframe: true})
	w.WritePacket(Packet{StreamIndex: 1, Data: []byte{9, 9}})
	w.AddJunk(5)
	w.WritePacket(Packet{StreamIndex: 0, Data: []byte{4, 5}, Uncompressed: true})
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := w.Finalize(); err == nil {
		t.Error("second Finalize should fail")
	}

	data := buf.Bytes()
	if binary.LittleEndian.Uint32(data[0:4]) != TagRIFF || binary.LittleEndian.Uint32(data[8:12]) != TagAVI {
		t.Fatal("missing RIFF/AVI magic")
	}
	if size := binary.LittleEndian.Uint32(data[4:8]); int(size)+8 != len(data) {
		t.Errorf("RIFF size %d does not match file length %d", size, len(data))
	}
	if len(data)%2 != 0 {
		t.Errorf("file length %d is not word aligned", len(data))
	}

	// The audio format is written with its cbSize field.
	strf := bytes.Index(data, le32(TagSTRF))
	strf = strf + 4 + bytes.Index(data[strf+4:], le32(TagSTRF))
	if size := binary.LittleEndian.Uint32(data[strf+4 : strf+8]); size != waveFormatSize {
		t.Errorf("audio strf size = %d, expected %d", size, waveFormatSize)
	}

	idx := bytes.Index(data, le32(TagIDX1))
	if idx < 0 {
		t.Fatal("idx1 not written")
	}
	if size := binary.LittleEndian.Uint32(data[idx+4 : idx+8]); size != 3*16 {
		t.Errorf("idx1 size = %d, expected 48", size)
	}

	s := openClip(t, data)
	defer s.Close()
	if s.TotalFrames() != 2 {
		t.Errorf("TotalFrames = %d, expected 2", s.TotalFrames())
	}
	frames := readAllFrames(t, s)
	if len(frames) != 2 || !bytes.Equal(frames[0], []byte{1, 2, 3}) || !bytes.Equal(frames[1], []byte{4, 5}) {
		t.Errorf("unexpected frames %v", frames)
	}
}

func TestWriterNoIndex(t *testing.T) {
	buf := NewSeekableBuffer()
	w := NewWriter(buf)
	w.NoIndex = true
	w.AddStream(Codec{Type: StreamTypeVideo, Width: 8, Height: 8})
	w.WritePacket(Packet{StreamIndex: 0, Data: []byte{1, 2}})
	if err := w.Finalize(); err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(buf.Bytes(), le32(TagIDX1)) {
		t.Error("idx1 written despite NoIndex")
	}
	if _, err := Open(NewSeekableBufferFrom(buf.Bytes())); err != nil {
		t.Errorf("Open without index: %v", err)
	}
}

func TestWriterFullWorkflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.avi")
	w, err := CreateFile(path)
	if err != nil {
		t.Fatal(err)
	}
	w.AddStream(Codec{FourCC: TagMJPG, Type: StreamTypeVideo, Width: 64, Height: 48, FPS: 15})
	w.AddStream(Codec{Type: StreamTypeAudio, Channels: 1, SampleRate: 22050, BitDepth: 16})
	for i := 0; i < 30; i++ {
		w.WritePacket(Packet{StreamIndex: 0, Data: frameData(i, 200+i), Keyframe: true})
		w.WritePacket(Packet{StreamIndex: 1, Data: frameData(i, 2940)})
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("wrote %d bytes", info.Size())

	s, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if d := s.MainHeader().Duration(); d.Seconds() < 1.99 || d.Seconds() > 2.01 {
		t.Errorf("Duration = %v, expected ~2s", d)
	}
	if err := s.Seek(29); err != nil {
		t.Fatalf("Seek(29): %v", err)
	}
	f, err := s.ReadNextVideoFrame()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(f.Data, frameData(29, 229)) {
		t.Error("last frame content mismatch")
	}
	if _, err := s.ReadNextVideoFrame(); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("expected ErrEndOfStream, got %v", err)
	}
}

func TestSeekableBuffer(t *testing.T) {
	sb := NewSeekableBuffer()

	if _, err := sb.Write([]byte("Hello ")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if pos, _ := sb.Seek(0, 2); pos != 6 {
		t.Errorf("Seek(end) = %d, expected 6", pos)
	}
	sb.Write([]byte("World!"))
	if string(sb.Bytes()) != "Hello World!" {
		t.Errorf("Buffer contains %q", sb.Bytes())
	}

	sb.Seek(6, 0)
	sb.Write([]byte("Go"))
	if string(sb.Bytes()) != "Hello Gorld!" {
		t.Errorf("Buffer contains %q after overwrite", sb.Bytes())
	}

	sb.Seek(0, 0)
	p := make([]byte, 5)
	if n, err := sb.Read(p); n != 5 || err != nil || string(p) != "Hello" {
		t.Errorf("Read = %d, %v, %q", n, err, p)
	}

	// Seeking past the end zero-fills on write
	sb.Seek(14, 0)
	sb.Write([]byte("x"))
	if sb.Len() != 15 || sb.Bytes()[12] != 0 {
		t.Errorf("gap not zero-filled: %q", sb.Bytes())
	}

	if _, err := sb.Seek(-1, 0); err == nil {
		t.Error("expected error seeking before start")
	}

	sb.Truncate(5)
	if string(sb.Bytes()) != "Hello" {
		t.Errorf("Truncate left %q", sb.Bytes())
	}
	sb.Reset()
	if sb.Len() != 0 {
		t.Errorf("Len after Reset = %d", sb.Len())
	}
}
