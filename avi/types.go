package avi

import (
	"io"
	"log/slog"
	"time"
)

// StreamType represents the type of media stream
type StreamType string

const (
	StreamTypeVideo StreamType = "video"
	StreamTypeAudio StreamType = "audio"
)

// MainHeader holds the fields of the avih chunk the player relies on.
type MainHeader struct {
	FrameIntervalUS uint32
	TotalFrames     uint32
	StreamCount     uint32
	Width           uint32
	Height          uint32
}

// VideoStreamInfo describes the primary video stream.
type VideoStreamInfo struct {
	Width    int
	Height   int
	BitDepth int
	Codec    uint32
	Found    bool

	// StreamIndex is the ordinal of the stream list the info came from.
	StreamIndex int
}

// AudioStreamInfo describes the primary audio stream.
type AudioStreamInfo struct {
	FormatTag      uint16
	Channels       int
	SampleRate     int
	AvgBytesPerSec int
	BlockAlign     int
	BitsPerSample  int
	Found          bool

	StreamIndex int
}

// CompressedFrame is one video data chunk read from the data region.
// The caller owns Data until Release.
type CompressedFrame struct {
	Data        []byte
	Size        int
	Index       int
	TimestampMS int64
}

// Release drops the frame's buffer. Calling it more than once is harmless.
func (f *CompressedFrame) Release() {
	if f == nil {
		return
	}
	f.Data = nil
	f.Size = 0
}

// Chunk is a raw data-region chunk as returned by ReadNextChunk.
type Chunk struct {
	ID     uint32
	Data   []byte
	Offset int64
}

// Codec describes a stream added to a Writer
type Codec struct {
	Name       string
	FourCC     uint32
	Type       StreamType
	Width      int     // for video
	Height     int     // for video
	FPS        float64 // for video; 0 leaves the frame interval undeclared
	Channels   int     // for audio
	SampleRate int     // for audio
	BitDepth   int     // for audio
}

// Packet is one chunk queued on a Writer
type Packet struct {
	StreamIndex  int
	Data         []byte
	Keyframe     bool
	Uncompressed bool

	// Junk marks filler chunks; StreamIndex is ignored for them.
	Junk bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for parse diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMaxDepth bounds LIST nesting in the header region.
func WithMaxDepth(depth int) Option {
	return func(s *Session) {
		if depth > 0 {
			s.maxDepth = depth
		}
	}
}

// WithMaxFrameSize bounds the size of a single buffered data chunk.
func WithMaxFrameSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxFrameSize = n
		}
	}
}

// Session is an open container positioned inside its data region.
type Session struct {
	r      io.ReadSeeker
	closer io.Closer
	path   string
	log    *slog.Logger

	maxDepth     int
	maxFrameSize int

	main  MainHeader
	video VideoStreamInfo
	audio AudioStreamInfo

	dataOffset int64
	dataSize   int64
	dataEnd    int64

	pos    int64
	cursor int
	closed bool
}

// Duration returns the declared length of the clip, or 0 when unknown.
func (m MainHeader) Duration() time.Duration {
	return time.Duration(m.TotalFrames) * time.Duration(m.FrameIntervalUS) * time.Microsecond
}
