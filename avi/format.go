package avi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Four-character codes as they appear on disk, read as little-endian uint32.
const (
	TagRIFF uint32 = 'R' | 'I'<<8 | 'F'<<16 | 'F'<<24
	TagAVI  uint32 = 'A' | 'V'<<8 | 'I'<<16 | ' '<<24
	TagLIST uint32 = 'L' | 'I'<<8 | 'S'<<16 | 'T'<<24
	TagJUNK uint32 = 'J' | 'U'<<8 | 'N'<<16 | 'K'<<24

	// List types
	TagHDRL uint32 = 'h' | 'd'<<8 | 'r'<<16 | 'l'<<24
	TagSTRL uint32 = 's' | 't'<<8 | 'r'<<16 | 'l'<<24
	TagMOVI uint32 = 'm' | 'o'<<8 | 'v'<<16 | 'i'<<24
	TagREC  uint32 = 'r' | 'e'<<8 | 'c'<<16 | ' '<<24

	// Chunk types
	TagAVIH uint32 = 'a' | 'v'<<8 | 'i'<<16 | 'h'<<24
	TagSTRH uint32 = 's' | 't'<<8 | 'r'<<16 | 'h'<<24
	TagSTRF uint32 = 's' | 't'<<8 | 'r'<<16 | 'f'<<24
	TagSTRN uint32 = 's' | 't'<<8 | 'r'<<16 | 'n'<<24
	TagIDX1 uint32 = 'i' | 'd'<<8 | 'x'<<16 | '1'<<24

	// Stream types
	TagVIDS uint32 = 'v' | 'i'<<8 | 'd'<<16 | 's'<<24
	TagAUDS uint32 = 'a' | 'u'<<8 | 'd'<<16 | 's'<<24

	// Video codecs
	TagMJPG uint32 = 'M' | 'J'<<8 | 'P'<<16 | 'G'<<24
)

// Two-character data chunk suffixes (bytes 2..3 of a stream data tag).
const (
	suffixCompressed   uint16 = 'd' | 'c'<<8
	suffixUncompressed uint16 = 'd' | 'b'<<8
	suffixAudio        uint16 = 'w' | 'b'<<8
)

const (
	chunkHeaderSize = 8
	mainHeaderSize  = 56
	streamHdrSize   = 56
	bitmapInfoSize  = 40
	waveFormatSize  = 18

	// DefaultMaxDepth bounds LIST nesting while walking the header region.
	DefaultMaxDepth = 16

	// DefaultMaxFrameSize is the largest data chunk the parser will buffer.
	DefaultMaxFrameSize = 4 << 20
)

// ChunkHeader is the tag/size pair that prefixes every chunk.
type ChunkHeader struct {
	ID   uint32
	Size uint32
}

// AVIMainHeader is the on-disk layout of the avih chunk.
type AVIMainHeader struct {
	MicroSecPerFrame    uint32
	MaxBytesPerSec      uint32
	PaddingGranularity  uint32
	Flags               uint32
	TotalFrames         uint32
	InitialFrames       uint32
	Streams             uint32
	SuggestedBufferSize uint32
	Width               uint32
	Height              uint32
	Reserved            [4]uint32
}

// AVIStreamHeader is the on-disk layout of the strh chunk.
type AVIStreamHeader struct {
	Type                uint32
	Handler             uint32
	Flags               uint32
	Priority            uint16
	Language            uint16
	InitialFrames       uint32
	Scale               uint32
	Rate                uint32
	Start               uint32
	Length              uint32
	SuggestedBufferSize uint32
	Quality             uint32
	SampleSize          uint32
	Frame               struct {
		Left   uint16
		Top    uint16
		Right  uint16
		Bottom uint16
	}
}

// BitmapInfoHeader is the video strf payload.
type BitmapInfoHeader struct {
	Size          uint32
	Width         int32
	Height        int32
	Planes        uint16
	BitCount      uint16
	Compression   uint32
	SizeImage     uint32
	XPelsPerMeter int32
	YPelsPerMeter int32
	ClrUsed       uint32
	ClrImportant  uint32
}

// WaveFormatEx is the audio strf payload.
type WaveFormatEx struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	Size           uint16
}

// IndexEntry is one idx1 record.
type IndexEntry struct {
	ChunkID uint32
	Flags   uint32
	Offset  uint32
	Size    uint32
}

// FourCC packs a four character string into its on-disk uint32 form.
func FourCC(s string) uint32 {
	var b [4]byte
	copy(b[:], s)
	return binary.LittleEndian.Uint32(b[:])
}

// FourCCString renders a tag for logs and tool output.
func FourCCString(v uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	for i, c := range b {
		if c < 32 || c > 126 {
			b[i] = '.'
		}
	}
	return string(b[:])
}

// MakeChunkID builds a stream data tag such as 00dc or 01wb.
func MakeChunkID(streamIndex int, twoCC string) uint32 {
	var id [4]byte
	id[0] = byte('0' + (streamIndex/10)%10)
	id[1] = byte('0' + streamIndex%10)
	id[2] = twoCC[0]
	id[3] = twoCC[1]
	return binary.LittleEndian.Uint32(id[:])
}

// streamPrefix returns the low 16 bits a data tag carries for streamIndex.
func streamPrefix(streamIndex int) uint16 {
	return uint16('0'+(streamIndex/10)%10) | uint16('0'+streamIndex%10)<<8
}

func splitTag(id uint32) (prefix, suffix uint16) {
	return uint16(id), uint16(id >> 16)
}

// AlignSize rounds a chunk size up to the next word boundary.
func AlignSize(size uint32) uint32 {
	return (size + 1) &^ 1
}

// padded is the number of bytes a chunk body occupies including its pad byte.
func padded(size uint32) int64 {
	return int64(size) + int64(size&1)
}

var (
	// ErrFormat reports a bad magic, an unparsable header or a chunk that
	// overruns its parent.
	ErrFormat = errors.New("invalid container format")
	// ErrNotFound reports a container with no data list before end of file.
	ErrNotFound = errors.New("data list not found")
	// ErrEndOfStream is returned once the data region holds no more
	// chunks of the requested kind.
	ErrEndOfStream = errors.New("end of stream")
	// ErrShortRead reports a chunk whose declared size runs past the data.
	ErrShortRead = errors.New("short read")
	// ErrSeekRange reports a seek target at or past the end of the stream.
	ErrSeekRange = errors.New("seek target out of range")
	// ErrClosed is returned by reads on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrAlloc reports a data chunk larger than the frame buffer budget.
	ErrAlloc = errors.New("frame buffer allocation failed")
	// ErrNestingDepth reports LIST nesting past the configured bound. It
	// also matches ErrFormat.
	ErrNestingDepth = fmt.Errorf("%w: list nesting too deep", ErrFormat)
)

// AVIError records the operation that failed.
type AVIError struct {
	Op  string
	Err error
}

func (e *AVIError) Error() string {
	return fmt.Sprintf("avi: %s: %v", e.Op, e.Err)
}

func (e *AVIError) Unwrap() error {
	return e.Err
}

func opErr(op string, err error) error {
	return &AVIError{Op: op, Err: err}
}
