package avi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// listFrame is an open LIST on the header walk stack.
type listFrame struct {
	kind uint32
	end  int64 // end of the list body
	next int64 // offset of the chunk after the list, pad included
}

// Open parses the header region of the container read from r and leaves the
// session positioned at the first chunk of the data region.
func Open(r io.ReadSeeker, opts ...Option) (*Session, error) {
	s := &Session{
		r:            r,
		log:          slog.Default(),
		maxDepth:     DefaultMaxDepth,
		maxFrameSize: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "avi")

	if err := s.seekTo(0); err != nil {
		return nil, opErr("open", err)
	}
	if err := s.parseHeaders(); err != nil {
		return nil, err
	}

	s.log.Debug("container opened",
		"path", s.path,
		"frame_interval_us", s.main.FrameIntervalUS,
		"total_frames", s.main.TotalFrames,
		"video", s.video.Found,
		"audio", s.audio.Found,
		"data_offset", s.dataOffset,
		"data_size", s.dataSize)
	return s, nil
}

// OpenFile opens the container at path. The file is closed again when
// parsing fails.
func OpenFile(path string, opts ...Option) (*Session, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, opErr("open", err)
	}

	s, err := Open(file, append([]Option{func(s *Session) { s.path = path }}, opts...)...)
	if err != nil {
		file.Close()
		return nil, err
	}
	s.closer = file
	return s, nil
}

// parseHeaders validates the RIFF/AVI magic and walks chunks until the movi
// list is found.
func (s *Session) parseHeaders() error {
	var riff [12]byte
	if err := s.readFull(riff[:]); err != nil {
		return opErr("read riff header", fmt.Errorf("%w: %v", ErrFormat, err))
	}
	if binary.LittleEndian.Uint32(riff[0:4]) != TagRIFF {
		return opErr("validate riff", fmt.Errorf("%w: not a RIFF file", ErrFormat))
	}
	if binary.LittleEndian.Uint32(riff[8:12]) != TagAVI {
		return opErr("validate avi", fmt.Errorf("%w: not an AVI file", ErrFormat))
	}

	var (
		stack       []listFrame
		pendingKind uint32
		streamIndex = -1
	)

	for {
		// Close every list that has no room left for another chunk.
		for len(stack) > 0 && s.pos+chunkHeaderSize > stack[len(stack)-1].end {
			next := stack[len(stack)-1].next
			stack = stack[:len(stack)-1]
			if err := s.seekTo(next); err != nil {
				return opErr("parse headers", err)
			}
		}

		ch, err := s.readChunkHeader()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return opErr("parse headers", ErrNotFound)
			}
			return opErr("parse headers", err)
		}

		bodyStart := s.pos
		bodyEnd := bodyStart + int64(ch.Size)
		if len(stack) > 0 && bodyEnd > stack[len(stack)-1].end {
			return opErr("parse headers", fmt.Errorf("%w: chunk %s at %d overruns %s list",
				ErrFormat, FourCCString(ch.ID), bodyStart-chunkHeaderSize, FourCCString(stack[len(stack)-1].kind)))
		}

		if ch.ID == TagLIST {
			if ch.Size < 4 {
				return opErr("parse headers", fmt.Errorf("%w: LIST of size %d", ErrFormat, ch.Size))
			}
			var kind [4]byte
			if err := s.readFull(kind[:]); err != nil {
				return opErr("parse headers", ErrNotFound)
			}
			listType := binary.LittleEndian.Uint32(kind[:])

			if listType == TagMOVI {
				return s.enterData(bodyStart+4, int64(ch.Size)-4)
			}
			if len(stack)+1 > s.maxDepth {
				return opErr("parse headers", fmt.Errorf("%w (limit %d)", ErrNestingDepth, s.maxDepth))
			}
			if listType == TagSTRL {
				streamIndex++
				pendingKind = 0
			}
			stack = append(stack, listFrame{kind: listType, end: bodyEnd, next: bodyStart + padded(ch.Size)})
			continue
		}

		switch ch.ID {
		case TagAVIH:
			buf, err := s.readBody(ch.Size, mainHeaderSize)
			if err != nil {
				return err
			}
			s.main = MainHeader{
				FrameIntervalUS: binary.LittleEndian.Uint32(buf[0:4]),
				TotalFrames:     binary.LittleEndian.Uint32(buf[16:20]),
				StreamCount:     binary.LittleEndian.Uint32(buf[24:28]),
				Width:           binary.LittleEndian.Uint32(buf[32:36]),
				Height:          binary.LittleEndian.Uint32(buf[36:40]),
			}

		case TagSTRH:
			buf, err := s.readBody(ch.Size, streamHdrSize)
			if err != nil {
				return err
			}
			pendingKind = 0
			switch binary.LittleEndian.Uint32(buf[0:4]) {
			case TagVIDS:
				if !s.video.Found {
					pendingKind = TagVIDS
				}
			case TagAUDS:
				if !s.audio.Found {
					pendingKind = TagAUDS
				}
			}

		case TagSTRF:
			switch pendingKind {
			case TagVIDS:
				buf, err := s.readBody(ch.Size, bitmapInfoSize)
				if err != nil {
					return err
				}
				s.video = parseBitmapInfo(buf, max(streamIndex, 0))
			case TagAUDS:
				buf, err := s.readBody(ch.Size, waveFormatSize)
				if err != nil {
					return err
				}
				s.audio = parseWaveFormat(buf, max(streamIndex, 0))
			default:
				s.log.Debug("skipping stream format", "stream", streamIndex)
			}
			pendingKind = 0

		default:
			s.log.Debug("skipping chunk", "id", FourCCString(ch.ID), "size", ch.Size)
		}

		if err := s.seekTo(bodyStart + padded(ch.Size)); err != nil {
			return opErr("parse headers", err)
		}
	}
}

// enterData records the data region and positions the session at its start.
func (s *Session) enterData(offset, size int64) error {
	s.dataOffset = offset
	s.dataSize = size
	s.dataEnd = offset + size

	end, err := s.r.Seek(0, io.SeekEnd)
	if err != nil {
		return opErr("locate data", err)
	}
	if s.dataSize <= 0 || s.dataEnd > end {
		// Truncated or still-recording files declare the wrong size.
		s.dataEnd = end
		s.dataSize = end - offset
	}
	if err := s.seekTo(offset); err != nil {
		return opErr("locate data", err)
	}
	s.cursor = 0
	return nil
}

func parseBitmapInfo(buf []byte, streamIndex int) VideoStreamInfo {
	height := int32(binary.LittleEndian.Uint32(buf[8:12]))
	if height < 0 {
		height = -height
	}
	return VideoStreamInfo{
		Width:       int(int32(binary.LittleEndian.Uint32(buf[4:8]))),
		Height:      int(height),
		BitDepth:    int(binary.LittleEndian.Uint16(buf[14:16])),
		Codec:       binary.LittleEndian.Uint32(buf[16:20]),
		Found:       true,
		StreamIndex: streamIndex,
	}
}

func parseWaveFormat(buf []byte, streamIndex int) AudioStreamInfo {
	return AudioStreamInfo{
		FormatTag:      binary.LittleEndian.Uint16(buf[0:2]),
		Channels:       int(binary.LittleEndian.Uint16(buf[2:4])),
		SampleRate:     int(binary.LittleEndian.Uint32(buf[4:8])),
		AvgBytesPerSec: int(binary.LittleEndian.Uint32(buf[8:12])),
		BlockAlign:     int(binary.LittleEndian.Uint16(buf[12:14])),
		BitsPerSample:  int(binary.LittleEndian.Uint16(buf[14:16])),
		Found:          true,
		StreamIndex:    streamIndex,
	}
}

// ReadNextVideoFrame returns the next primary video chunk. Chunks of other
// streams are skipped without being buffered.
func (s *Session) ReadNextVideoFrame() (*CompressedFrame, error) {
	if s.closed {
		return nil, opErr("read frame", ErrClosed)
	}

	ch, err := s.findChunk(s.isVideoChunk)
	if err != nil {
		return nil, opErr("read frame", err)
	}

	data, err := s.readData(ch)
	if err != nil {
		return nil, opErr("read frame", err)
	}

	frame := &CompressedFrame{
		Data:        data,
		Size:        len(data),
		Index:       s.cursor,
		TimestampMS: int64(s.cursor) * int64(s.main.FrameIntervalUS) / 1000,
	}
	s.cursor++
	return frame, nil
}

// ReadNextAudioChunk copies the next primary audio chunk into buf. A chunk
// larger than buf is truncated and its remainder discarded.
func (s *Session) ReadNextAudioChunk(buf []byte) (int, error) {
	if s.closed {
		return 0, opErr("read audio", ErrClosed)
	}

	ch, err := s.findChunk(s.isAudioChunk)
	if err != nil {
		return 0, opErr("read audio", err)
	}

	bodyStart := s.pos
	if bodyStart+int64(ch.Size) > s.dataEnd {
		s.skipTo(s.dataEnd)
		return 0, opErr("read audio", ErrShortRead)
	}

	n := min(int(ch.Size), len(buf))
	if err := s.readFull(buf[:n]); err != nil {
		s.skipTo(s.dataEnd)
		return 0, opErr("read audio", fmt.Errorf("%w: %v", ErrShortRead, err))
	}
	if err := s.seekTo(bodyStart + padded(ch.Size)); err != nil {
		return n, opErr("read audio", err)
	}
	return n, nil
}

// ReadNextChunk returns the next data chunk of any stream.
func (s *Session) ReadNextChunk() (*Chunk, error) {
	if s.closed {
		return nil, opErr("read chunk", ErrClosed)
	}

	ch, err := s.findChunk(func(uint32) bool { return true })
	if err != nil {
		return nil, opErr("read chunk", err)
	}

	offset := s.pos - chunkHeaderSize
	data, err := s.readData(ch)
	if err != nil {
		return nil, opErr("read chunk", err)
	}
	if s.isVideoChunk(ch.ID) {
		s.cursor++
	}
	return &Chunk{ID: ch.ID, Data: data, Offset: offset}, nil
}

// Seek repositions the session so the next ReadNextVideoFrame returns frame
// target. The data region is rescanned from its start on every call. When
// target is at or past the last frame the session is left at the start of
// the data region.
func (s *Session) Seek(target int) error {
	if s.closed {
		return opErr("seek", ErrClosed)
	}
	if target < 0 {
		return opErr("seek", ErrSeekRange)
	}

	if err := s.Rewind(); err != nil {
		return err
	}

	fail := func(err error) error {
		s.Rewind()
		if errors.Is(err, ErrEndOfStream) {
			return opErr("seek", fmt.Errorf("%w: frame %d", ErrSeekRange, target))
		}
		return opErr("seek", fmt.Errorf("%w: %w", ErrSeekRange, err))
	}

	for s.cursor < target {
		ch, err := s.findChunk(s.isVideoChunk)
		if err != nil {
			return fail(err)
		}
		if s.pos+int64(ch.Size) > s.dataEnd {
			return fail(ErrShortRead)
		}
		if err := s.seekTo(s.pos + padded(ch.Size)); err != nil {
			return fail(err)
		}
		s.cursor++
	}

	// The target frame itself must exist.
	if _, err := s.findChunk(s.isVideoChunk); err != nil {
		return fail(err)
	}
	if err := s.seekTo(s.pos - chunkHeaderSize); err != nil {
		return fail(err)
	}
	return nil
}

// Rewind moves the session back to the first chunk of the data region.
func (s *Session) Rewind() error {
	if s.closed {
		return opErr("rewind", ErrClosed)
	}
	if err := s.seekTo(s.dataOffset); err != nil {
		return opErr("rewind", err)
	}
	s.cursor = 0
	return nil
}

// FPS is derived from the declared frame interval. It is 0 when the
// container does not declare one.
func (s *Session) FPS() float64 {
	if s.main.FrameIntervalUS == 0 {
		return 0
	}
	return 1e6 / float64(s.main.FrameIntervalUS)
}

// Close releases the underlying file. Further calls are no-ops.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// MainHeader returns the parsed avih fields.
func (s *Session) MainHeader() MainHeader { return s.main }

// Video returns the primary video stream description.
func (s *Session) Video() VideoStreamInfo { return s.video }

// Audio returns the primary audio stream description.
func (s *Session) Audio() AudioStreamInfo { return s.audio }

// DataOffset is the file offset of the first chunk in the data region.
func (s *Session) DataOffset() int64 { return s.dataOffset }

// DataSize is the usable size of the data region.
func (s *Session) DataSize() int64 { return s.dataSize }

// CurrentFrame is the index of the next video frame to be read.
func (s *Session) CurrentFrame() int { return s.cursor }

// TotalFrames is the declared frame count, possibly 0.
func (s *Session) TotalFrames() int { return int(s.main.TotalFrames) }

// Path is the file the session was opened from, if any.
func (s *Session) Path() string { return s.path }

func (s *Session) isVideoChunk(id uint32) bool {
	prefix, suffix := splitTag(id)
	if prefix != streamPrefix(s.video.StreamIndex) {
		return false
	}
	return suffix == suffixCompressed || suffix == suffixUncompressed
}

func (s *Session) isAudioChunk(id uint32) bool {
	prefix, suffix := splitTag(id)
	return prefix == streamPrefix(s.audio.StreamIndex) && suffix == suffixAudio
}

// findChunk scans the data region for the next chunk accepted by match and
// leaves the session at its body. rec lists are entered transparently.
func (s *Session) findChunk(match func(uint32) bool) (ChunkHeader, error) {
	for {
		if s.pos+chunkHeaderSize > s.dataEnd {
			return ChunkHeader{}, ErrEndOfStream
		}

		ch, err := s.readChunkHeader()
		if err != nil {
			s.skipTo(s.dataEnd)
			return ChunkHeader{}, fmt.Errorf("%w: %v", ErrShortRead, err)
		}

		if ch.ID == TagLIST {
			var kind [4]byte
			if err := s.readFull(kind[:]); err != nil {
				s.skipTo(s.dataEnd)
				return ChunkHeader{}, fmt.Errorf("%w: %v", ErrShortRead, err)
			}
			if binary.LittleEndian.Uint32(kind[:]) == TagREC {
				continue
			}
			if err := s.seekTo(s.pos - 4 + padded(ch.Size)); err != nil {
				return ChunkHeader{}, err
			}
			continue
		}

		if match(ch.ID) {
			return ch, nil
		}
		if err := s.seekTo(s.pos + padded(ch.Size)); err != nil {
			return ChunkHeader{}, err
		}
	}
}

// readData reads the body of the chunk the session is positioned at, along
// with its pad byte.
func (s *Session) readData(ch ChunkHeader) ([]byte, error) {
	bodyStart := s.pos
	if bodyStart+int64(ch.Size) > s.dataEnd {
		s.skipTo(s.dataEnd)
		return nil, fmt.Errorf("%w: chunk %s wants %d bytes, %d left",
			ErrShortRead, FourCCString(ch.ID), ch.Size, s.dataEnd-bodyStart)
	}
	if int(ch.Size) > s.maxFrameSize {
		s.skipTo(bodyStart + padded(ch.Size))
		return nil, fmt.Errorf("%w: chunk of %d bytes exceeds %d", ErrAlloc, ch.Size, s.maxFrameSize)
	}

	data := make([]byte, ch.Size)
	if err := s.readFull(data); err != nil {
		s.skipTo(s.dataEnd)
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	if ch.Size&1 == 1 {
		if err := s.seekTo(s.pos + 1); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// readBody reads a header chunk into a zeroed buffer of want bytes. Short
// chunks leave trailing fields zero, long ones are skipped past by the caller.
func (s *Session) readBody(size uint32, want int) ([]byte, error) {
	buf := make([]byte, want)
	n := min(int(size), want)
	if err := s.readFull(buf[:n]); err != nil {
		return nil, opErr("parse headers", ErrNotFound)
	}
	return buf, nil
}

func (s *Session) readChunkHeader() (ChunkHeader, error) {
	var b [chunkHeaderSize]byte
	if err := s.readFull(b[:]); err != nil {
		return ChunkHeader{}, err
	}
	return ChunkHeader{
		ID:   binary.LittleEndian.Uint32(b[0:4]),
		Size: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

func (s *Session) readFull(buf []byte) error {
	n, err := io.ReadFull(s.r, buf)
	s.pos += int64(n)
	return err
}

// skipTo moves past data a failed read gave up on. When the seek itself
// fails the rest of the data region is treated as consumed.
func (s *Session) skipTo(off int64) {
	if err := s.seekTo(off); err != nil {
		s.log.Warn("seek failed, ending data region", "offset", off, "error", err)
		s.pos = s.dataEnd
	}
}

func (s *Session) seekTo(off int64) error {
	if _, err := s.r.Seek(off, io.SeekStart); err != nil {
		return err
	}
	s.pos = off
	return nil
}
