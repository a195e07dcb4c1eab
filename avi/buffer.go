package avi

import (
	"errors"
	"io"
)

// SeekableBuffer is an in-memory io.ReadWriteSeeker used to build and read
// clips without touching the filesystem.
type SeekableBuffer struct {
	data []byte
	pos  int64
}

// NewSeekableBuffer creates an empty SeekableBuffer
func NewSeekableBuffer() *SeekableBuffer {
	return &SeekableBuffer{}
}

// NewSeekableBufferFrom wraps existing bytes, positioned at the start
func NewSeekableBufferFrom(b []byte) *SeekableBuffer {
	return &SeekableBuffer{data: b}
}

// Write writes at the current position, overwriting and growing as needed
func (sb *SeekableBuffer) Write(p []byte) (int, error) {
	end := sb.pos + int64(len(p))
	if end > int64(len(sb.data)) {
		grown := make([]byte, end)
		copy(grown, sb.data)
		sb.data = grown
	}
	n := copy(sb.data[sb.pos:], p)
	sb.pos += int64(n)
	return n, nil
}

// Seek sets the position for the next Read or Write. Seeking past the end
// zero-fills the gap on the next Write.
func (sb *SeekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int64

	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = sb.pos + offset
	case io.SeekEnd:
		newPos = int64(len(sb.data)) + offset
	default:
		return 0, errors.New("invalid seek whence")
	}

	if newPos < 0 {
		return 0, errors.New("seek before start of buffer")
	}

	sb.pos = newPos
	return newPos, nil
}

// Read implements io.Reader
func (sb *SeekableBuffer) Read(p []byte) (int, error) {
	if sb.pos >= int64(len(sb.data)) {
		return 0, io.EOF
	}
	n := copy(p, sb.data[sb.pos:])
	sb.pos += int64(n)
	return n, nil
}

// Bytes returns the buffer contents
func (sb *SeekableBuffer) Bytes() []byte {
	return sb.data
}

// Len returns the buffer length
func (sb *SeekableBuffer) Len() int {
	return len(sb.data)
}

// Truncate drops everything past n bytes
func (sb *SeekableBuffer) Truncate(n int) {
	if n < len(sb.data) {
		sb.data = sb.data[:n]
	}
	if sb.pos > int64(len(sb.data)) {
		sb.pos = int64(len(sb.data))
	}
}

// Reset empties the buffer
func (sb *SeekableBuffer) Reset() {
	sb.data = sb.data[:0]
	sb.pos = 0
}
