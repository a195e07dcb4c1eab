package avi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	avifHasIndex      = 0x10
	avifIsInterleaved = 0x100
	aviifKeyframe     = 0x10
)

// Stream is a stream registered on a Writer
type Stream struct {
	Index int
	Type  StreamType
	Codec Codec
}

// rawChunk is a data-region chunk waiting to be written
type rawChunk struct {
	id       uint32
	data     []byte
	keyframe bool
}

// Writer buffers chunks and writes a complete RIFF/AVI file on Finalize.
type Writer struct {
	w       io.Writer
	closer  io.Closer
	streams []Stream
	chunks  []rawChunk

	// NoIndex suppresses the trailing idx1 chunk.
	NoIndex bool

	finalized bool
}

// NewWriter returns a Writer emitting to w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// CreateFile creates path and returns a Writer for it. Close flushes and
// closes the file.
func CreateFile(path string) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, &AVIError{Op: "create", Err: err}
	}
	w := NewWriter(file)
	w.closer = file
	return w, nil
}

// AddStream adds a new stream to the file
func (w *Writer) AddStream(codec Codec) (int, error) {
	if w.finalized {
		return -1, &AVIError{Op: "add stream", Err: fmt.Errorf("writer finalized")}
	}
	if len(w.streams) >= 100 {
		return -1, &AVIError{Op: "add stream", Err: fmt.Errorf("too many streams")}
	}
	if len(w.chunks) > 0 {
		return -1, &AVIError{Op: "add stream", Err: fmt.Errorf("streams must be added before packets")}
	}

	stream := Stream{
		Index: len(w.streams),
		Type:  codec.Type,
		Codec: codec,
	}
	w.streams = append(w.streams, stream)
	return stream.Index, nil
}

// Streams returns the registered streams
func (w *Writer) Streams() []Stream {
	return w.streams
}

// WritePacket queues a stream data chunk
func (w *Writer) WritePacket(packet Packet) error {
	if w.finalized {
		return &AVIError{Op: "write packet", Err: fmt.Errorf("writer finalized")}
	}
	if packet.Junk {
		return w.WriteChunk(TagJUNK, packet.Data)
	}
	if packet.StreamIndex < 0 || packet.StreamIndex >= len(w.streams) {
		return &AVIError{Op: "write packet", Err: fmt.Errorf("invalid stream index %d", packet.StreamIndex)}
	}

	var twoCC string
	switch w.streams[packet.StreamIndex].Type {
	case StreamTypeVideo:
		twoCC = "dc"
		if packet.Uncompressed {
			twoCC = "db"
		}
	case StreamTypeAudio:
		twoCC = "wb"
	default:
		return &AVIError{Op: "write packet", Err: fmt.Errorf("stream %d has no type", packet.StreamIndex)}
	}

	w.chunks = append(w.chunks, rawChunk{
		id:       MakeChunkID(packet.StreamIndex, twoCC),
		data:     packet.Data,
		keyframe: packet.Keyframe || w.streams[packet.StreamIndex].Type == StreamTypeAudio,
	})
	return nil
}

// WriteChunk queues an arbitrary chunk in the data list
func (w *Writer) WriteChunk(id uint32, data []byte) error {
	if w.finalized {
		return &AVIError{Op: "write chunk", Err: fmt.Errorf("writer finalized")}
	}
	if id == TagLIST {
		return &AVIError{Op: "write chunk", Err: fmt.Errorf("LIST chunks are not supported in the data list")}
	}
	w.chunks = append(w.chunks, rawChunk{id: id, data: data})
	return nil
}

// AddJunk queues a filler chunk of n zero bytes. Odd sizes get a pad byte.
func (w *Writer) AddJunk(n int) error {
	if n < 0 {
		return &AVIError{Op: "add junk", Err: fmt.Errorf("negative size %d", n)}
	}
	return w.WriteChunk(TagJUNK, make([]byte, n))
}

// Finalize writes headers, the data list and the index
func (w *Writer) Finalize() error {
	if w.finalized {
		return &AVIError{Op: "finalize", Err: fmt.Errorf("already finalized")}
	}
	w.finalized = true

	hdrl, err := w.buildHeaderList()
	if err != nil {
		return err
	}
	movi, index := w.buildDataList()

	body := new(bytes.Buffer)
	body.Write(le32(TagAVI))
	body.Write(hdrl)
	body.Write(movi)
	if !w.NoIndex {
		writeChunk(body, TagIDX1, index)
	}

	out := new(bytes.Buffer)
	writeChunk(out, TagRIFF, body.Bytes())
	if _, err := w.w.Write(out.Bytes()); err != nil {
		return &AVIError{Op: "write file", Err: err}
	}
	return nil
}

// Close finalizes the file if needed and closes it when the Writer owns it
func (w *Writer) Close() error {
	var err error
	if !w.finalized {
		err = w.Finalize()
	}
	if w.closer != nil {
		if cerr := w.closer.Close(); cerr != nil && err == nil {
			err = &AVIError{Op: "close", Err: cerr}
		}
		w.closer = nil
	}
	return err
}

// buildHeaderList renders LIST hdrl with avih and one strl per stream
func (w *Writer) buildHeaderList() ([]byte, error) {
	list := new(bytes.Buffer)
	list.Write(le32(TagHDRL))

	avih := new(bytes.Buffer)
	if err := binary.Write(avih, binary.LittleEndian, w.mainHeader()); err != nil {
		return nil, &AVIError{Op: "write avih", Err: err}
	}
	writeChunk(list, TagAVIH, avih.Bytes())

	for i := range w.streams {
		strl, err := w.buildStreamList(i)
		if err != nil {
			return nil, err
		}
		writeList(list, strl)
	}

	out := new(bytes.Buffer)
	writeChunk(out, TagLIST, list.Bytes())
	return out.Bytes(), nil
}

func (w *Writer) mainHeader() *AVIMainHeader {
	header := &AVIMainHeader{
		Flags:   avifIsInterleaved,
		Streams: uint32(len(w.streams)),
	}
	if !w.NoIndex {
		header.Flags |= avifHasIndex
	}

	// Dimensions and frame rate come from the first video stream
	video := -1
	for _, stream := range w.streams {
		if stream.Type == StreamTypeVideo {
			video = stream.Index
			header.Width = uint32(stream.Codec.Width)
			header.Height = uint32(stream.Codec.Height)
			if stream.Codec.FPS > 0 {
				header.MicroSecPerFrame = uint32(math.Round(1e6 / stream.Codec.FPS))
			}
			break
		}
	}

	var largest int
	for _, c := range w.chunks {
		largest = max(largest, len(c.data))
		if video >= 0 && w.isVideoChunk(c.id, video) {
			header.TotalFrames++
		}
	}
	header.SuggestedBufferSize = uint32(largest)
	return header
}

func (w *Writer) isVideoChunk(id uint32, stream int) bool {
	prefix, suffix := splitTag(id)
	return prefix == streamPrefix(stream) && (suffix == suffixCompressed || suffix == suffixUncompressed)
}

// buildStreamList renders the body of one LIST strl
func (w *Writer) buildStreamList(streamIndex int) ([]byte, error) {
	stream := w.streams[streamIndex]

	var length uint32
	prefix := streamPrefix(streamIndex)
	for _, c := range w.chunks {
		if p, _ := splitTag(c.id); p == prefix {
			length++
		}
	}

	header := AVIStreamHeader{
		Handler: stream.Codec.FourCC,
		Scale:   1,
		Rate:    1,
		Length:  length,
		Quality: 0xFFFFFFFF,
	}

	var format bytes.Buffer
	switch stream.Type {
	case StreamTypeVideo:
		header.Type = TagVIDS
		if stream.Codec.FPS > 0 {
			header.Scale = 1000
			header.Rate = uint32(math.Round(stream.Codec.FPS * 1000))
		}
		header.Frame.Right = uint16(stream.Codec.Width)
		header.Frame.Bottom = uint16(stream.Codec.Height)

		bih := BitmapInfoHeader{
			Size:        bitmapInfoSize,
			Width:       int32(stream.Codec.Width),
			Height:      int32(stream.Codec.Height),
			Planes:      1,
			BitCount:    24,
			Compression: stream.Codec.FourCC,
			SizeImage:   uint32(stream.Codec.Width * stream.Codec.Height * 3),
		}
		if err := binary.Write(&format, binary.LittleEndian, &bih); err != nil {
			return nil, &AVIError{Op: "write bitmap info", Err: err}
		}

	case StreamTypeAudio:
		header.Type = TagAUDS
		blockAlign := stream.Codec.Channels * stream.Codec.BitDepth / 8
		wfx := WaveFormatEx{
			FormatTag:      1, // PCM
			Channels:       uint16(stream.Codec.Channels),
			SamplesPerSec:  uint32(stream.Codec.SampleRate),
			AvgBytesPerSec: uint32(stream.Codec.SampleRate * blockAlign),
			BlockAlign:     uint16(blockAlign),
			BitsPerSample:  uint16(stream.Codec.BitDepth),
		}
		if blockAlign > 0 {
			header.Scale = uint32(blockAlign)
			header.Rate = wfx.AvgBytesPerSec
			header.SampleSize = uint32(blockAlign)
		}
		if err := binary.Write(&format, binary.LittleEndian, &wfx); err != nil {
			return nil, &AVIError{Op: "write wave format", Err: err}
		}

	default:
		return nil, &AVIError{Op: "write strl", Err: fmt.Errorf("stream %d has no type", streamIndex)}
	}

	strh := new(bytes.Buffer)
	if err := binary.Write(strh, binary.LittleEndian, &header); err != nil {
		return nil, &AVIError{Op: "write strh", Err: err}
	}

	list := new(bytes.Buffer)
	list.Write(le32(TagSTRL))
	writeChunk(list, TagSTRH, strh.Bytes())
	writeChunk(list, TagSTRF, format.Bytes())
	if stream.Codec.Name != "" {
		writeChunk(list, TagSTRN, append([]byte(stream.Codec.Name), 0))
	}
	return list.Bytes(), nil
}

// buildDataList renders LIST movi and the matching idx1 body
func (w *Writer) buildDataList() (movi, index []byte) {
	list := new(bytes.Buffer)
	list.Write(le32(TagMOVI))
	idx := new(bytes.Buffer)

	for _, c := range w.chunks {
		entry := IndexEntry{
			ChunkID: c.id,
			Offset:  uint32(list.Len()), // relative to the movi tag
			Size:    uint32(len(c.data)),
		}
		if c.keyframe {
			entry.Flags = aviifKeyframe
		}
		writeChunk(list, c.id, c.data)
		if c.id != TagJUNK {
			binary.Write(idx, binary.LittleEndian, &entry)
		}
	}

	out := new(bytes.Buffer)
	writeChunk(out, TagLIST, list.Bytes())
	return out.Bytes(), idx.Bytes()
}

// writeChunk appends a chunk header, body and pad byte to buf
func writeChunk(buf *bytes.Buffer, id uint32, data []byte) {
	buf.Write(le32(id))
	buf.Write(le32(uint32(len(data))))
	buf.Write(data)
	if len(data)%2 == 1 {
		buf.WriteByte(0)
	}
}

func writeList(buf *bytes.Buffer, body []byte) {
	writeChunk(buf, TagLIST, body)
}

func le32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}
