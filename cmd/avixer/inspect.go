package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/charlescerisier/watchman/avi"
)

// OutputFormat represents different output formats
type OutputFormat string

const (
	OutputJSON OutputFormat = "json"
	OutputText OutputFormat = "text"
)

// StreamInfo represents stream information for JSON output
type StreamInfo struct {
	Index          int     `json:"index"`
	CodecType      string  `json:"codec_type"`
	CodecName      string  `json:"codec_name,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	FPS            float64 `json:"fps,omitempty"`
	Channels       int     `json:"channels,omitempty"`
	SampleRate     int     `json:"sample_rate,omitempty"`
	BitDepth       int     `json:"bit_depth,omitempty"`
	AvgBytesPerSec int     `json:"avg_bytes_per_sec,omitempty"`
}

// ChunkInfo represents one data-region chunk for JSON output
type ChunkInfo struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Size int    `json:"size"`
	Pos  int64  `json:"pos"`
}

// FileOutput represents the complete file information for JSON output
type FileOutput struct {
	File            string       `json:"file"`
	Size            int64        `json:"size"`
	FrameIntervalUS uint32       `json:"frame_interval_us"`
	DeclaredFrames  int          `json:"declared_frames"`
	VideoFrames     int          `json:"video_frames"`
	AudioChunks     int          `json:"audio_chunks"`
	OtherChunks     int          `json:"other_chunks"`
	DurationSec     float64      `json:"duration_sec"`
	DataOffset      int64        `json:"data_offset"`
	DataSize        int64        `json:"data_size"`
	Truncated       bool         `json:"truncated,omitempty"`
	Streams         []StreamInfo `json:"streams,omitempty"`
	Chunks          []ChunkInfo  `json:"chunks,omitempty"`
}

type inspectOptions struct {
	format     OutputFormat
	output     string
	showChunks bool
}

func newInspectCmd() *cobra.Command {
	var (
		opts   inspectOptions
		format string
	)
	cmd := &cobra.Command{
		Use:   "inspect <file.avi>",
		Short: "Show headers, primary streams and chunk counts of a clip",
		Example: `  avixer inspect video.avi
  avixer inspect video.avi -f json -o info.json
  avixer inspect video.avi --show-chunks`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch strings.ToLower(format) {
			case "json":
				opts.format = OutputJSON
			case "text":
				opts.format = OutputText
			default:
				return fmt.Errorf("unsupported output format %q", format)
			}

			info, err := inspectFile(args[0], opts.showChunks)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.output != "" {
				f, err := os.Create(opts.output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				out = f
			}
			if opts.format == OutputJSON {
				return writeJSON(out, info)
			}
			writeText(out, info)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format (json, text)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write to a file instead of stdout")
	cmd.Flags().BoolVar(&opts.showChunks, "show-chunks", false, "list every data chunk")
	return cmd
}

// inspectFile parses path and walks its whole data region.
func inspectFile(path string, showChunks bool) (*FileOutput, error) {
	session, err := avi.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer session.Close()

	info := &FileOutput{
		File:            filepath.Base(path),
		FrameIntervalUS: session.MainHeader().FrameIntervalUS,
		DeclaredFrames:  session.TotalFrames(),
		DataOffset:      session.DataOffset(),
		DataSize:        session.DataSize(),
	}
	if st, err := os.Stat(path); err == nil {
		info.Size = st.Size()
	}

	video, audio := session.Video(), session.Audio()
	if video.Found {
		info.Streams = append(info.Streams, StreamInfo{
			Index:     video.StreamIndex,
			CodecType: string(avi.StreamTypeVideo),
			CodecName: strings.TrimRight(avi.FourCCString(video.Codec), " ."),
			Width:     video.Width,
			Height:    video.Height,
			FPS:       session.FPS(),
		})
	}
	if audio.Found {
		info.Streams = append(info.Streams, StreamInfo{
			Index:          audio.StreamIndex,
			CodecType:      string(avi.StreamTypeAudio),
			CodecName:      audioCodecName(audio.FormatTag),
			Channels:       audio.Channels,
			SampleRate:     audio.SampleRate,
			BitDepth:       audio.BitsPerSample,
			AvgBytesPerSec: audio.AvgBytesPerSec,
		})
	}

	kinds := chunkKinds(session)
	for {
		chunk, err := session.ReadNextChunk()
		if errors.Is(err, avi.ErrEndOfStream) {
			break
		}
		if err != nil {
			info.Truncated = true
			break
		}
		kind := kinds(chunk.ID)
		switch kind {
		case "video":
			info.VideoFrames++
		case "audio":
			info.AudioChunks++
		default:
			info.OtherChunks++
		}
		if showChunks {
			info.Chunks = append(info.Chunks, ChunkInfo{
				ID:   avi.FourCCString(chunk.ID),
				Kind: kind,
				Size: len(chunk.Data),
				Pos:  chunk.Offset,
			})
		}
	}

	if fps := session.FPS(); fps > 0 {
		info.DurationSec = float64(info.VideoFrames) / fps
	}
	return info, nil
}

// chunkKinds classifies data tags against the primary streams.
func chunkKinds(session *avi.Session) func(uint32) string {
	video, audio := session.Video(), session.Audio()
	return func(id uint32) string {
		switch {
		case video.Found && (id == avi.MakeChunkID(video.StreamIndex, "dc") || id == avi.MakeChunkID(video.StreamIndex, "db")):
			return "video"
		case audio.Found && id == avi.MakeChunkID(audio.StreamIndex, "wb"):
			return "audio"
		case id == avi.TagJUNK:
			return "junk"
		}
		return "other"
	}
}

func audioCodecName(tag uint16) string {
	switch tag {
	case 0x0001:
		return "pcm"
	case 0x0055:
		return "mp3"
	case 0x2000:
		return "ac3"
	}
	return fmt.Sprintf("0x%04x", tag)
}

func writeJSON(w io.Writer, info *FileOutput) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "    ")
	return encoder.Encode(info)
}

func writeText(w io.Writer, info *FileOutput) {
	fmt.Fprintf(w, "File: %s\n", info.File)
	fmt.Fprintf(w, "Size: %s\n", formatBytes(info.Size))
	fmt.Fprintf(w, "Frames: %d (declared %d)", info.VideoFrames, info.DeclaredFrames)
	if info.DurationSec > 0 {
		fmt.Fprintf(w, ", duration: %.2fs", info.DurationSec)
	}
	fmt.Fprintf(w, "\nData: %s at offset %d\n", formatBytes(info.DataSize), info.DataOffset)
	fmt.Fprintf(w, "Chunks: %d video, %d audio, %d other\n", info.VideoFrames, info.AudioChunks, info.OtherChunks)
	if info.Truncated {
		fmt.Fprintf(w, "Warning: data region is truncated\n")
	}

	fmt.Fprintf(w, "\nStreams:\n")
	for _, s := range info.Streams {
		fmt.Fprintf(w, "  Stream #%d: %s (%s)", s.Index, s.CodecType, s.CodecName)
		switch s.CodecType {
		case string(avi.StreamTypeVideo):
			fmt.Fprintf(w, " %dx%d", s.Width, s.Height)
			if s.FPS > 0 {
				fmt.Fprintf(w, " @ %.2f fps", s.FPS)
			}
		case string(avi.StreamTypeAudio):
			fmt.Fprintf(w, " %d Hz, %d channels, %d bit", s.SampleRate, s.Channels, s.BitDepth)
		}
		fmt.Fprintln(w)
	}

	if len(info.Chunks) > 0 {
		fmt.Fprintf(w, "\nChunks:\n")
		for _, c := range info.Chunks {
			fmt.Fprintf(w, "  %8d  %s  %-5s %d\n", c.Pos, c.ID, c.Kind, c.Size)
		}
	}
}
