package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/charlescerisier/watchman/avi"
)

type remuxOptions struct {
	progress bool
	dryRun   bool
	noIndex  bool
}

// remuxStats summarizes one remux run
type remuxStats struct {
	Video   int
	Audio   int
	Dropped int
	Bytes   int64
}

func newRemuxCmd() *cobra.Command {
	opts := remuxOptions{}
	cmd := &cobra.Command{
		Use:   "remux <in.avi> [out.avi]",
		Short: "Rewrite a clip with only its primary video and audio streams",
		Long: `Rewrite a clip with only its primary video and audio streams.

The primary video stream becomes stream 0 and the primary audio stream,
if any, stream 1. JUNK and chunks of every other stream are dropped, so
the output follows the layout the player expects.`,
		Example: `  avixer remux video.avi                 # writes video_remuxed.avi
  avixer remux video.avi out.avi -p
  avixer remux video.avi --dry-run`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := args[0]
			out := defaultRemuxName(in)
			if len(args) == 2 {
				out = args[1]
			}

			start := time.Now()
			stats, err := remuxFile(in, out, opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if opts.dryRun {
				fmt.Fprintf(w, "Dry run: %d video, %d audio, %d dropped chunks (%s). No output file created.\n",
					stats.Video, stats.Audio, stats.Dropped, formatBytes(stats.Bytes))
				return nil
			}
			fmt.Fprintf(w, "Remuxed %s -> %s\n", filepath.Base(in), filepath.Base(out))
			fmt.Fprintf(w, "  Video frames: %d\n", stats.Video)
			fmt.Fprintf(w, "  Audio chunks: %d\n", stats.Audio)
			fmt.Fprintf(w, "  Dropped:      %d\n", stats.Dropped)
			fmt.Fprintf(w, "  Data:         %s\n", formatBytes(stats.Bytes))
			fmt.Fprintf(w, "  Time:         %v\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&opts.progress, "progress", "p", false, "show progress")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "analyze input without creating output")
	cmd.Flags().BoolVar(&opts.noIndex, "no-index", false, "omit the idx1 index")
	return cmd
}

func defaultRemuxName(in string) string {
	ext := filepath.Ext(in)
	return in[:len(in)-len(ext)] + "_remuxed" + ext
}

// remuxFile copies the primary streams of in to out.
func remuxFile(in, out string, opts remuxOptions, progress io.Writer) (remuxStats, error) {
	var stats remuxStats

	session, err := avi.OpenFile(in)
	if err != nil {
		return stats, fmt.Errorf("failed to open input file: %w", err)
	}
	defer session.Close()

	video, audio := session.Video(), session.Audio()
	if !video.Found {
		return stats, fmt.Errorf("%s has no video stream", in)
	}

	var writer *avi.Writer
	if !opts.dryRun {
		writer, err = avi.CreateFile(out)
		if err != nil {
			return stats, fmt.Errorf("failed to create output file: %w", err)
		}
		defer writer.Close()
		writer.NoIndex = opts.noIndex

		if _, err := writer.AddStream(avi.Codec{
			FourCC: video.Codec,
			Type:   avi.StreamTypeVideo,
			Width:  video.Width,
			Height: video.Height,
			FPS:    session.FPS(),
		}); err != nil {
			return stats, err
		}
		if audio.Found {
			if _, err := writer.AddStream(avi.Codec{
				Type:       avi.StreamTypeAudio,
				Channels:   audio.Channels,
				SampleRate: audio.SampleRate,
				BitDepth:   audio.BitsPerSample,
			}); err != nil {
				return stats, err
			}
		}
	}

	kinds := chunkKinds(session)
	total := session.TotalFrames()
	for {
		chunk, err := session.ReadNextChunk()
		if errors.Is(err, avi.ErrEndOfStream) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read chunk: %w", err)
		}

		var packet avi.Packet
		switch kinds(chunk.ID) {
		case "video":
			stats.Video++
			packet = avi.Packet{StreamIndex: 0, Data: chunk.Data, Keyframe: true}
			if chunk.ID == avi.MakeChunkID(video.StreamIndex, "db") {
				packet.Uncompressed = true
			}
		case "audio":
			stats.Audio++
			packet = avi.Packet{StreamIndex: 1, Data: chunk.Data}
		default:
			stats.Dropped++
			continue
		}
		stats.Bytes += int64(len(chunk.Data))

		if writer != nil {
			if err := writer.WritePacket(packet); err != nil {
				return stats, fmt.Errorf("failed to write chunk: %w", err)
			}
		}
		if opts.progress && total > 0 && stats.Video%100 == 0 && packet.StreamIndex == 0 {
			fmt.Fprintf(progress, "\r  Progress: %d/%d frames (%.1f%%)", stats.Video, total, float64(stats.Video)/float64(total)*100)
		}
	}
	if opts.progress && total > 0 {
		fmt.Fprintf(progress, "\r  Progress: %d/%d frames (100.0%%)\n", stats.Video, total)
	}

	if writer != nil {
		if err := writer.Close(); err != nil {
			os.Remove(out)
			return stats, fmt.Errorf("failed to finalize output: %w", err)
		}
	}
	return stats, nil
}
