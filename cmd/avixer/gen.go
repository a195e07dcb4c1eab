package main

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"github.com/charlescerisier/watchman/audio"
	"github.com/charlescerisier/watchman/avi"
	"github.com/charlescerisier/watchman/framebuf"
	"github.com/charlescerisier/watchman/mjpeg"
	"github.com/charlescerisier/watchman/testpattern"
)

type genOptions struct {
	pattern    string
	frames     int
	fps        float64
	width      int
	height     int
	quality    int
	audio      bool
	sampleRate int
	toneHz     float64
	junkEvery  int
	junkSize   int
	noIndex    bool
}

func newGenCmd() *cobra.Command {
	opts := genOptions{}
	cmd := &cobra.Command{
		Use:   "gen <out.avi>",
		Short: "Generate an MJPEG test-pattern clip",
		Example: `  avixer gen bars.avi --pattern bars --frames 30
  avixer gen bounce.avi --pattern bounce --fps 15 --audio
  avixer gen odd.avi --junk-every 3 --junk-size 7 --no-index`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := generateClip(args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s: %d frames of %q at %dx%d @ %g fps\n",
				args[0], opts.frames, opts.pattern, opts.width, opts.height, opts.fps)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "  data: %s\n", formatBytes(n))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.pattern, "pattern", "p", "bars", fmt.Sprintf("test pattern %v", testpattern.Names()))
	f.IntVarP(&opts.frames, "frames", "n", 30, "number of video frames")
	f.Float64Var(&opts.fps, "fps", 15, "declared frame rate; 0 leaves it undeclared")
	f.IntVar(&opts.width, "width", 240, "frame width")
	f.IntVar(&opts.height, "height", 320, "frame height")
	f.IntVarP(&opts.quality, "quality", "q", 75, "JPEG quality 1-100")
	f.BoolVar(&opts.audio, "audio", false, "add a PCM tone as stream 1")
	f.IntVar(&opts.sampleRate, "sample-rate", audio.DefaultSampleRate, "audio sample rate")
	f.Float64Var(&opts.toneHz, "tone", 440, "audio tone frequency in Hz")
	f.IntVar(&opts.junkEvery, "junk-every", 0, "insert a JUNK chunk after every N frames")
	f.IntVar(&opts.junkSize, "junk-size", 16, "size of inserted JUNK chunks (odd sizes get padded)")
	f.BoolVar(&opts.noIndex, "no-index", false, "omit the idx1 index")
	return cmd
}

// generateClip renders opts.frames frames of the pattern into path and
// returns the number of payload bytes written.
func generateClip(path string, opts genOptions) (int64, error) {
	pattern, err := testpattern.Lookup(opts.pattern)
	if err != nil {
		return 0, err
	}
	if opts.frames <= 0 || opts.width <= 0 || opts.height <= 0 {
		return 0, fmt.Errorf("frames, width and height must be positive")
	}
	if opts.fps < 0 {
		return 0, fmt.Errorf("fps must not be negative")
	}

	w, err := avi.CreateFile(path)
	if err != nil {
		return 0, err
	}
	w.NoIndex = opts.noIndex
	defer w.Close()

	w.AddStream(avi.Codec{
		Name:   "mjpeg",
		FourCC: avi.TagMJPG,
		Type:   avi.StreamTypeVideo,
		Width:  opts.width,
		Height: opts.height,
		FPS:    opts.fps,
	})
	if opts.audio {
		w.AddStream(avi.Codec{
			Name:       "pcm",
			Type:       avi.StreamTypeAudio,
			Channels:   1,
			SampleRate: opts.sampleRate,
			BitDepth:   16,
		})
	}

	fps := opts.fps
	if fps == 0 {
		fps = 15
	}
	samplesPerFrame := int(float64(opts.sampleRate) / fps)

	var total int64
	buf := framebuf.NewBuffer(opts.width, opts.height)
	for i := 0; i < opts.frames; i++ {
		pattern(buf, i)
		data, err := mjpeg.EncodeBuffer(buf, opts.quality)
		if err != nil {
			return 0, fmt.Errorf("encode frame %d: %w", i, err)
		}
		if err := w.WritePacket(avi.Packet{StreamIndex: 0, Data: data, Keyframe: true}); err != nil {
			return 0, err
		}
		total += int64(len(data))

		if opts.audio {
			pcm := audio.PCM16(tone(i*samplesPerFrame, samplesPerFrame, opts.sampleRate, opts.toneHz))
			if err := w.WritePacket(avi.Packet{StreamIndex: 1, Data: pcm}); err != nil {
				return 0, err
			}
			total += int64(len(pcm))
		}
		if opts.junkEvery > 0 && (i+1)%opts.junkEvery == 0 {
			if err := w.AddJunk(opts.junkSize); err != nil {
				return 0, err
			}
		}
	}
	return total, w.Close()
}

// tone returns n samples of a half-scale sine starting at sample offset.
func tone(offset, n, rate int, hz float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		t := float64(offset+i) / float64(rate)
		out[i] = int16(math.Sin(2*math.Pi*hz*t) * math.MaxInt16 / 2)
	}
	return out
}
