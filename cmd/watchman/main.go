// Command watchman runs the media player against a channel library on disk.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/charlescerisier/watchman/app"
	"github.com/charlescerisier/watchman/audio"
	"github.com/charlescerisier/watchman/config"
	"github.com/charlescerisier/watchman/display"
	"github.com/charlescerisier/watchman/input"
	"github.com/charlescerisier/watchman/mjpeg"
	"github.com/charlescerisier/watchman/power"
	"github.com/charlescerisier/watchman/remote"
	"github.com/charlescerisier/watchman/telemetry"
)

type options struct {
	configPath    string
	mediaRoot     string
	debug         bool
	snapshotDir   string
	stdinControls bool
	remoteAddr    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "watchman",
		Short: "Retro TV media player",
		Long: `watchman plays MJPEG AVI channels from a media library.

Each subdirectory of the media root is a channel and each .avi file in it an
episode. The position is saved across restarts. Telemetry is exported when
WATCHMAN_OTEL_OTLP_ENDPOINT or WATCHMAN_OTEL_STDOUT=1 is set.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, cmd.InOrStdin(), cmd.ErrOrStderr())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&opts.mediaRoot, "media", "", "media root, overrides the configuration")
	f.BoolVar(&opts.debug, "debug", os.Getenv("WATCHMAN_DEBUG") != "", "debug logging (or WATCHMAN_DEBUG)")
	f.StringVar(&opts.snapshotDir, "snapshot-dir", "", "save a PNG of the screen here on exit")
	f.BoolVar(&opts.stdinControls, "stdin-controls", false, "read encoder commands (cw, ccw, press, long) from stdin")
	f.StringVar(&opts.remoteAddr, "remote", "", "enable the HTTP control surface on this address")
	return cmd
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.mediaRoot != "" {
		cfg.MediaRoot = opts.mediaRoot
	}
	if opts.remoteAddr != "" {
		cfg.Remote.Enabled = true
		cfg.Remote.Addr = opts.remoteAddr
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func voltageSource(cfg *config.Config) power.VoltageSource {
	if cfg.Power.VoltageFile != "" {
		return power.FileSource{Path: cfg.Power.VoltageFile}
	}
	return power.NewStaticSource(cfg.Power.StaticVoltage)
}

func run(ctx context.Context, opts options, stdin io.Reader, stderr io.Writer) error {
	logger := newLogger(stderr, opts.debug)
	slog.SetDefault(logger)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if err := telemetry.Init(ctx, telemetry.ConfigFromEnv()); err != nil && !errors.Is(err, telemetry.ErrNoExporter) {
		logger.Warn("telemetry disabled", "error", err)
	}
	defer telemetry.Flush()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	panel := display.New(display.Config{
		Width:  cfg.Display.Width,
		Height: cfg.Display.Height,
		Budget: cfg.Display.BufferBudget,
		Logger: logger,
	})
	defer panel.Close()

	var pcmOut io.Writer = io.Discard
	if cfg.Audio.Output != "" {
		f, err := os.Create(cfg.Audio.Output)
		if err != nil {
			return fmt.Errorf("failed to open audio output: %w", err)
		}
		defer f.Close()
		pcmOut = f
	}
	sink := audio.New(audio.Config{
		SampleRate:  cfg.Audio.SampleRate,
		BufferBytes: cfg.Audio.BufferBytes,
		Volume:      cfg.Audio.Volume,
		Output:      pcmOut,
		Logger:      logger,
	})

	queue := input.NewQueue(cfg.Input.QueueSize)
	ctrl, err := app.New(cfg, app.Deps{
		Panel:          panel,
		Audio:          sink,
		Decoder:        mjpeg.NewDecoder(cfg.Display.Width, cfg.Display.Height),
		Voltage:        voltageSource(cfg),
		Queue:          queue,
		Logger:         logger,
		TracerProvider: otel.GetTracerProvider(),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	if cfg.Remote.Enabled {
		srv := remote.New(remote.Config{
			Addr:     cfg.Remote.Addr,
			Status:   ctrl,
			Queue:    queue,
			Snapshot: func() image.Image { return panel.Snapshot() },
			Logger:   logger,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}
	if opts.stdinControls {
		enc := input.NewEncoder(queue, input.EncoderConfig{LongPress: cfg.Input.LongPress, Logger: logger})
		defer enc.Close()
		go readControls(gctx, stdin, enc, cfg.Input.LongPress, logger)
	}

	err = g.Wait()
	if opts.snapshotDir != "" {
		name := filepath.Join(opts.snapshotDir, fmt.Sprintf("watchman-%s.png", time.Now().Format("20060102-150405")))
		if serr := panel.SavePNG(name); serr != nil {
			logger.Warn("snapshot failed", "error", serr)
		} else {
			logger.Info("snapshot saved", "path", name)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readControls turns stdin lines into encoder gestures until ctx is done or
// stdin closes.
func readControls(ctx context.Context, r io.Reader, enc *input.Encoder, longPress time.Duration, log *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch cmd := strings.TrimSpace(strings.ToLower(scanner.Text())); cmd {
		case "cw", "d", "+":
			enc.Rotate(true)
		case "ccw", "a", "-":
			enc.Rotate(false)
		case "press", "p", "":
			enc.Button(true)
			enc.Button(false)
		case "long", "l":
			enc.Button(true)
			select {
			case <-time.After(longPress + 50*time.Millisecond):
			case <-ctx.Done():
			}
			enc.Button(false)
		default:
			log.Warn("unknown control", "command", cmd)
		}
	}
}
