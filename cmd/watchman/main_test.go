package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charlescerisier/watchman/input"
	"github.com/charlescerisier/watchman/power"
)

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchman.yaml")
	if err := os.WriteFile(path, []byte("media_root: /media/tv\npower:\n  voltage_file: /sys/bat\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(options{configPath: path})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MediaRoot != "/media/tv" || cfg.Remote.Enabled {
		t.Errorf("cfg = %+v", cfg)
	}
	if src, ok := voltageSource(cfg).(power.FileSource); !ok || src.Path != "/sys/bat" {
		t.Errorf("voltage source = %#v", voltageSource(cfg))
	}

	cfg, err = loadConfig(options{configPath: path, mediaRoot: "/other", remoteAddr: ":9000"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MediaRoot != "/other" || !cfg.Remote.Enabled || cfg.Remote.Addr != ":9000" {
		t.Errorf("flag overrides not applied: %+v", cfg)
	}

	if _, err := loadConfig(options{configPath: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestDefaultVoltageSourceIsStatic(t *testing.T) {
	cfg, err := loadConfig(options{})
	if err != nil {
		t.Fatal(err)
	}
	mv, err := voltageSource(cfg).ReadMillivolts()
	if err != nil || mv != cfg.Power.StaticVoltage {
		t.Errorf("ReadMillivolts = %d, %v", mv, err)
	}
}

func TestReadControls(t *testing.T) {
	q := input.NewQueue(16)
	enc := input.NewEncoder(q, input.EncoderConfig{LongPress: 10 * time.Millisecond})
	defer enc.Close()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	readControls(context.Background(), strings.NewReader("cw\nccw\npress\nlong\nbogus\n"), enc, 10*time.Millisecond, log)

	var got []input.EventType
	for {
		select {
		case ev := <-q.Events():
			got = append(got, ev.Type)
			continue
		default:
		}
		break
	}
	want := []input.EventType{
		input.RotateCW, input.RotateCCW,
		input.ButtonPress, input.ButtonRelease,
		input.ButtonPress, input.ButtonLongPress, input.ButtonRelease,
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, expected %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %v, expected %v", i, got[i], want[i])
		}
	}
}
