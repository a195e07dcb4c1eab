// Package config loads the player's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete player configuration
type Config struct {
	MediaRoot          string        `yaml:"media_root"`
	StateFile          string        `yaml:"state_file"`
	DefaultFPS         float64       `yaml:"default_fps"`
	MaxNestingDepth    int           `yaml:"max_nesting_depth"`
	AutosaveInterval   time.Duration `yaml:"autosave_interval"`
	OSDDuration        time.Duration `yaml:"osd_duration"`
	ChannelSwitchDelay time.Duration `yaml:"channel_switch_delay"`
	Display            DisplayConfig `yaml:"display"`
	Audio              AudioConfig   `yaml:"audio"`
	Power              PowerConfig   `yaml:"power"`
	Input              InputConfig   `yaml:"input"`
	Remote             RemoteConfig  `yaml:"remote"`
}

// DisplayConfig contains panel settings
type DisplayConfig struct {
	Width         int `yaml:"width"`
	Height        int `yaml:"height"`
	Brightness    int `yaml:"brightness"`     // 0-100
	DimBrightness int `yaml:"dim_brightness"` // brightness while idle-dimmed
	BufferBudget  int `yaml:"buffer_budget"`  // bytes available for pixel buffers
}

// AudioConfig contains audio sink settings
type AudioConfig struct {
	SampleRate  int    `yaml:"sample_rate"`
	BufferBytes int    `yaml:"buffer_bytes"`
	Volume      int    `yaml:"volume"` // 0-100
	Output      string `yaml:"output"` // raw PCM file; empty discards
}

// PowerConfig contains battery and idle settings
type PowerConfig struct {
	AutoDim        bool          `yaml:"auto_dim"`
	AutoSleep      bool          `yaml:"auto_sleep"`
	AutoDimAfter   time.Duration `yaml:"auto_dim_after"`
	AutoSleepAfter time.Duration `yaml:"auto_sleep_after"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	VoltageFile    string        `yaml:"voltage_file"`      // sysfs-style millivolt reading
	StaticVoltage  int           `yaml:"static_voltage_mv"` // used when voltage_file is empty
}

// InputConfig contains encoder settings
type InputConfig struct {
	LongPress time.Duration `yaml:"long_press"`
	QueueSize int           `yaml:"queue_size"`
}

// RemoteConfig contains the HTTP control surface settings
type RemoteConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the configuration of the reference hardware.
func Default() *Config {
	return &Config{
		MediaRoot:          "/sdcard/channels",
		StateFile:          "/sdcard/watchman/state.yaml",
		DefaultFPS:         15,
		MaxNestingDepth:    16,
		AutosaveInterval:   30 * time.Second,
		OSDDuration:        2 * time.Second,
		ChannelSwitchDelay: 200 * time.Millisecond,
		Display: DisplayConfig{
			Width:         240,
			Height:        320,
			Brightness:    100,
			DimBrightness: 30,
			BufferBudget:  320 << 10,
		},
		Audio: AudioConfig{
			SampleRate:  22050,
			BufferBytes: 32 << 10,
			Volume:      80,
		},
		Power: PowerConfig{
			AutoDim:        true,
			AutoSleep:      true,
			AutoDimAfter:   2 * time.Minute,
			AutoSleepAfter: 5 * time.Minute,
			PollInterval:   5 * time.Second,
			StaticVoltage:  8000,
		},
		Input: InputConfig{
			LongPress: time.Second,
			QueueSize: 10,
		},
		Remote: RemoteConfig{
			Addr: "127.0.0.1:8080",
		},
	}
}

// Load reads and parses a YAML configuration file. Keys missing from the
// file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
