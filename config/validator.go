package config

import (
	"fmt"
	"time"
)

// Validate checks if the configuration is valid and fills zero values that
// have a sensible default.
func Validate(cfg *Config) error {
	if cfg.MediaRoot == "" {
		return fmt.Errorf("media_root is required")
	}
	if cfg.StateFile == "" {
		return fmt.Errorf("state_file is required")
	}

	if cfg.DefaultFPS < 0 || cfg.DefaultFPS > 120 {
		return fmt.Errorf("default_fps must be between 0 and 120, got %g", cfg.DefaultFPS)
	}
	if cfg.DefaultFPS == 0 {
		cfg.DefaultFPS = 15
	}
	if cfg.MaxNestingDepth < 0 {
		return fmt.Errorf("max_nesting_depth must be >= 0")
	}
	if cfg.MaxNestingDepth == 0 {
		cfg.MaxNestingDepth = 16
	}

	if err := validateDisplay(&cfg.Display); err != nil {
		return fmt.Errorf("display: %w", err)
	}
	if err := validateAudio(&cfg.Audio); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	if err := validatePower(&cfg.Power); err != nil {
		return fmt.Errorf("power: %w", err)
	}

	for name, d := range map[string]time.Duration{
		"autosave_interval":    cfg.AutosaveInterval,
		"osd_duration":         cfg.OSDDuration,
		"channel_switch_delay": cfg.ChannelSwitchDelay,
		"input.long_press":     cfg.Input.LongPress,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if cfg.AutosaveInterval == 0 {
		cfg.AutosaveInterval = 30 * time.Second
	}
	if cfg.Input.LongPress == 0 {
		cfg.Input.LongPress = time.Second
	}
	if cfg.Input.QueueSize <= 0 {
		cfg.Input.QueueSize = 10
	}

	if cfg.Remote.Enabled && cfg.Remote.Addr == "" {
		return fmt.Errorf("remote.addr is required when remote is enabled")
	}
	return nil
}

func validateDisplay(d *DisplayConfig) error {
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("width and height must be > 0, got %dx%d", d.Width, d.Height)
	}
	if err := percent("brightness", d.Brightness); err != nil {
		return err
	}
	if err := percent("dim_brightness", d.DimBrightness); err != nil {
		return err
	}
	if d.BufferBudget <= 0 {
		d.BufferBudget = 2 * d.Width * d.Height * 2
	}
	return nil
}

func validateAudio(a *AudioConfig) error {
	if a.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be > 0")
	}
	if a.BufferBytes <= 0 {
		a.BufferBytes = 32 << 10
	}
	return percent("volume", a.Volume)
}

func validatePower(p *PowerConfig) error {
	if p.PollInterval <= 0 {
		p.PollInterval = 5 * time.Second
	}
	if p.AutoDimAfter < 0 || p.AutoSleepAfter < 0 {
		return fmt.Errorf("idle timeouts must not be negative")
	}
	if p.AutoDim && p.AutoSleep && p.AutoSleepAfter > 0 && p.AutoSleepAfter < p.AutoDimAfter {
		return fmt.Errorf("auto_sleep_after (%s) must not be shorter than auto_dim_after (%s)", p.AutoSleepAfter, p.AutoDimAfter)
	}
	if p.VoltageFile == "" && p.StaticVoltage <= 0 {
		return fmt.Errorf("either voltage_file or static_voltage_mv is required")
	}
	return nil
}

func percent(name string, v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("%s must be between 0 and 100, got %d", name, v)
	}
	return nil
}
