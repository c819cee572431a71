// Package config holds the cuemix server configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/astromechza/cuemix/pkg/console"
	"github.com/astromechza/cuemix/pkg/preset"
)

type ConsoleSection struct {
	// Mixes is the number of monitor mixes. init_setup keeps this and only changes the channel count.
	Mixes    int `yaml:"mixes"`
	Channels int `yaml:"channels"`
	// StartupPreset is restored at start when it exists.
	StartupPreset string `yaml:"startup_preset"`
}

type PresetsSection struct {
	// Driver is "sqlite" or "file".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	// Timeout uses Go duration format: "500ms", "2s".
	Timeout string `yaml:"timeout"`
}

type MIDISection struct {
	Enabled bool `yaml:"enabled"`
	// Port is matched as a case-insensitive substring of the output port name.
	Port string `yaml:"port"`
}

type Config struct {
	ListenAddr string         `yaml:"listen_addr"`
	LogLevel   string         `yaml:"log_level"`
	OutboxSize int            `yaml:"outbox_size"`
	Console    ConsoleSection `yaml:"console"`
	Presets    PresetsSection `yaml:"presets"`
	MIDI       MIDISection    `yaml:"midi"`
}

func Default() Config {
	return Config{
		ListenAddr: ":5050",
		LogLevel:   "info",
		OutboxSize: 64,
		Console: ConsoleSection{
			Mixes:    console.DefaultMixes,
			Channels: console.DefaultChannels,
		},
		Presets: PresetsSection{
			Driver:  preset.DriverSQLite,
			Path:    "presets.db",
			Timeout: "2s",
		},
		MIDI: MIDISection{Port: "IAC"},
	}
}

// Load reads a config file over the defaults so a file only needs the keys it changes.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr must be set")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.OutboxSize < 1 {
		return errors.New("outbox_size must be positive")
	}
	if c.Console.Mixes < 1 || c.Console.Mixes > console.MaxMixes {
		return fmt.Errorf("console.mixes must be between 1 and %d", console.MaxMixes)
	}
	if c.Console.Channels < 1 || c.Console.Channels > console.MaxChannels {
		return fmt.Errorf("console.channels must be between 1 and %d", console.MaxChannels)
	}
	switch c.Presets.Driver {
	case preset.DriverSQLite, preset.DriverFile:
	default:
		return fmt.Errorf("presets.driver %q must be %q or %q", c.Presets.Driver, preset.DriverSQLite, preset.DriverFile)
	}
	if c.Presets.Path == "" {
		return errors.New("presets.path must be set")
	}
	if d, err := c.PersistTimeout(); err != nil {
		return err
	} else if d <= 0 {
		return errors.New("presets.timeout must be positive")
	}
	return nil
}

func (c Config) PersistTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Presets.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid presets.timeout %q: %w", c.Presets.Timeout, err)
	}
	return d, nil
}

func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return l, nil
}
