package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/c35s/bss2k/hw"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration file.
type Config struct {
	LogLevel    string   `yaml:"log_level"`    // debug, info, warn or error (default: info)
	Refresh     Duration `yaml:"refresh"`      // display refresh interval, 0 = never
	MemoryLimit int      `yaml:"memory_limit"` // DMA memory cap in bytes, 0 = none

	Topology []RootConfig   `yaml:"topology"`
	Devices  []DeviceConfig `yaml:"devices"`
}

// RootConfig is a PCIe root bridge and the devices behind it.
type RootConfig struct {
	Root    string   `yaml:"root"`
	P2P     bool     `yaml:"p2p"`
	Devices []string `yaml:"devices"`
}

// DeviceConfig is one emulated card and the address it is served on.
type DeviceConfig struct {
	Name         string `yaml:"name"`           // topology name (default: 0000:01:00.0)
	Listen       string `yaml:"listen"`         // unix:PATH, tcp:HOST:PORT or vsock:PORT
	TextModeAddr uint32 `yaml:"text_mode_addr"` // text mode buffer address
	CPU          string `yaml:"cpu"`            // idle or halt (default: idle)
}

// cpu returns the emulated CPU for the card. An idle CPU runs until it is
// reset; a halt CPU stops as soon as it is started.
func (dc DeviceConfig) cpu() hw.CPU {
	if dc.CPU == "halt" {
		return hw.CPUFunc(func(ctx context.Context, mem hw.Memory) error {
			return nil
		})
	}

	return hw.IdleCPU{}
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	if s == "" {
		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	return parseConfig(data)
}

func parseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (cfg Config) withDefaults() Config {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	for i := range cfg.Devices {
		if cfg.Devices[i].Name == "" && i == 0 {
			cfg.Devices[i].Name = hw.DefaultName
		}

		if cfg.Devices[i].CPU == "" {
			cfg.Devices[i].CPU = "idle"
		}
	}

	return cfg
}

func (cfg Config) validate() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return err
	}

	if len(cfg.Devices) == 0 {
		return errors.New("no devices")
	}

	if len(cfg.Devices) > 16 {
		return fmt.Errorf("%d devices, at most 16 are supported", len(cfg.Devices))
	}

	seen := make(map[string]bool)
	for i, dc := range cfg.Devices {
		switch {
		case dc.Name == "":
			return fmt.Errorf("device %d has no name", i)
		case seen[dc.Name]:
			return fmt.Errorf("duplicate device %q", dc.Name)
		case dc.Listen == "":
			return fmt.Errorf("device %q has no listen address", dc.Name)
		case dc.CPU != "idle" && dc.CPU != "halt":
			return fmt.Errorf("device %q: unknown cpu %q", dc.Name, dc.CPU)
		}

		seen[dc.Name] = true
	}

	return nil
}

func (cfg Config) level() slog.Level {
	var level slog.Level
	level.UnmarshalText([]byte(cfg.LogLevel))
	return level
}
