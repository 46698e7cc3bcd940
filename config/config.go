// Package config loads the daemon's TOML configuration.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon runtime settings.
type Config struct {
	LogLevel            string      `toml:"log_level"`
	DevicePath          string      `toml:"device_path"`
	TransportSocket     string      `toml:"transport_socket"`
	DeadlineSeconds     int         `toml:"transfer_deadline_seconds"`
	PollIntervalSeconds int         `toml:"watchdog_poll_interval_seconds"`
	Files               []FileEntry `toml:"files"`
}

// FileEntry declares one file-table entry.
type FileEntry struct {
	Handle uint32 `toml:"handle"`
	Path   string `toml:"path"`
}

// Default returns the built-in settings: the stock XDMA device and the
// 20-second transfer deadline with a 1-second watchdog poll.
func Default() Config {
	return Config{
		LogLevel:            "info",
		DevicePath:          "/dev/aspeed-xdma",
		DeadlineSeconds:     20,
		PollIntervalSeconds: 1,
	}
}

// Load reads path over the defaults. Keys absent from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = raw.LogLevel
	}
	if meta.IsDefined("device_path") {
		cfg.DevicePath = raw.DevicePath
	}
	if meta.IsDefined("transport_socket") {
		cfg.TransportSocket = raw.TransportSocket
	}
	if meta.IsDefined("transfer_deadline_seconds") {
		cfg.DeadlineSeconds = raw.DeadlineSeconds
	}
	if meta.IsDefined("watchdog_poll_interval_seconds") {
		cfg.PollIntervalSeconds = raw.PollIntervalSeconds
	}
	if meta.IsDefined("files") {
		cfg.Files = raw.Files
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DeadlineSeconds <= 0 {
		return fmt.Errorf("transfer_deadline_seconds must be positive, got %d", c.DeadlineSeconds)
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("watchdog_poll_interval_seconds must be positive, got %d", c.PollIntervalSeconds)
	}
	if c.DevicePath == "" {
		return fmt.Errorf("device_path must not be empty")
	}
	for _, f := range c.Files {
		if f.Path == "" {
			return fmt.Errorf("file entry %d has an empty path", f.Handle)
		}
	}
	return nil
}

// Deadline returns the transfer deadline as a duration.
func (c Config) Deadline() time.Duration {
	return time.Duration(c.DeadlineSeconds) * time.Second
}

// PollInterval returns the watchdog poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}
