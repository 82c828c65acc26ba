package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads an explorer configuration file over the defaults.
func Load(path string) (File, error) {
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

// Validate checks a configuration before use.
func Validate(cfg File) error {
	switch cfg.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("scheme must be ws or wss, got %q", cfg.Scheme)
	}

	if cfg.Peer != "" {
		if _, _, err := net.SplitHostPort(cfg.Peer); err != nil {
			return fmt.Errorf("invalid peer %q: %w", cfg.Peer, err)
		}
	}

	if cfg.Subprotocol == "" {
		return errors.New("subprotocol must be set")
	}

	if cfg.Listen == "" {
		return errors.New("listen must be set")
	}

	if cfg.RankingFilter < 0 || cfg.RankingFilter > 100 {
		return fmt.Errorf("ranking_filter must be within 0..100, got %v", cfg.RankingFilter)
	}

	if cfg.SeriesLength <= 0 {
		return fmt.Errorf("series_length must be positive, got %d", cfg.SeriesLength)
	}

	switch cfg.Reconnect.Mode {
	case "", "immediate", "exponential":
	default:
		return fmt.Errorf("reconnect.mode must be immediate or exponential, got %q", cfg.Reconnect.Mode)
	}
	if _, err := cfg.Reconnect.Interval(); err != nil {
		return err
	}

	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return err
	}

	return nil
}

// Interval parses MaxInterval. Empty means no cap override.
func (r ReconnectSection) Interval() (time.Duration, error) {
	if r.MaxInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.MaxInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid reconnect.max_interval %q: %w", r.MaxInterval, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("reconnect.max_interval must not be negative, got %s", d)
	}
	return d, nil
}

// ParseLevel maps a log_level value to a slog level. Empty is info.
func ParseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return level, nil
}
