package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "explorer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "wss", cfg.Scheme)
	assert.Equal(t, "consequence.1", cfg.Subprotocol)
	assert.Equal(t, int64(1008), cfg.SeriesLength)
	assert.Equal(t, "immediate", cfg.Reconnect.Mode)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
peer: ledger.example:8832
ranking_filter: 25
store_dir: /var/lib/explorer
reconnect:
  mode: exponential
  max_interval: 10s
announce:
  enabled: true
  name: desk
log_level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "ledger.example:8832", cfg.Peer)
	assert.Equal(t, 25.0, cfg.RankingFilter)
	assert.Equal(t, "/var/lib/explorer", cfg.StoreDir)
	assert.True(t, cfg.Announce.Enabled)
	assert.Equal(t, "desk", cfg.Announce.Name)

	// Untouched fields keep their defaults.
	assert.Equal(t, "wss", cfg.Scheme)
	assert.Equal(t, int64(1008), cfg.SeriesLength)

	d, err := cfg.Reconnect.Interval()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)

	level, err := ParseLevel(cfg.LogLevel)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "peer: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*File)
	}{
		{"scheme", func(c *File) { c.Scheme = "http" }},
		{"peer without port", func(c *File) { c.Peer = "ledger.example" }},
		{"empty subprotocol", func(c *File) { c.Subprotocol = "" }},
		{"empty listen", func(c *File) { c.Listen = "" }},
		{"negative filter", func(c *File) { c.RankingFilter = -1 }},
		{"filter above 100", func(c *File) { c.RankingFilter = 101 }},
		{"series length", func(c *File) { c.SeriesLength = 0 }},
		{"reconnect mode", func(c *File) { c.Reconnect.Mode = "never" }},
		{"max interval", func(c *File) { c.Reconnect.MaxInterval = "soon" }},
		{"negative interval", func(c *File) { c.Reconnect.MaxInterval = "-1s" }},
		{"log level", func(c *File) { c.LogLevel = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}
