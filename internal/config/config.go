package config

import (
	"github.com/consequence/explorer/internal/assertion"
	"github.com/consequence/explorer/internal/protocol"
)

// ReconnectSection controls how the peer connection is redialed.
type ReconnectSection struct {
	// Mode is "immediate" (redial at once, forever) or "exponential".
	Mode string `yaml:"mode"`

	// MaxInterval caps the exponential delay.
	// Use Go duration format: "500ms", "30s", "1m", etc.
	MaxInterval string `yaml:"max_interval"`
}

// AnnounceSection controls mDNS advertisement of the local API.
type AnnounceSection struct {
	Enabled bool `yaml:"enabled"`
	// Name is the advertised instance name. Empty uses the hostname.
	Name string `yaml:"name"`
}

// File represents an explorer configuration file.
type File struct {
	// Peer is host:port of the ledger peer. Empty falls back to the last
	// peer selected and persisted in the store.
	Peer        string `yaml:"peer"`
	Scheme      string `yaml:"scheme"`
	Subprotocol string `yaml:"subprotocol"`

	// Listen is the local explorer API address.
	Listen string `yaml:"listen"`

	// StoreDir holds persisted state. Empty keeps state in memory.
	StoreDir string `yaml:"store_dir"`

	// RankingFilter hides graph nodes ranked below this percentage.
	RankingFilter float64 `yaml:"ranking_filter"`
	SeriesLength  int64   `yaml:"series_length"`

	Reconnect ReconnectSection `yaml:"reconnect"`
	Announce  AnnounceSection  `yaml:"announce"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() File {
	return File{
		Scheme:       "wss",
		Subprotocol:  protocol.Subprotocol,
		Listen:       "127.0.0.1:8832",
		SeriesLength: assertion.SeriesLength,
		Reconnect: ReconnectSection{
			Mode:        "immediate",
			MaxInterval: "30s",
		},
		LogLevel: "info",
	}
}
