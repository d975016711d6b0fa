package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all tunables of the realtime client.
type Config struct {
	Transport Transport `toml:"transport"`
	API       API       `toml:"api"`
	Delivery  Delivery  `toml:"delivery"`
	Cache     Cache     `toml:"cache"`
	LogPath   string    `toml:"log_path"`
}

// Transport configures the streaming connection.
type Transport struct {
	Endpoint string `toml:"endpoint"`
	// InitialBackoff and MaxBackoff bound the reconnect delay. Reconnection
	// is indefinite; only the delay between attempts is capped.
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
}

// API configures the request/response collaborators: history load, fallback
// send and notification delete.
type API struct {
	BaseURL string   `toml:"base_url"`
	Timeout Duration `toml:"timeout"`
}

// Delivery configures outbound send reconciliation.
type Delivery struct {
	// ConfirmWindow is how far apart a stream echo's timestamp may be from
	// the attempted send while still counting as confirmation.
	ConfirmWindow Duration `toml:"confirm_window"`
}

// Cache configures the optional local sqlite cache.
type Cache struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Transport: Transport{
			Endpoint:       "ws://localhost:8083/ws",
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(30 * time.Second),
		},
		API: API{
			BaseURL: "http://localhost:8083/api",
			Timeout: Duration(10 * time.Second),
		},
		Delivery: Delivery{
			ConfirmWindow: Duration(15 * time.Second),
		},
		Cache: Cache{
			Enabled: false,
		},
	}
}

// Load reads config from the given path, layered over defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
