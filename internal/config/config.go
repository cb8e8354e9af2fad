package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.wabridge/config.toml.
type Config struct {
	DefaultSession string    `toml:"default_session"`
	Listen         Listen    `toml:"listen"`
	Blob           Blob      `toml:"blob"`
	Reconnect      Reconnect `toml:"reconnect"`
	Avatar         Avatar    `toml:"avatar"`
	Store          Store     `toml:"store"`
	Send           Send      `toml:"send"`
}

// Listen configures the websocket server for realtime clients.
type Listen struct {
	Addr string `toml:"addr"`
}

// Blob configures the external blob store used to host media bytes.
type Blob struct {
	Endpoint         string   `toml:"endpoint"`
	Timeout          duration `toml:"timeout"`
	MediaConcurrency int64    `toml:"media_concurrency"`
}

// Reconnect holds the backoff policy for the session reconnect loop.
type Reconnect struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   duration `toml:"base_delay"`
	Multiplier  float64  `toml:"multiplier"`
	MaxDelay    duration `toml:"max_delay"`
}

// Avatar configures the contact avatar cache.
type Avatar struct {
	TTL              duration `toml:"ttl"`
	BatchConcurrency int64    `toml:"batch_concurrency"`
	FetchTimeout     duration `toml:"fetch_timeout"`
}

// Store configures durable checkpointing of the in-memory chat state.
type Store struct {
	CheckpointInterval duration `toml:"checkpoint_interval"`
	PersistAttempts    int      `toml:"persist_attempts"`
}

// Send configures outbound message rate limiting.
type Send struct {
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`
}

// duration wraps time.Duration for TOML decoding of strings like "30s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the wrapped time.Duration.
func (d duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file exists. The reconnect
// policy mirrors the session driver's tolerances: five attempts, doubling
// from two seconds, never waiting more than a minute.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Listen:         Listen{Addr: "127.0.0.1:8790"},
		Blob: Blob{
			Endpoint:         "http://127.0.0.1:9600",
			Timeout:          duration(30 * time.Second),
			MediaConcurrency: 4,
		},
		Reconnect: Reconnect{
			MaxAttempts: 5,
			BaseDelay:   duration(2 * time.Second),
			Multiplier:  2.0,
			MaxDelay:    duration(time.Minute),
		},
		Avatar: Avatar{
			TTL:              duration(6 * time.Hour),
			BatchConcurrency: 4,
			FetchTimeout:     duration(15 * time.Second),
		},
		Store: Store{
			CheckpointInterval: duration(30 * time.Second),
			PersistAttempts:    3,
		},
		Send: Send{
			RatePerSecond: 1.0,
			Burst:         5,
		},
	}
}

// Load reads config from the given path, filling unset fields with defaults.
// A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
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

// applyDefaults backfills zero values a partial file left unset.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.DefaultSession == "" {
		cfg.DefaultSession = def.DefaultSession
	}
	if cfg.Listen.Addr == "" {
		cfg.Listen.Addr = def.Listen.Addr
	}
	if cfg.Blob.Endpoint == "" {
		cfg.Blob.Endpoint = def.Blob.Endpoint
	}
	if cfg.Blob.Timeout == 0 {
		cfg.Blob.Timeout = def.Blob.Timeout
	}
	if cfg.Blob.MediaConcurrency == 0 {
		cfg.Blob.MediaConcurrency = def.Blob.MediaConcurrency
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if cfg.Reconnect.BaseDelay == 0 {
		cfg.Reconnect.BaseDelay = def.Reconnect.BaseDelay
	}
	if cfg.Reconnect.Multiplier == 0 {
		cfg.Reconnect.Multiplier = def.Reconnect.Multiplier
	}
	if cfg.Reconnect.MaxDelay == 0 {
		cfg.Reconnect.MaxDelay = def.Reconnect.MaxDelay
	}
	if cfg.Avatar.TTL == 0 {
		cfg.Avatar.TTL = def.Avatar.TTL
	}
	if cfg.Avatar.BatchConcurrency == 0 {
		cfg.Avatar.BatchConcurrency = def.Avatar.BatchConcurrency
	}
	if cfg.Avatar.FetchTimeout == 0 {
		cfg.Avatar.FetchTimeout = def.Avatar.FetchTimeout
	}
	if cfg.Store.CheckpointInterval == 0 {
		cfg.Store.CheckpointInterval = def.Store.CheckpointInterval
	}
	if cfg.Store.PersistAttempts == 0 {
		cfg.Store.PersistAttempts = def.Store.PersistAttempts
	}
	if cfg.Send.RatePerSecond == 0 {
		cfg.Send.RatePerSecond = def.Send.RatePerSecond
	}
	if cfg.Send.Burst == 0 {
		cfg.Send.Burst = def.Send.Burst
	}
}
