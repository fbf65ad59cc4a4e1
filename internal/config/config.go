package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Backends for the persisted stores.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config represents the global ~/.msgsync/config.toml.
type Config struct {
	DefaultProfile string       `toml:"default_profile"`
	UserID         string       `toml:"user_id"`
	Server         ServerConfig `toml:"server"`
	Sync           SyncConfig   `toml:"sync"`
}

// ServerConfig locates the chat server.
type ServerConfig struct {
	BaseURL        string   `toml:"base_url"`
	EventsURL      string   `toml:"events_url"`
	Token          string   `toml:"token"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// SyncConfig is the engine's tuning. The retry fields are hot-reloaded.
type SyncConfig struct {
	MaxAttempts        int      `toml:"max_attempts"`
	SweepInterval      Duration `toml:"sweep_interval"`
	CacheCapacity      int      `toml:"cache_capacity"`
	FuzzyWindow        Duration `toml:"fuzzy_window"`
	DedupLogSize       int      `toml:"dedup_log_size"`
	MaxConcurrentSends int      `toml:"max_concurrent_sends"`
	Backend            string   `toml:"backend"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Server: ServerConfig{
			RequestTimeout: Duration{10 * time.Second},
		},
		Sync: SyncConfig{
			MaxAttempts:        3,
			SweepInterval:      Duration{30 * time.Second},
			CacheCapacity:      200,
			FuzzyWindow:        Duration{5 * time.Second},
			DedupLogSize:       50,
			MaxConcurrentSends: 4,
			Backend:            BackendSQLite,
		},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
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

// Validate checks value ranges and URLs.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.BaseURL != "" {
		if u, err := url.Parse(c.Server.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("server.base_url %q: want an http(s) url", c.Server.BaseURL))
		}
	}
	if c.Server.EventsURL != "" {
		if u, err := url.Parse(c.Server.EventsURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("server.events_url %q: want a ws(s) url", c.Server.EventsURL))
		}
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, errors.New("server.request_timeout must be positive"))
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, errors.New("sync.max_attempts must be at least 1"))
	}
	if c.Sync.SweepInterval.Duration < time.Second {
		errs = append(errs, errors.New("sync.sweep_interval must be at least 1s"))
	}
	if c.Sync.CacheCapacity < 1 {
		errs = append(errs, errors.New("sync.cache_capacity must be at least 1"))
	}
	if c.Sync.FuzzyWindow.Duration < 0 {
		errs = append(errs, errors.New("sync.fuzzy_window must not be negative"))
	}
	if c.Sync.DedupLogSize < 1 {
		errs = append(errs, errors.New("sync.dedup_log_size must be at least 1"))
	}
	if c.Sync.MaxConcurrentSends < 1 {
		errs = append(errs, errors.New("sync.max_concurrent_sends must be at least 1"))
	}
	switch c.Sync.Backend {
	case BackendSQLite, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("sync.backend %q: want %q or %q", c.Sync.Backend, BackendSQLite, BackendMemory))
	}
	return errors.Join(errs...)
}
