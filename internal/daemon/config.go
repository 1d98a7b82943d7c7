// Package daemon wires the FieldLedger services together and runs
// them: local store, remote gateway, sync engine, job cache, approval
// machine, and the companion HTTP API.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, loaded from
// ~/.fieldledger/config.toml.
type Config struct {
	API    APIConfig    `toml:"api"`
	Remote RemoteConfig `toml:"remote"`
	Sync   SyncConfig   `toml:"sync"`
	Jobs   JobsConfig   `toml:"jobs"`
	Log    LogConfig    `toml:"log"`
}

type APIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Metrics bool   `toml:"metrics"`
}

type RemoteConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	UserID  string `toml:"user_id"`
	Timeout string `toml:"timeout"` // Go duration, e.g. "15s"
}

type SyncConfig struct {
	Auto       bool   `toml:"auto"`
	Interval   string `toml:"interval"` // between background drain passes
	MaxRetries int    `toml:"max_retries"`
}

type JobsConfig struct {
	Freshness   string `toml:"freshness"` // cache staleness window
	RecentCount int    `toml:"recent_count"`
	ScanWindow  int    `toml:"scan_window"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// DefaultConfig returns the configuration used when no config file
// exists yet.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:    "127.0.0.1",
			Port:    7420,
			Metrics: true,
		},
		Remote: RemoteConfig{
			Timeout: "15s",
		},
		Sync: SyncConfig{
			Auto:       true,
			Interval:   "1m",
			MaxRetries: 5,
		},
		Jobs: JobsConfig{
			Freshness:   "15m",
			RecentCount: 5,
			ScanWindow:  50,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Home returns the FieldLedger home directory, honoring
// FIELDLEDGER_HOME.
func Home() string {
	if home := os.Getenv("FIELDLEDGER_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".fieldledger"
	}
	return filepath.Join(userHome, ".fieldledger")
}

// ConfigPath returns the config file location.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// LoadConfig reads the config file, creating it with defaults on first
// run. Fields absent from the file keep their default values.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := ConfigPath()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefaultConfig(path, cfg); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// duration parses a config duration string, falling back when it is
// empty or malformed.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
