package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the fully processed application configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `json:"listenAddr"`
	// LogLevel is one of error, warn, info, debug.
	LogLevel string `json:"logLevel"`
	// CacheDir is the root directory for proxied segment files.
	CacheDir string `json:"cacheDir"`
	// DownloadDir is the root directory for bulk-downloaded playlists,
	// one subdirectory per task.
	DownloadDir string `json:"downloadDir"`
	// DatabasePath is the SQLite file backing the task registry and the
	// persisted app settings.
	DatabasePath string `json:"databasePath"`

	// MaxConcurrent bounds the number of simultaneous segment fetches in
	// the live proxy scheduler.
	MaxConcurrent int `json:"maxConcurrent"`
	// MaxRetries is the number of attempts per segment fetch.
	MaxRetries int `json:"maxRetries"`
	// RetryDelayMs is the base backoff; attempt n waits n*RetryDelayMs.
	RetryDelayMs int `json:"retryDelayMs"`

	// GapThreshold is the largest sequence-number deviation still treated
	// as continuous playback. Anything beyond it is a jump.
	GapThreshold int `json:"gapThreshold"`
	// KeepBehind and KeepAhead define the retention window computed on a
	// jump: [seq-KeepBehind, seq+KeepAhead] clamped to the playlist.
	KeepBehind int `json:"keepBehind"`
	KeepAhead  int `json:"keepAhead"`
	// SessionTTLMinutes is the idle lifetime of a client session.
	SessionTTLMinutes int `json:"sessionTTLMinutes"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:        ":8082",
		LogLevel:          "info",
		CacheDir:          "./video_cache",
		DownloadDir:       "./downloads",
		DatabasePath:      "./hlsproxyd.db",
		MaxConcurrent:     5,
		MaxRetries:        3,
		RetryDelayMs:      1000,
		GapThreshold:      2,
		KeepBehind:        5,
		KeepAhead:         10,
		SessionTTLMinutes: 10,
	}
}

// Load reads and parses the configuration file from the given path, filling
// unset fields from Default. An empty path yields the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config JSON: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("maxConcurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("maxRetries must be at least 1, got %d", c.MaxRetries)
	}
	if c.GapThreshold < 0 || c.KeepBehind < 0 || c.KeepAhead < 0 {
		return fmt.Errorf("continuity policy values must not be negative")
	}
	return nil
}

// RetryDelay returns the base retry delay as a duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// SessionTTL returns the idle session lifetime as a duration.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}
