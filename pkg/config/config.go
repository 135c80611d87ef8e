// Package config holds the tunables of the period cache and server.
// Values resolve in three layers: compiled defaults, an optional TOML
// file, then PLAZAS_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Cache maintenance defaults
const (
	DefaultResultTTL        = 4 * time.Hour
	DefaultWatchdogInterval = 30 * time.Second
	DefaultMaxHistorical    = 12
	DefaultRAMWarnMB        = 600
	DefaultRAMKillMB        = 900
)

// Download defaults
const (
	DefaultDownloadTimeout = 90 * time.Second
	DefaultMaxRetries      = 2
)

// Server defaults
const (
	DefaultPort            = "8080"
	DefaultMaxMemoryMB     = 48
	ServerReadTimeout      = 30 * time.Second
	ServerWriteTimeout     = 120 * time.Second
	ShutdownTimeout        = 30 * time.Second
	DefaultBackendGCPeriod = 10 * time.Minute
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 64
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
	WSStatusInterval  = 5 * time.Second
)

// Config is the full runtime configuration.
type Config struct {
	Port        string `toml:"port"`
	CurrentYear int    `toml:"current_year"`

	// Data sources
	LocalDataset string `toml:"local_dataset"` // protected current-year export
	RemoteIndex  string `toml:"remote_index"`  // downloadable-period manifest

	// Acceleration backend: "badger", "memory" or "" (none)
	Backend     string `toml:"backend"`
	BackendPath string `toml:"backend_path"`
	MaxMemoryMB int64  `toml:"max_memory_mb"`

	// Cache maintenance
	ResultTTL        Duration `toml:"result_ttl"`
	WatchdogInterval Duration `toml:"watchdog_interval"`
	MaxHistorical    int      `toml:"max_historical"`
	RAMWarnMB        uint64   `toml:"ram_warn_mb"`
	RAMKillMB        uint64   `toml:"ram_kill_mb"`

	// Downloads
	DownloadTimeout Duration `toml:"download_timeout"`
	MaxRetries      int      `toml:"max_retries"`
}

// Duration lets TOML carry values like "4h" or "30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Port:             DefaultPort,
		CurrentYear:      time.Now().Year(),
		Backend:          "badger",
		BackendPath:      "data/plazas",
		MaxMemoryMB:      DefaultMaxMemoryMB,
		ResultTTL:        Duration(DefaultResultTTL),
		WatchdogInterval: Duration(DefaultWatchdogInterval),
		MaxHistorical:    DefaultMaxHistorical,
		RAMWarnMB:        DefaultRAMWarnMB,
		RAMKillMB:        DefaultRAMKillMB,
		DownloadTimeout:  Duration(DefaultDownloadTimeout),
		MaxRetries:       DefaultMaxRetries,
	}
}

// Load resolves the configuration. path may be empty: the file layer is
// then skipped. Environment overrides always apply last.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	}

	cfg.Port = getEnv("PLAZAS_PORT", cfg.Port)
	cfg.CurrentYear = getEnvInt("PLAZAS_CURRENT_YEAR", cfg.CurrentYear)
	cfg.LocalDataset = getEnv("PLAZAS_LOCAL_DATASET", cfg.LocalDataset)
	cfg.RemoteIndex = getEnv("PLAZAS_REMOTE_INDEX", cfg.RemoteIndex)
	cfg.Backend = getEnv("PLAZAS_BACKEND", cfg.Backend)
	cfg.BackendPath = getEnv("PLAZAS_BACKEND_PATH", cfg.BackendPath)
	cfg.MaxMemoryMB = getEnvInt64("PLAZAS_MAX_MEMORY_MB", cfg.MaxMemoryMB)
	cfg.MaxHistorical = getEnvInt("PLAZAS_MAX_HISTORICAL", cfg.MaxHistorical)
	cfg.RAMWarnMB = uint64(getEnvInt64("PLAZAS_RAM_WARN_MB", int64(cfg.RAMWarnMB)))
	cfg.RAMKillMB = uint64(getEnvInt64("PLAZAS_RAM_KILL_MB", int64(cfg.RAMKillMB)))
	cfg.MaxRetries = getEnvInt("PLAZAS_MAX_RETRIES", cfg.MaxRetries)
	cfg.ResultTTL = getEnvDuration("PLAZAS_RESULT_TTL", cfg.ResultTTL)
	cfg.WatchdogInterval = getEnvDuration("PLAZAS_WATCHDOG_INTERVAL", cfg.WatchdogInterval)
	cfg.DownloadTimeout = getEnvDuration("PLAZAS_DOWNLOAD_TIMEOUT", cfg.DownloadTimeout)

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Backend {
	case "", "memory", "badger":
	default:
		return fmt.Errorf("backend %q: must be badger, memory or empty", c.Backend)
	}
	if c.MaxHistorical < 0 {
		return fmt.Errorf("max_historical %d: must be >= 0", c.MaxHistorical)
	}
	if c.RAMKillMB < c.RAMWarnMB {
		return fmt.Errorf("ram_kill_mb %d below ram_warn_mb %d", c.RAMKillMB, c.RAMWarnMB)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries %d: must be >= 0", c.MaxRetries)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue Duration) Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return Duration(parsed)
		}
	}
	return defaultValue
}
