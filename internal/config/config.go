// Package config provides configuration management for the decoder worker.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	// DefaultWorkerPort is the default HTTP port for the decoder service.
	DefaultWorkerPort = 38080

	// DefaultNBestCap bounds how many alternatives one request may ask for.
	DefaultNBestCap = 100

	// DefaultSessionIdleTimeout is how long an unused session may linger
	// before the supervisor purges it.
	DefaultSessionIdleTimeout = 2 * time.Hour
)

// Config holds the application configuration.
type Config struct {
	// Worker settings
	WorkerPort int `json:"worker_port"`

	// Model resources
	EnginePath     string `json:"engine_path"`     // YAML engine configuration
	VocabularyPath string `json:"vocabulary_path"` // plain-text vocabulary
	WeightsPath    string `json:"weights_path"`    // optional hot-reload weights file

	// Database settings
	DBPath   string `json:"db_path"`
	MaxConns int    `json:"max_conns"`

	// Request limits
	NBestCap int `json:"nbest_cap"`

	// Session supervision
	SessionIdleTimeout time.Duration `json:"session_idle_timeout"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
)

// DataDir returns the data directory path (~/.mmt-decoder).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mmt-decoder")
}

// DBPath returns the default database file path.
func DBPath() string {
	return filepath.Join(DataDir(), "decoder.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		WorkerPort:         DefaultWorkerPort,
		EnginePath:         filepath.Join(DataDir(), "engine.yml"),
		VocabularyPath:     filepath.Join(DataDir(), "vocabulary.txt"),
		WeightsPath:        filepath.Join(DataDir(), "weights.json"),
		DBPath:             DBPath(),
		MaxConns:           4,
		NBestCap:           DefaultNBestCap,
		SessionIdleTimeout: DefaultSessionIdleTimeout,
	}
}

// Load loads configuration from the settings file, merging with defaults.
// Environment variables with the MMT_ prefix win over the file.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err == nil {
		// Ignore a malformed settings file and keep defaults.
		_ = json.Unmarshal(data, cfg)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if v := os.Getenv("MMT_WORKER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.WorkerPort = p
		}
	}
	if v := os.Getenv("MMT_ENGINE_PATH"); v != "" {
		cfg.EnginePath = v
	}
	if v := os.Getenv("MMT_VOCABULARY_PATH"); v != "" {
		cfg.VocabularyPath = v
	}
	if v := os.Getenv("MMT_WEIGHTS_PATH"); v != "" {
		cfg.WeightsPath = v
	}
	if v := os.Getenv("MMT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MMT_NBEST_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.NBestCap = n
		}
	}
	if v := os.Getenv("MMT_SESSION_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SessionIdleTimeout = d
		}
	}

	return cfg, nil
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	configOnce.Do(func() {
		var err error
		globalConfig, err = Load()
		if err != nil {
			globalConfig = Default()
		}
	})
	return globalConfig
}
