// Package common provides shared utilities for the download job service.
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all top-level configuration for the service.
type Config struct {
	Environment string       `toml:"environment"`
	Server      ServerConfig `toml:"server"`
	Engine      EngineConfig `toml:"engine"`
	Storage     StorageConfig `toml:"storage"`
	Logging     LoggingConfig `toml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// EngineConfig embeds the job engine's own tunables under the top-level
// config so a single TOML file can configure the whole process.
type EngineConfig struct {
	WorkerConcurrency   int    `toml:"worker_concurrency"`
	QueueCapacity       int    `toml:"queue_capacity"`
	MaxAttempts         int    `toml:"max_attempts"`
	PerAttemptTimeout   string `toml:"per_attempt_timeout"`
	DelayMin            string `toml:"delay_min"`
	DelayMax            string `toml:"delay_max"`
	ProgressTickInterval string `toml:"progress_tick_interval"`
	JobTTL              string `toml:"job_ttl"`
	SweepInterval       string `toml:"sweep_interval"`
	ArtifactURLTTL      string `toml:"artifact_url_ttl"`
	ShutdownGrace       string `toml:"shutdown_grace"`
	BackoffBase         string `toml:"backoff_base"`
	BackoffMax          string `toml:"backoff_max"`
}

// StorageConfig describes the object storage backend used by the artifact
// stager.
type StorageConfig struct {
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	CredentialsFile string `toml:"credentials_file"`
	RateLimit       int    `toml:"rate_limit"` // requests/sec, 0 disables limiting
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Outputs    []string `toml:"outputs"`
	FilePath   string   `toml:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb"`
	MaxBackups int      `toml:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults, matching the
// job engine's own defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Engine: EngineConfig{
			WorkerConcurrency:    4,
			QueueCapacity:        256,
			MaxAttempts:          3,
			PerAttemptTimeout:    "180s",
			DelayMin:             "10s",
			DelayMax:             "120s",
			ProgressTickInterval: "500ms",
			JobTTL:               "1h",
			SweepInterval:        "30s",
			ArtifactURLTTL:       "15m",
			ShutdownGrace:        "10s",
			BackoffBase:          "1s",
			BackoffMax:           "30s",
		},
		Storage: StorageConfig{
			Bucket: "dlsvc-artifacts",
			Prefix: "downloads",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console"},
			FilePath:   "./logs/dlsvc.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
// Later paths override earlier ones; missing files are skipped rather than
// treated as an error, so a deployment can layer an optional local override
// on top of a checked-in base file.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config. The
// job engine's own per-field env overrides (DLSVC_WORKER_CONCURRENCY and
// friends) are applied later, directly in jobengine.Config's Get*()
// accessors, not here — this function only covers process-wide settings.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("DLSVC_ENV"); env != "" {
		config.Environment = env
	}
	if host := os.Getenv("DLSVC_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("DLSVC_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if level := os.Getenv("DLSVC_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if bucket := os.Getenv("DLSVC_STORAGE_BUCKET"); bucket != "" {
		config.Storage.Bucket = bucket
	}
	if prefix := os.Getenv("DLSVC_STORAGE_PREFIX"); prefix != "" {
		config.Storage.Prefix = prefix
	}
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" {
		config.Storage.CredentialsFile = creds
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
