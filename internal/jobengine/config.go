package jobengine

import (
	"os"
	"strconv"
	"time"

	"github.com/fetchbridge/dlsvc/internal/common"
)

// Config holds the engine's tunables. Duration fields are stored as strings
// so they round-trip through TOML cleanly; Get*() accessors parse them,
// falling back to a hardcoded default on an empty or malformed value, and
// allow an environment variable to override the parsed result.
type Config struct {
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

// NewDefaultConfig returns the engine's default tunables.
func NewDefaultConfig() Config {
	return Config{
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
	}
}

// FromEngineConfig adapts the process-wide config's embedded engine section
// into the jobengine package's own Config type, so app wiring only has to
// thread a single TOML file through the whole process.
func FromEngineConfig(e common.EngineConfig) Config {
	return Config{
		WorkerConcurrency:    e.WorkerConcurrency,
		QueueCapacity:        e.QueueCapacity,
		MaxAttempts:          e.MaxAttempts,
		PerAttemptTimeout:    e.PerAttemptTimeout,
		DelayMin:             e.DelayMin,
		DelayMax:             e.DelayMax,
		ProgressTickInterval: e.ProgressTickInterval,
		JobTTL:               e.JobTTL,
		SweepInterval:        e.SweepInterval,
		ArtifactURLTTL:       e.ArtifactURLTTL,
		ShutdownGrace:        e.ShutdownGrace,
		BackoffBase:          e.BackoffBase,
		BackoffMax:           e.BackoffMax,
	}
}

func durationOrDefault(value string, def time.Duration, envVar string) time.Duration {
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
	}
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

func (c *Config) GetWorkerConcurrency() int {
	if v := os.Getenv("DLSVC_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if c.WorkerConcurrency <= 0 {
		return 4
	}
	return c.WorkerConcurrency
}

func (c *Config) GetQueueCapacity() int {
	if v := os.Getenv("DLSVC_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if c.QueueCapacity <= 0 {
		return 256
	}
	return c.QueueCapacity
}

func (c *Config) GetMaxAttempts() int {
	if v := os.Getenv("DLSVC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if c.MaxAttempts <= 0 {
		return 3
	}
	return c.MaxAttempts
}

func (c *Config) GetPerAttemptTimeout() time.Duration {
	return durationOrDefault(c.PerAttemptTimeout, 180*time.Second, "DLSVC_PER_ATTEMPT_TIMEOUT")
}

func (c *Config) GetDelayMin() time.Duration {
	return durationOrDefault(c.DelayMin, 10*time.Second, "DLSVC_DELAY_MIN")
}

func (c *Config) GetDelayMax() time.Duration {
	return durationOrDefault(c.DelayMax, 120*time.Second, "DLSVC_DELAY_MAX")
}

func (c *Config) GetProgressTickInterval() time.Duration {
	return durationOrDefault(c.ProgressTickInterval, 500*time.Millisecond, "DLSVC_PROGRESS_TICK_INTERVAL")
}

func (c *Config) GetJobTTL() time.Duration {
	return durationOrDefault(c.JobTTL, time.Hour, "DLSVC_JOB_TTL")
}

func (c *Config) GetSweepInterval() time.Duration {
	return durationOrDefault(c.SweepInterval, 30*time.Second, "DLSVC_SWEEP_INTERVAL")
}

func (c *Config) GetArtifactURLTTL() time.Duration {
	return durationOrDefault(c.ArtifactURLTTL, 15*time.Minute, "DLSVC_ARTIFACT_URL_TTL")
}

func (c *Config) GetShutdownGrace() time.Duration {
	return durationOrDefault(c.ShutdownGrace, 10*time.Second, "DLSVC_SHUTDOWN_GRACE")
}

func (c *Config) GetBackoffBase() time.Duration {
	return durationOrDefault(c.BackoffBase, time.Second, "DLSVC_BACKOFF_BASE")
}

func (c *Config) GetBackoffMax() time.Duration {
	return durationOrDefault(c.BackoffMax, 30*time.Second, "DLSVC_BACKOFF_MAX")
}
