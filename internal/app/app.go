// Package app wires the job engine, its collaborators, and the HTTP server
// into a single process.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fetchbridge/dlsvc/internal/common"
	"github.com/fetchbridge/dlsvc/internal/interfaces"
	"github.com/fetchbridge/dlsvc/internal/jobengine"
	"github.com/fetchbridge/dlsvc/internal/objectstore"
)

// App holds all initialized components. It is the shared core used by
// cmd/dlsvc-server.
type App struct {
	Config  *common.Config
	Logger  *common.Logger
	Storage interfaces.ObjectStorage

	Registry *jobengine.Registry
	Queue    *jobengine.Queue
	Stager   *jobengine.Stager
	Pool     *jobengine.Pool
	Hub      *jobengine.EventHub
	Service  *jobengine.Service

	StartupTime time.Time
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes configuration, logging, storage, and the job engine.
// configPath may be empty, in which case the default resolution logic is
// used: provided path, then DLSVC_CONFIG env, then a file next to the
// binary, then a development fallback under ./config.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()

	common.LoadVersionFromFile()

	binDir := getBinaryDir()

	if configPath == "" {
		configPath = os.Getenv("DLSVC_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "dlsvc-service.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/dlsvc-service.toml"
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if config.Logging.FilePath != "" && !filepath.IsAbs(config.Logging.FilePath) {
		config.Logging.FilePath = filepath.Join(binDir, config.Logging.FilePath)
	}

	logger := common.NewLoggerFromConfig(config.Logging)

	store, err := newObjectStore(context.Background(), config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object storage: %w", err)
	}

	engineCfg := jobengine.FromEngineConfig(config.Engine)
	clock := jobengine.NewSystemClock()

	registry := jobengine.NewRegistry(clock, logger)
	queue := jobengine.NewQueue(engineCfg.GetQueueCapacity())
	stager := jobengine.NewStager(store, engineCfg.GetArtifactURLTTL())
	hub := jobengine.NewEventHub(registry, queue, logger)
	pool := jobengine.NewPool(registry, queue, stager, clock, logger, &engineCfg, hub, jobengine.NopTelemetry{})
	service := jobengine.NewService(registry, queue, clock, &engineCfg, logger, hub)

	a := &App{
		Config:      config,
		Logger:      logger,
		Storage:     store,
		Registry:    registry,
		Queue:       queue,
		Stager:      stager,
		Pool:        pool,
		Hub:         hub,
		Service:     service,
		StartupTime: startupStart,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("App initialized")

	return a, nil
}

// newObjectStore resolves the storage backend for the artifact stager. A
// configured bucket builds a GCS-backed store; an empty bucket (typical for
// local development) falls back to an in-memory store so the service runs
// without cloud credentials.
func newObjectStore(ctx context.Context, config *common.Config, logger *common.Logger) (interfaces.ObjectStorage, error) {
	if config.Storage.Bucket == "" {
		logger.Warn().Msg("no storage bucket configured, using in-memory object store")
		return objectstore.NewMemoryStore(), nil
	}

	opts := []objectstore.GCSOption{objectstore.WithPrefix(config.Storage.Prefix)}
	if config.Storage.RateLimit > 0 {
		opts = append(opts, objectstore.WithRateLimit(config.Storage.RateLimit))
	}
	return objectstore.NewGCSStore(ctx, config.Storage.Bucket, opts...)
}

// Start launches the background sweeper and worker pool.
func (a *App) Start() {
	cfg := jobengine.FromEngineConfig(a.Config.Engine)
	a.Registry.StartSweeper(cfg.GetSweepInterval())
	a.Pool.Start()
}

// Close releases all resources held by the App in reverse start order.
func (a *App) Close() {
	a.Pool.Stop()
	a.Registry.StopSweeper()
	a.Hub.Stop()
}
