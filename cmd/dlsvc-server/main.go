// Command dlsvc-server runs the asynchronous download job service: it wires
// the job engine to an HTTP transport, starts the worker pool and registry
// sweeper, and serves until SIGINT/SIGTERM triggers a graceful drain.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fetchbridge/dlsvc/internal/app"
	"github.com/fetchbridge/dlsvc/internal/common"
	"github.com/fetchbridge/dlsvc/internal/jobengine"
	"github.com/fetchbridge/dlsvc/internal/server"
)

func main() {
	configPath := os.Getenv("DLSVC_CONFIG")

	a, err := app.NewApp(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	engineCfg := jobengine.FromEngineConfig(a.Config.Engine)
	common.PrintBanner(a.Config, a.Logger, engineCfg.GetWorkerConcurrency())

	a.Start()

	srv := server.NewServer(a)
	go func() {
		if err := srv.Start(); err != nil {
			a.Logger.Error().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	common.PrintShutdownBanner(a.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), engineCfg.GetShutdownGrace())
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	a.Close()
	a.Logger.Info().Msg("server stopped")
}
