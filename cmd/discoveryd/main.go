// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// discoveryd is the workflow orchestrator daemon. It serves the HTTP
// control surface, drives executions against the remote step worker,
// and streams progress events over per-execution websockets.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tombee/discovery/internal/api"
	"github.com/tombee/discovery/internal/broker"
	"github.com/tombee/discovery/internal/config"
	"github.com/tombee/discovery/internal/engine"
	"github.com/tombee/discovery/internal/log"
	"github.com/tombee/discovery/internal/runner"
	"github.com/tombee/discovery/internal/store"
	"github.com/tombee/discovery/internal/worker"
)

// Build information, set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const drainTimeout = 30 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML configuration file")
		listenAddr  = flag.String("listen", "", "HTTP listen address (overrides config)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("discoveryd %s (commit %s, built %s)\n", version, commit, buildDate)
		return
	}

	logger := log.New(log.FromEnv()).With(slog.String("component", "discoveryd"))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Loading configuration", log.Error(err))
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.Addr = *listenAddr
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Daemon exited with error", log.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	wk, err := worker.New(cfg.WorkerClientConfig())
	if err != nil {
		return fmt.Errorf("creating worker client: %w", err)
	}

	br := broker.New(logger)
	eng := engine.New(st, wk, br, logger)
	rn := runner.New(runner.Config{MaxParallel: cfg.Runner.MaxParallel}, eng, st, br, logger)

	router := api.NewRouter(api.RouterConfig{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	}, st, eng, rn, br, wk, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("Shutting down", slog.String("signal", sig.String()))
	}

	// Stop accepting new executions, then let in-flight ones finish.
	rn.StartDraining()
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := rn.WaitForDrain(drainCtx, drainTimeout); err != nil {
		logger.Warn("Drain incomplete", log.Error(err))
	}
	rn.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	logger.Info("Shutdown complete")
	return nil
}
