// SPDX-License-Identifier: MIT

// Command soundgrabd runs the acquisition daemon: a task queue feeding HTTP
// fetch workers, a sqlite-backed library catalog, and an HTTP control
// surface. The `prune` subcommand reconciles the catalog against the
// filesystem and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManuGH/soundgrab/internal/api"
	"github.com/ManuGH/soundgrab/internal/config"
	"github.com/ManuGH/soundgrab/internal/events"
	"github.com/ManuGH/soundgrab/internal/fetch"
	"github.com/ManuGH/soundgrab/internal/library"
	sglog "github.com/ManuGH/soundgrab/internal/log"
	"github.com/ManuGH/soundgrab/internal/queue"
	"github.com/ManuGH/soundgrab/internal/retry"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "prune" {
		os.Exit(runPrune(os.Args[2:]))
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger := sglog.WithComponent("daemon")
		logger.Fatal().
			Err(err).
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	sglog.Configure(sglog.Config{
		Level:   cfg.LogLevel,
		Service: "soundgrab",
	})
	logger := sglog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Fatal().Err(err).Str("data_dir", cfg.DataDir).Msg("failed to create data directory")
	}

	store, err := library.NewStore(cfg.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("failed to open catalog database")
	}
	defer func() { _ = store.Close() }()

	bus := events.NewBus()
	fetcher := fetch.NewFetcher(cfg.DataDir,
		fetch.WithHostRate(cfg.FetchRatePerHost, cfg.FetchBurst))
	manager := queue.NewManager(queue.Config{
		MaxConcurrency: cfg.MaxConcurrency,
		MaxAttempts:    cfg.MaxAttempts,
		Policy:         retry.NewPolicy(cfg.RetryBackoffBase, cfg.RetryBackoffMax, nil),
	}, fetcher, store, bus)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(manager, store, bus).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.Listen).
		Str("data_dir", cfg.DataDir).
		Int("max_concurrency", cfg.MaxConcurrency).
		Msg("starting soundgrabd")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("queue manager shutdown timed out")
	}
	logger.Info().Msg("server exiting")
}

// runPrune opens the catalog, removes records whose artifacts are gone from
// disk, and reports the count. Intended for cron and manual maintenance.
func runPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (YAML)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		return 1
	}

	sglog.Configure(sglog.Config{Level: cfg.LogLevel, Service: "soundgrab"})
	logger := sglog.WithComponent("prune")

	store, err := library.NewStore(cfg.DatabasePath)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.DatabasePath).Msg("failed to open catalog database")
		return 1
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	removed, err := store.RemoveBrokenRecords(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("reconciliation failed")
		return 1
	}
	logger.Info().Int("removed", removed).Msg("catalog reconciled")
	fmt.Printf("removed %d broken records\n", removed)
	return 0
}
