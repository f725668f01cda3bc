// SPDX-License-Identifier: MIT

// Command adhdosd runs the deterministic automation core: event bus,
// state store, plan cache, the accountability machines and the HTTP
// surface, all wired together with explicit dependency injection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/VJDiPaola/ADHD-OS/internal/api"
	"github.com/VJDiPaola/ADHD-OS/internal/bus"
	"github.com/VJDiPaola/ADHD-OS/internal/cache"
	"github.com/VJDiPaola/ADHD-OS/internal/clock"
	"github.com/VJDiPaola/ADHD-OS/internal/config"
	"github.com/VJDiPaola/ADHD-OS/internal/log"
	"github.com/VJDiPaola/ADHD-OS/internal/machine"
	mstore "github.com/VJDiPaola/ADHD-OS/internal/machine/store"
	"github.com/VJDiPaola/ADHD-OS/internal/persistence/sqlite"
	"github.com/VJDiPaola/ADHD-OS/internal/query"
	"github.com/VJDiPaola/ADHD-OS/internal/report"
	"github.com/VJDiPaola/ADHD-OS/internal/state"
	"github.com/VJDiPaola/ADHD-OS/internal/store"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "storage" {
		os.Exit(runStorageCLI(os.Args[2:]))
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "adhdosd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "adhdosd",
	})
	logger := log.WithComponent("daemon")
	logger.Info().
		Str("version", version).
		Str("addr", cfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Msg("starting adhdosd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	clk := clock.RealClock{}

	// Refuse to boot on a structurally corrupt database; adhdosd storage
	// verify gives the full diagnostic.
	if _, statErr := os.Stat(cfg.DBPath); statErr == nil {
		issues, verr := sqlite.VerifyIntegrity(cfg.DBPath, "quick")
		if verr != nil {
			return fmt.Errorf("verify state database: %w", verr)
		}
		if issues != nil {
			for _, issue := range issues {
				logger.Error().Str("issue", issue).Msg("state database corruption")
			}
			return fmt.Errorf("state database %s failed integrity check", cfg.DBPath)
		}
	}

	st, err := store.Open(cfg.DBPath, store.WithMaxRetries(cfg.StoreMaxRetries))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	snaps, err := mstore.Open(cfg.SnapshotBackend, cfg.SnapshotDir)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer func() { _ = snaps.Close() }()

	b := bus.New(clk)
	defer b.Close()

	// Redis is optional: the cache degrades to sqlite-only when it is
	// absent or down.
	var lookaside cache.Lookaside
	if cfg.RedisAddr != "" {
		rl, err := cache.NewRedisLookaside(cfg.RedisAddr, cfg.CacheMaxAge)
		if err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, running without lookaside")
		} else {
			lookaside = rl
			defer func() { _ = rl.Close() }()
		}
	}
	planCache := cache.New(st, clk, cache.Options{
		Lookaside:           lookaside,
		SimilarityThreshold: cfg.CacheSimilarityThreshold,
		MaxAge:              cfg.CacheMaxAge,
		ScanLimit:           cfg.CacheScanLimit,
	})

	window := state.PeakWindow{
		StartOffset: cfg.PeakWindowStart,
		EndOffset:   cfg.PeakWindowEnd,
	}
	q := query.New(st, b, clk, window)
	exporter := report.NewExporter(q, st, b, clk)

	srv := api.NewServer(st, b, planCache, q, snaps, clk, api.Options{
		CheckinInterval: cfg.CheckinInterval,
		CheckinGrace:    cfg.CheckinGrace,
		WarnThresholds:  cfg.FocusWarnThresholds,
		SessionDuration: cfg.SessionDuration,
		PeakWindow:      window,
	})

	// Bring persisted machines back up before accepting traffic.
	mgr := machine.NewManager(b, snaps, clk, machine.ManagerOptions{
		CheckinInterval: cfg.CheckinInterval,
		CheckinGrace:    cfg.CheckinGrace,
		WarnThresholds:  cfg.FocusWarnThresholds,
		StaleGrace:      cfg.SnapshotGrace,
	})
	resumed, err := mgr.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume machines: %w", err)
	}
	srv.Adopt(resumed)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Orderly teardown: machines first so their final events reach the
	// bus, then a last summary, then the deferred closes.
	srv.StopAll()
	if cfg.UserID != "" {
		exportCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		summaryPath := filepath.Join(cfg.DataDir, "summary.json")
		if exportErr := exporter.Export(exportCtx, cfg.UserID, summaryPath); exportErr != nil {
			logger.Warn().Err(exportErr).Msg("final summary export failed")
		}
		cancel()
	}

	logger.Info().Msg("shutdown complete")
	return err
}
