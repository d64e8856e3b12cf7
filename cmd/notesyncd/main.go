package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quietpage/notesync/internal/config"
	"github.com/quietpage/notesync/internal/httpapi"
	"github.com/quietpage/notesync/internal/logging"
	"github.com/quietpage/notesync/internal/notes"
	"github.com/quietpage/notesync/internal/scheduler"
	"github.com/quietpage/notesync/internal/syncer"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional, env vars always apply)")
	flag.Parse()

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, flush := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	defer flush()

	store, err := notes.Open(cfg.DatabaseURL, cfg.DataDir, logger)
	if err != nil {
		logger.Fatalw("failed to open notes store", "error", err)
	}
	defer store.Close()

	engine := syncer.NewEngine(store, logger, syncer.Options{
		DeletionThreshold: cfg.DeletionThreshold,
		QuarantineOrphans: cfg.QuarantineOrphans,
	})

	// Threshold and quarantine settings follow the config file without
	// a restart. The schedule and listen address do not.
	loader.Watch(func(next config.Config) {
		engine.SetOptions(syncer.Options{
			DeletionThreshold: next.DeletionThreshold,
			QuarantineOrphans: next.QuarantineOrphans,
		})
		logger.Infow("sync options reloaded",
			"deletionThreshold", next.DeletionThreshold,
			"quarantineOrphans", next.QuarantineOrphans)
	})

	sched := scheduler.New(store, engine, cfg.SyncSchedule, logger)
	if err := sched.Start(); err != nil {
		logger.Fatalw("failed to start scheduler", "error", err)
	}
	defer sched.Stop()

	api := httpapi.NewServer(store, engine, logger)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Infow("notesyncd listening", "addr", cfg.ListenAddr)
		errs <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("server failed", "error", err)
		}
	case sig := <-stop:
		logger.Infow("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("server shutdown failed", "error", err)
		}
	}
}
