package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinyauction/pkg/config"
	"github.com/nicktill/tinyauction/pkg/ingest"
	"github.com/nicktill/tinyauction/pkg/logging"
	"github.com/nicktill/tinyauction/pkg/server"
)

const (
	// Server configuration
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 60 * time.Second // exports can be large
	shutdownTimeout    = 30 * time.Second
	drainTimeout       = 15 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("Starting tinyauction server",
		zap.String("version", server.Version),
		zap.String("backend", cfg.Storage.Backend))

	store, err := server.InitializeStorage(cfg.Storage, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("Storage close failed", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// WebSocket hub for cycle notifications
	hub := ingest.NewHub(log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	engines := server.InitializeEngines(cfg, store, hub, log)
	handlers := server.InitializeHandlers(cfg, store, engines, log)
	monitors := server.InitializeMonitors(cfg)
	server.LogSchedule(cfg, log)

	if cfg.Ingest.Enabled {
		if err := cfg.RequireUpstream(); err != nil {
			log.Warn("Ingestion scheduler disabled", zap.Error(err))
			monitors.Ingest.Disable()
		} else {
			wg.Add(1)
			go server.RunIngestion(ctx, engines.Collector, engines.Tiers, monitors.Ingest,
				cfg.Ingest.Interval, cfg.Ingest.Timeout, log, &wg)
		}
	}
	if cfg.Retain.Enabled {
		wg.Add(1)
		go server.RunRetention(ctx, engines.Retention, monitors.Retention, cfg.Retain.Interval, log, &wg)
	}

	// Start BadgerDB garbage collection (reclaims disk space)
	wg.Add(1)
	go server.RunBadgerGC(ctx, store, log, &wg)

	router := mux.NewRouter()
	server.SetupRoutes(router, handlers, monitors, hub, cfg.Port, log)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server listening", zap.String("addr", "http://localhost:"+cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case runErr = <-serveErr:
		log.Error("Server failed to start", zap.Error(runErr))
	}

	// Cancelling ctx stops the hub and aborts in-flight cycles and retention
	// runs, so storage is idle before Close.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown warning", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Wait with timeout to prevent infinite hang
	select {
	case <-done:
		log.Info("All background tasks stopped cleanly")
	case <-time.After(drainTimeout):
		log.Warn("Some background tasks did not stop in time", zap.Duration("waited", drainTimeout))
	}
	return runErr
}
