package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/avstream/avatarstream/internal/avatar"
	"github.com/avstream/avatarstream/internal/config"
	"github.com/avstream/avatarstream/internal/coordinator"
	"github.com/avstream/avatarstream/internal/history"
	"github.com/avstream/avatarstream/internal/httpapi"
	"github.com/avstream/avatarstream/internal/invoker"
	"github.com/avstream/avatarstream/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := cfg.EnsureWorkDir(); err != nil {
		log.Fatalf("work dir init failed: %v", err)
	}
	log.Printf("work dir: %s", cfg.WorkDir)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("history store init failed: %v", err)
	}
	defer store.Close()

	engine, err := invoker.NewExecEngine(invoker.ExecConfig{
		Python:          cfg.EnginePython,
		ProjectPath:     cfg.EngineProjectPath,
		BatchSize:       cfg.EngineBatchSize,
		HalfPrecision:   cfg.EngineHalfPrecision,
		PrepareTimeout:  cfg.PrepareTimeout,
		GenerateTimeout: cfg.GenerateTimeout,
		ScratchDir:      filepath.Join(cfg.WorkDir, "scratch"),
	})
	if err != nil {
		log.Fatalf("inference engine init failed: %v", err)
	}
	log.Printf("inference engine: %s -m scripts (project %s)", cfg.EnginePython, cfg.EngineProjectPath)

	registry := avatar.NewRegistry(cfg.AvatarDir(), engine, cfg.DegradedThreshold)

	coord := coordinator.New(registry, engine, store, metrics, coordinator.Config{
		MaxConcurrent: cfg.MaxConcurrentGenerations,
		QueueCapacity: cfg.SessionQueueCapacity,
	})
	log.Printf("generation slots: %d", cfg.MaxConcurrentGenerations)

	api := httpapi.New(cfg, registry, coord, store, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Printf("coordinator shutdown incomplete: %v", err)
	}

	log.Printf("shutdown complete")
}
