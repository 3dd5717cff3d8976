package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/doncat99/alwrity/internal/blog"
	"github.com/doncat99/alwrity/internal/cache"
	"github.com/doncat99/alwrity/internal/config"
	"github.com/doncat99/alwrity/internal/httpapi"
	"github.com/doncat99/alwrity/internal/observability"
	"github.com/doncat99/alwrity/internal/provider"
	"github.com/doncat99/alwrity/internal/ratelimit"
	"github.com/doncat99/alwrity/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	contentProvider, err := provider.New(ctx, provider.Config{
		Mode:         cfg.ContentProvider,
		GeminiAPIKey: cfg.GeminiAPIKey,
		GeminiModel:  cfg.GeminiModel,
		BackendURL:   cfg.ContentBackendURL,
	})
	if err != nil {
		log.Fatalf("content provider init failed: %v", err)
	}
	logger.Info("content provider selected", zap.String("provider", contentProvider.Name()))

	store := tasks.NewStore(cfg.TaskRetention)
	manager := tasks.NewManager(store, cfg.MaxRunningTasks, cfg.TaskTimeout, metrics, logger)

	var archive tasks.Archive
	if cfg.DatabaseURL != "" {
		pg, err := tasks.NewPostgresArchive(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("task archive init failed: %v", err)
		}
		defer pg.Close()
		archive = pg
		manager.SetArchive(pg)
		logger.Info("task archive enabled")
	}

	resultCache := cache.New(cfg.CacheTTL)
	pipeline := blog.NewPipeline(contentProvider, resultCache, logger)
	pipeline.SetMetrics(metrics)
	limiter := ratelimit.New(cfg.StartRatePerMin, cfg.StartBurst)

	api := httpapi.New(cfg, manager, store, pipeline, resultCache, limiter, archive, metrics, logger, contentProvider.Name())
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	store.StartJanitor(runCtx, cfg.SweepInterval, func(evicted int) {
		if evicted > 0 {
			metrics.SweepEvictions.Add(float64(evicted))
			logger.Info("retention sweep", zap.Int("evicted", evicted))
		}
	})
	resultCache.StartJanitor(runCtx, cfg.CacheTTL)

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	manager.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
