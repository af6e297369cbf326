package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/resilient-proxy-client/internal/api"
	"github.com/resilient-proxy-client/internal/breaker"
	"github.com/resilient-proxy-client/internal/client"
	"github.com/resilient-proxy-client/internal/config"
	"github.com/resilient-proxy-client/internal/health"
	"github.com/resilient-proxy-client/internal/metrics"
	"github.com/resilient-proxy-client/internal/proxy"
	"github.com/resilient-proxy-client/internal/report"
	"github.com/resilient-proxy-client/internal/storage"
	log "github.com/sirupsen/logrus"
)

const version = "1.0.0"

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
	log.Infof("Starting Resilient Proxy Client v%s", version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}

	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace)

	store, err := storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	pool := proxy.NewPool(cfg.Proxy, metricsCollector)
	monitor := health.NewMonitor(cfg.Health, metricsCollector)
	brk := breaker.New(cfg.Breaker, metricsCollector)

	cli := client.New(cfg.Client, cfg.Proxy.Enabled, pool, monitor, brk, metricsCollector)

	reporter := report.NewReporter(cli, monitor, pool, brk, store, cfg.Storage.PersistInterval)
	if err := reporter.RestoreFromStorage(); err != nil {
		log.Warnf("Failed to restore health history: %v (starting fresh)", err)
	}
	defer reporter.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Warm the pool so the first caller does not pay the provider round-trip.
	if cfg.Proxy.Enabled {
		if err := pool.Refresh(ctx); err != nil {
			log.Warnf("Initial pool refresh failed: %v (will retry on first request)", err)
		}
	} else {
		log.Info("Proxy rotation disabled, requests go out directly")
	}

	apiServer := api.NewServer(cfg, reporter, metricsCollector)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	log.Infof("Service started successfully on %s", cfg.API.Addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server shutdown error: %v", err)
	}

	log.Info("Shutdown complete")
}
