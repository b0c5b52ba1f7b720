// Command worker runs dispatcher instances against the configured store and
// serves Prometheus metrics. Configuration is environment-driven; see the
// EMPIRECORE_* variables below.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"empirecore/internal/archive"
	"empirecore/internal/core"
	"empirecore/internal/metrics"
	"empirecore/internal/scheduler"
)

const (
	envWorkers      = "EMPIRECORE_WORKERS"
	envPollInterval = "EMPIRECORE_POLL_INTERVAL"
	envMetricsAddr  = "EMPIRECORE_METRICS_ADDR"
	envLogLevel     = "EMPIRECORE_LOG_LEVEL"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	log := newLogger()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := core.OpenStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	blobs, err := archive.Open(ctx)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	m := metrics.New()
	svc, err := core.New(ctx, core.Config{
		Store:   store,
		Archive: blobs,
		Metrics: m,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	workers := intFromEnv(envWorkers, 2)
	pollInterval := durationFromEnv(envPollInterval, time.Second)

	dispatchers := make([]*scheduler.Dispatcher, 0, workers)
	for i := 0; i < workers; i++ {
		d := svc.NewDispatcher(scheduler.Config{PollInterval: pollInterval})
		d.Start(ctx)
		dispatchers = append(dispatchers, d)
	}
	log.Info("worker pool started",
		"workers", workers, "poll_interval", pollInterval, "archive_driver", blobs.Driver())

	metricsSrv := &http.Server{
		Addr:    addrFromEnv(envMetricsAddr, ":9090"),
		Handler: metricsMux(m),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	for _, d := range dispatchers {
		d.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	return nil
}

func metricsMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if raw := os.Getenv(envLogLevel); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			level = slog.LevelInfo
		}
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func intFromEnv(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func durationFromEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func addrFromEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
