package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	// PostgreSQL driver for the distributed backend
	_ "github.com/lib/pq"

	"github.com/ragmesh/ragmesh/internal/app"
	"github.com/ragmesh/ragmesh/internal/config"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLoggerWithLevel("ragmesh",
		observability.ParseLogLevel(cfg.Service.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer application.Close()

	logger.Info("ragmesh started", map[string]interface{}{
		"backend":      string(cfg.Storage.Backend),
		"metrics_addr": cfg.Service.MetricsAddr,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(application.Metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.Service.MetricsAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	case err := <-errCh:
		logger.Error("metrics server failed", map[string]interface{}{"error": err.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", map[string]interface{}{"error": err.Error()})
	}

	for op, usage := range application.Tracker.Snapshot() {
		logger.Info("token usage", map[string]interface{}{
			"operation":         string(op),
			"calls":             usage.Calls,
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
		})
	}
	logger.Info("ragmesh stopped", nil)
}
