// Command diagcore runs the parameter governance service: it wires persistent
// storage, the adjustment and lifecycle engines and an operational metrics
// endpoint, then waits for a shutdown signal.
package main

import (
	"context"
	"expvar"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"diagcore/internal/config"
	"diagcore/internal/core"
	"diagcore/internal/diagnosis"
	"diagcore/internal/infra/blob"
	blobs3 "diagcore/internal/infra/blob/s3"
	"diagcore/pkg/domain"
)

func main() {
	if err := run(); err != nil {
		slog.Error("diagcore failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	ctx := context.Background()

	store, err := core.OpenPersistentStore(core.StorageConfig{
		Driver:      core.StorageDriver(cfg.StorageDriver),
		SQLitePath:  cfg.SQLitePath,
		PostgresDSN: cfg.PostgresDSN,
	})
	if err != nil {
		return err
	}
	logger.Info("storage ready", "driver", cfg.StorageDriver)

	var audio blob.Store
	switch cfg.BlobDriver {
	case "s3":
		audio, err = blobs3.OpenFromEnv(ctx)
		if err != nil {
			return err
		}
	default:
		audio = blob.NewMemory()
	}

	var provider domain.DiagnosisProvider
	if cfg.DiagnosisURL != "" {
		provider = diagnosis.NewClient(cfg.DiagnosisURL, cfg.DiagnosisTimeout())
	}

	coreLogger := core.NewSlogLogger(logger)
	metrics := core.NewExpvarMetricsRecorder("")
	opts := []core.Option{core.WithLogger(coreLogger), core.WithMetricsRecorder(metrics)}

	adjuster, err := core.NewAdjustmentEngine(ctx, store, core.AdjustmentConfig{
		AdjustmentThreshold: cfg.AdjustmentThreshold,
		CooldownDuration:    cfg.CooldownDuration(),
		MaxAccumulatedEdits: cfg.MaxAccumulatedEdits,
	}, opts...)
	if err != nil {
		return err
	}
	batches, err := core.NewBatchLifecycleManager(ctx, store, store, store, store, opts...)
	if err != nil {
		return err
	}
	cases := core.NewCaseLifecycleManager(store, store, audio, provider, adjuster, batches, opts...)
	pending, err := cases.ListCases(ctx, domain.CaseFilter{Status: domain.CaseStatusPending, BatchID: batches.CurrentBatchID()})
	if err != nil {
		return err
	}

	sink, err := core.NewPrometheusMetricSink(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	batches.RegisterSink(sink)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/vars", expvar.Handler())
	srv := &http.Server{Addr: ":9090", Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("diagcore ready",
		"version", adjuster.CurrentVersion(), "batchId", batches.CurrentBatchID(),
		"pendingCases", len(pending))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
