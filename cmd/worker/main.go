package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/pagemill/internal/app"
	"github.com/dunamismax/pagemill/internal/config"
	"github.com/dunamismax/pagemill/internal/convert"
	"github.com/dunamismax/pagemill/internal/id"
	"github.com/dunamismax/pagemill/internal/telemetry"
	"github.com/dunamismax/pagemill/internal/worker"
)

func main() {
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)
	if err := run(logger); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}
}

func run(logger *log.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	owner := id.Worker(cfg.Worker.Identity)
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "pagemill-worker",
		InstanceID:   owner,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer flushTracing(logger, shutdownTracing)

	if err := convert.Startup(); err != nil {
		return err
	}
	defer convert.Shutdown()

	stores, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Printf("close stores error: %v", err)
		}
	}()

	pool, err := worker.NewPool(logger, worker.Config{
		Owner:          owner,
		SourceRoot:     cfg.Paths.SourceRoot,
		PollInterval:   cfg.Worker.PollInterval,
		LeaseDuration:  cfg.Worker.LeaseDuration,
		BackoffInitial: cfg.Worker.BackoffInitial,
		BackoffMax:     cfg.Worker.BackoffMax,
	}, cfg.Worker.Concurrency, worker.Deps{
		Jobs:        stores.Jobs,
		Checkpoints: stores.Checkpoints,
		Output:      stores.Output,
		Converters:  convert.DefaultSet(),
	})
	if err != nil {
		return err
	}

	metricsServer := serveMetrics(logger, cfg.Worker.MetricsAddr, pool.MetricsHandler())

	logger.Printf(
		"starting worker owner=%s concurrency=%d source_root=%s lease=%s checkpoint=%s output=%s",
		owner,
		cfg.Worker.Concurrency,
		cfg.Paths.SourceRoot,
		cfg.Worker.LeaseDuration,
		cfg.Checkpoint.Backend,
		cfg.Output.Backend,
	)
	runErr := pool.Run(ctx)
	logger.Println("shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("metrics server shutdown failed: %v", err)
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func serveMetrics(logger *log.Logger, addr string, handler http.Handler) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server failed: %v", err)
		}
	}()
	return srv
}

func flushTracing(logger *log.Logger, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}
