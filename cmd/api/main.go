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

	"github.com/dunamismax/pagemill/internal/api"
	"github.com/dunamismax/pagemill/internal/app"
	"github.com/dunamismax/pagemill/internal/config"
	"github.com/dunamismax/pagemill/internal/ratelimit"
	"github.com/dunamismax/pagemill/internal/telemetry"
)

func main() {
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "pagemill-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatalf("setup tracing: %v", err)
	}

	stores, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open stores: %v", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Printf("close stores error: %v", err)
		}
	}()

	var opts api.Options
	if cfg.API.RequeueLimit > 0 || cfg.API.RequeueJobLimit > 0 {
		redisClient, err := stores.Redis(ctx)
		if err != nil {
			logger.Fatalf("requeue budget redis: %v", err)
		}
		budget, err := ratelimit.NewRequeueBudget(redisClient, ratelimit.Config{
			PerCaller: ratelimit.Budget{Capacity: cfg.API.RequeueLimit, Window: cfg.API.RequeueWindow},
			PerJob:    ratelimit.Budget{Capacity: cfg.API.RequeueJobLimit, Window: cfg.API.RequeueJobWindow},
		})
		if err != nil {
			logger.Fatalf("requeue budget: %v", err)
		}
		opts.RequeueLimiter = budget
	}

	srv := api.NewServer(logger, stores.Jobs, stores.Output, opts)
	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}
