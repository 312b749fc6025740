package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/pagemill/internal/app"
	"github.com/dunamismax/pagemill/internal/config"
	"github.com/dunamismax/pagemill/internal/convert"
	"github.com/dunamismax/pagemill/internal/queue"
	"github.com/dunamismax/pagemill/internal/reconcile"
)

func main() {
	logger := log.New(os.Stdout, "[reconciler] ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := convert.Startup(); err != nil {
		logger.Fatalf("converter startup: %v", err)
	}
	defer convert.Shutdown()

	stores, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open stores: %v", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Printf("close stores error: %v", err)
		}
	}()

	reconciler, err := reconcile.New(logger, stores.Jobs, stores.Output, convert.DefaultSet(), cfg.Paths.SourceRoot)
	if err != nil {
		logger.Fatalf("new reconciler: %v", err)
	}

	srv, err := queue.NewSweepServer(logger, cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Reconcile.Cron, reconciler)
	if err != nil {
		logger.Fatalf("new sweep server: %v", err)
	}

	logger.Printf(
		"starting reconciler queue=%s redis=%s cron=%q",
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		cfg.Reconcile.Cron,
	)
	startedAt := time.Now()
	if err := srv.Run(ctx); err != nil {
		logger.Fatalf("reconciler failed: %v", err)
	}
	logger.Printf("reconciler stopped uptime=%s", time.Since(startedAt).Round(time.Second))
}
