package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"QuickCashEngine/internal/app"
	"QuickCashEngine/internal/config"
	"QuickCashEngine/internal/logging"

	"golang.org/x/sync/errgroup"
)

// The worker runs sweeps and matching without the HTTP surface.
func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalw("engine init failed", "err", err)
	}
	defer a.Close()

	logger.Infow("worker started", "interval", cfg.MatchInterval(), "gateway", cfg.Gateway.Endpoints)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.RunRelay(gctx)
		return nil
	})
	_ = g.Wait()
}
