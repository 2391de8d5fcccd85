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

	"QuickCashEngine/internal/app"
	"QuickCashEngine/internal/config"
	internalhttp "QuickCashEngine/internal/http"
	"QuickCashEngine/internal/locfeed"
	"QuickCashEngine/internal/logging"
	"QuickCashEngine/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

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
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Errorw("engine stopped with error", "err", err)
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Infow("engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	h := internalhttp.NewHandler(a.Engine, a.Bus)
	srv := internalhttp.NewServer(h, logger.Named("http"))
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infow("api listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSeconds)*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.Worker.Run(gctx)
		return nil
	})

	updates := make(chan models.LocationUpdate, 1024)
	feed := &locfeed.Feed{
		Endpoint: locfeed.WSEndpoint(cfg.Feed.WSEndpoint),
		Out:      updates,
		Log:      logger.Named("locfeed"),
	}
	g.Go(func() error {
		feed.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.Engine.ConsumeLocations(gctx, updates)
		return nil
	})

	g.Go(func() error {
		a.RunRelay(gctx)
		return nil
	})

	return g.Wait()
}
