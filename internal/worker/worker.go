package worker

import (
	"context"
	"time"

	"QuickCashEngine/internal/matching"
	"QuickCashEngine/internal/registry"
	"QuickCashEngine/internal/transactions"

	"go.uber.org/zap"
)

// Worker runs the periodic sweeps and matching passes. Each tick expires
// stale listings and transactions before matching, so a listing past its TTL
// is never paired late.
type Worker struct {
	Registry     *registry.Registry
	Transactions *transactions.Machine
	Matcher      *matching.Engine
	Interval     time.Duration
	Log          *zap.SugaredLogger
	Now          func() time.Time
}

func (w *Worker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			w.Log.Errorw("worker pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.Matcher.Kicks():
		}
	}
}

// SyncOnce runs one pass: listing expiry, transaction timeouts, listing
// closes left over by a store failure, resumption of in-flight transactions,
// then matching.
func (w *Worker) SyncOnce(ctx context.Context) error {
	now := w.now()
	w.Registry.ExpireOlderThan(ctx, now)
	w.Transactions.ExpireStale(ctx, now)
	if n := w.Transactions.RetryListingCloses(ctx); n > 0 {
		w.Log.Infow("listing closes retried", "count", n)
	}
	w.Transactions.Resume(ctx)
	_, err := w.Matcher.RunPass(ctx)
	return err
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}
