package transactions

import (
	"context"
	"errors"
	"time"

	"QuickCashEngine/internal/models"
	"QuickCashEngine/internal/payments"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries of transient gateway failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// call runs fn until it succeeds, fails permanently, or the attempt budget is
// spent. The same idempotency key is used on every attempt.
func (m *Machine) call(ctx context.Context, op models.Operation, txID string, fn func() (payments.Result, error)) (payments.Result, error) {
	var (
		res     payments.Result
		attempt int
	)
	err := backoff.RetryNotify(func() error {
		attempt++
		r, err := fn()
		if err != nil {
			if errors.Is(err, payments.ErrPermanent) {
				return backoff.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	}, m.retry.backOff(ctx), func(err error, wait time.Duration) {
		m.log.Warnw("gateway call failed, retrying", "op", op, "tx_id", txID, "attempt", attempt, "wait", wait, "err", err)
	})
	if err != nil {
		return payments.Result{}, err
	}
	return res, nil
}
