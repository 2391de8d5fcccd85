package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"QuickCashEngine/internal/kv"
	"QuickCashEngine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Ledger is the append-only record of processor attempts.
type Ledger interface {
	// AppendLedgerEntry stores e; a second success for the same key and
	// operation is dropped and reported as false.
	AppendLedgerEntry(ctx context.Context, e *models.LedgerEntry) (bool, error)
}

// Recorder makes a Gateway exactly-once from the engine's point of view. Each
// attempt that reaches the processor is appended to the ledger; final outcomes
// (success or permanent decline) are cached in the KV store so a repeated call
// with the same key returns them without touching the processor again.
// Transient failures are recorded but not cached.
type Recorder struct {
	inner  Gateway
	kv     *kv.DB
	ledger Ledger
	log    *zap.SugaredLogger
	now    func() time.Time
	group  singleflight.Group
}

func NewRecorder(inner Gateway, store *kv.DB, ledger Ledger, log *zap.SugaredLogger) *Recorder {
	return &Recorder{
		inner:  inner,
		kv:     store,
		ledger: ledger,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type cachedOutcome struct {
	Outcome   models.Outcome `json:"outcome"`
	Reference string         `json:"reference,omitempty"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
}

func (r *Recorder) PlaceHold(ctx context.Context, req HoldRequest) (Result, error) {
	return r.run(ctx, models.OpHold, req.IdempotencyKey, func() (Result, error) {
		return r.inner.PlaceHold(ctx, req)
	})
}

func (r *Recorder) Capture(ctx context.Context, idempotencyKey string) (Result, error) {
	return r.run(ctx, models.OpCapture, idempotencyKey, func() (Result, error) {
		return r.inner.Capture(ctx, idempotencyKey)
	})
}

func (r *Recorder) Reverse(ctx context.Context, idempotencyKey string) (Result, error) {
	return r.run(ctx, models.OpReverse, idempotencyKey, func() (Result, error) {
		return r.inner.Reverse(ctx, idempotencyKey)
	})
}

func (r *Recorder) run(ctx context.Context, op models.Operation, key string, call func() (Result, error)) (Result, error) {
	if key == "" {
		return Result{}, models.Invalid("idempotency_key", "required")
	}
	cacheKey := outcomeKey(op, key)

	v, err, _ := r.group.Do(string(cacheKey), func() (any, error) {
		if cached, ok, err := r.lookup(cacheKey); err != nil {
			return Result{}, err
		} else if ok {
			return replay(cached)
		}

		res, callErr := call()
		entry := &models.LedgerEntry{
			ID:             uuid.NewString(),
			IdempotencyKey: key,
			Operation:      op,
			CreatedAt:      r.now(),
		}
		var final *cachedOutcome
		switch {
		case callErr == nil:
			entry.Outcome = models.OutcomeSuccess
			entry.ResponseCode = res.Code
			entry.Reference = res.Reference
			final = &cachedOutcome{Outcome: models.OutcomeSuccess, Reference: res.Reference, Code: res.Code}
		case errors.Is(callErr, ErrPermanent):
			var ge *GatewayError
			errors.As(callErr, &ge)
			entry.Outcome = models.OutcomePermanent
			entry.ResponseCode = ge.Code
			final = &cachedOutcome{Outcome: models.OutcomePermanent, Code: ge.Code, Message: ge.Message}
		default:
			entry.Outcome = models.OutcomeTransient
			entry.ResponseCode = Code(callErr)
		}

		if _, err := r.ledger.AppendLedgerEntry(ctx, entry); err != nil {
			// Without the ledger row the attempt is not committed; report it as
			// transient so the caller retries with the same key.
			return Result{}, TransientError("ledger", fmt.Errorf("append ledger: %w", err))
		}
		if final != nil {
			if err := r.store(cacheKey, final); err != nil {
				r.log.Errorw("cache gateway outcome failed", "op", op, "key", key, "err", err)
			}
		}
		r.log.Debugw("gateway call", "op", op, "key", key, "outcome", entry.Outcome, "code", entry.ResponseCode)
		return res, callErr
	})
	res, _ := v.(Result)
	return res, err
}

func (r *Recorder) lookup(key []byte) (cachedOutcome, bool, error) {
	raw, err := r.kv.Get(key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return cachedOutcome{}, false, nil
		}
		return cachedOutcome{}, false, err
	}
	var c cachedOutcome
	if err := json.Unmarshal(raw, &c); err != nil {
		return cachedOutcome{}, false, err
	}
	return c, true, nil
}

func (r *Recorder) store(key []byte, c *cachedOutcome) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = r.kv.SetIfAbsent(key, data)
	return err
}

func replay(c cachedOutcome) (Result, error) {
	if c.Outcome == models.OutcomePermanent {
		return Result{}, PermanentError(c.Code, c.Message)
	}
	return Result{Reference: c.Reference, Code: c.Code, Replayed: true}, nil
}

func outcomeKey(op models.Operation, key string) []byte {
	return []byte("gw/" + string(op) + "/" + key)
}
