package payments_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"QuickCashEngine/internal/kv"
	"QuickCashEngine/internal/models"
	"QuickCashEngine/internal/payments"
	"QuickCashEngine/internal/payments/paymentstest"

	"go.uber.org/zap/zaptest"
)

type memLedger struct {
	mu      sync.Mutex
	entries []models.LedgerEntry
	failing bool
}

func (l *memLedger) AppendLedgerEntry(_ context.Context, e *models.LedgerEntry) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failing {
		return false, errors.New("disk full")
	}
	if e.Outcome == models.OutcomeSuccess {
		for _, prev := range l.entries {
			if prev.Outcome == models.OutcomeSuccess && prev.IdempotencyKey == e.IdempotencyKey && prev.Operation == e.Operation {
				return false, nil
			}
		}
	}
	l.entries = append(l.entries, *e)
	return true, nil
}

func (l *memLedger) count(op models.Operation, outcome models.Outcome) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Operation == op && e.Outcome == outcome {
			n++
		}
	}
	return n
}

func newRecorder(t *testing.T) (*payments.Recorder, *paymentstest.Gateway, *memLedger) {
	t.Helper()
	db, err := kv.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	proc := paymentstest.New()
	ledger := &memLedger{}
	return payments.NewRecorder(proc, db, ledger, zaptest.NewLogger(t).Sugar()), proc, ledger
}

func TestRecorderReplaysSuccessWithoutCallingProcessor(t *testing.T) {
	rec, proc, ledger := newRecorder(t)
	ctx := context.Background()
	req := payments.HoldRequest{IdempotencyKey: "k1", Amount: 5000, Currency: "CAD", Source: "a", Destination: "b"}

	first, err := rec.PlaceHold(ctx, req)
	if err != nil {
		t.Fatalf("first hold: %v", err)
	}
	second, err := rec.PlaceHold(ctx, req)
	if err != nil {
		t.Fatalf("second hold: %v", err)
	}
	if !second.Replayed || second.Reference != first.Reference {
		t.Fatalf("second = %+v, first = %+v", second, first)
	}
	if proc.Calls(models.OpHold) != 1 {
		t.Fatalf("processor calls = %d, want 1", proc.Calls(models.OpHold))
	}
	if n := ledger.count(models.OpHold, models.OutcomeSuccess); n != 1 {
		t.Fatalf("success rows = %d, want 1", n)
	}
}

func TestRecorderCachesPermanentDecline(t *testing.T) {
	rec, proc, ledger := newRecorder(t)
	ctx := context.Background()
	proc.Fail(models.OpCapture, payments.PermanentError("insufficient_funds", "declined"))

	for i := 0; i < 3; i++ {
		_, err := rec.Capture(ctx, "k2")
		if !errors.Is(err, payments.ErrPermanent) {
			t.Fatalf("call %d: err = %v, want permanent", i, err)
		}
		if payments.Code(err) != "insufficient_funds" {
			t.Fatalf("code = %q", payments.Code(err))
		}
	}
	if proc.Calls(models.OpCapture) != 1 {
		t.Fatalf("processor calls = %d, want 1", proc.Calls(models.OpCapture))
	}
	if n := ledger.count(models.OpCapture, models.OutcomePermanent); n != 1 {
		t.Fatalf("permanent rows = %d, want 1", n)
	}
}

func TestRecorderRecordsTransientAndRetries(t *testing.T) {
	rec, proc, ledger := newRecorder(t)
	ctx := context.Background()
	proc.Fail(models.OpReverse, payments.TransientError("timeout", errors.New("slow")))

	if _, err := rec.Reverse(ctx, "k3"); !errors.Is(err, payments.ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
	res, err := rec.Reverse(ctx, "k3")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Replayed {
		t.Fatal("retry after transient must reach the processor")
	}
	if proc.Calls(models.OpReverse) != 2 || proc.Effects(models.OpReverse) != 1 {
		t.Fatalf("calls=%d effects=%d", proc.Calls(models.OpReverse), proc.Effects(models.OpReverse))
	}
	if ledger.count(models.OpReverse, models.OutcomeTransient) != 1 || ledger.count(models.OpReverse, models.OutcomeSuccess) != 1 {
		t.Fatalf("ledger = %+v", ledger.entries)
	}
}

func TestRecorderLedgerFailureIsTransient(t *testing.T) {
	rec, _, ledger := newRecorder(t)
	ledger.failing = true

	_, err := rec.Capture(context.Background(), "k4")
	if !errors.Is(err, payments.ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestRecorderRequiresKey(t *testing.T) {
	rec, proc, _ := newRecorder(t)
	_, err := rec.Capture(context.Background(), "")
	if !models.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
	if proc.Calls(models.OpCapture) != 0 {
		t.Fatal("processor called without a key")
	}
}

func TestRecorderConcurrentCallsHaveOneEffect(t *testing.T) {
	rec, proc, ledger := newRecorder(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rec.Capture(ctx, "k5"); err != nil {
				t.Errorf("capture: %v", err)
			}
		}()
	}
	wg.Wait()

	if proc.Effects(models.OpCapture) != 1 {
		t.Fatalf("effects = %d, want 1", proc.Effects(models.OpCapture))
	}
	if n := ledger.count(models.OpCapture, models.OutcomeSuccess); n != 1 {
		t.Fatalf("success rows = %d, want 1", n)
	}
}
