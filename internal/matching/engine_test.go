package matching_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"QuickCashEngine/internal/enginetest"
	"QuickCashEngine/internal/models"
	"QuickCashEngine/internal/payments"
)

func ledgerCount(entries []models.LedgerEntry, op models.Operation, outcome models.Outcome) int {
	n := 0
	for _, e := range entries {
		if e.Operation == op && e.Outcome == outcome {
			n++
		}
	}
	return n
}

func TestMatchHoldAndSettle(t *testing.T) {
	s := enginetest.New(t, enginetest.Options{})
	ctx := context.Background()
	s.Participant(t, "A", models.RoleRequester, 0, 0)
	s.Participant(t, "B", models.RoleProvider, 0.001, 0)
	req := s.Request(t, "A", 5000)
	offer := s.Offer(t, "B", 10000)

	res, err := s.Matcher.RunPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matched) != 1 {
		t.Fatalf("matched = %d, want 1", len(res.Matched))
	}
	tx := res.Matched[0]
	if tx.State != models.TxEscrowHeld || tx.Amount != 5000 || tx.RequestID != req.ID || tx.OfferID != offer.ID {
		t.Fatalf("tx = %+v", tx)
	}

	settled, err := s.Engine.Complete(ctx, tx.ID, "A")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if settled.State != models.TxSettled {
		t.Fatalf("state = %s", settled.State)
	}

	ledger, err := s.Engine.Ledger(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ledgerCount(ledger, models.OpHold, models.OutcomeSuccess) != 1 || ledgerCount(ledger, models.OpCapture, models.OutcomeSuccess) != 1 {
		t.Fatalf("ledger = %+v", ledger)
	}
	for _, id := range []string{req.ID, offer.ID} {
		l, err := s.Store.GetListing(ctx, id)
		if err != nil || l.Status != models.StatusCompleted {
			t.Fatalf("listing %s = %+v err = %v", id, l, err)
		}
	}
}

func TestTransientCaptureFailureSettlesOnce(t *testing.T) {
	s := enginetest.New(t, enginetest.Options{})
	ctx := context.Background()
	s.Participant(t, "A", models.RoleRequester, 0, 0)
	s.Participant(t, "B", models.RoleProvider, 0.001, 0)
	s.Request(t, "A", 5000)
	s.Offer(t, "B", 10000)

	res, err := s.Matcher.RunPass(ctx)
	if err != nil || len(res.Matched) != 1 {
		t.Fatalf("pass = %+v err = %v", res, err)
	}
	tx := res.Matched[0]
	s.Processor.Fail(models.OpCapture, payments.TransientError("timeout", errors.New("processor timeout")))

	settled, err := s.Engine.Complete(ctx, tx.ID, "A")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if settled.State != models.TxSettled {
		t.Fatalf("state = %s", settled.State)
	}
	if s.Processor.Effects(models.OpCapture) != 1 {
		t.Fatalf("capture effects = %d, want 1", s.Processor.Effects(models.OpCapture))
	}
	ledger, err := s.Engine.Ledger(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ledgerCount(ledger, models.OpCapture, models.OutcomeSuccess) != 1 || ledgerCount(ledger, models.OpCapture, models.OutcomeTransient) != 1 {
		t.Fatalf("ledger = %+v", ledger)
	}
}

func TestExpiredRequestIsNotMatched(t *testing.T) {
	s := enginetest.New(t, enginetest.Options{RequestTTL: 10 * time.Minute})
	ctx := context.Background()
	s.Participant(t, "A", models.RoleRequester, 0, 0)
	s.Participant(t, "B", models.RoleProvider, 0.001, 0)
	req := s.Request(t, "A", 5000)

	s.Clock.Advance(10 * time.Minute)
	offer := s.Offer(t, "B", 5000)
	if err := s.Worker.SyncOnce(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := s.Engine.GetListing(ctx, models.KindRequest, req.ID)
	if err != nil || got.Status != models.StatusExpired {
		t.Fatalf("request = %+v err = %v", got, err)
	}
	got, err = s.Engine.GetListing(ctx, models.KindOffer, offer.ID)
	if err != nil || got.Status != models.StatusOpen {
		t.Fatalf("offer = %+v err = %v", got, err)
	}
	if s.Processor.Calls(models.OpHold) != 0 {
		t.Fatal("hold placed for an expired request")
	}
}

func TestDistantProviderIsNotMatched(t *testing.T) {
	s := enginetest.New(t, enginetest.Options{})
	ctx := context.Background()
	s.Participant(t, "A", models.RoleRequester, 0, 0)
	s.Participant(t, "B", models.RoleProvider, 0.18, 0) // ~20 km north
	req := s.Request(t, "A", 5000)
	s.Offer(t, "B", 5000)

	res, err := s.Matcher.RunPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matched) != 0 || res.Deferred != 1 {
		t.Fatalf("pass = %+v", res)
	}
	got, err := s.Engine.GetListing(ctx, models.KindRequest, req.ID)
	if err != nil || got.Status != models.StatusOpen {
		t.Fatalf("request = %+v err = %v", got, err)
	}
}

func TestConcurrentPassesReserveOfferOnce(t *testing.T) {
	s := enginetest.New(t, enginetest.Options{})
	ctx := context.Background()
	s.Participant(t, "P", models.RoleProvider, 0, 0)
	s.Offer(t, "P", 5000)
	for _, id := range []string{"R1", "R2", "R3", "R4"} {
		s.Participant(t, id, models.RoleRequester, 0.0005, 0)
		s.Request(t, id, 5000)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Matcher.RunPass(ctx)
			if err != nil {
				t.Errorf("pass: %v", err)
				return
			}
			mu.Lock()
			total += len(res.Matched)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 1 {
		t.Fatalf("transactions created = %d, want 1", total)
	}
	if s.Processor.Effects(models.OpHold) != 1 {
		t.Fatalf("holds = %d, want 1", s.Processor.Effects(models.OpHold))
	}
	open := s.Registry.Open(models.KindRequest)
	if len(open) != 3 {
		t.Fatalf("open requests = %d, want 3", len(open))
	}
}

func TestDeclinedHoldFreesParticipantsToResubmit(t *testing.T) {
	s := enginetest.New(t, enginetest.Options{})
	ctx := context.Background()
	s.Participant(t, "A", models.RoleRequester, 0, 0)
	s.Participant(t, "B", models.RoleProvider, 0.001, 0)
	s.Request(t, "A", 5000)
	s.Offer(t, "B", 5000)

	events, cancel := s.Bus.Subscribe(32)
	defer cancel()
	s.Processor.Fail(models.OpHold, payments.PermanentError("insufficient_funds", "declined"))

	res, err := s.Matcher.RunPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.HoldFailures != 1 || res.Matched[0].State != models.TxCancelled {
		t.Fatalf("pass = %+v", res)
	}

	resubmit := 0
	for len(events) > 0 {
		if ev := <-events; ev.Type == models.EventResubmittable {
			resubmit++
		}
	}
	if resubmit != 2 {
		t.Fatalf("resubmittable events = %d, want 2", resubmit)
	}
	s.Request(t, "A", 5000)
	s.Offer(t, "B", 5000)
}
