package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"QuickCashEngine/internal/models"

	"go.uber.org/zap/zaptest"
)

type memStore struct {
	mu       sync.Mutex
	listings map[string]models.Listing
	failNext bool
}

func newMemStore() *memStore {
	return &memStore{listings: make(map[string]models.Listing)}
}

func (s *memStore) InsertListing(_ context.Context, l *models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("disk full")
	}
	s.listings[l.ID] = *l
	return nil
}

func (s *memStore) GetListing(_ context.Context, id string) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &l, nil
}

func (s *memStore) UpdateListingStatus(_ context.Context, id string, from, to models.Status, txID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok || l.Status != from {
		return false, nil
	}
	l.Status = to
	l.TransactionID = txID
	l.UpdatedAt = at
	s.listings[id] = l
	return true, nil
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(_ context.Context, ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T) (*Registry, *memStore, *recorder) {
	st := newMemStore()
	rec := &recorder{}
	r := New(st, rec, zaptest.NewLogger(t).Sugar()).WithClock(func() time.Time { return t0 })
	return r, st, rec
}

func listing(id string, kind models.Kind, owner string) models.Listing {
	return models.Listing{
		ID:            id,
		Kind:          kind,
		ParticipantID: owner,
		Amount:        5000,
		Currency:      "CAD",
		CreatedAt:     t0,
		ExpiresAt:     t0.Add(30 * time.Minute),
	}
}

func TestCreateRejectsSecondActiveListing(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	if _, err := r.Create(ctx, listing("r1", models.KindRequest, "alice")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create(ctx, listing("r2", models.KindRequest, "alice")); !errors.Is(err, models.ErrDuplicateActiveRequest) {
		t.Fatalf("err = %v, want ErrDuplicateActiveRequest", err)
	}
	// A different kind is independent.
	if _, err := r.Create(ctx, listing("o1", models.KindOffer, "alice")); err != nil {
		t.Fatalf("create offer: %v", err)
	}
	// Once the first is terminal a new one is allowed.
	if _, err := r.Cancel(ctx, "r1", "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := r.Create(ctx, listing("r3", models.KindRequest, "alice")); err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
}

func TestCreateForgetsListingWhenStoreFails(t *testing.T) {
	r, st, _ := newRegistry(t)
	st.failNext = true
	if _, err := r.Create(context.Background(), listing("r1", models.KindRequest, "alice")); err == nil {
		t.Fatal("expected store error")
	}
	if _, err := r.Get("r1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("Get after failed create: %v", err)
	}
	if _, err := r.Create(context.Background(), listing("r2", models.KindRequest, "alice")); err != nil {
		t.Fatalf("retry create: %v", err)
	}
}

func TestReserve(t *testing.T) {
	r, st, _ := newRegistry(t)
	ctx := context.Background()
	r.Create(ctx, listing("r1", models.KindRequest, "alice"))
	r.Create(ctx, listing("o1", models.KindOffer, "bob"))

	got, err := r.Reserve(ctx, "r1", "tx1")
	if err != nil {
		t.Fatalf("reserve request: %v", err)
	}
	if got.Status != models.StatusMatched || got.TransactionID != "tx1" {
		t.Fatalf("request = %+v", got)
	}
	got, err = r.Reserve(ctx, "o1", "tx1")
	if err != nil {
		t.Fatalf("reserve offer: %v", err)
	}
	if got.Status != models.StatusReserved {
		t.Fatalf("offer status = %s, want reserved", got.Status)
	}
	if st.listings["o1"].Status != models.StatusReserved {
		t.Fatalf("stored offer status = %s", st.listings["o1"].Status)
	}

	if _, err := r.Reserve(ctx, "r1", "tx2"); !errors.Is(err, models.ErrAlreadyReserved) {
		t.Fatalf("second reserve err = %v", err)
	}
	if _, err := r.Reserve(ctx, "missing", "tx2"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("missing reserve err = %v", err)
	}
	if _, ok := r.ActiveOffer("bob"); ok {
		t.Fatal("reserved offer reported as active")
	}
}

func TestReserveIsExclusiveUnderContention(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	r.Create(ctx, listing("o1", models.KindOffer, "bob"))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Reserve(ctx, "o1", fmt.Sprintf("tx%d", i))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, models.ErrAlreadyReserved):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want 1", wins.Load())
	}
}

func TestReserveExpiredListing(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	l := listing("r1", models.KindRequest, "alice")
	l.ExpiresAt = t0
	r.Create(ctx, l)
	if _, err := r.Reserve(ctx, "r1", "tx1"); !errors.Is(err, models.ErrExpiredRequest) {
		t.Fatalf("err = %v, want ErrExpiredRequest", err)
	}
}

func TestReleaseAndClose(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	r.Create(ctx, listing("r1", models.KindRequest, "alice"))
	r.Reserve(ctx, "r1", "tx1")

	if err := r.Release(ctx, "r1", "other"); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("release by wrong tx err = %v", err)
	}
	if err := r.Release(ctx, "r1", "tx1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok := r.ActiveRequest("alice"); !ok {
		t.Fatal("released request not open")
	}

	r.Reserve(ctx, "r1", "tx2")
	if err := r.Close(ctx, "r1", "tx2", models.StatusCompleted); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Close(ctx, "r1", "tx2", models.StatusCompleted); err != nil {
		t.Fatalf("repeat close: %v", err)
	}
	if err := r.Close(ctx, "r1", "tx2", models.StatusExpired); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("close to different terminal err = %v", err)
	}
	if err := r.Close(ctx, "r1", "tx2", models.StatusOpen); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("close to open err = %v", err)
	}
}

func TestCancel(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	r.Create(ctx, listing("r1", models.KindRequest, "alice"))

	_, err := r.Cancel(ctx, "r1", "mallory")
	if !errors.Is(err, models.ErrInvalidStateTransition) || !errors.Is(err, models.ErrNotOwner) {
		t.Fatalf("cancel by stranger err = %v", err)
	}
	got, err := r.Cancel(ctx, "r1", "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if _, err := r.Cancel(ctx, "r1", "alice"); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("second cancel err = %v", err)
	}
}

func TestExpireOlderThan(t *testing.T) {
	r, st, rec := newRegistry(t)
	ctx := context.Background()
	r.Create(ctx, listing("r1", models.KindRequest, "alice"))
	fresh := listing("o1", models.KindOffer, "bob")
	fresh.ExpiresAt = t0.Add(2 * time.Hour)
	r.Create(ctx, fresh)
	held := listing("o2", models.KindOffer, "carol")
	r.Create(ctx, held)
	r.Reserve(ctx, "o2", "tx1")

	expired := r.ExpireOlderThan(ctx, t0.Add(time.Hour))
	if len(expired) != 1 || expired[0].ID != "r1" {
		t.Fatalf("expired = %+v, want only r1", expired)
	}
	if st.listings["r1"].Status != models.StatusExpired {
		t.Fatalf("stored status = %s", st.listings["r1"].Status)
	}
	if len(rec.events) != 1 || rec.events[0].Type != models.EventRequestExpired || rec.events[0].ParticipantID != "alice" {
		t.Fatalf("events = %+v", rec.events)
	}
	if got, _ := r.Get("o2"); got.Status != models.StatusReserved {
		t.Fatalf("reserved offer touched by sweep: %s", got.Status)
	}
}

func TestClosedListingsLeaveMemory(t *testing.T) {
	r, st, _ := newRegistry(t)
	ctx := context.Background()
	r.Create(ctx, listing("r1", models.KindRequest, "alice"))
	r.Create(ctx, listing("o1", models.KindOffer, "bob"))
	r.Create(ctx, listing("r2", models.KindRequest, "carol"))
	stale := listing("o2", models.KindOffer, "dave")
	stale.ExpiresAt = t0.Add(time.Minute)
	r.Create(ctx, stale)

	r.Reserve(ctx, "r1", "tx1")
	r.Reserve(ctx, "o1", "tx1")
	if err := r.Close(ctx, "r1", "tx1", models.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(ctx, "o1", "tx1", models.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Cancel(ctx, "r2", "carol"); err != nil {
		t.Fatal(err)
	}
	r.ExpireOlderThan(ctx, t0.Add(time.Hour))

	if n := r.Len(); n != 0 {
		t.Fatalf("listings in memory = %d, want 0", n)
	}
	if len(r.Open(models.KindRequest))+len(r.Open(models.KindOffer)) != 0 {
		t.Fatal("closed listing still reported open")
	}
	for id, want := range map[string]models.Status{
		"r1": models.StatusCompleted,
		"o1": models.StatusCompleted,
		"r2": models.StatusCancelled,
		"o2": models.StatusExpired,
	} {
		if got := st.listings[id].Status; got != want {
			t.Fatalf("stored %s = %s, want %s", id, got, want)
		}
	}
	if _, err := r.Create(ctx, listing("r3", models.KindRequest, "alice")); err != nil {
		t.Fatalf("create after close: %v", err)
	}
}

func TestOpenIsOldestFirst(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	for i, owner := range []string{"c", "a", "b"} {
		l := listing("r-"+owner, models.KindRequest, owner)
		l.CreatedAt = t0.Add(time.Duration(3-i) * time.Minute)
		r.Create(ctx, l)
	}
	open := r.Open(models.KindRequest)
	var got []string
	for _, l := range open {
		got = append(got, l.ID)
	}
	if fmt.Sprint(got) != "[r-b r-a r-c]" {
		t.Fatalf("order = %v", got)
	}
}

func TestRestore(t *testing.T) {
	r, _, _ := newRegistry(t)
	l := listing("r1", models.KindRequest, "alice")
	l.Status = models.StatusOpen
	r.Restore([]models.Listing{l})
	if _, ok := r.ActiveRequest("alice"); !ok {
		t.Fatal("restored listing not active")
	}
	if _, err := r.Create(context.Background(), listing("r2", models.KindRequest, "alice")); !errors.Is(err, models.ErrDuplicateActiveRequest) {
		t.Fatalf("create after restore err = %v", err)
	}
}
