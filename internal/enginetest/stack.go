// Package enginetest assembles a complete engine over in-memory SQLite, a
// temporary pebble store and a scripted processor, for tests.
package enginetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"QuickCashEngine/internal/currency"
	"QuickCashEngine/internal/db"
	"QuickCashEngine/internal/events"
	"QuickCashEngine/internal/geo"
	"QuickCashEngine/internal/kv"
	"QuickCashEngine/internal/matching"
	"QuickCashEngine/internal/models"
	"QuickCashEngine/internal/payments"
	"QuickCashEngine/internal/payments/paymentstest"
	"QuickCashEngine/internal/registry"
	"QuickCashEngine/internal/services"
	"QuickCashEngine/internal/store"
	"QuickCashEngine/internal/transactions"
	"QuickCashEngine/internal/worker"

	"go.uber.org/zap/zaptest"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type Options struct {
	RadiusTiersM    []float64
	AmountTolerance int64
	RequestTTL      time.Duration
	TxTimeout       time.Duration
	AutoCapture     bool
	MaxAttempts     int
}

type Stack struct {
	Store     *store.SQLite
	KV        *kv.DB
	Processor *paymentstest.Gateway
	Gateway   *payments.Recorder
	Bus       *events.Bus
	Registry  *registry.Registry
	Geo       *geo.Index
	Machine   *transactions.Machine
	Matcher   *matching.Engine
	Engine    *services.Engine
	Worker    *worker.Worker
	Clock     *Clock
}

func New(t testing.TB, opts Options) *Stack {
	t.Helper()
	if len(opts.RadiusTiersM) == 0 {
		opts.RadiusTiersM = []float64{500, 2000, 10000}
	}
	if opts.RequestTTL == 0 {
		opts.RequestTTL = 30 * time.Minute
	}
	if opts.TxTimeout == 0 {
		opts.TxTimeout = time.Hour
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}

	log := zaptest.NewLogger(t).Sugar()
	clock := NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	conn, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st, err := store.NewSQLite(conn)
	if err != nil {
		t.Fatalf("create tables: %v", err)
	}
	t.Cleanup(st.Close)

	kvdb, err := kv.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { _ = kvdb.Close() })
	outbox, err := events.OpenOutbox(kvdb)
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}

	bus := events.NewBus(outbox, log)
	processor := paymentstest.New()
	recorder := payments.NewRecorder(processor, kvdb, st, log)
	reg := registry.New(st, bus, log).WithClock(clock.Now)
	index := geo.NewIndex()
	machine := transactions.NewMachine(st, reg, recorder, bus, log, transactions.Options{
		Retry: transactions.RetryPolicy{
			MaxAttempts:    opts.MaxAttempts,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
		Timeout:     opts.TxTimeout,
		AutoCapture: opts.AutoCapture,
	}).WithClock(clock.Now)
	matcher := matching.NewEngine(reg, index, machine, log, matching.Options{
		RadiusTiersM:    opts.RadiusTiersM,
		AmountTolerance: opts.AmountTolerance,
	}).WithClock(clock.Now)

	engine := &services.Engine{
		Store:        st,
		Registry:     reg,
		Geo:          index,
		Transactions: machine,
		Matcher:      matcher,
		Currencies:   currency.NewTable(nil),
		RequestTTL:   opts.RequestTTL,
		Log:          log,
		Now:          clock.Now,
	}
	return &Stack{
		Store:     st,
		KV:        kvdb,
		Processor: processor,
		Gateway:   recorder,
		Bus:       bus,
		Registry:  reg,
		Geo:       index,
		Machine:   machine,
		Matcher:   matcher,
		Engine:    engine,
		Worker: &worker.Worker{
			Registry:     reg,
			Transactions: machine,
			Matcher:      matcher,
			Log:          log,
			Now:          clock.Now,
		},
		Clock: clock,
	}
}

// Participant registers an active participant at (lat, lon).
func (s *Stack) Participant(t testing.TB, id string, role models.Role, lat, lon float64) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Engine.UpsertParticipant(ctx, services.ParticipantInput{
		ID:         id,
		Roles:      []models.Role{role},
		Instrument: id + "@example.com",
		Active:     true,
	}); err != nil {
		t.Fatalf("upsert participant %s: %v", id, err)
	}
	if _, err := s.Engine.UpdateLocation(ctx, id, models.Location{Lat: lat, Lon: lon, At: s.Clock.Now()}); err != nil {
		t.Fatalf("update location %s: %v", id, err)
	}
}

func (s *Stack) Request(t testing.TB, participantID string, amount int64) models.Listing {
	t.Helper()
	l, err := s.Engine.SubmitRequest(context.Background(), participantID, amount, "CAD")
	if err != nil {
		t.Fatalf("submit request: %v", err)
	}
	return l
}

func (s *Stack) Offer(t testing.TB, participantID string, amount int64) models.Listing {
	t.Helper()
	l, err := s.Engine.SubmitOffer(context.Background(), participantID, amount, "CAD")
	if err != nil {
		t.Fatalf("submit offer: %v", err)
	}
	return l
}
