package transactions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"QuickCashEngine/internal/models"
	"QuickCashEngine/internal/payments"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reason codes recorded on closed transactions.
const (
	ReasonDeclinedPrefix = "declined:"
	ReasonCancelled      = "cancelled_by_participant"
	ReasonTimeout        = "timeout"
)

type Store interface {
	GetParticipant(ctx context.Context, id string) (*models.Participant, error)
	InsertTransaction(ctx context.Context, tx *models.Transaction) error
	UpdateTransaction(ctx context.Context, tx *models.Transaction, from models.TxState) (bool, error)
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
}

// Listings closes the request and offer a transaction holds.
type Listings interface {
	Close(ctx context.Context, id, txID string, to models.Status) error
	Release(ctx context.Context, id, txID string) error
}

type Notifier interface {
	Publish(ctx context.Context, ev models.Event)
}

type Options struct {
	Retry       RetryPolicy
	Timeout     time.Duration
	AutoCapture bool
	// ResumeBatch caps how many transactions one Resume call drives.
	ResumeBatch int
	// ResumeConcurrency caps how many of them run at once.
	ResumeConcurrency int
}

type pendingClose struct {
	txID   string
	status models.Status
}

// Machine owns every transaction from Proposed to a terminal state. A
// transition commits when the store accepts a compare-and-set on the state
// column; the in-memory copy follows the store and is never ahead of it.
// Terminal transactions are dropped from memory and served from the store.
//
// Every operation that calls the processor runs under a per-transaction lock
// and re-reads the state once it holds it, so a capture and a reverse of the
// same hold can never both be sent.
type Machine struct {
	store    Store
	listings Listings
	gateway  payments.Gateway
	notify   Notifier
	log      *zap.SugaredLogger
	retry    RetryPolicy
	timeout  time.Duration
	auto     bool
	now      func() time.Time
	locks    *keyedMutex

	resumeBatch       int
	resumeConcurrency int

	mu         sync.RWMutex
	active     map[string]models.Transaction
	resumeNext int

	closeMu  sync.Mutex
	unclosed map[string]pendingClose
}

func NewMachine(store Store, listings Listings, gateway payments.Gateway, notify Notifier, log *zap.SugaredLogger, opts Options) *Machine {
	if opts.ResumeBatch <= 0 {
		opts.ResumeBatch = 32
	}
	if opts.ResumeConcurrency <= 0 {
		opts.ResumeConcurrency = 8
	}
	return &Machine{
		store:             store,
		listings:          listings,
		gateway:           gateway,
		notify:            notify,
		log:               log,
		retry:             opts.Retry,
		timeout:           opts.Timeout,
		auto:              opts.AutoCapture,
		now:               func() time.Time { return time.Now().UTC() },
		locks:             newKeyedMutex(),
		resumeBatch:       opts.ResumeBatch,
		resumeConcurrency: opts.ResumeConcurrency,
		active:            make(map[string]models.Transaction),
		unclosed:          make(map[string]pendingClose),
	}
}

func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Create records a Proposed transaction for a reserved request/offer pair.
// The hold is always for the requested amount; tolerance only widens which
// offers may be paired.
func (m *Machine) Create(ctx context.Context, txID string, request, offer models.Listing) (models.Transaction, error) {
	if request.Kind != models.KindRequest || offer.Kind != models.KindOffer {
		return models.Transaction{}, models.Invalid("pairing", "need one request and one offer")
	}
	if request.Currency != offer.Currency {
		return models.Transaction{}, models.Invalid("currency", "request and offer currencies differ")
	}
	now := m.now()
	tx := models.Transaction{
		ID:             txID,
		RequestID:      request.ID,
		OfferID:        offer.ID,
		RequesterID:    request.ParticipantID,
		ProviderID:     offer.ParticipantID,
		Amount:         request.Amount,
		Currency:       request.Currency,
		State:          models.TxProposed,
		IdempotencyKey: IdempotencyKey(request.ID, offer.ID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.InsertTransaction(ctx, &tx); err != nil {
		return models.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}

	m.mu.Lock()
	m.active[tx.ID] = tx
	m.mu.Unlock()

	m.log.Infow("transaction proposed", "tx_id", tx.ID, "request_id", tx.RequestID, "offer_id", tx.OfferID, "amount", tx.Amount)
	m.publishBoth(ctx, tx, models.EventMatched, "")
	return tx, nil
}

// Restore loads non-terminal transactions read back from the store.
func (m *Machine) Restore(txs []*models.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range txs {
		if tx.State.Terminal() {
			continue
		}
		m.active[tx.ID] = *tx
	}
}

func (m *Machine) Get(ctx context.Context, id string) (models.Transaction, error) {
	m.mu.RLock()
	tx, ok := m.active[id]
	m.mu.RUnlock()
	if ok {
		return tx, nil
	}
	stored, err := m.store.GetTransaction(ctx, id)
	if err != nil {
		return models.Transaction{}, err
	}
	return *stored, nil
}

// Active lists in-memory non-terminal transactions, oldest first.
func (m *Machine) Active() []models.Transaction {
	m.mu.RLock()
	out := make([]models.Transaction, 0, len(m.active))
	for _, tx := range m.active {
		out = append(out, tx)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Hold places the escrow hold and moves Proposed -> EscrowHeld. A permanent
// decline closes the transaction as Cancelled with the processor's code and
// returns the gateway error. Exhausted transient retries leave it Proposed.
func (m *Machine) Hold(ctx context.Context, id string) (models.Transaction, error) {
	unlock := m.locks.Lock(id)
	held, err := m.hold(ctx, id)
	unlock()
	if err != nil || !m.auto {
		return held, err
	}
	return m.Capture(ctx, held.ID)
}

func (m *Machine) hold(ctx context.Context, id string) (models.Transaction, error) {
	tx, err := m.Get(ctx, id)
	if err != nil {
		return models.Transaction{}, err
	}
	if tx.State != models.TxProposed {
		return tx, fmt.Errorf("hold from %s: %w", tx.State, models.ErrInvalidStateTransition)
	}

	source, err := m.instrument(ctx, tx.RequesterID)
	if err != nil {
		return tx, err
	}
	destination, err := m.instrument(ctx, tx.ProviderID)
	if err != nil {
		return tx, err
	}

	res, err := m.call(ctx, models.OpHold, tx.ID, func() (payments.Result, error) {
		return m.gateway.PlaceHold(ctx, payments.HoldRequest{
			IdempotencyKey: tx.IdempotencyKey,
			Amount:         tx.Amount,
			Currency:       tx.Currency,
			Source:         source,
			Destination:    destination,
		})
	})
	if err != nil {
		if errors.Is(err, payments.ErrPermanent) {
			return m.decline(ctx, tx, payments.Code(err), err)
		}
		m.log.Warnw("hold not placed", "tx_id", tx.ID, "err", err)
		return tx, err
	}

	held, err := m.advance(ctx, tx.ID, models.TxProposed, models.TxEscrowHeld, func(t *models.Transaction, now time.Time) {
		ref := res.Reference
		t.HoldRef = &ref
		t.HeldAt = &now
	})
	if err != nil {
		// Cancelled or expired while the hold was in flight; release it.
		if cur, gerr := m.Get(ctx, tx.ID); gerr == nil && cur.State.Terminal() {
			if _, rerr := m.call(ctx, models.OpReverse, tx.ID, func() (payments.Result, error) {
				return m.gateway.Reverse(ctx, tx.IdempotencyKey)
			}); rerr != nil {
				m.log.Errorw("release of orphaned hold failed", "tx_id", tx.ID, "err", rerr)
			}
			return cur, err
		}
		return tx, err
	}

	m.publishBoth(ctx, held, models.EventEscrowHeld, "")
	return held, nil
}

// Capture finalizes the hold and moves EscrowHeld -> Settled. Settling an
// already settled transaction is a no-op.
func (m *Machine) Capture(ctx context.Context, id string) (models.Transaction, error) {
	defer m.locks.Lock(id)()

	tx, err := m.Get(ctx, id)
	if err != nil {
		return models.Transaction{}, err
	}
	switch tx.State {
	case models.TxSettled:
		return tx, nil
	case models.TxEscrowHeld:
	case models.TxExpired:
		return tx, models.ErrExpiredTransaction
	default:
		return tx, fmt.Errorf("capture from %s: %w", tx.State, models.ErrInvalidStateTransition)
	}

	res, err := m.call(ctx, models.OpCapture, tx.ID, func() (payments.Result, error) {
		return m.gateway.Capture(ctx, tx.IdempotencyKey)
	})
	if err != nil {
		m.log.Errorw("capture failed", "tx_id", tx.ID, "err", err)
		return tx, err
	}

	settled, err := m.advance(ctx, tx.ID, models.TxEscrowHeld, models.TxSettled, func(t *models.Transaction, now time.Time) {
		ref := res.Reference
		t.SettlementRef = &ref
		t.SettledAt = &now
		t.ClosedAt = &now
	})
	if err != nil {
		return tx, err
	}
	m.closeListings(ctx, settled, models.StatusCompleted)
	m.publishBoth(ctx, settled, models.EventSettled, "")
	return settled, nil
}

// Complete is the requester confirming the cash handover; it captures the hold.
func (m *Machine) Complete(ctx context.Context, id, participantID string) (models.Transaction, error) {
	tx, err := m.Get(ctx, id)
	if err != nil {
		return models.Transaction{}, err
	}
	if tx.RequesterID != participantID {
		return tx, models.ErrNotOwner
	}
	return m.Capture(ctx, id)
}

// Cancel is a participant abandoning the pairing. A Proposed transaction is
// cancelled outright; an EscrowHeld one has its hold reversed first.
func (m *Machine) Cancel(ctx context.Context, id, participantID string) (models.Transaction, error) {
	tx, err := m.Get(ctx, id)
	if err != nil {
		return models.Transaction{}, err
	}
	if tx.RequesterID != participantID && tx.ProviderID != participantID {
		return tx, models.ErrNotOwner
	}

	defer m.locks.Lock(id)()
	if tx, err = m.Get(ctx, id); err != nil {
		return models.Transaction{}, err
	}
	switch tx.State {
	case models.TxProposed:
		cancelled, err := m.advance(ctx, tx.ID, models.TxProposed, models.TxCancelled, func(t *models.Transaction, now time.Time) {
			t.ReasonCode = ReasonCancelled
			t.ClosedAt = &now
		})
		if err != nil {
			return tx, err
		}
		m.closeListings(ctx, cancelled, models.StatusCancelled)
		m.publishBoth(ctx, cancelled, models.EventCancelled, ReasonCancelled)
		return cancelled, nil
	case models.TxEscrowHeld:
		return m.reverse(ctx, tx, models.TxReversed, ReasonCancelled)
	default:
		return tx, fmt.Errorf("cancel from %s: %w", tx.State, models.ErrInvalidStateTransition)
	}
}

// ExpireStale force-closes transactions that have not moved for longer than
// the configured timeout. Held funds are released before the transaction is
// marked Expired; a failed release leaves it for the next sweep.
func (m *Machine) ExpireStale(ctx context.Context, now time.Time) []models.Transaction {
	if m.timeout <= 0 {
		return nil
	}
	var expired []models.Transaction
	for _, tx := range m.Active() {
		if now.Sub(tx.UpdatedAt) < m.timeout {
			continue
		}
		out, ok, err := m.expire(ctx, tx.ID, now)
		if err != nil {
			m.log.Warnw("expire transaction failed", "tx_id", tx.ID, "state", tx.State, "err", err)
			continue
		}
		if ok {
			expired = append(expired, out)
		}
	}
	if len(expired) > 0 {
		m.log.Infow("transactions expired", "count", len(expired))
	}
	return expired
}

// expire re-checks the transaction under its lock and closes it as Expired.
func (m *Machine) expire(ctx context.Context, id string, now time.Time) (models.Transaction, bool, error) {
	defer m.locks.Lock(id)()

	tx, err := m.Get(ctx, id)
	if err != nil {
		return models.Transaction{}, false, err
	}
	if now.Sub(tx.UpdatedAt) < m.timeout {
		return tx, false, nil
	}
	switch tx.State {
	case models.TxProposed:
		out, err := m.advance(ctx, tx.ID, models.TxProposed, models.TxExpired, func(t *models.Transaction, at time.Time) {
			t.ReasonCode = ReasonTimeout
			t.ClosedAt = &at
		})
		if err != nil {
			return tx, false, err
		}
		m.closeListings(ctx, out, models.StatusExpired)
		m.publishBoth(ctx, out, models.EventExpired, ReasonTimeout)
		return out, true, nil
	case models.TxEscrowHeld:
		out, err := m.reverse(ctx, tx, models.TxExpired, ReasonTimeout)
		return out, err == nil, err
	default:
		return tx, false, nil
	}
}

// Resume drives in-flight transactions after a restart or a transient
// outage: Proposed ones retry the hold with their original key, and held ones
// are captured when auto-capture is on. One call handles at most ResumeBatch
// transactions, ResumeConcurrency at a time; successive calls rotate through
// the backlog so a stuck head does not starve the rest.
func (m *Machine) Resume(ctx context.Context) {
	var due []models.Transaction
	for _, tx := range m.Active() {
		if tx.State == models.TxProposed || (tx.State == models.TxEscrowHeld && m.auto) {
			due = append(due, tx)
		}
	}
	if len(due) == 0 {
		return
	}

	m.mu.Lock()
	start := m.resumeNext % len(due)
	n := min(m.resumeBatch, len(due))
	m.resumeNext = start + n
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.resumeConcurrency)
	for i := 0; i < n; i++ {
		tx := due[(start+i)%len(due)]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			var err error
			if tx.State == models.TxProposed {
				_, err = m.Hold(gctx, tx.ID)
			} else {
				_, err = m.Capture(gctx, tx.ID)
			}
			if err != nil && !errors.Is(err, payments.ErrPermanent) {
				m.log.Warnw("resume transaction failed", "tx_id", tx.ID, "state", tx.State, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Reconcile settles listings that a previous run left reserved. A listing
// whose transaction finished is closed to match it; one whose transaction was
// never recorded is released back to Open.
func (m *Machine) Reconcile(ctx context.Context, listings []models.Listing) {
	for _, l := range listings {
		if l.TransactionID == "" || l.Status != l.Kind.ReservedStatus() {
			continue
		}
		m.mu.RLock()
		_, live := m.active[l.TransactionID]
		m.mu.RUnlock()
		if live {
			continue
		}
		tx, err := m.store.GetTransaction(ctx, l.TransactionID)
		switch {
		case errors.Is(err, models.ErrNotFound):
			if rerr := m.listings.Release(ctx, l.ID, l.TransactionID); rerr != nil {
				m.log.Errorw("release orphaned listing failed", "listing_id", l.ID, "tx_id", l.TransactionID, "err", rerr)
			} else {
				m.log.Infow("orphaned listing released", "listing_id", l.ID, "tx_id", l.TransactionID)
			}
		case err != nil:
			m.log.Errorw("reconcile listing failed", "listing_id", l.ID, "tx_id", l.TransactionID, "err", err)
		case tx.State.Terminal():
			m.closeListing(ctx, l.ID, tx.ID, closedStatus(tx.State))
		}
	}
}

// RetryListingCloses re-applies listing closes that failed when their
// transaction finished. It reports how many went through.
func (m *Machine) RetryListingCloses(ctx context.Context) int {
	m.closeMu.Lock()
	pending := make(map[string]pendingClose, len(m.unclosed))
	for id, p := range m.unclosed {
		pending[id] = p
	}
	m.closeMu.Unlock()

	closed := 0
	for id, p := range pending {
		if m.closeListing(ctx, id, p.txID, p.status) {
			closed++
		}
	}
	return closed
}

// PendingListingCloses reports how many listing closes are waiting for a retry.
func (m *Machine) PendingListingCloses() int {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	return len(m.unclosed)
}

// reverse releases the hold of an EscrowHeld transaction and moves it to to
// (Reversed or Expired).
func (m *Machine) reverse(ctx context.Context, tx models.Transaction, to models.TxState, reason string) (models.Transaction, error) {
	if _, err := m.call(ctx, models.OpReverse, tx.ID, func() (payments.Result, error) {
		return m.gateway.Reverse(ctx, tx.IdempotencyKey)
	}); err != nil {
		m.log.Errorw("reverse failed", "tx_id", tx.ID, "err", err)
		return tx, err
	}

	out, err := m.advance(ctx, tx.ID, models.TxEscrowHeld, to, func(t *models.Transaction, now time.Time) {
		t.ReasonCode = reason
		t.ClosedAt = &now
	})
	if err != nil {
		return tx, err
	}
	ev := models.EventReversed
	status := models.StatusCancelled
	if to == models.TxExpired {
		ev = models.EventExpired
		status = models.StatusExpired
	}
	m.closeListings(ctx, out, status)
	m.publishBoth(ctx, out, ev, reason)
	return out, nil
}

func (m *Machine) decline(ctx context.Context, tx models.Transaction, code string, cause error) (models.Transaction, error) {
	reason := ReasonDeclinedPrefix + code
	cancelled, err := m.advance(ctx, tx.ID, models.TxProposed, models.TxCancelled, func(t *models.Transaction, now time.Time) {
		t.ReasonCode = reason
		t.ClosedAt = &now
	})
	if err != nil {
		return tx, err
	}
	m.log.Infow("hold declined", "tx_id", tx.ID, "code", code)
	m.closeListings(ctx, cancelled, models.StatusCancelled)
	m.publishBoth(ctx, cancelled, models.EventCancelled, reason)
	m.publishBoth(ctx, cancelled, models.EventResubmittable, reason)
	return cancelled, cause
}

// advance applies from -> to. The store compare-and-set is the commit point;
// losing it means another actor moved the transaction first.
func (m *Machine) advance(ctx context.Context, id string, from, to models.TxState, mutate func(t *models.Transaction, now time.Time)) (models.Transaction, error) {
	if !models.CanTransition(from, to) {
		return models.Transaction{}, fmt.Errorf("%s -> %s: %w", from, to, models.ErrInvalidStateTransition)
	}
	m.mu.RLock()
	cur, ok := m.active[id]
	m.mu.RUnlock()
	if !ok || cur.State != from {
		return models.Transaction{}, fmt.Errorf("%s -> %s: %w", from, to, models.ErrConcurrencyConflict)
	}

	now := m.now()
	next := cur
	next.State = to
	next.UpdatedAt = now
	if mutate != nil {
		mutate(&next, now)
	}

	committed, err := m.store.UpdateTransaction(ctx, &next, from)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("persist transaction %s %s->%s: %w", id, from, to, err)
	}
	if !committed {
		m.refresh(ctx, id)
		return models.Transaction{}, fmt.Errorf("persist transaction %s %s->%s: %w", id, from, to, models.ErrConcurrencyConflict)
	}

	m.mu.Lock()
	if stored, ok := m.active[id]; ok && stored.State == from {
		if to.Terminal() {
			delete(m.active, id)
		} else {
			m.active[id] = next
		}
	}
	m.mu.Unlock()

	m.log.Infow("transaction transition", "tx_id", id, "from", from, "state", to)
	return next, nil
}

// refresh reloads a transaction whose stored state moved underneath us.
func (m *Machine) refresh(ctx context.Context, id string) {
	stored, err := m.store.GetTransaction(ctx, id)
	if err != nil {
		m.log.Errorw("reload transaction failed", "tx_id", id, "err", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored.State.Terminal() {
		delete(m.active, id)
		return
	}
	m.active[id] = *stored
}

func (m *Machine) instrument(ctx context.Context, participantID string) (string, error) {
	p, err := m.store.GetParticipant(ctx, participantID)
	if err != nil {
		return "", fmt.Errorf("participant %s: %w", participantID, err)
	}
	return p.Instrument, nil
}

func (m *Machine) closeListings(ctx context.Context, tx models.Transaction, status models.Status) {
	for _, id := range []string{tx.RequestID, tx.OfferID} {
		m.closeListing(ctx, id, tx.ID, status)
	}
}

// closeListing closes one listing. A store failure keeps the close pending
// for RetryListingCloses; a listing that cannot take the close is dropped.
func (m *Machine) closeListing(ctx context.Context, id, txID string, status models.Status) bool {
	err := m.listings.Close(ctx, id, txID, status)

	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	switch {
	case err == nil:
		delete(m.unclosed, id)
		return true
	case errors.Is(err, models.ErrInvalidStateTransition), errors.Is(err, models.ErrNotFound):
		delete(m.unclosed, id)
		m.log.Errorw("listing cannot be closed", "tx_id", txID, "listing_id", id, "status", status, "err", err)
	default:
		m.unclosed[id] = pendingClose{txID: txID, status: status}
		m.log.Errorw("close listing failed, will retry", "tx_id", txID, "listing_id", id, "status", status, "err", err)
	}
	return false
}

func closedStatus(state models.TxState) models.Status {
	switch state {
	case models.TxSettled:
		return models.StatusCompleted
	case models.TxExpired:
		return models.StatusExpired
	default:
		return models.StatusCancelled
	}
}

func (m *Machine) publishBoth(ctx context.Context, tx models.Transaction, typ models.EventType, reason string) {
	at := tx.UpdatedAt
	m.notify.Publish(ctx, models.Event{Type: typ, ParticipantID: tx.RequesterID, TransactionID: tx.ID, ListingID: tx.RequestID, Reason: reason, At: at})
	m.notify.Publish(ctx, models.Event{Type: typ, ParticipantID: tx.ProviderID, TransactionID: tx.ID, ListingID: tx.OfferID, Reason: reason, At: at})
}
