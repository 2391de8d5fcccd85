package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"QuickCashEngine/internal/models"

	"go.uber.org/zap"
)

const shardCount = 64

// Store is the durable side of the registry. Closed listings live only there.
type Store interface {
	InsertListing(ctx context.Context, l *models.Listing) error
	GetListing(ctx context.Context, id string) (*models.Listing, error)
	// UpdateListingStatus applies from -> to only if the stored status is still from.
	UpdateListingStatus(ctx context.Context, id string, from, to models.Status, txID string, at time.Time) (bool, error)
}

type Notifier interface {
	Publish(ctx context.Context, ev models.Event)
}

type record struct {
	mu      sync.Mutex
	listing models.Listing
}

func (r *record) snapshot() models.Listing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listing
}

type recordShard struct {
	mu      sync.RWMutex
	records map[string]*record
}

type ownerKey struct {
	participantID string
	kind          models.Kind
}

type ownerShard struct {
	mu     sync.Mutex
	active map[ownerKey]string
}

// Registry holds open cash requests and provider offers. Every status change
// goes through a per-record mutex held only for the in-memory compare-and-set;
// persistence happens after the lock is released. A listing leaves memory as
// soon as its terminal status is persisted.
type Registry struct {
	store  Store
	notify Notifier
	log    *zap.SugaredLogger
	now    func() time.Time

	records [shardCount]recordShard
	owners  [shardCount]ownerShard
}

func New(store Store, notify Notifier, log *zap.SugaredLogger) *Registry {
	r := &Registry{
		store:  store,
		notify: notify,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for i := range r.records {
		r.records[i].records = make(map[string]*record)
		r.owners[i].active = make(map[ownerKey]string)
	}
	return r
}

// WithClock replaces the time source, for tests and replays.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Create registers a new open listing. It fails with ErrDuplicateActiveRequest
// when the participant already holds a non-terminal listing of the same kind.
func (r *Registry) Create(ctx context.Context, l models.Listing) (models.Listing, error) {
	if l.ID == "" || l.ParticipantID == "" {
		return models.Listing{}, models.Invalid("listing", "id and participant are required")
	}
	l.Status = models.StatusOpen
	l.TransactionID = ""
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}

	key := ownerKey{participantID: l.ParticipantID, kind: l.Kind}
	own := r.ownerShard(l.ParticipantID)
	own.mu.Lock()
	if prev, ok := own.active[key]; ok {
		if rec := r.lookup(prev); rec != nil && !rec.snapshot().Status.Terminal() {
			own.mu.Unlock()
			return models.Listing{}, models.ErrDuplicateActiveRequest
		}
	}
	rec := &record{listing: l}
	r.insert(rec)
	own.active[key] = l.ID
	own.mu.Unlock()

	if err := r.store.InsertListing(ctx, &l); err != nil {
		r.forget(l.ID, key)
		return models.Listing{}, fmt.Errorf("persist listing: %w", err)
	}
	return l, nil
}

// Restore loads live listings read back from the store at startup.
func (r *Registry) Restore(listings []models.Listing) {
	for _, l := range listings {
		if l.Status.Terminal() {
			continue
		}
		r.insert(&record{listing: l})
		own := r.ownerShard(l.ParticipantID)
		own.mu.Lock()
		own.active[ownerKey{participantID: l.ParticipantID, kind: l.Kind}] = l.ID
		own.mu.Unlock()
	}
}

// Get reads a live listing. Closed listings are served by the store.
func (r *Registry) Get(id string) (models.Listing, error) {
	rec := r.lookup(id)
	if rec == nil {
		return models.Listing{}, models.ErrNotFound
	}
	return rec.snapshot(), nil
}

// ActiveOffer returns the participant's open offer, if any.
func (r *Registry) ActiveOffer(participantID string) (models.Listing, bool) {
	return r.active(participantID, models.KindOffer)
}

func (r *Registry) ActiveRequest(participantID string) (models.Listing, bool) {
	return r.active(participantID, models.KindRequest)
}

func (r *Registry) active(participantID string, kind models.Kind) (models.Listing, bool) {
	own := r.ownerShard(participantID)
	own.mu.Lock()
	id, ok := own.active[ownerKey{participantID: participantID, kind: kind}]
	own.mu.Unlock()
	if !ok {
		return models.Listing{}, false
	}
	rec := r.lookup(id)
	if rec == nil {
		return models.Listing{}, false
	}
	l := rec.snapshot()
	if l.Status != models.StatusOpen {
		return models.Listing{}, false
	}
	return l, true
}

// Open returns open listings of a kind, oldest first.
func (r *Registry) Open(kind models.Kind) []models.Listing {
	var out []models.Listing
	r.each(func(rec *record) {
		l := rec.snapshot()
		if l.Kind == kind && l.Status == models.StatusOpen {
			out = append(out, l)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Reserve atomically moves an open listing to its reserved status on behalf of
// transaction txID. Only one caller can win for a given listing.
func (r *Registry) Reserve(ctx context.Context, id, txID string) (models.Listing, error) {
	rec := r.lookup(id)
	if rec == nil {
		return models.Listing{}, models.ErrNotFound
	}
	now := r.now()

	rec.mu.Lock()
	if rec.listing.Status != models.StatusOpen {
		rec.mu.Unlock()
		return models.Listing{}, models.ErrAlreadyReserved
	}
	if !rec.listing.ExpiresAt.IsZero() && !now.Before(rec.listing.ExpiresAt) {
		rec.mu.Unlock()
		return models.Listing{}, models.ErrExpiredRequest
	}
	to := rec.listing.Kind.ReservedStatus()
	rec.listing.Status = to
	rec.listing.TransactionID = txID
	rec.listing.UpdatedAt = now
	reserved := rec.listing
	rec.mu.Unlock()

	if err := r.persist(ctx, id, models.StatusOpen, to, txID, now); err != nil {
		r.revert(rec, to, models.StatusOpen, "")
		return models.Listing{}, err
	}
	return reserved, nil
}

// Release returns a listing reserved by txID to Open. It exists for the matcher
// to undo a half-made pairing before any transaction is recorded.
func (r *Registry) Release(ctx context.Context, id, txID string) error {
	rec := r.lookup(id)
	if rec == nil {
		return models.ErrNotFound
	}
	now := r.now()

	rec.mu.Lock()
	from := rec.listing.Kind.ReservedStatus()
	if rec.listing.Status != from || rec.listing.TransactionID != txID {
		rec.mu.Unlock()
		return models.ErrInvalidStateTransition
	}
	rec.listing.Status = models.StatusOpen
	rec.listing.TransactionID = ""
	rec.listing.UpdatedAt = now
	rec.mu.Unlock()

	if err := r.persist(ctx, id, from, models.StatusOpen, "", now); err != nil {
		r.revert(rec, models.StatusOpen, from, txID)
		return err
	}
	return nil
}

// Close moves a listing reserved by txID to a terminal status. Listings are
// never reopened once their transaction has finished.
func (r *Registry) Close(ctx context.Context, id, txID string, to models.Status) error {
	if !to.Terminal() {
		return models.ErrInvalidStateTransition
	}
	rec := r.lookup(id)
	if rec == nil {
		return r.closedAs(ctx, id, txID, to)
	}
	now := r.now()

	rec.mu.Lock()
	from := rec.listing.Status
	if from == to && rec.listing.TransactionID == txID {
		rec.mu.Unlock()
		return nil
	}
	if from != rec.listing.Kind.ReservedStatus() || rec.listing.TransactionID != txID {
		rec.mu.Unlock()
		return models.ErrInvalidStateTransition
	}
	rec.listing.Status = to
	rec.listing.UpdatedAt = now
	rec.mu.Unlock()

	if err := r.persist(ctx, id, from, to, txID, now); err != nil {
		r.revert(rec, to, from, txID)
		return err
	}
	r.evict(rec)
	return nil
}

// closedAs answers a repeated Close for a listing already evicted from memory.
func (r *Registry) closedAs(ctx context.Context, id, txID string, to models.Status) error {
	stored, err := r.store.GetListing(ctx, id)
	if err != nil {
		return err
	}
	if stored.Status == to && stored.TransactionID == txID {
		return nil
	}
	return models.ErrInvalidStateTransition
}

// Cancel moves an open listing to Cancelled on behalf of its owner.
func (r *Registry) Cancel(ctx context.Context, id, participantID string) (models.Listing, error) {
	rec := r.lookup(id)
	if rec == nil {
		stored, err := r.store.GetListing(ctx, id)
		if err != nil {
			return models.Listing{}, err
		}
		if stored.ParticipantID != participantID {
			return models.Listing{}, fmt.Errorf("%w: %w", models.ErrInvalidStateTransition, models.ErrNotOwner)
		}
		return models.Listing{}, models.ErrInvalidStateTransition
	}
	now := r.now()

	rec.mu.Lock()
	if rec.listing.ParticipantID != participantID {
		rec.mu.Unlock()
		return models.Listing{}, fmt.Errorf("%w: %w", models.ErrInvalidStateTransition, models.ErrNotOwner)
	}
	if rec.listing.Status != models.StatusOpen {
		rec.mu.Unlock()
		return models.Listing{}, models.ErrInvalidStateTransition
	}
	rec.listing.Status = models.StatusCancelled
	rec.listing.UpdatedAt = now
	cancelled := rec.listing
	rec.mu.Unlock()

	if err := r.persist(ctx, id, models.StatusOpen, models.StatusCancelled, "", now); err != nil {
		r.revert(rec, models.StatusCancelled, models.StatusOpen, "")
		return models.Listing{}, err
	}
	r.evict(rec)
	return cancelled, nil
}

// ExpireOlderThan sweeps open listings whose TTL elapsed at now to Expired and
// emits an expiry event for each. It returns the listings it expired.
func (r *Registry) ExpireOlderThan(ctx context.Context, now time.Time) []models.Listing {
	var due []*record
	r.each(func(rec *record) {
		l := rec.snapshot()
		if l.Status == models.StatusOpen && !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt) {
			due = append(due, rec)
		}
	})

	var expired []models.Listing
	for _, rec := range due {
		rec.mu.Lock()
		if rec.listing.Status != models.StatusOpen {
			rec.mu.Unlock()
			continue
		}
		rec.listing.Status = models.StatusExpired
		rec.listing.UpdatedAt = now
		l := rec.listing
		rec.mu.Unlock()

		if err := r.persist(ctx, l.ID, models.StatusOpen, models.StatusExpired, "", now); err != nil {
			r.log.Errorw("expire listing failed", "listing_id", l.ID, "err", err)
			r.revert(rec, models.StatusExpired, models.StatusOpen, "")
			continue
		}
		r.evict(rec)
		expired = append(expired, l)

		evType := models.EventRequestExpired
		if l.Kind == models.KindOffer {
			evType = models.EventOfferExpired
		}
		r.notify.Publish(ctx, models.Event{
			Type:          evType,
			ParticipantID: l.ParticipantID,
			ListingID:     l.ID,
			At:            now,
		})
	}
	if len(expired) > 0 {
		r.log.Infow("listings expired", "count", len(expired))
	}
	return expired
}

func (r *Registry) persist(ctx context.Context, id string, from, to models.Status, txID string, at time.Time) error {
	ok, err := r.store.UpdateListingStatus(ctx, id, from, to, txID, at)
	if err != nil {
		return fmt.Errorf("persist listing %s %s->%s: %w", id, from, to, err)
	}
	if !ok {
		return fmt.Errorf("persist listing %s %s->%s: %w", id, from, to, models.ErrConcurrencyConflict)
	}
	return nil
}

func (r *Registry) revert(rec *record, from, to models.Status, txID string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.listing.Status == from {
		rec.listing.Status = to
		rec.listing.TransactionID = txID
	}
}

func (r *Registry) lookup(id string) *record {
	rs := r.recordShard(id)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.records[id]
}

func (r *Registry) insert(rec *record) {
	rs := r.recordShard(rec.listing.ID)
	rs.mu.Lock()
	rs.records[rec.listing.ID] = rec
	rs.mu.Unlock()
}

// evict drops a listing whose terminal status is persisted.
func (r *Registry) evict(rec *record) {
	l := rec.snapshot()
	r.forget(l.ID, ownerKey{participantID: l.ParticipantID, kind: l.Kind})
}

// Len reports how many listings are held in memory.
func (r *Registry) Len() int {
	n := 0
	for i := range r.records {
		rs := &r.records[i]
		rs.mu.RLock()
		n += len(rs.records)
		rs.mu.RUnlock()
	}
	return n
}

func (r *Registry) forget(id string, key ownerKey) {
	rs := r.recordShard(id)
	rs.mu.Lock()
	delete(rs.records, id)
	rs.mu.Unlock()

	own := r.ownerShard(key.participantID)
	own.mu.Lock()
	if own.active[key] == id {
		delete(own.active, key)
	}
	own.mu.Unlock()
}

func (r *Registry) each(fn func(rec *record)) {
	for i := range r.records {
		rs := &r.records[i]
		rs.mu.RLock()
		recs := make([]*record, 0, len(rs.records))
		for _, rec := range rs.records {
			recs = append(recs, rec)
		}
		rs.mu.RUnlock()
		for _, rec := range recs {
			fn(rec)
		}
	}
}

func (r *Registry) recordShard(id string) *recordShard {
	return &r.records[hash(id)%shardCount]
}

func (r *Registry) ownerShard(participantID string) *ownerShard {
	return &r.owners[hash(participantID)%shardCount]
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
