package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"QuickCashEngine/internal/currency"
	"QuickCashEngine/internal/geo"
	"QuickCashEngine/internal/matching"
	"QuickCashEngine/internal/models"
	"QuickCashEngine/internal/registry"
	"QuickCashEngine/internal/store"
	"QuickCashEngine/internal/transactions"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrMissingParticipantID = errors.New("missing participant id")

// Engine is the boundary the application layer talks to. It validates input,
// then delegates to the registry, the geo index and the state machine.
type Engine struct {
	Store        store.Store
	Registry     *registry.Registry
	Geo          *geo.Index
	Transactions *transactions.Machine
	Matcher      *matching.Engine
	Currencies   currency.Table
	RequestTTL   time.Duration
	Log          *zap.SugaredLogger
	Now          func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

// Recover reloads state persisted by a previous run: participant roles into
// the geo index, live listings into the registry and in-flight transactions
// into the state machine. Locations are not persisted; they arrive again
// from the feed.
func (e *Engine) Recover(ctx context.Context) error {
	participants, err := e.Store.ListActiveParticipants(ctx)
	if err != nil {
		return fmt.Errorf("load participants: %w", err)
	}
	for _, p := range participants {
		e.Geo.SetRoles(p.ID, p.Roles...)
	}

	listings, err := e.Store.ListActiveListings(ctx)
	if err != nil {
		return fmt.Errorf("load listings: %w", err)
	}
	e.Registry.Restore(listings)

	txs, err := e.Store.ListActiveTransactions(ctx)
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}
	e.Transactions.Restore(txs)
	e.Transactions.Reconcile(ctx, listings)

	e.Log.Infow("state recovered", "participants", len(participants), "listings", len(listings), "transactions", len(txs))
	return nil
}

type ParticipantInput struct {
	ID         string
	Roles      []models.Role
	Instrument string
	Active     bool
}

func (e *Engine) UpsertParticipant(ctx context.Context, in ParticipantInput) (*models.Participant, error) {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return nil, ErrMissingParticipantID
	}
	if len(in.Roles) == 0 {
		return nil, models.Invalid("roles", "at least one role is required")
	}
	for _, r := range in.Roles {
		if r != models.RoleRequester && r != models.RoleProvider {
			return nil, models.Invalid("roles", "unknown role "+string(r))
		}
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(in.Instrument))
	if err != nil || addr.Address != strings.TrimSpace(in.Instrument) {
		return nil, models.Invalid("instrument", "must be an email-addressed account")
	}

	now := e.now()
	p := &models.Participant{
		ID:         in.ID,
		Roles:      in.Roles,
		Instrument: addr.Address,
		Active:     in.Active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if prev, err := e.Store.GetParticipant(ctx, in.ID); err == nil {
		p.CreatedAt = prev.CreatedAt
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if err := e.Store.UpsertParticipant(ctx, p); err != nil {
		return nil, fmt.Errorf("persist participant: %w", err)
	}

	if p.Active {
		e.Geo.SetRoles(p.ID, p.Roles...)
	} else {
		e.Geo.Remove(p.ID)
	}
	e.Log.Infow("participant upserted", "participant_id", p.ID, "active", p.Active)
	return p, nil
}

// UpdateLocation applies one location sample. It reports false when the
// sample was older than the one already held.
func (e *Engine) UpdateLocation(ctx context.Context, participantID string, loc models.Location) (bool, error) {
	if participantID == "" {
		return false, ErrMissingParticipantID
	}
	if !geo.ValidCoordinates(loc.Lat, loc.Lon) {
		return false, models.Invalid("location", "coordinates out of range")
	}
	if loc.At.IsZero() {
		loc.At = e.now()
	}
	p, err := e.Store.GetParticipant(ctx, participantID)
	if err != nil {
		return false, err
	}
	if !p.Active {
		return false, fmt.Errorf("participant %s inactive: %w", participantID, models.ErrInvalidStateTransition)
	}
	accepted := e.Geo.UpsertLocation(participantID, loc)
	if accepted {
		e.Matcher.Kick()
	}
	return accepted, nil
}

// ConsumeLocations applies updates from the feed until ctx ends or the
// channel closes.
func (e *Engine) ConsumeLocations(ctx context.Context, updates <-chan models.LocationUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if _, err := e.UpdateLocation(ctx, u.ParticipantID, u.Location); err != nil {
				e.Log.Debugw("location update rejected", "participant_id", u.ParticipantID, "err", err)
			}
		}
	}
}

func (e *Engine) SubmitRequest(ctx context.Context, participantID string, amount int64, code string) (models.Listing, error) {
	return e.submit(ctx, models.KindRequest, models.RoleRequester, participantID, amount, code)
}

func (e *Engine) SubmitOffer(ctx context.Context, participantID string, amount int64, code string) (models.Listing, error) {
	return e.submit(ctx, models.KindOffer, models.RoleProvider, participantID, amount, code)
}

func (e *Engine) submit(ctx context.Context, kind models.Kind, role models.Role, participantID string, amount int64, code string) (models.Listing, error) {
	if participantID == "" {
		return models.Listing{}, ErrMissingParticipantID
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if err := e.Currencies.Validate(amount, code); err != nil {
		return models.Listing{}, err
	}
	p, err := e.Store.GetParticipant(ctx, participantID)
	if err != nil {
		return models.Listing{}, err
	}
	if !p.Active {
		return models.Listing{}, models.Invalid("participant", "inactive")
	}
	if !p.HasRole(role) {
		return models.Listing{}, models.Invalid("participant", "missing role "+string(role))
	}

	now := e.now()
	l, err := e.Registry.Create(ctx, models.Listing{
		ID:            uuid.NewString(),
		Kind:          kind,
		ParticipantID: participantID,
		Amount:        amount,
		Currency:      code,
		CreatedAt:     now,
		ExpiresAt:     now.Add(e.RequestTTL),
	})
	if err != nil {
		return models.Listing{}, err
	}
	e.Log.Infow("listing created", "kind", kind, "listing_id", l.ID, "participant_id", participantID, "amount", amount, "currency", code)
	e.Matcher.Kick()
	return l, nil
}

func (e *Engine) CancelRequest(ctx context.Context, id, participantID string) (models.Listing, error) {
	return e.cancel(ctx, models.KindRequest, id, participantID)
}

func (e *Engine) CancelOffer(ctx context.Context, id, participantID string) (models.Listing, error) {
	return e.cancel(ctx, models.KindOffer, id, participantID)
}

func (e *Engine) cancel(ctx context.Context, kind models.Kind, id, participantID string) (models.Listing, error) {
	if participantID == "" {
		return models.Listing{}, ErrMissingParticipantID
	}
	if _, err := e.GetListing(ctx, kind, id); err != nil {
		return models.Listing{}, err
	}
	return e.Registry.Cancel(ctx, id, participantID)
}

// GetListing reads a request or offer, falling back to the store for
// listings that closed before the last restart.
func (e *Engine) GetListing(ctx context.Context, kind models.Kind, id string) (models.Listing, error) {
	l, err := e.Registry.Get(id)
	if errors.Is(err, models.ErrNotFound) {
		stored, serr := e.Store.GetListing(ctx, id)
		if serr != nil {
			return models.Listing{}, serr
		}
		l, err = *stored, nil
	}
	if err != nil {
		return models.Listing{}, err
	}
	if l.Kind != kind {
		return models.Listing{}, models.ErrNotFound
	}
	return l, nil
}

func (e *Engine) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	return e.Transactions.Get(ctx, id)
}

// Ledger lists every processor attempt recorded for a transaction.
func (e *Engine) Ledger(ctx context.Context, txID string) ([]models.LedgerEntry, error) {
	tx, err := e.Transactions.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	return e.Store.ListLedger(ctx, tx.IdempotencyKey)
}

func (e *Engine) Complete(ctx context.Context, txID, participantID string) (models.Transaction, error) {
	if participantID == "" {
		return models.Transaction{}, ErrMissingParticipantID
	}
	return e.Transactions.Complete(ctx, txID, participantID)
}

func (e *Engine) CancelTransaction(ctx context.Context, txID, participantID string) (models.Transaction, error) {
	if participantID == "" {
		return models.Transaction{}, ErrMissingParticipantID
	}
	return e.Transactions.Cancel(ctx, txID, participantID)
}
