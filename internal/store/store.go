package store

import (
	"context"
	"strings"
	"time"

	"QuickCashEngine/internal/models"
)

// Store is the document store behind the engine. Transaction and ledger
// writes are durable when the call returns.
type Store interface {
	UpsertParticipant(ctx context.Context, p *models.Participant) error
	GetParticipant(ctx context.Context, id string) (*models.Participant, error)
	ListActiveParticipants(ctx context.Context) ([]*models.Participant, error)

	InsertListing(ctx context.Context, l *models.Listing) error
	// UpdateListingStatus applies from -> to only while the stored status is
	// still from, and reports whether it did.
	UpdateListingStatus(ctx context.Context, id string, from, to models.Status, txID string, at time.Time) (bool, error)
	GetListing(ctx context.Context, id string) (*models.Listing, error)
	ListActiveListings(ctx context.Context) ([]models.Listing, error)

	InsertTransaction(ctx context.Context, tx *models.Transaction) error
	// UpdateTransaction writes tx only while the stored state is still from.
	UpdateTransaction(ctx context.Context, tx *models.Transaction, from models.TxState) (bool, error)
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	ListActiveTransactions(ctx context.Context) ([]*models.Transaction, error)

	// AppendLedgerEntry inserts e. A second success row for the same key and
	// operation is ignored and reported as false.
	AppendLedgerEntry(ctx context.Context, e *models.LedgerEntry) (bool, error)
	ListLedger(ctx context.Context, idempotencyKey string) ([]models.LedgerEntry, error)

	Close()
}

func joinRoles(roles []models.Role) string {
	parts := make([]string, 0, len(roles))
	for _, r := range roles {
		parts = append(parts, string(r))
	}
	return strings.Join(parts, ",")
}

func splitRoles(v string) []models.Role {
	var out []models.Role
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, models.Role(p))
		}
	}
	return out
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
