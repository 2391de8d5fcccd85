package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"QuickCashEngine/internal/models"
)

// SQLite is the single-node store used for development and tests. Times are
// stored as fixed-width UTC text so lexical order matches time order.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an open database and ensures all tables exist.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	_ = s.db.Close()
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS participants (
			id TEXT PRIMARY KEY,
			roles TEXT NOT NULL,
			instrument TEXT NOT NULL,
			active INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS listings (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			transaction_id TEXT,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_listings_one_active
			ON listings(participant_id, kind) WHERE status IN ('open','matched','reserved')`,
		`CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			offer_id TEXT NOT NULL,
			requester_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			currency TEXT NOT NULL,
			state TEXT NOT NULL,
			idempotency_key TEXT UNIQUE NOT NULL,
			hold_ref TEXT,
			settlement_ref TEXT,
			reason_code TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			held_at TEXT,
			settled_at TEXT,
			closed_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_state ON transactions(state)`,

		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL,
			operation TEXT NOT NULL,
			outcome TEXT NOT NULL,
			response_code TEXT NOT NULL,
			reference TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_key ON ledger_entries(idempotency_key)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_one_success
			ON ledger_entries(idempotency_key, operation) WHERE outcome='success'`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func (s *SQLite) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, roles, instrument, active, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			roles=excluded.roles,
			instrument=excluded.instrument,
			active=excluded.active,
			updated_at=excluded.updated_at
	`,
		p.ID, joinRoles(p.Roles), p.Instrument, p.Active,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	return err
}

func (s *SQLite) GetParticipant(ctx context.Context, id string) (*models.Participant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, roles, instrument, active, created_at, updated_at
		FROM participants WHERE id = ?
	`, id)
	p, err := scanParticipantSQL(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return p, err
}

func (s *SQLite) ListActiveParticipants(ctx context.Context) ([]*models.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, roles, instrument, active, created_at, updated_at
		FROM participants WHERE active = 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Participant
	for rows.Next() {
		p, err := scanParticipantSQL(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipantSQL(row rowScanner) (*models.Participant, error) {
	var p models.Participant
	var roles, created, updated string
	if err := row.Scan(&p.ID, &roles, &p.Instrument, &p.Active, &created, &updated); err != nil {
		return nil, err
	}
	p.Roles = splitRoles(roles)
	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLite) InsertListing(ctx context.Context, l *models.Listing) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listings (
			id, kind, participant_id, amount, currency, status,
			transaction_id, created_at, expires_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)
	`,
		l.ID, string(l.Kind), l.ParticipantID, l.Amount, l.Currency, string(l.Status),
		nullIfEmpty(l.TransactionID),
		formatTime(l.CreatedAt), formatTime(l.ExpiresAt), formatTime(l.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: listings.participant_id") {
		return models.ErrDuplicateActiveRequest
	}
	return err
}

func (s *SQLite) UpdateListingStatus(ctx context.Context, id string, from, to models.Status, txID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE listings
		SET status = ?, transaction_id = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), nullIfEmpty(txID), formatTime(at), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const sqlListingColumns = `id, kind, participant_id, amount, currency, status,
	transaction_id, created_at, expires_at, updated_at`

func (s *SQLite) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqlListingColumns+` FROM listings WHERE id = ?`, id)
	l, err := scanListingSQL(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *SQLite) ListActiveListings(ctx context.Context) ([]models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqlListingColumns+`
		FROM listings
		WHERE status IN ('open','matched','reserved')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Listing
	for rows.Next() {
		l, err := scanListingSQL(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanListingSQL(row rowScanner) (models.Listing, error) {
	var l models.Listing
	var kind, status, created, expires, updated string
	var txID sql.NullString
	if err := row.Scan(&l.ID, &kind, &l.ParticipantID, &l.Amount, &l.Currency, &status,
		&txID, &created, &expires, &updated); err != nil {
		return models.Listing{}, err
	}
	l.Kind = models.Kind(kind)
	l.Status = models.Status(status)
	l.TransactionID = txID.String
	var err error
	if l.CreatedAt, err = parseTime(created); err != nil {
		return models.Listing{}, err
	}
	if l.ExpiresAt, err = parseTime(expires); err != nil {
		return models.Listing{}, err
	}
	if l.UpdatedAt, err = parseTime(updated); err != nil {
		return models.Listing{}, err
	}
	return l, nil
}

func (s *SQLite) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, request_id, offer_id, requester_id, provider_id,
			amount, currency, state, idempotency_key,
			hold_ref, settlement_ref, reason_code,
			created_at, held_at, settled_at, closed_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		tx.ID, tx.RequestID, tx.OfferID, tx.RequesterID, tx.ProviderID,
		tx.Amount, tx.Currency, string(tx.State), tx.IdempotencyKey,
		tx.HoldRef, tx.SettlementRef, tx.ReasonCode,
		formatTime(tx.CreatedAt), formatNullableTime(tx.HeldAt), formatNullableTime(tx.SettledAt),
		formatNullableTime(tx.ClosedAt), formatTime(tx.UpdatedAt),
	)
	return err
}

func (s *SQLite) UpdateTransaction(ctx context.Context, tx *models.Transaction, from models.TxState) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET state = ?, hold_ref = ?, settlement_ref = ?, reason_code = ?,
			held_at = ?, settled_at = ?, closed_at = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`,
		string(tx.State), tx.HoldRef, tx.SettlementRef, tx.ReasonCode,
		formatNullableTime(tx.HeldAt), formatNullableTime(tx.SettledAt), formatNullableTime(tx.ClosedAt),
		formatTime(tx.UpdatedAt),
		tx.ID, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const sqlTxColumns = `id, request_id, offer_id, requester_id, provider_id,
	amount, currency, state, idempotency_key,
	hold_ref, settlement_ref, reason_code,
	created_at, held_at, settled_at, closed_at, updated_at`

func (s *SQLite) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqlTxColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransactionSQL(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return tx, err
}

func (s *SQLite) ListActiveTransactions(ctx context.Context) ([]*models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqlTxColumns+`
		FROM transactions
		WHERE state IN ('proposed','escrow_held')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		tx, err := scanTransactionSQL(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransactionSQL(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	var state, created, updated string
	var holdRef, settlementRef, heldAt, settledAt, closedAt sql.NullString
	err := row.Scan(
		&tx.ID, &tx.RequestID, &tx.OfferID, &tx.RequesterID, &tx.ProviderID,
		&tx.Amount, &tx.Currency, &state, &tx.IdempotencyKey,
		&holdRef, &settlementRef, &tx.ReasonCode,
		&created, &heldAt, &settledAt, &closedAt, &updated,
	)
	if err != nil {
		return nil, err
	}
	tx.State = models.TxState(state)
	if holdRef.Valid {
		tx.HoldRef = &holdRef.String
	}
	if settlementRef.Valid {
		tx.SettlementRef = &settlementRef.String
	}
	if tx.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if tx.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if tx.HeldAt, err = parseNullableTime(heldAt); err != nil {
		return nil, err
	}
	if tx.SettledAt, err = parseNullableTime(settledAt); err != nil {
		return nil, err
	}
	if tx.ClosedAt, err = parseNullableTime(closedAt); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *SQLite) AppendLedgerEntry(ctx context.Context, e *models.LedgerEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, idempotency_key, operation, outcome, response_code, reference, created_at
		) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT DO NOTHING
	`,
		e.ID, e.IdempotencyKey, string(e.Operation), string(e.Outcome),
		e.ResponseCode, e.Reference, formatTime(e.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) ListLedger(ctx context.Context, idempotencyKey string) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idempotency_key, operation, outcome, response_code, reference, created_at
		FROM ledger_entries
		WHERE idempotency_key = ?
		ORDER BY created_at, id
	`, idempotencyKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var op, outcome, created string
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &op, &outcome, &e.ResponseCode, &e.Reference, &created); err != nil {
			return nil, err
		}
		e.Operation = models.Operation(op)
		e.Outcome = models.Outcome(outcome)
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

func parseNullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i > 0 {
		return stmt[:i]
	}
	return stmt
}
