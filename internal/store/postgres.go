package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"QuickCashEngine/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

func (s *Postgres) Close() {
	s.Pool.Close()
}

func (s *Postgres) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO participants (id, roles, instrument, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			roles=EXCLUDED.roles,
			instrument=EXCLUDED.instrument,
			active=EXCLUDED.active,
			updated_at=EXCLUDED.updated_at
	`,
		p.ID,
		joinRoles(p.Roles),
		p.Instrument,
		p.Active,
		p.CreatedAt,
		p.UpdatedAt,
	)
	return err
}

func (s *Postgres) GetParticipant(ctx context.Context, id string) (*models.Participant, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, roles, instrument, active, created_at, updated_at
		FROM participants WHERE id=$1
	`, id)
	p, err := scanParticipantPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return p, err
}

func (s *Postgres) ListActiveParticipants(ctx context.Context) ([]*models.Participant, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, roles, instrument, active, created_at, updated_at
		FROM participants WHERE active
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Participant
	for rows.Next() {
		p, err := scanParticipantPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanParticipantPG(row pgx.Row) (*models.Participant, error) {
	var p models.Participant
	var roles string
	if err := row.Scan(&p.ID, &roles, &p.Instrument, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Roles = splitRoles(roles)
	return &p, nil
}

func (s *Postgres) InsertListing(ctx context.Context, l *models.Listing) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO listings (
			id, kind, participant_id, amount, currency, status,
			transaction_id, created_at, expires_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		l.ID,
		l.Kind,
		l.ParticipantID,
		l.Amount,
		l.Currency,
		l.Status,
		nullIfEmpty(l.TransactionID),
		l.CreatedAt,
		l.ExpiresAt,
		l.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return models.ErrDuplicateActiveRequest
	}
	return err
}

func (s *Postgres) UpdateListingStatus(ctx context.Context, id string, from, to models.Status, txID string, at time.Time) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE listings
		SET status=$3, transaction_id=$4, updated_at=$5
		WHERE id=$1 AND status=$2
	`, id, from, to, nullIfEmpty(txID), at)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *Postgres) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, kind, participant_id, amount, currency, status,
			transaction_id, created_at, expires_at, updated_at
		FROM listings WHERE id=$1
	`, id)
	l, err := scanListingPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Postgres) ListActiveListings(ctx context.Context) ([]models.Listing, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, kind, participant_id, amount, currency, status,
			transaction_id, created_at, expires_at, updated_at
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
		l, err := scanListingPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanListingPG(row pgx.Row) (models.Listing, error) {
	var l models.Listing
	var txID sql.NullString
	err := row.Scan(
		&l.ID,
		&l.Kind,
		&l.ParticipantID,
		&l.Amount,
		&l.Currency,
		&l.Status,
		&txID,
		&l.CreatedAt,
		&l.ExpiresAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return models.Listing{}, err
	}
	l.TransactionID = txID.String
	return l, nil
}

func (s *Postgres) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO transactions (
			id, request_id, offer_id, requester_id, provider_id,
			amount, currency, state, idempotency_key,
			hold_ref, settlement_ref, reason_code,
			created_at, held_at, settled_at, closed_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		tx.ID,
		tx.RequestID,
		tx.OfferID,
		tx.RequesterID,
		tx.ProviderID,
		tx.Amount,
		tx.Currency,
		tx.State,
		tx.IdempotencyKey,
		tx.HoldRef,
		tx.SettlementRef,
		tx.ReasonCode,
		tx.CreatedAt,
		tx.HeldAt,
		tx.SettledAt,
		tx.ClosedAt,
		tx.UpdatedAt,
	)
	return err
}

func (s *Postgres) UpdateTransaction(ctx context.Context, tx *models.Transaction, from models.TxState) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE transactions
		SET state=$3, hold_ref=$4, settlement_ref=$5, reason_code=$6,
			held_at=$7, settled_at=$8, closed_at=$9, updated_at=$10
		WHERE id=$1 AND state=$2
	`,
		tx.ID,
		from,
		tx.State,
		tx.HoldRef,
		tx.SettlementRef,
		tx.ReasonCode,
		tx.HeldAt,
		tx.SettledAt,
		tx.ClosedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

const pgTxColumns = `id, request_id, offer_id, requester_id, provider_id,
	amount, currency, state, idempotency_key,
	hold_ref, settlement_ref, reason_code,
	created_at, held_at, settled_at, closed_at, updated_at`

func (s *Postgres) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+pgTxColumns+` FROM transactions WHERE id=$1`, id)
	tx, err := scanTransactionPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return tx, err
}

func (s *Postgres) ListActiveTransactions(ctx context.Context) ([]*models.Transaction, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+pgTxColumns+`
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
		tx, err := scanTransactionPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransactionPG(row pgx.Row) (*models.Transaction, error) {
	var tx models.Transaction
	var holdRef, settlementRef sql.NullString
	var heldAt, settledAt, closedAt sql.NullTime
	err := row.Scan(
		&tx.ID,
		&tx.RequestID,
		&tx.OfferID,
		&tx.RequesterID,
		&tx.ProviderID,
		&tx.Amount,
		&tx.Currency,
		&tx.State,
		&tx.IdempotencyKey,
		&holdRef,
		&settlementRef,
		&tx.ReasonCode,
		&tx.CreatedAt,
		&heldAt,
		&settledAt,
		&closedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if holdRef.Valid {
		tx.HoldRef = &holdRef.String
	}
	if settlementRef.Valid {
		tx.SettlementRef = &settlementRef.String
	}
	if heldAt.Valid {
		tx.HeldAt = &heldAt.Time
	}
	if settledAt.Valid {
		tx.SettledAt = &settledAt.Time
	}
	if closedAt.Valid {
		tx.ClosedAt = &closedAt.Time
	}
	return &tx, nil
}

func (s *Postgres) AppendLedgerEntry(ctx context.Context, e *models.LedgerEntry) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		INSERT INTO ledger_entries (
			id, idempotency_key, operation, outcome, response_code, reference, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT DO NOTHING
	`,
		e.ID,
		e.IdempotencyKey,
		e.Operation,
		e.Outcome,
		e.ResponseCode,
		e.Reference,
		e.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *Postgres) ListLedger(ctx context.Context, idempotencyKey string) ([]models.LedgerEntry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, idempotency_key, operation, outcome, response_code, reference, created_at
		FROM ledger_entries
		WHERE idempotency_key=$1
		ORDER BY created_at, id
	`, idempotencyKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.Operation, &e.Outcome, &e.ResponseCode, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
