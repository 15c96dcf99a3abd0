package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository owns transaction row access. Mutations are transaction-scoped;
// the status guard in every UPDATE makes transitions safe to retry.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const txColumns = `
id::text, asset_id::text, buyer_id, kind, amount::text, token_amount, status,
failure_reason, reservation_id::text, external_ref, version, created_at, completed_at
`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t      Transaction
		amount string
	)
	if err := row.Scan(
		&t.ID, &t.AssetID, &t.BuyerID, &t.Kind, &amount, &t.TokenAmount, &t.Status,
		&t.FailureReason, &t.ReservationID, &t.ExternalRef, &t.Version, &t.CreatedAt, &t.CompletedAt,
	); err != nil {
		return Transaction{}, err
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("settlement: parse amount %q: %w", amount, err)
	}
	t.Amount = amt
	return t, nil
}

// InsertTx creates the transaction row inside the caller's transaction.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error) {
	query := `
INSERT INTO transactions (id, asset_id, buyer_id, kind, amount, token_amount, reservation_id)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
RETURNING ` + txColumns

	created, err := scanTransaction(tx.QueryRow(ctx, query,
		t.ID, t.AssetID, t.BuyerID, string(t.Kind), t.Amount.String(), t.TokenAmount, t.ReservationID,
	))
	if err != nil {
		return Transaction{}, fmt.Errorf("settlement: insert transaction: %w", err)
	}
	return created, nil
}

// Get loads a transaction without locking.
func (r *Repository) Get(ctx context.Context, id string) (Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE id = $1`

	t, err := scanTransaction(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("settlement: get transaction: %w", err)
	}
	return t, nil
}

// LockTx loads a transaction FOR UPDATE inside the caller's transaction.
// Lock order across the core is transaction row first, then obligation,
// then reservation.
func (r *Repository) LockTx(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`

	t, err := scanTransaction(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("settlement: lock transaction: %w", err)
	}
	return t, nil
}

// TransitionParams carries the optional columns written alongside a status
// change.
type TransitionParams struct {
	FailureReason *string
	ExternalRef   *string
	Complete      bool
}

// TransitionTx moves a transaction from one status to another. The WHERE
// guard on the current status means a lost race surfaces as
// ErrInvalidTransition rather than a silent overwrite.
func (r *Repository) TransitionTx(ctx context.Context, tx pgx.Tx, id string, from, to Status, params TransitionParams) (Transaction, error) {
	if !from.CanTransitionTo(to) {
		return Transaction{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	query := `
UPDATE transactions
SET status = $3,
    failure_reason = COALESCE($4, failure_reason),
    external_ref = COALESCE($5, external_ref),
    completed_at = CASE WHEN $6 THEN now() ELSE completed_at END,
    version = version + 1
WHERE id = $1 AND status = $2
RETURNING ` + txColumns

	t, err := scanTransaction(tx.QueryRow(ctx, query,
		id, string(from), string(to), params.FailureReason, params.ExternalRef, params.Complete,
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, fmt.Errorf("settlement: transition %s -> %s: %w", from, to, err)
	}

	current, lookupErr := r.lockStatus(ctx, tx, id)
	if lookupErr != nil {
		return Transaction{}, lookupErr
	}
	return Transaction{}, fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidTransition, from, to, current)
}

func (r *Repository) lockStatus(ctx context.Context, tx pgx.Tx, id string) (Status, error) {
	var status Status
	if err := tx.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("settlement: fetch status: %w", err)
	}
	return status, nil
}
