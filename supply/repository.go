package supply

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Repository holds the transaction-scoped supply operations. All methods take
// the caller's pgx.Tx so lifecycle orchestration can combine them with its own
// writes atomically.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// ReserveTx atomically claims tokenAmount against the asset's supply cap. The
// conditional UPDATE is the single serialization point per asset: two
// concurrent reservations whose sum exceeds supply can never both succeed.
func (r *Repository) ReserveTx(ctx context.Context, tx pgx.Tx, reservationID, assetID string, tokenAmount int64) (Reservation, error) {
	if tokenAmount <= 0 {
		return Reservation{}, fmt.Errorf("supply: token amount must be positive, got %d", tokenAmount)
	}

	const claimSQL = `
UPDATE assets
SET reserved = reserved + $2,
    version = version + 1
WHERE id = $1
  AND allocated + reserved + $2 <= total_supply
`
	tag, err := tx.Exec(ctx, claimSQL, assetID, tokenAmount)
	if err != nil {
		return Reservation{}, fmt.Errorf("supply: claim supply: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM assets WHERE id = $1)`, assetID).Scan(&exists); err != nil {
			return Reservation{}, fmt.Errorf("supply: check asset: %w", err)
		}
		if !exists {
			return Reservation{}, ErrAssetNotFound
		}
		return Reservation{}, ErrInsufficientSupply
	}

	const insertSQL = `
INSERT INTO reservations (id, asset_id, token_amount, status)
VALUES ($1, $2, $3, 'pending')
RETURNING id::text, asset_id::text, token_amount, status, created_at, updated_at
`
	var res Reservation
	if err := tx.QueryRow(ctx, insertSQL, reservationID, assetID, tokenAmount).Scan(
		&res.ID,
		&res.AssetID,
		&res.TokenAmount,
		&res.Status,
		&res.CreatedAt,
		&res.UpdatedAt,
	); err != nil {
		return Reservation{}, fmt.Errorf("supply: insert reservation: %w", err)
	}

	return res, nil
}

// CommitTx converts a pending reservation into a permanent allocation.
// Committing an already committed reservation is a no-op; the returned bool
// reports whether this call performed the conversion.
func (r *Repository) CommitTx(ctx context.Context, tx pgx.Tx, reservationID string) (bool, error) {
	res, err := r.lockReservation(ctx, tx, reservationID)
	if err != nil {
		return false, err
	}

	switch res.Status {
	case StatusCommitted:
		return false, nil
	case StatusReleased:
		return false, ErrReservationReleased
	}

	if _, err := tx.Exec(ctx, `
UPDATE reservations SET status = 'committed', updated_at = now() WHERE id = $1
`, reservationID); err != nil {
		return false, fmt.Errorf("supply: mark committed: %w", err)
	}

	if _, err := tx.Exec(ctx, `
UPDATE assets
SET reserved = reserved - $2,
    allocated = allocated + $2,
    version = version + 1
WHERE id = $1
`, res.AssetID, res.TokenAmount); err != nil {
		return false, fmt.Errorf("supply: move reserved to allocated: %w", err)
	}

	return true, nil
}

// ReleaseTx cancels a pending reservation, returning the tokens to the
// available pool. Releasing an already released reservation is a no-op.
func (r *Repository) ReleaseTx(ctx context.Context, tx pgx.Tx, reservationID string) (bool, error) {
	res, err := r.lockReservation(ctx, tx, reservationID)
	if err != nil {
		return false, err
	}

	switch res.Status {
	case StatusReleased:
		return false, nil
	case StatusCommitted:
		return false, ErrReservationCommitted
	}

	if _, err := tx.Exec(ctx, `
UPDATE reservations SET status = 'released', updated_at = now() WHERE id = $1
`, reservationID); err != nil {
		return false, fmt.Errorf("supply: mark released: %w", err)
	}

	if _, err := tx.Exec(ctx, `
UPDATE assets
SET reserved = reserved - $2,
    version = version + 1
WHERE id = $1
`, res.AssetID, res.TokenAmount); err != nil {
		return false, fmt.Errorf("supply: return reserved supply: %w", err)
	}

	return true, nil
}

// GetTx loads a reservation without locking it.
func (r *Repository) GetTx(ctx context.Context, tx pgx.Tx, reservationID string) (Reservation, error) {
	const q = `
SELECT id::text, asset_id::text, token_amount, status, created_at, updated_at
FROM reservations
WHERE id = $1
`
	var res Reservation
	err := tx.QueryRow(ctx, q, reservationID).Scan(
		&res.ID, &res.AssetID, &res.TokenAmount, &res.Status, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrReservationNotFound
		}
		return Reservation{}, fmt.Errorf("supply: get reservation: %w", err)
	}
	return res, nil
}

func (r *Repository) lockReservation(ctx context.Context, tx pgx.Tx, reservationID string) (Reservation, error) {
	const q = `
SELECT id::text, asset_id::text, token_amount, status, created_at, updated_at
FROM reservations
WHERE id = $1
FOR UPDATE
`
	var res Reservation
	err := tx.QueryRow(ctx, q, reservationID).Scan(
		&res.ID, &res.AssetID, &res.TokenAmount, &res.Status, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrReservationNotFound
		}
		return Reservation{}, fmt.Errorf("supply: lock reservation: %w", err)
	}
	return res, nil
}
