package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("reconciliation: not found")
	ErrBadStatus = errors.New("reconciliation: invalid status transition")
)

// Repository provides access to anomaly records.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordTx inserts an anomaly inside the caller's transaction so the flagging
// commits atomically with whatever state observation triggered it.
func (r *Repository) RecordTx(ctx context.Context, tx pgx.Tx, transactionID string, kind Kind, detail map[string]any) error {
	if transactionID == "" {
		return fmt.Errorf("reconciliation: missing transaction id")
	}
	if detail == nil {
		detail = map[string]any{}
	}
	body, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("reconciliation: marshal detail: %w", err)
	}

	const q = `
INSERT INTO anomalies (transaction_id, kind, detail)
VALUES ($1, $2, $3::jsonb)
`
	if _, err := tx.Exec(ctx, q, transactionID, string(kind), body); err != nil {
		return fmt.Errorf("reconciliation: insert anomaly: %w", err)
	}
	return nil
}

// List returns anomalies, optionally filtered to one transaction.
func (r *Repository) List(ctx context.Context, transactionID string) ([]Anomaly, error) {
	query := `
SELECT id::text, transaction_id::text, kind, status::text, detail, created_at, updated_at, resolved_at
FROM anomalies
`
	args := []any{}
	if transactionID != "" {
		query += " WHERE transaction_id = $1"
		args = append(args, transactionID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: list: %w", err)
	}
	defer rows.Close()

	out := make([]Anomaly, 0, 8)
	for rows.Next() {
		var rec Anomaly
		if err := rows.Scan(&rec.ID, &rec.TransactionID, &rec.Kind, &rec.Status, &rec.Detail, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt); err != nil {
			return nil, fmt.Errorf("reconciliation: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reconciliation: iterate: %w", err)
	}
	return out, nil
}

// Resolve closes an anomaly after manual review.
func (r *Repository) Resolve(ctx context.Context, anomalyID string) (Anomaly, error) {
	const query = `
UPDATE anomalies
SET status = 'resolved',
    resolved_at = now(),
    updated_at = now()
WHERE id = $1 AND status <> 'resolved'
RETURNING id::text, transaction_id::text, kind, status::text, detail, created_at, updated_at, resolved_at
`

	var rec Anomaly
	err := r.pool.QueryRow(ctx, query, anomalyID).
		Scan(&rec.ID, &rec.TransactionID, &rec.Kind, &rec.Status, &rec.Detail, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Anomaly{}, fmt.Errorf("reconciliation: resolve: %w", err)
	}

	var status Status
	if err := r.pool.QueryRow(ctx, `SELECT status::text FROM anomalies WHERE id = $1`, anomalyID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Anomaly{}, ErrNotFound
		}
		return Anomaly{}, fmt.Errorf("reconciliation: resolve fetch: %w", err)
	}
	if status == StatusResolved {
		return Anomaly{}, ErrBadStatus
	}
	return Anomaly{}, ErrNotFound
}
