package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"settleflow/event"
	"settleflow/reconciliation"
)

// Event types appended to the transaction's audit trail.
const (
	EventOpened    = "ESCROW_OPENED"
	EventConfirmed = "ESCROW_CONFIRMED"
	EventFlagged   = "ESCROW_FLAGGED"
	EventExpired   = "ESCROW_EXPIRED"
)

// AnomalyRecorder persists integrity anomalies inside the caller's transaction.
type AnomalyRecorder interface {
	RecordTx(ctx context.Context, tx pgx.Tx, transactionID string, kind reconciliation.Kind, detail map[string]any) error
}

// Tracker owns escrow obligation state. All mutating methods are
// transaction-scoped so the lifecycle service can combine them with its own
// status transitions atomically.
type Tracker struct {
	pool      *pgxpool.Pool
	anomalies AnomalyRecorder
	events    *event.Writer
	now       func() time.Time
}

func NewTracker(pool *pgxpool.Pool, anomalies AnomalyRecorder) *Tracker {
	return &Tracker{
		pool:      pool,
		anomalies: anomalies,
		events:    event.NewWriter(),
		now:       time.Now,
	}
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

const obligationColumns = `
transaction_id::text, expected_payer, expected_amount::text, status,
external_ref, confirmed_amount::text, confirmed_at, expires_at, version, created_at
`

func scanObligation(row pgx.Row) (Obligation, error) {
	var (
		o         Obligation
		expected  string
		confirmed *string
	)
	if err := row.Scan(
		&o.TransactionID, &o.ExpectedPayer, &expected, &o.Status,
		&o.ExternalRef, &confirmed, &o.ConfirmedAt, &o.ExpiresAt, &o.Version, &o.CreatedAt,
	); err != nil {
		return Obligation{}, err
	}
	amt, err := decimal.NewFromString(expected)
	if err != nil {
		return Obligation{}, fmt.Errorf("escrow: parse expected amount %q: %w", expected, err)
	}
	o.ExpectedAmount = amt
	if confirmed != nil {
		c, err := decimal.NewFromString(*confirmed)
		if err != nil {
			return Obligation{}, fmt.Errorf("escrow: parse confirmed amount %q: %w", *confirmed, err)
		}
		o.ConfirmedAmount = &c
	}
	return o, nil
}

// OpenTx creates the obligation for a transaction inside the caller's tx.
func (t *Tracker) OpenTx(ctx context.Context, tx pgx.Tx, transactionID, expectedPayer string, expectedAmount decimal.Decimal, expiresAt time.Time) (Obligation, error) {
	query := `
INSERT INTO escrow_obligations (transaction_id, expected_payer, expected_amount, expires_at)
VALUES ($1, $2, $3::numeric, $4)
RETURNING ` + obligationColumns

	o, err := scanObligation(tx.QueryRow(ctx, query, transactionID, expectedPayer, expectedAmount.String(), expiresAt))
	if err != nil {
		return Obligation{}, fmt.Errorf("escrow: open obligation: %w", err)
	}

	if err := t.events.Append(ctx, tx, transactionID, EventOpened, map[string]any{
		"expected_payer":  expectedPayer,
		"expected_amount": expectedAmount.String(),
		"expires_at":      expiresAt.UTC(),
	}); err != nil {
		return Obligation{}, err
	}
	return o, nil
}

// ConfirmTx applies a payment confirmation against the obligation. The first
// confirmation is authoritative; an identical replay is a no-op; a different
// reference or a mismatched amount is flagged as an anomaly and the
// obligation is held open for manual reconciliation. Callers must commit the
// transaction even for mismatch outcomes so the anomaly record survives.
func (t *Tracker) ConfirmTx(ctx context.Context, tx pgx.Tx, transactionID, externalRef string, confirmedAmount decimal.Decimal) (ConfirmResult, error) {
	if externalRef == "" {
		return ConfirmResult{}, fmt.Errorf("escrow: missing external reference")
	}

	o, err := t.lockTx(ctx, tx, transactionID)
	if err != nil {
		return ConfirmResult{}, err
	}

	switch o.Status {
	case StatusExpired:
		// A confirmation that arrives after expiry is rejected, not honored.
		return ConfirmResult{}, ErrNotFound

	case StatusConfirmed:
		if o.ExternalRef != nil && *o.ExternalRef == externalRef &&
			o.ConfirmedAmount != nil && o.ConfirmedAmount.Equal(confirmedAmount) {
			return ConfirmResult{Outcome: OutcomeReplay, Obligation: o}, nil
		}
		if err := t.flag(ctx, tx, o, reconciliation.KindConfirmedDifferently, externalRef, confirmedAmount); err != nil {
			return ConfirmResult{}, err
		}
		return ConfirmResult{Outcome: OutcomeConflictingRef, Obligation: o}, nil

	default: // open
		if !o.ExpectedAmount.Equal(confirmedAmount) {
			if err := t.flag(ctx, tx, o, reconciliation.KindAmountMismatch, externalRef, confirmedAmount); err != nil {
				return ConfirmResult{}, err
			}
			return ConfirmResult{Outcome: OutcomeAmountMismatch, Obligation: o}, nil
		}
	}

	confirmedAt := t.now()
	query := `
UPDATE escrow_obligations
SET status = 'confirmed',
    external_ref = $2,
    confirmed_amount = $3::numeric,
    confirmed_at = $4,
    version = version + 1
WHERE transaction_id = $1
RETURNING ` + obligationColumns

	updated, err := scanObligation(tx.QueryRow(ctx, query, transactionID, externalRef, confirmedAmount.String(), confirmedAt))
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("escrow: mark confirmed: %w", err)
	}

	if err := t.events.Append(ctx, tx, transactionID, EventConfirmed, map[string]any{
		"external_ref":     externalRef,
		"confirmed_amount": confirmedAmount.String(),
	}); err != nil {
		return ConfirmResult{}, err
	}

	return ConfirmResult{Outcome: OutcomeConfirmed, Obligation: updated}, nil
}

// ExpireTx marks an unfulfilled obligation expired. Returns false when the
// obligation is no longer open (confirmed in the meantime, or already
// expired) so redundant sweep passes stay idempotent.
func (t *Tracker) ExpireTx(ctx context.Context, tx pgx.Tx, transactionID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE escrow_obligations
SET status = 'expired',
    version = version + 1
WHERE transaction_id = $1 AND status = 'open'
`, transactionID)
	if err != nil {
		return false, fmt.Errorf("escrow: mark expired: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := t.events.Append(ctx, tx, transactionID, EventExpired, nil); err != nil {
		return false, err
	}
	return true, nil
}

// ListExpired returns transaction ids with open obligations past their
// deadline, oldest first.
func (t *Tracker) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	rows, err := t.pool.Query(ctx, `
SELECT transaction_id::text
FROM escrow_obligations
WHERE status = 'open' AND expires_at <= $1
ORDER BY expires_at
LIMIT $2
`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: list expired: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("escrow: scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate expired: %w", err)
	}
	return ids, nil
}

// Get loads the obligation for a transaction.
func (t *Tracker) Get(ctx context.Context, transactionID string) (Obligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM escrow_obligations WHERE transaction_id = $1`

	o, err := scanObligation(t.pool.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Obligation{}, ErrNotFound
		}
		return Obligation{}, fmt.Errorf("escrow: get obligation: %w", err)
	}
	return o, nil
}

func (t *Tracker) lockTx(ctx context.Context, tx pgx.Tx, transactionID string) (Obligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM escrow_obligations WHERE transaction_id = $1 FOR UPDATE`

	o, err := scanObligation(tx.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Obligation{}, ErrNotFound
		}
		return Obligation{}, fmt.Errorf("escrow: lock obligation: %w", err)
	}
	return o, nil
}

func (t *Tracker) flag(ctx context.Context, tx pgx.Tx, o Obligation, kind reconciliation.Kind, externalRef string, confirmedAmount decimal.Decimal) error {
	detail := map[string]any{
		"expected_amount": o.ExpectedAmount.String(),
		"claimed_amount":  confirmedAmount.String(),
		"claimed_ref":     externalRef,
	}
	if o.ExternalRef != nil {
		detail["recorded_ref"] = *o.ExternalRef
	}

	if err := t.anomalies.RecordTx(ctx, tx, o.TransactionID, kind, detail); err != nil {
		return err
	}
	return t.events.Append(ctx, tx, o.TransactionID, EventFlagged, detail)
}
