package supply

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"settleflow/event"
)

// Event types appended to the asset's audit trail.
const (
	EventReserved  = "SUPPLY_RESERVED"
	EventCommitted = "SUPPLY_COMMITTED"
	EventReleased  = "SUPPLY_RELEASED"
)

// Ledger is the single owner of per-asset allocation counters. Each operation
// runs in its own transaction; callers that need to combine supply moves with
// other writes use Repository against their own pgx.Tx.
type Ledger struct {
	pool   *pgxpool.Pool
	repo   *Repository
	events *event.Writer
	idGen  func() string
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{
		pool:   pool,
		repo:   NewRepository(),
		events: event.NewWriter(),
		idGen:  uuid.NewString,
	}
}

func (l *Ledger) WithIDGenerator(gen func() string) *Ledger {
	l.idGen = gen
	return l
}

// Repo exposes the transaction-scoped operations for orchestrators.
func (l *Ledger) Repo() *Repository {
	return l.repo
}

// Reserve atomically claims tokenAmount of the asset's supply.
func (l *Ledger) Reserve(ctx context.Context, assetID string, tokenAmount int64) (Reservation, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Reservation{}, fmt.Errorf("supply: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := l.repo.ReserveTx(ctx, tx, l.idGen(), assetID, tokenAmount)
	if err != nil {
		return Reservation{}, err
	}

	if err := l.events.Append(ctx, tx, assetID, EventReserved, map[string]any{
		"reservation_id": res.ID,
		"token_amount":   res.TokenAmount,
	}); err != nil {
		return Reservation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, fmt.Errorf("supply: commit tx: %w", err)
	}
	return res, nil
}

// Commit converts the reservation into a permanent allocation. Idempotent.
func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	return l.finish(ctx, reservationID, EventCommitted, l.repo.CommitTx)
}

// Release cancels the reservation and frees the tokens. Idempotent.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	return l.finish(ctx, reservationID, EventReleased, l.repo.ReleaseTx)
}

func (l *Ledger) finish(
	ctx context.Context,
	reservationID string,
	eventType string,
	op func(context.Context, pgx.Tx, string) (bool, error),
) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("supply: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	changed, err := op(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if !changed {
		// Idempotent replay; nothing to record.
		return tx.Commit(ctx)
	}

	res, err := l.repo.GetTx(ctx, tx, reservationID)
	if err != nil {
		return err
	}

	if err := l.events.Append(ctx, tx, res.AssetID, eventType, map[string]any{
		"reservation_id": res.ID,
		"token_amount":   res.TokenAmount,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("supply: commit tx: %w", err)
	}
	return nil
}

// Snapshot reads the current supply counters for an asset.
func (l *Ledger) Snapshot(ctx context.Context, assetID string) (Snapshot, error) {
	const q = `
SELECT id::text, total_supply, allocated, reserved, version
FROM assets
WHERE id = $1
`
	var s Snapshot
	err := l.pool.QueryRow(ctx, q, assetID).Scan(
		&s.AssetID, &s.TotalSupply, &s.Allocated, &s.Reserved, &s.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrAssetNotFound
		}
		return Snapshot{}, fmt.Errorf("supply: snapshot: %w", err)
	}
	return s, nil
}
