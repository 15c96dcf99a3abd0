package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Executor performs the actual token movement between accounts. It is an
// external capability; the settlement core only requires that repeated calls
// for the same reservation are tolerated upstream of the Recorder guard.
type Executor interface {
	Execute(ctx context.Context, reservationID, from, to string, tokenAmount int64) (string, error)
}

// Execution is the durable record of a completed transfer, keyed by
// reservation id so a crash mid-transfer cannot double-pay on retry.
type Execution struct {
	ReservationID string
	ExecutionRef  string
	ExecutedAt    time.Time
}

// ErrNotExecuted signals no execution has been recorded for the reservation.
var ErrNotExecuted = errors.New("transfer: not executed")

// Recorder persists transfer executions. Once a success is recorded the
// external executor is never re-invoked for that reservation.
type Recorder struct {
	pool *pgxpool.Pool
}

func NewRecorder(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool}
}

// Existing returns the recorded execution for a reservation, if any.
func (r *Recorder) Existing(ctx context.Context, reservationID string) (Execution, bool, error) {
	const q = `
SELECT reservation_id::text, execution_ref, executed_at
FROM transfer_executions
WHERE reservation_id = $1
`
	var e Execution
	err := r.pool.QueryRow(ctx, q, reservationID).Scan(&e.ReservationID, &e.ExecutionRef, &e.ExecutedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Execution{}, false, nil
		}
		return Execution{}, false, fmt.Errorf("transfer: query execution: %w", err)
	}
	return e, true, nil
}

// Record stores a successful execution. If a concurrent retry already
// recorded one, the earlier record wins and is returned.
func (r *Recorder) Record(ctx context.Context, reservationID, executionRef string) (Execution, error) {
	const insert = `
INSERT INTO transfer_executions (reservation_id, execution_ref)
VALUES ($1, $2)
ON CONFLICT (reservation_id) DO NOTHING
`
	if _, err := r.pool.Exec(ctx, insert, reservationID, executionRef); err != nil {
		return Execution{}, fmt.Errorf("transfer: record execution: %w", err)
	}

	e, found, err := r.Existing(ctx, reservationID)
	if err != nil {
		return Execution{}, err
	}
	if !found {
		return Execution{}, ErrNotExecuted
	}
	return e, nil
}
