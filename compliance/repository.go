package compliance

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository reads verdict snapshots from the compliance_verdicts read model.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Latest(ctx context.Context, identity string) (Verdict, bool, error) {
	const query = `
SELECT identity, verified, frozen, verified_at, expires_at, max_transfer::text, updated_at
FROM compliance_verdicts
WHERE identity = $1
`

	var (
		v           Verdict
		maxTransfer *string
	)
	err := r.pool.QueryRow(ctx, query, identity).Scan(
		&v.Identity,
		&v.Verified,
		&v.Frozen,
		&v.VerifiedAt,
		&v.ExpiresAt,
		&maxTransfer,
		&v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Verdict{}, false, nil
		}
		return Verdict{}, false, fmt.Errorf("compliance: query verdict: %w", err)
	}

	if maxTransfer != nil {
		limit, err := decimal.NewFromString(*maxTransfer)
		if err != nil {
			return Verdict{}, false, fmt.Errorf("compliance: parse max_transfer %q: %w", *maxTransfer, err)
		}
		v.MaxTransfer = &limit
	}

	return v, true, nil
}
