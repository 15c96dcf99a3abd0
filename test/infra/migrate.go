package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"settleflow/db"
)

// Setup applies the embedded migrations against the DSN and returns a pool.
// Migrations are tracked in gorp_migrations, so reusing a shared database
// across runs is safe.
func Setup(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if _, err := db.Migrate(dsn); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect pool: %w", err)
	}
	return pool, nil
}
