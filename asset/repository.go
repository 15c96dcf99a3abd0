package asset

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound signals the requested asset does not exist.
	ErrNotFound = errors.New("asset: not found")
	// ErrDuplicateSymbol signals an asset with the same symbol already exists.
	ErrDuplicateSymbol = errors.New("asset: duplicate symbol")
)

// Repository provides access to tokenized asset records.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const assetColumns = `
id::text, symbol, name, issuer_account, total_supply, allocated, reserved,
price_per_token::text, version, created_at
`

func scanAsset(row pgx.Row) (Asset, error) {
	var (
		a     Asset
		price string
	)
	if err := row.Scan(
		&a.ID, &a.Symbol, &a.Name, &a.IssuerAccount,
		&a.TotalSupply, &a.Allocated, &a.Reserved,
		&price, &a.Version, &a.CreatedAt,
	); err != nil {
		return Asset{}, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return Asset{}, fmt.Errorf("asset: parse price %q: %w", price, err)
	}
	a.PricePerToken = p
	return a, nil
}

// Create inserts a new asset with zero allocation counters.
func (r *Repository) Create(ctx context.Context, id, symbol, name, issuerAccount string, totalSupply int64, pricePerToken decimal.Decimal) (Asset, error) {
	query := `
INSERT INTO assets (id, symbol, name, issuer_account, total_supply, price_per_token)
VALUES ($1, $2, $3, $4, $5, $6::numeric)
RETURNING ` + assetColumns

	a, err := scanAsset(r.pool.QueryRow(ctx, query, id, symbol, name, issuerAccount, totalSupply, pricePerToken.String()))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Asset{}, ErrDuplicateSymbol
		}
		return Asset{}, fmt.Errorf("asset: insert: %w", err)
	}
	return a, nil
}

// GetByID fetches an asset by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE id = $1`

	a, err := scanAsset(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Asset{}, ErrNotFound
		}
		return Asset{}, fmt.Errorf("asset: query by id: %w", err)
	}
	return a, nil
}

// List fetches up to limit assets ordered by symbol.
func (r *Repository) List(ctx context.Context, limit int) ([]Asset, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `SELECT ` + assetColumns + ` FROM assets ORDER BY symbol ASC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("asset: list: %w", err)
	}
	defer rows.Close()

	assets := make([]Asset, 0, limit)
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("asset: scan: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("asset: iterate: %w", err)
	}
	return assets, nil
}
