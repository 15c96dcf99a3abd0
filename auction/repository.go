package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository owns auction and bid row access. Best-bid replacement and
// status changes run inside the caller's transaction under the auction row
// lock.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const auctionColumns = `
id::text, asset_id::text, reserve_price::text, token_amount, starts_at, ends_at,
status, best_bid_id::text, best_amount::text, best_bidder, version, created_at
`

func scanAuction(row pgx.Row) (Auction, error) {
	var (
		a          Auction
		reserve    string
		bestAmount *string
	)
	if err := row.Scan(
		&a.ID, &a.AssetID, &reserve, &a.TokenAmount, &a.StartsAt, &a.EndsAt,
		&a.Status, &a.BestBidID, &bestAmount, &a.BestBidder, &a.Version, &a.CreatedAt,
	); err != nil {
		return Auction{}, err
	}
	rp, err := decimal.NewFromString(reserve)
	if err != nil {
		return Auction{}, fmt.Errorf("auction: parse reserve price %q: %w", reserve, err)
	}
	a.ReservePrice = rp
	if bestAmount != nil {
		amt, err := decimal.NewFromString(*bestAmount)
		if err != nil {
			return Auction{}, fmt.Errorf("auction: parse best amount %q: %w", *bestAmount, err)
		}
		a.BestAmount = &amt
	}
	return a, nil
}

const bidColumns = `
id::text, auction_id::text, bidder_id, amount::text, payment_ref, is_winning, created_at
`

func scanBid(row pgx.Row) (Bid, error) {
	var (
		b      Bid
		amount string
	)
	if err := row.Scan(&b.ID, &b.AuctionID, &b.Bidder, &amount, &b.PaymentRef, &b.IsWinning, &b.CreatedAt); err != nil {
		return Bid{}, err
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return Bid{}, fmt.Errorf("auction: parse bid amount %q: %w", amount, err)
	}
	b.Amount = amt
	return b, nil
}

// InsertTx creates the auction row inside the caller's transaction.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, a Auction) (Auction, error) {
	query := `
INSERT INTO auctions (id, asset_id, reserve_price, token_amount, starts_at, ends_at, status)
VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)
RETURNING ` + auctionColumns

	created, err := scanAuction(tx.QueryRow(ctx, query,
		a.ID, a.AssetID, a.ReservePrice.String(), a.TokenAmount, a.StartsAt, a.EndsAt, string(a.Status),
	))
	if err != nil {
		return Auction{}, fmt.Errorf("auction: insert: %w", err)
	}
	return created, nil
}

// Get loads an auction without locking.
func (r *Repository) Get(ctx context.Context, id string) (Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1`

	a, err := scanAuction(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Auction{}, ErrNotFound
		}
		return Auction{}, fmt.Errorf("auction: get: %w", err)
	}
	return a, nil
}

// LockTx loads an auction FOR UPDATE. All bid acceptance and finalization
// serializes on this lock.
func (r *Repository) LockTx(ctx context.Context, tx pgx.Tx, id string) (Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1 FOR UPDATE`

	a, err := scanAuction(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Auction{}, ErrNotFound
		}
		return Auction{}, fmt.Errorf("auction: lock: %w", err)
	}
	return a, nil
}

// UpdateStatusTx moves an auction between statuses with a guard on the
// current status.
func (r *Repository) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id string, from, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("auction: illegal transition %s -> %s", from, to)
	}

	query := `
UPDATE auctions SET status = $3, version = version + 1
WHERE id = $1 AND status = $2
`
	tag, err := tx.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("auction: transition %s -> %s: %w", from, to, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("auction: transition %s -> %s: row moved concurrently", from, to)
	}
	return nil
}

// InsertBidTx appends a bid and installs it as the current best. Caller
// holds the auction row lock and has already validated the improvement rule.
func (r *Repository) InsertBidTx(ctx context.Context, tx pgx.Tx, b Bid) (Bid, error) {
	insert := `
INSERT INTO bids (id, auction_id, bidder_id, amount, payment_ref)
VALUES ($1, $2, $3, $4::numeric, $5)
RETURNING ` + bidColumns

	created, err := scanBid(tx.QueryRow(ctx, insert, b.ID, b.AuctionID, b.Bidder, b.Amount.String(), b.PaymentRef))
	if err != nil {
		return Bid{}, fmt.Errorf("auction: insert bid: %w", err)
	}

	update := `
UPDATE auctions
SET best_bid_id = $2, best_amount = $3::numeric, best_bidder = $4, version = version + 1
WHERE id = $1
`
	if _, err := tx.Exec(ctx, update, b.AuctionID, created.ID, created.Amount.String(), created.Bidder); err != nil {
		return Bid{}, fmt.Errorf("auction: install best bid: %w", err)
	}
	return created, nil
}

// MarkWinningTx flags the selected bid. The partial unique index on
// (auction_id) WHERE is_winning makes a second winner impossible at the
// storage layer.
func (r *Repository) MarkWinningTx(ctx context.Context, tx pgx.Tx, bidID string) (Bid, error) {
	query := `
UPDATE bids SET is_winning = true WHERE id = $1
RETURNING ` + bidColumns

	b, err := scanBid(tx.QueryRow(ctx, query, bidID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrNotFound
		}
		return Bid{}, fmt.Errorf("auction: mark winning: %w", err)
	}
	return b, nil
}

// WinningBid returns the winning bid, if one was selected.
func (r *Repository) WinningBid(ctx context.Context, auctionID string) (Bid, bool, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE auction_id = $1 AND is_winning`

	b, err := scanBid(r.pool.QueryRow(ctx, query, auctionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, false, nil
		}
		return Bid{}, false, fmt.Errorf("auction: winning bid: %w", err)
	}
	return b, true, nil
}

// ListBids returns the append-only bid log, earliest first.
func (r *Repository) ListBids(ctx context.Context, auctionID string) ([]Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE auction_id = $1 ORDER BY seq`

	rows, err := r.pool.Query(ctx, query, auctionID)
	if err != nil {
		return nil, fmt.Errorf("auction: list bids: %w", err)
	}
	defer rows.Close()

	var bids []Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("auction: scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// DueForActivation returns ids of scheduled auctions whose start time has
// passed. Used by the sweep; the per-auction transition re-checks under lock.
func (r *Repository) DueForActivation(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
SELECT id::text FROM auctions
WHERE status = 'scheduled' AND starts_at <= $1
ORDER BY starts_at
LIMIT $2
`
	return r.listIDs(ctx, query, now, limit)
}

// DueForFinalize returns ids of auctions whose end time has passed and that
// still await finalization.
func (r *Repository) DueForFinalize(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
SELECT id::text FROM auctions
WHERE status IN ('scheduled', 'active', 'ended') AND ends_at <= $1
ORDER BY ends_at
LIMIT $2
`
	return r.listIDs(ctx, query, now, limit)
}

func (r *Repository) listIDs(ctx context.Context, query string, now time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("auction: list due: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("auction: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
