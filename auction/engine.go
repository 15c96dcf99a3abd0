package auction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"settleflow/compliance"
	"settleflow/event"
	"settleflow/outbox"
	"settleflow/settlement"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the row access the engine needs.
type Store interface {
	InsertTx(ctx context.Context, tx pgx.Tx, a Auction) (Auction, error)
	Get(ctx context.Context, id string) (Auction, error)
	LockTx(ctx context.Context, tx pgx.Tx, id string) (Auction, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id string, from, to Status) error
	InsertBidTx(ctx context.Context, tx pgx.Tx, b Bid) (Bid, error)
	MarkWinningTx(ctx context.Context, tx pgx.Tx, bidID string) (Bid, error)
	WinningBid(ctx context.Context, auctionID string) (Bid, bool, error)
}

// ComplianceChecker screens bidders before their bid is considered.
type ComplianceChecker interface {
	Check(ctx context.Context, identity string, amount decimal.Decimal) (compliance.Decision, error)
}

// SettlementCreator registers the winner's transaction inside the finalize
// transaction, so settling and transaction creation commit together.
type SettlementCreator interface {
	CreateTx(ctx context.Context, tx pgx.Tx, params settlement.CreateParams) (settlement.Transaction, error)
}

// Engine runs the bidding protocol for asset lots. It is the sole owner of
// auction and bid state transitions; acceptance is serialized per auction by
// the row lock, never globally.
type Engine struct {
	pool        TxBeginner
	repo        Store
	gate        ComplianceChecker
	settlements SettlementCreator
	events      *event.Writer
	outbox      *outbox.Writer
	idGen       func() string
	now         func() time.Time
}

func NewEngine(pool TxBeginner, repo Store, gate ComplianceChecker, settlements SettlementCreator) *Engine {
	return &Engine{
		pool:        pool,
		repo:        repo,
		gate:        gate,
		settlements: settlements,
		events:      event.NewWriter(),
		outbox:      outbox.NewWriter(),
		idGen:       uuid.NewString,
		now:         time.Now,
	}
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGen = gen
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CreateParams describes a new auction listing.
type CreateParams struct {
	AssetID      string
	ReservePrice decimal.Decimal
	TokenAmount  int64
	StartsAt     time.Time
	EndsAt       time.Time
}

// Create lists an auction. Listings whose start time has already passed open
// as active immediately.
func (e *Engine) Create(ctx context.Context, params CreateParams) (Auction, error) {
	if params.AssetID == "" {
		return Auction{}, fmt.Errorf("auction: missing asset id")
	}
	if params.TokenAmount <= 0 {
		return Auction{}, fmt.Errorf("auction: token amount must be positive, got %d", params.TokenAmount)
	}
	if params.ReservePrice.IsNegative() {
		return Auction{}, fmt.Errorf("auction: negative reserve price %s", params.ReservePrice)
	}
	if !params.EndsAt.After(params.StartsAt) {
		return Auction{}, fmt.Errorf("auction: end time must follow start time")
	}

	status := StatusScheduled
	if !params.StartsAt.After(e.now()) {
		status = StatusActive
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Auction{}, fmt.Errorf("auction: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := e.repo.InsertTx(ctx, tx, Auction{
		ID:           e.idGen(),
		AssetID:      params.AssetID,
		ReservePrice: params.ReservePrice,
		TokenAmount:  params.TokenAmount,
		StartsAt:     params.StartsAt,
		EndsAt:       params.EndsAt,
		Status:       status,
	})
	if err != nil {
		return Auction{}, err
	}

	if err := e.events.Append(ctx, tx, a.ID, EventCreated, map[string]any{
		"asset_id":      a.AssetID,
		"reserve_price": a.ReservePrice.String(),
		"token_amount":  a.TokenAmount,
		"starts_at":     a.StartsAt,
		"ends_at":       a.EndsAt,
		"status":        string(a.Status),
	}); err != nil {
		return Auction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Auction{}, fmt.Errorf("auction: commit tx: %w", err)
	}
	return a, nil
}

// SubmitBid accepts a bid when it strictly improves on both the reserve
// price and the current best. The compliance check runs before the row lock
// is taken, so a slow verdict lookup never blocks other bidders.
func (e *Engine) SubmitBid(ctx context.Context, auctionID, bidder string, amount decimal.Decimal, paymentRef string) (Bid, error) {
	if bidder == "" {
		return Bid{}, fmt.Errorf("auction: missing bidder")
	}
	if !amount.IsPositive() {
		return Bid{}, fmt.Errorf("auction: bid amount must be positive, got %s", amount)
	}

	decision, err := e.gate.Check(ctx, bidder, amount)
	if err != nil {
		return Bid{}, err
	}
	if !decision.Approved {
		return Bid{}, fmt.Errorf("%w: %s", ErrComplianceRejected, decision.Reason)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Bid{}, fmt.Errorf("auction: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := e.repo.LockTx(ctx, tx, auctionID)
	if err != nil {
		return Bid{}, err
	}

	now := e.now()
	if a.Status != StatusActive || !now.Before(a.EndsAt) {
		return Bid{}, ErrNotActive
	}
	if amount.LessThanOrEqual(a.ReservePrice) {
		return Bid{}, ErrBelowReserve
	}
	if a.BestAmount != nil && amount.LessThanOrEqual(*a.BestAmount) {
		return Bid{}, ErrBelowCurrentBest
	}

	var ref *string
	if paymentRef != "" {
		ref = &paymentRef
	}
	b, err := e.repo.InsertBidTx(ctx, tx, Bid{
		ID:         e.idGen(),
		AuctionID:  a.ID,
		Bidder:     bidder,
		Amount:     amount,
		PaymentRef: ref,
	})
	if err != nil {
		return Bid{}, err
	}

	if err := e.events.Append(ctx, tx, a.ID, EventBidAccepted, map[string]any{
		"bid_id": b.ID,
		"bidder": b.Bidder,
		"amount": b.Amount.String(),
	}); err != nil {
		return Bid{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Bid{}, fmt.Errorf("auction: commit tx: %w", err)
	}
	return b, nil
}

// Activate opens a scheduled auction once its start time has passed.
// Idempotent; the sweep drives it.
func (e *Engine) Activate(ctx context.Context, auctionID string) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("auction: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := e.repo.LockTx(ctx, tx, auctionID)
	if err != nil {
		return err
	}
	if a.Status != StatusScheduled || a.StartsAt.After(e.now()) {
		return nil
	}

	if err := e.repo.UpdateStatusTx(ctx, tx, a.ID, StatusScheduled, StatusActive); err != nil {
		return err
	}
	if err := e.events.Append(ctx, tx, a.ID, EventActivated, nil); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("auction: commit tx: %w", err)
	}
	return nil
}

// Finalize resolves an auction once its end time has passed. Idempotent:
// a settled auction returns its original winner, a cancelled one returns
// cancelled. With no qualifying bid the auction is cancelled; otherwise the
// best bid is flagged winning and the winner's settlement transaction is
// created in the same database transaction.
func (e *Engine) Finalize(ctx context.Context, auctionID string) (Result, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("auction: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := e.repo.LockTx(ctx, tx, auctionID)
	if err != nil {
		return Result{}, err
	}

	switch a.Status {
	case StatusSettled:
		winner, found, err := e.repo.WinningBid(ctx, a.ID)
		if err != nil {
			return Result{}, err
		}
		if !found {
			return Result{}, fmt.Errorf("auction: settled auction %s has no winning bid", a.ID)
		}
		return Result{Status: StatusSettled, WinningBid: &winner}, nil
	case StatusCancelled:
		return Result{Status: StatusCancelled}, nil
	}

	if e.now().Before(a.EndsAt) {
		return Result{}, ErrNotEnded
	}

	// A scheduled auction past its end time never opened for bidding.
	if a.Status == StatusScheduled {
		if err := e.repo.UpdateStatusTx(ctx, tx, a.ID, StatusScheduled, StatusCancelled); err != nil {
			return Result{}, err
		}
		return e.finishCancelled(ctx, tx, a)
	}

	if a.Status == StatusActive {
		if err := e.repo.UpdateStatusTx(ctx, tx, a.ID, StatusActive, StatusEnded); err != nil {
			return Result{}, err
		}
		if err := e.events.Append(ctx, tx, a.ID, EventEnded, nil); err != nil {
			return Result{}, err
		}
	}

	if a.BestBidID == nil {
		if err := e.repo.UpdateStatusTx(ctx, tx, a.ID, StatusEnded, StatusCancelled); err != nil {
			return Result{}, err
		}
		return e.finishCancelled(ctx, tx, a)
	}

	winner, err := e.repo.MarkWinningTx(ctx, tx, *a.BestBidID)
	if err != nil {
		return Result{}, err
	}

	settlementTx, err := e.settlements.CreateTx(ctx, tx, settlement.CreateParams{
		Kind:        settlement.KindAuctionSettlement,
		BuyerID:     winner.Bidder,
		AssetID:     a.AssetID,
		Amount:      winner.Amount,
		TokenAmount: a.TokenAmount,
	})
	if err != nil {
		return Result{}, err
	}

	if err := e.repo.UpdateStatusTx(ctx, tx, a.ID, StatusEnded, StatusSettled); err != nil {
		return Result{}, err
	}
	if err := e.events.Append(ctx, tx, a.ID, EventSettled, map[string]any{
		"winning_bid_id": winner.ID,
		"winner":         winner.Bidder,
		"amount":         winner.Amount.String(),
		"transaction_id": settlementTx.ID,
	}); err != nil {
		return Result{}, err
	}
	if err := e.outbox.Enqueue(ctx, tx, outbox.TopicAuctionSettled, map[string]any{
		"auction_id":     a.ID,
		"winning_bid_id": winner.ID,
		"transaction_id": settlementTx.ID,
	}); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("auction: commit tx: %w", err)
	}
	return Result{Status: StatusSettled, WinningBid: &winner, TransactionID: settlementTx.ID}, nil
}

func (e *Engine) finishCancelled(ctx context.Context, tx pgx.Tx, a Auction) (Result, error) {
	if err := e.events.Append(ctx, tx, a.ID, EventCancelled, nil); err != nil {
		return Result{}, err
	}
	if err := e.outbox.Enqueue(ctx, tx, outbox.TopicAuctionCancelled, map[string]any{
		"auction_id": a.ID,
	}); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("auction: commit tx: %w", err)
	}
	return Result{Status: StatusCancelled}, nil
}

// Cancel withdraws an auction that has not settled.
func (e *Engine) Cancel(ctx context.Context, auctionID string) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("auction: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := e.repo.LockTx(ctx, tx, auctionID)
	if err != nil {
		return err
	}
	switch a.Status {
	case StatusCancelled:
		return nil
	case StatusSettled:
		return ErrAlreadyTerminal
	}

	if err := e.repo.UpdateStatusTx(ctx, tx, a.ID, a.Status, StatusCancelled); err != nil {
		return err
	}
	if _, err := e.finishCancelled(ctx, tx, a); err != nil {
		return err
	}
	return nil
}

// Get returns the auction for the given identifier.
func (e *Engine) Get(ctx context.Context, auctionID string) (Auction, error) {
	return e.repo.Get(ctx, auctionID)
}
