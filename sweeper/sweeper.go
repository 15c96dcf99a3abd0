package sweeper

import (
	"context"
	"log/slog"
	"time"

	"settleflow/auction"
)

// AuctionEngine is the slice of the auction engine the sweep drives.
type AuctionEngine interface {
	Activate(ctx context.Context, auctionID string) error
	Finalize(ctx context.Context, auctionID string) (auction.Result, error)
}

// AuctionSource lists auctions whose clock deadlines have passed.
type AuctionSource interface {
	DueForActivation(ctx context.Context, now time.Time, limit int) ([]string, error)
	DueForFinalize(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// EscrowSource lists open obligations past their expiry.
type EscrowSource interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Lifecycle fails transactions whose escrow ran out of time.
type Lifecycle interface {
	OnEscrowExpired(ctx context.Context, transactionID string) error
}

// Sweeper is the time-driven half of the core: it opens scheduled auctions,
// finalizes ones past their end time, and fails transactions whose escrow
// deadline passed without a confirmation. Every step it drives is idempotent,
// so overlapping sweeps and restarts are harmless.
type Sweeper struct {
	auctions  AuctionSource
	engine    AuctionEngine
	escrows   EscrowSource
	lifecycle Lifecycle
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func New(auctions AuctionSource, engine AuctionEngine, escrows EscrowSource, lifecycle Lifecycle, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		auctions:  auctions,
		engine:    engine,
		escrows:   escrows,
		lifecycle: lifecycle,
		logger:    logger,
		interval:  5 * time.Second,
		batchSize: 100,
		now:       time.Now,
	}
}

func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	s.interval = d
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run sweeps on a fixed cadence until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass. Per-row failures are logged and skipped so
// one wedged row cannot stall the rest of the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) {
	now := s.now()

	ids, err := s.auctions.DueForActivation(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("sweep: list auctions due for activation", "error", err)
	}
	for _, id := range ids {
		if err := s.engine.Activate(ctx, id); err != nil {
			s.logger.Error("sweep: activate auction", "auction_id", id, "error", err)
		}
	}

	ids, err = s.auctions.DueForFinalize(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("sweep: list auctions due for finalize", "error", err)
	}
	for _, id := range ids {
		res, err := s.engine.Finalize(ctx, id)
		if err != nil {
			s.logger.Error("sweep: finalize auction", "auction_id", id, "error", err)
			continue
		}
		s.logger.Info("sweep: auction finalized", "auction_id", id, "status", string(res.Status))
	}

	txIDs, err := s.escrows.ListExpired(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("sweep: list expired escrows", "error", err)
	}
	for _, txID := range txIDs {
		if err := s.lifecycle.OnEscrowExpired(ctx, txID); err != nil {
			s.logger.Error("sweep: expire escrow", "transaction_id", txID, "error", err)
			continue
		}
		s.logger.Info("sweep: escrow expired", "transaction_id", txID)
	}
}
