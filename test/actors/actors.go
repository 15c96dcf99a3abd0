package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"settleflow/auction"
	"settleflow/settlement"
	"settleflow/sweeper"
)

// Buyer hammers the primary-sale path: small purchases against one asset with
// limited supply. Capacity rejections are expected under contention; the
// oracles verify the counters never oversell.
func Buyer(ctx context.Context, lifecycle *settlement.Service, assetID, buyerID string, pricePerToken decimal.Decimal, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tokens := int64(1 + rand.Intn(3))
		amount := pricePerToken.Mul(decimal.NewFromInt(tokens))
		_, _ = lifecycle.Create(ctx, settlement.CreateParams{
			Kind:        settlement.KindPrimarySale,
			BuyerID:     buyerID,
			AssetID:     assetID,
			Amount:      amount,
			TokenAmount: tokens,
		})
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Confirmer replays payment confirmations against pending transactions. Most
// confirmations match the obligation; a few replay the same reference and a
// few carry a wrong amount, exercising the idempotent and anomaly paths.
func Confirmer(ctx context.Context, pool *pgxpool.Pool, lifecycle *settlement.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var (
			txID     string
			expected string
		)
		err := pool.QueryRow(ctx, `
SELECT o.transaction_id::text, o.expected_amount::text
FROM escrow_obligations o
JOIN transactions t ON t.id = o.transaction_id
WHERE o.status = 'open' AND t.status = 'pending'
ORDER BY random()
LIMIT 1`).Scan(&txID, &expected)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		amount, err := decimal.NewFromString(expected)
		if err != nil {
			continue
		}
		ref := "wire-" + txID
		switch rand.Intn(10) {
		case 0:
			// wrong amount, flagged as anomaly, transaction held
			_ = lifecycle.OnEscrowConfirmed(ctx, txID, ref, amount.Add(decimal.NewFromInt(1)))
		case 1:
			// double delivery of the same confirmation
			_ = lifecycle.OnEscrowConfirmed(ctx, txID, ref, amount)
			_ = lifecycle.OnEscrowConfirmed(ctx, txID, ref, amount)
		default:
			_ = lifecycle.OnEscrowConfirmed(ctx, txID, ref, amount)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Canceller aborts random pending transactions, racing the confirmers.
func Canceller(ctx context.Context, pool *pgxpool.Pool, lifecycle *settlement.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var txID string
		err := pool.QueryRow(ctx, `SELECT id::text FROM transactions WHERE status = 'pending' ORDER BY random() LIMIT 1`).Scan(&txID)
		if err == nil {
			_ = lifecycle.Cancel(ctx, txID)
		}
		time.Sleep(time.Duration(100+rand.Intn(150)) * time.Millisecond)
	}
}

// Bidder escalates bids on one auction. Ties and stale improvements are
// rejected; the oracle checks the accepted log is strictly increasing.
func Bidder(ctx context.Context, engine *auction.Engine, auctionID, bidderID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		a, err := engine.Get(ctx, auctionID)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		base := a.ReservePrice
		if a.BestAmount != nil {
			base = *a.BestAmount
		}
		// Sometimes bid exactly the current best to provoke the tie rejection.
		increment := decimal.NewFromInt(int64(rand.Intn(5)))
		_, _ = engine.SubmitBid(ctx, auctionID, bidderID, base.Add(increment), fmt.Sprintf("stake-%d", rand.Int63()))
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Sweep drives the time-based transitions the same way the production worker
// does, repeatedly and concurrently with everything else.
func Sweep(ctx context.Context, s *sweeper.Sweeper, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		s.RunOnce(ctx)
		time.Sleep(200 * time.Millisecond)
	}
}

// CollectPublisher stands in for the Kafka writer and records everything the
// outbox relay hands it.
type CollectPublisher struct {
	mu       sync.Mutex
	messages []kafka.Message
}

func (p *CollectPublisher) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msgs...)
	return nil
}

func (p *CollectPublisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}
