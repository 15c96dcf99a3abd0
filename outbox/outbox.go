package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Topics published by the settlement core.
const (
	TopicTransactionCreated   = "transaction.created"
	TopicTransactionCompleted = "transaction.completed"
	TopicTransactionFailed    = "transaction.failed"
	TopicTransactionCancelled = "transaction.cancelled"
	TopicEscrowConfirmed      = "escrow.confirmed"
	TopicEscrowFlagged        = "escrow.flagged"
	TopicAuctionSettled       = "auction.settled"
	TopicAuctionCancelled     = "auction.cancelled"
)

// Writer enqueues messages into the transactional outbox. Messages become
// visible to the relay only when the surrounding transaction commits.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: missing topic")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}
