package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Writer appends immutable settlement events inside the caller's transaction.
// Events are the append-only audit record of every state transition; seq is
// monotonic per entity and backed by a unique constraint.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Append inserts one event for the entity. The caller is expected to hold the
// row lock on the owning entity so the seq computation cannot race.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, entityID, eventType string, payload map[string]any) error {
	if entityID == "" {
		return fmt.Errorf("event: missing entity id")
	}
	if eventType == "" {
		return fmt.Errorf("event: missing event type")
	}
	if payload == nil {
		payload = map[string]any{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal payload: %w", err)
	}

	const q = `
INSERT INTO settlement_events (entity_id, seq, type, payload)
VALUES (
    $1,
    COALESCE((SELECT MAX(seq) FROM settlement_events WHERE entity_id = $1), 0) + 1,
    $2,
    $3::jsonb
)
`
	if _, err := tx.Exec(ctx, q, entityID, eventType, body); err != nil {
		return fmt.Errorf("event: insert %s: %w", eventType, err)
	}
	return nil
}
