package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
)

// Publisher is the subset of kafka.Writer the relay needs.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Relay drains pending outbox rows and publishes them to Kafka. Rows are
// claimed with SKIP LOCKED so multiple relay instances never double-publish
// within one claim window; the broker side still has to tolerate at-least-once
// delivery, which is why every payload carries the outbox row id as its key.
type Relay struct {
	pool        *pgxpool.Pool
	publisher   Publisher
	logger      *slog.Logger
	batchSize   int
	maxAttempts int
	interval    time.Duration
}

func NewRelay(pool *pgxpool.Pool, publisher Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		pool:        pool,
		publisher:   publisher,
		logger:      logger,
		batchSize:   64,
		maxAttempts: 10,
		interval:    time.Second,
	}
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	r.interval = d
	return r
}

// Run drains the outbox on a fixed cadence until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Error("outbox relay pass failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Debug("outbox relay published", "count", n)
			}
		}
	}
}

// RunOnce claims and publishes a single batch, returning how many messages
// were handed to the broker.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin relay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id::text, topic, payload, attempts
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, claimSQL, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim batch: %w", err)
	}

	type pending struct {
		id       string
		topic    string
		payload  []byte
		attempts int
	}
	batch := make([]pending, 0, r.batchSize)
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.topic, &p.payload, &p.attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan pending row: %w", err)
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate pending rows: %w", err)
	}
	if len(batch) == 0 {
		return 0, tx.Commit(ctx)
	}

	published := 0
	for _, p := range batch {
		msg := kafka.Message{
			Topic: p.topic,
			Key:   []byte(p.id),
			Value: p.payload,
		}
		if err := r.publisher.WriteMessages(ctx, msg); err != nil {
			r.logger.Warn("outbox publish failed", "id", p.id, "topic", p.topic, "attempts", p.attempts+1, "error", err)
			next := "pending"
			if p.attempts+1 >= r.maxAttempts {
				next = "dead"
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, status = $2 WHERE id = $1`, p.id, next); err != nil {
				return published, fmt.Errorf("outbox: record failed attempt: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'published', published_at = now(), attempts = attempts + 1 WHERE id = $1`, p.id); err != nil {
			return published, fmt.Errorf("outbox: mark published: %w", err)
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return published, fmt.Errorf("outbox: commit relay tx: %w", err)
	}
	return published, nil
}
