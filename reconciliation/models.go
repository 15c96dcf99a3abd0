package reconciliation

import "time"

// Kind classifies why an escrow confirmation was flagged.
type Kind string

const (
	KindAmountMismatch       Kind = "amount_mismatch"
	KindConfirmedDifferently Kind = "confirmed_differently"
)

// Status represents the review lifecycle of an anomaly record.
type Status string

const (
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Anomaly mirrors the anomalies table. An anomaly holds the transaction for
// manual review instead of auto-failing it: the discrepancy may be a caller
// bug rather than a real payment failure.
type Anomaly struct {
	ID            string
	TransactionID string
	Kind          Kind
	Status        Status
	Detail        []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ResolvedAt    *time.Time
}
