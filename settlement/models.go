package settlement

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is one ownership-transfer attempt: a primary sale, an auction
// settlement, a redemption, or a dividend distribution. Rows are immutable
// once the status is terminal.
type Transaction struct {
	ID            string
	AssetID       string
	BuyerID       string
	Kind          Kind
	Amount        decimal.Decimal
	TokenAmount   int64
	Status        Status
	FailureReason *string
	ReservationID string
	ExternalRef   *string
	Version       int64
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

var (
	// ErrNotFound signals the transaction does not exist.
	ErrNotFound = errors.New("settlement: transaction not found")
	// ErrInvalidTransition signals an attempted illegal status change.
	ErrInvalidTransition = errors.New("settlement: invalid status transition")
	// ErrNotPending signals an operation that is only permitted while the
	// transaction is still pending.
	ErrNotPending = errors.New("settlement: transaction is not pending")
)

// Event types appended to the transaction's audit trail.
const (
	EventCreated           = "TRANSACTION_CREATED"
	EventEscrowFunded      = "TRANSACTION_ESCROW_FUNDED"
	EventTokensTransferred = "TRANSACTION_TOKENS_TRANSFERRED"
	EventCompleted         = "TRANSACTION_COMPLETED"
	EventFailed            = "TRANSACTION_FAILED"
	EventCancelled         = "TRANSACTION_CANCELLED"
)
