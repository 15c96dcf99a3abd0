package escrow

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status tracks the lifecycle of one payment obligation.
type Status string

const (
	StatusOpen      Status = "open"
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
)

// Obligation is the expected-payment record a transaction must satisfy before
// tokens are released. One-to-one with a transaction; fulfilled at most once.
type Obligation struct {
	TransactionID   string
	ExpectedPayer   string
	ExpectedAmount  decimal.Decimal
	Status          Status
	ExternalRef     *string
	ConfirmedAmount *decimal.Decimal
	ConfirmedAt     *time.Time
	ExpiresAt       time.Time
	Version         int64
	CreatedAt       time.Time
}

// Outcome classifies the result of a confirmation attempt. Mismatch and
// conflicting-reference outcomes are recorded (anomaly + event) and must
// still be committed by the caller, which is why they are outcomes rather
// than plain errors.
type Outcome string

const (
	OutcomeConfirmed      Outcome = "confirmed"
	OutcomeReplay         Outcome = "replay"
	OutcomeAmountMismatch Outcome = "amount_mismatch"
	OutcomeConflictingRef Outcome = "conflicting_reference"
)

// ConfirmResult carries the outcome and the obligation as of this attempt.
type ConfirmResult struct {
	Outcome    Outcome
	Obligation Obligation
}

var (
	// ErrNotFound covers unknown transactions and late confirmations against
	// expired obligations; neither is ever silently honored.
	ErrNotFound = errors.New("escrow: obligation not found")
	// ErrAmountMismatch signals the confirmed amount differs from the
	// obligation; surfaced to callers after the anomaly is recorded.
	ErrAmountMismatch = errors.New("escrow: confirmed amount does not match obligation")
	// ErrConfirmedDifferently signals a second confirmation with a different
	// external reference; surfaced after the anomaly is recorded.
	ErrConfirmedDifferently = errors.New("escrow: obligation already confirmed with a different reference")
)
