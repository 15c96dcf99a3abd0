package auction

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the auction state machine. scheduled auctions become active at
// their start time; finalize is the only path out of active/ended.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusSettled   Status = "settled"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusScheduled: {StatusActive, StatusCancelled},
	StatusActive:    {StatusEnded, StatusCancelled},
	StatusEnded:     {StatusSettled, StatusCancelled},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Auction is a competitive-bidding lot for a slice of one asset's supply.
// Best-bid fields are replaced atomically under the row lock; rows are
// immutable once settled or cancelled.
type Auction struct {
	ID           string
	AssetID      string
	ReservePrice decimal.Decimal
	TokenAmount  int64
	StartsAt     time.Time
	EndsAt       time.Time
	Status       Status
	BestBidID    *string
	BestAmount   *decimal.Decimal
	BestBidder   *string
	Version      int64
	CreatedAt    time.Time
}

// Bid is one submission in the append-only bid log. IsWinning is assigned
// once, at finalization, and never revoked.
type Bid struct {
	ID         string
	AuctionID  string
	Bidder     string
	Amount     decimal.Decimal
	PaymentRef *string
	IsWinning  bool
	CreatedAt  time.Time
}

var (
	// ErrNotFound signals the auction or bid does not exist.
	ErrNotFound = errors.New("auction: not found")
	// ErrNotActive signals a bid against an auction that is not accepting
	// bids, including one whose end time has already passed.
	ErrNotActive = errors.New("auction: not active")
	// ErrBelowReserve signals a bid at or under the reserve price.
	ErrBelowReserve = errors.New("auction: bid below reserve price")
	// ErrBelowCurrentBest signals a bid that does not strictly improve on
	// the current best. Ties favor the earlier bid.
	ErrBelowCurrentBest = errors.New("auction: bid does not beat current best")
	// ErrComplianceRejected signals the bidder failed the compliance check.
	ErrComplianceRejected = errors.New("auction: bidder rejected by compliance")
	// ErrNotEnded signals a finalize attempt before the end time.
	ErrNotEnded = errors.New("auction: end time not reached")
	// ErrAlreadyTerminal signals a cancel attempt on a settled auction.
	ErrAlreadyTerminal = errors.New("auction: already terminal")
)

// Event types appended to the auction's audit trail.
const (
	EventCreated     = "AUCTION_CREATED"
	EventActivated   = "AUCTION_ACTIVATED"
	EventBidAccepted = "AUCTION_BID_ACCEPTED"
	EventEnded       = "AUCTION_ENDED"
	EventSettled     = "AUCTION_SETTLED"
	EventCancelled   = "AUCTION_CANCELLED"
)

// Result is the outcome of a finalize call. TransactionID is set only when
// the auction settled.
type Result struct {
	Status        Status
	WinningBid    *Bid
	TransactionID string
}
