package settlement

// Status is the transaction state machine. Legal transitions live in one
// table so every transition site goes through the same guard.
type Status string

const (
	StatusPending           Status = "pending"
	StatusEscrowFunded      Status = "escrow_funded"
	StatusTokensTransferred Status = "tokens_transferred"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:           {StatusEscrowFunded, StatusFailed, StatusCancelled},
	StatusEscrowFunded:      {StatusTokensTransferred, StatusFailed},
	StatusTokensTransferred: {StatusCompleted},
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

// Kind distinguishes how a transaction entered the lifecycle. All kinds move
// through the same state machine.
type Kind string

const (
	KindPrimarySale       Kind = "primary_sale"
	KindAuctionSettlement Kind = "auction_settlement"
	KindRedemption        Kind = "redemption"
	KindDividend          Kind = "dividend"
)

func validKind(k Kind) bool {
	switch k {
	case KindPrimarySale, KindAuctionSettlement, KindRedemption, KindDividend:
		return true
	}
	return false
}

// FailureReason values recorded on terminal failed transactions. Compliance
// rejections carry the gate's reason verbatim.
const (
	FailureEscrowTimeout = "escrow_timeout"
)
