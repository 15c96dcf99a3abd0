package compliance

import (
	"time"

	"github.com/shopspring/decimal"
)

// Verdict is the point-in-time KYC snapshot for one identity. The external
// verification pipeline owns these rows; the settlement core only reads them.
type Verdict struct {
	Identity    string
	Verified    bool
	Frozen      bool
	VerifiedAt  *time.Time
	ExpiresAt   *time.Time
	MaxTransfer *decimal.Decimal
	UpdatedAt   time.Time
}

// Reason classifies a rejection.
type Reason string

const (
	ReasonNotVerified         Reason = "not_verified"
	ReasonVerificationExpired Reason = "verification_expired"
	ReasonExceedsMaxTransfer  Reason = "exceeds_max_transfer"
	ReasonFrozen              Reason = "frozen"
)

// Decision is the deterministic outcome of a compliance check for a given
// verdict snapshot. Reason is empty when Approved is true.
type Decision struct {
	Approved bool
	Reason   Reason
}

func approved() Decision {
	return Decision{Approved: true}
}

func rejected(r Reason) Decision {
	return Decision{Reason: r}
}
