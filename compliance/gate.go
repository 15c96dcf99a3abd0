package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// VerdictSource loads the latest verdict snapshot for an identity. The second
// return value reports whether a verdict exists at all.
type VerdictSource interface {
	Latest(ctx context.Context, identity string) (Verdict, bool, error)
}

// Gate decides whether an identity may receive a transfer of a given size.
// The decision is pure with respect to the verdict snapshot, so callers may
// re-run a check during retries and observe the same outcome.
type Gate struct {
	source VerdictSource
	now    func() time.Time
}

func NewGate(source VerdictSource) *Gate {
	return &Gate{source: source, now: time.Now}
}

func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Check returns Approved or Rejected with exactly one reason. An identity with
// no verdict on record is treated as not verified.
func (g *Gate) Check(ctx context.Context, identity string, amount decimal.Decimal) (Decision, error) {
	if identity == "" {
		return Decision{}, fmt.Errorf("compliance: missing identity")
	}
	if amount.IsNegative() {
		return Decision{}, fmt.Errorf("compliance: negative transfer amount %s", amount)
	}

	verdict, found, err := g.source.Latest(ctx, identity)
	if err != nil {
		return Decision{}, fmt.Errorf("compliance: load verdict for %s: %w", identity, err)
	}

	return Evaluate(verdict, found, amount, g.now()), nil
}

// Evaluate applies the decision rules to a snapshot. Exported so tests and
// offline reconciliation can replay a historic verdict.
func Evaluate(v Verdict, found bool, amount decimal.Decimal, now time.Time) Decision {
	switch {
	case !found || !v.Verified:
		return rejected(ReasonNotVerified)
	case v.Frozen:
		return rejected(ReasonFrozen)
	case v.ExpiresAt != nil && !v.ExpiresAt.After(now):
		return rejected(ReasonVerificationExpired)
	case v.MaxTransfer != nil && amount.GreaterThan(*v.MaxTransfer):
		return rejected(ReasonExceedsMaxTransfer)
	default:
		return approved()
	}
}
