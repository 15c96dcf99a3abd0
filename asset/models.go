package asset

import (
	"time"

	"github.com/shopspring/decimal"
)

// Asset is one tokenized real-world asset. The allocation counters are owned
// by the supply ledger; this package never mutates them.
type Asset struct {
	ID            string
	Symbol        string
	Name          string
	IssuerAccount string
	TotalSupply   int64
	Allocated     int64
	Reserved      int64
	PricePerToken decimal.Decimal
	Version       int64
	CreatedAt     time.Time
}

// Available reports how many tokens remain claimable right now.
func (a Asset) Available() int64 {
	return a.TotalSupply - a.Allocated - a.Reserved
}
