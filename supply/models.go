package supply

import (
	"errors"
	"time"
)

// Status tracks the lifecycle of one reservation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusReleased  Status = "released"
)

// Reservation is a provisional claim on an asset's token supply. A pending
// reservation holds tokens against the supply cap until it is committed into a
// permanent allocation or released back.
type Reservation struct {
	ID          string
	AssetID     string
	TokenAmount int64
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Snapshot is the per-asset supply counter view.
type Snapshot struct {
	AssetID     string
	TotalSupply int64
	Allocated   int64
	Reserved    int64
	Version     int64
}

var (
	// ErrInsufficientSupply signals the reservation would exceed total supply.
	ErrInsufficientSupply = errors.New("supply: insufficient supply")
	// ErrAssetNotFound signals the asset does not exist.
	ErrAssetNotFound = errors.New("supply: asset not found")
	// ErrReservationNotFound signals the reservation does not exist.
	ErrReservationNotFound = errors.New("supply: reservation not found")
	// ErrReservationReleased signals a commit attempt on a released reservation.
	ErrReservationReleased = errors.New("supply: reservation already released")
	// ErrReservationCommitted signals a release attempt on a committed
	// reservation; allocated supply never shrinks.
	ErrReservationCommitted = errors.New("supply: reservation already committed")
)
