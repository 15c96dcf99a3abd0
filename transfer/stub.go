package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Stub is an in-process executor for tests and local development. It records
// every call so tests can assert the executor was invoked exactly once per
// reservation.
type Stub struct {
	mu    sync.Mutex
	calls map[string]int
	fail  error
}

func NewStub() *Stub {
	return &Stub{calls: map[string]int{}}
}

// FailWith makes subsequent Execute calls return err.
func (s *Stub) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *Stub) Execute(ctx context.Context, reservationID, from, to string, tokenAmount int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}
	s.calls[reservationID]++
	return fmt.Sprintf("stub-%s", uuid.NewString()), nil
}

// Calls reports how many times Execute ran for a reservation.
func (s *Stub) Calls(reservationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[reservationID]
}
