package sweeper

import (
	"context"
	"io"
	"errors"
	"log/slog"
	"testing"
	"time"

	"settleflow/auction"
)

func TestRunOnce_DrivesAllThreeSweeps(t *testing.T) {
	auctions := &fakeAuctionSource{
		toActivate: []string{"a-1"},
		toFinalize: []string{"a-2", "a-3"},
	}
	engine := &fakeEngine{}
	escrows := &fakeEscrowSource{expired: []string{"tx-9"}}
	lifecycle := &fakeLifecycle{}

	s := New(auctions, engine, escrows, lifecycle, slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })
	s.RunOnce(context.Background())

	if len(engine.activated) != 1 || engine.activated[0] != "a-1" {
		t.Errorf("expected a-1 activated, got %v", engine.activated)
	}
	if len(engine.finalized) != 2 {
		t.Errorf("expected 2 finalized, got %v", engine.finalized)
	}
	if len(lifecycle.expired) != 1 || lifecycle.expired[0] != "tx-9" {
		t.Errorf("expected tx-9 expired, got %v", lifecycle.expired)
	}
}

func TestRunOnce_OneFailureDoesNotStallTheRest(t *testing.T) {
	auctions := &fakeAuctionSource{toFinalize: []string{"a-bad", "a-good"}}
	engine := &fakeEngine{failFinalize: map[string]error{"a-bad": errors.New("boom")}}
	escrows := &fakeEscrowSource{expired: []string{"tx-1"}}
	lifecycle := &fakeLifecycle{}

	s := New(auctions, engine, escrows, lifecycle, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.RunOnce(context.Background())

	if len(engine.finalized) != 2 {
		t.Errorf("expected both finalize attempts, got %v", engine.finalized)
	}
	if len(lifecycle.expired) != 1 {
		t.Errorf("expected escrow sweep to still run, got %v", lifecycle.expired)
	}
}

type fakeAuctionSource struct {
	toActivate []string
	toFinalize []string
}

func (f *fakeAuctionSource) DueForActivation(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return f.toActivate, nil
}

func (f *fakeAuctionSource) DueForFinalize(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return f.toFinalize, nil
}

type fakeEngine struct {
	activated    []string
	finalized    []string
	failFinalize map[string]error
}

func (f *fakeEngine) Activate(ctx context.Context, auctionID string) error {
	f.activated = append(f.activated, auctionID)
	return nil
}

func (f *fakeEngine) Finalize(ctx context.Context, auctionID string) (auction.Result, error) {
	f.finalized = append(f.finalized, auctionID)
	if err := f.failFinalize[auctionID]; err != nil {
		return auction.Result{}, err
	}
	return auction.Result{Status: auction.StatusSettled}, nil
}

type fakeEscrowSource struct {
	expired []string
}

func (f *fakeEscrowSource) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return f.expired, nil
}

type fakeLifecycle struct {
	expired []string
}

func (f *fakeLifecycle) OnEscrowExpired(ctx context.Context, transactionID string) error {
	f.expired = append(f.expired, transactionID)
	return nil
}
