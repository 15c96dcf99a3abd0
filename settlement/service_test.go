package settlement

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"settleflow/asset"
	"settleflow/compliance"
	"settleflow/escrow"
	"settleflow/supply"
	"settleflow/transfer"
)

func newTestService(pool *fakePool, store *fakeTxStore, sup *fakeSupply, esc *fakeEscrow, gate *fakeGate, exec *transfer.Stub, recs *fakeExecutions) *Service {
	n := 0
	return NewService(Config{
		Pool:         pool,
		Transactions: store,
		Supply:       sup,
		Escrow:       esc,
		Gate:         gate,
		Executor:     exec,
		Executions:   recs,
		Assets:       &fakeAssets{},
	}).WithIDGenerator(func() string {
		n++
		return "id-" + string(rune('a'+n-1))
	}).WithClock(func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	})
}

func TestCreate_ReserveFailureCreatesNothing(t *testing.T) {
	pool := &fakePool{}
	store := &fakeTxStore{rows: map[string]*Transaction{}}
	sup := &fakeSupply{reserveErr: supply.ErrInsufficientSupply}
	svc := newTestService(pool, store, sup, &fakeEscrow{}, &fakeGate{}, transfer.NewStub(), &fakeExecutions{})

	_, err := svc.Create(context.Background(), CreateParams{
		Kind:        KindPrimarySale,
		BuyerID:     "buyer-1",
		AssetID:     "asset-1",
		Amount:      decimal.RequireFromString("100.00"),
		TokenAmount: 10,
	})
	if !errors.Is(err, supply.ErrInsufficientSupply) {
		t.Fatalf("expected ErrInsufficientSupply, got %v", err)
	}
	if len(store.inserted) != 0 {
		t.Errorf("expected no transaction row, got %d", len(store.inserted))
	}
	if pool.committed() != 0 {
		t.Errorf("expected no commit, got %d", pool.committed())
	}
}

func TestCreate_InvalidTokenAmount(t *testing.T) {
	pool := &fakePool{}
	store := &fakeTxStore{rows: map[string]*Transaction{}}
	svc := newTestService(pool, store, &fakeSupply{}, &fakeEscrow{}, &fakeGate{}, transfer.NewStub(), &fakeExecutions{})

	_, err := svc.Create(context.Background(), CreateParams{
		Kind:        KindPrimarySale,
		BuyerID:     "buyer-1",
		AssetID:     "asset-1",
		Amount:      decimal.RequireFromString("100.00"),
		TokenAmount: 0,
	})
	if err == nil {
		t.Fatal("expected validation error for zero token amount")
	}
}

func TestCreate_AppendsSupplyReservedEvent(t *testing.T) {
	pool := &fakePool{}
	store := &fakeTxStore{rows: map[string]*Transaction{}}
	svc := newTestService(pool, store, &fakeSupply{}, &fakeEscrow{}, &fakeGate{}, transfer.NewStub(), &fakeExecutions{})

	_, err := svc.Create(context.Background(), CreateParams{
		Kind:        KindPrimarySale,
		BuyerID:     "buyer-1",
		AssetID:     "asset-1",
		Amount:      decimal.RequireFromString("100.00"),
		TokenAmount: 10,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	found := false
	for _, ev := range pool.eventsAppended() {
		if ev[0] == "asset-1" && ev[1] == supply.EventReserved {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s event on the asset entity, got %v", supply.EventReserved, pool.eventsAppended())
	}
}

func TestOnEscrowConfirmed_HappyPath(t *testing.T) {
	pool := &fakePool{}
	store := storeWith(pendingTransaction())
	sup := &fakeSupply{commitChanged: true}
	esc := &fakeEscrow{confirmResult: escrow.ConfirmResult{Outcome: escrow.OutcomeConfirmed}}
	gate := &fakeGate{decision: compliance.Decision{Approved: true}}
	stub := transfer.NewStub()
	recs := &fakeExecutions{}
	svc := newTestService(pool, store, sup, esc, gate, stub, recs)

	err := svc.OnEscrowConfirmed(context.Background(), "tx-1", "wire-001", decimal.RequireFromString("100.00"))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if got := store.rows["tx-1"].Status; got != StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if !sup.committed {
		t.Errorf("expected reservation commit")
	}
	if stub.Calls("res-1") != 1 {
		t.Errorf("expected one transfer execution, got %d", stub.Calls("res-1"))
	}
	wantPath := []string{
		"pending->escrow_funded",
		"escrow_funded->tokens_transferred",
		"tokens_transferred->completed",
	}
	if len(store.transitions) != len(wantPath) {
		t.Fatalf("expected transitions %v, got %v", wantPath, store.transitions)
	}
	for i, want := range wantPath {
		if store.transitions[i] != want {
			t.Errorf("transition %d: expected %s, got %s", i, want, store.transitions[i])
		}
	}
}

func TestOnEscrowConfirmed_ReplayOnCompletedIsNoop(t *testing.T) {
	done := pendingTransaction()
	done.Status = StatusCompleted
	pool := &fakePool{}
	store := storeWith(done)
	esc := &fakeEscrow{confirmResult: escrow.ConfirmResult{Outcome: escrow.OutcomeReplay}}
	stub := transfer.NewStub()
	svc := newTestService(pool, store, &fakeSupply{}, esc, &fakeGate{}, stub, &fakeExecutions{})

	if err := svc.OnEscrowConfirmed(context.Background(), "tx-1", "wire-001", decimal.RequireFromString("100.00")); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if stub.Calls("res-1") != 0 {
		t.Errorf("expected no transfer on replay, got %d", stub.Calls("res-1"))
	}
	if len(store.transitions) != 0 {
		t.Errorf("expected no transitions, got %v", store.transitions)
	}
}

func TestOnEscrowConfirmed_ReplayResumesFromEscrowFunded(t *testing.T) {
	stuck := pendingTransaction()
	stuck.Status = StatusEscrowFunded
	pool := &fakePool{}
	store := storeWith(stuck)
	sup := &fakeSupply{commitChanged: true}
	esc := &fakeEscrow{confirmResult: escrow.ConfirmResult{Outcome: escrow.OutcomeReplay}}
	gate := &fakeGate{decision: compliance.Decision{Approved: true}}
	stub := transfer.NewStub()
	svc := newTestService(pool, store, sup, esc, gate, stub, &fakeExecutions{})

	if err := svc.OnEscrowConfirmed(context.Background(), "tx-1", "wire-001", decimal.RequireFromString("100.00")); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got := store.rows["tx-1"].Status; got != StatusCompleted {
		t.Fatalf("expected completed after resume, got %s", got)
	}
}

func TestOnEscrowConfirmed_AmountMismatchHoldsTransaction(t *testing.T) {
	pool := &fakePool{}
	store := storeWith(pendingTransaction())
	esc := &fakeEscrow{confirmResult: escrow.ConfirmResult{Outcome: escrow.OutcomeAmountMismatch}}
	stub := transfer.NewStub()
	svc := newTestService(pool, store, &fakeSupply{}, esc, &fakeGate{}, stub, &fakeExecutions{})

	err := svc.OnEscrowConfirmed(context.Background(), "tx-1", "wire-001", decimal.RequireFromString("95.00"))
	if !errors.Is(err, escrow.ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if got := store.rows["tx-1"].Status; got != StatusPending {
		t.Errorf("expected transaction held in pending, got %s", got)
	}
	if pool.committed() != 1 {
		t.Errorf("expected anomaly commit to land, got %d commits", pool.committed())
	}
	if stub.Calls("res-1") != 0 {
		t.Errorf("expected no transfer, got %d", stub.Calls("res-1"))
	}
}

func TestOnEscrowConfirmed_ComplianceRejectedReleasesSupply(t *testing.T) {
	pool := &fakePool{}
	store := storeWith(pendingTransaction())
	sup := &fakeSupply{releaseChanged: true}
	esc := &fakeEscrow{confirmResult: escrow.ConfirmResult{Outcome: escrow.OutcomeConfirmed}}
	gate := &fakeGate{decision: compliance.Decision{Approved: false, Reason: compliance.ReasonFrozen}}
	stub := transfer.NewStub()
	svc := newTestService(pool, store, sup, esc, gate, stub, &fakeExecutions{})

	if err := svc.OnEscrowConfirmed(context.Background(), "tx-1", "wire-001", decimal.RequireFromString("100.00")); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	row := store.rows["tx-1"]
	if row.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", row.Status)
	}
	if row.FailureReason == nil || *row.FailureReason != string(compliance.ReasonFrozen) {
		t.Errorf("expected failure reason %q, got %v", compliance.ReasonFrozen, row.FailureReason)
	}
	if !sup.released {
		t.Errorf("expected reservation release")
	}
	if sup.committed {
		t.Errorf("expected no reservation commit")
	}
	if stub.Calls("res-1") != 0 {
		t.Errorf("expected no transfer, got %d", stub.Calls("res-1"))
	}
}

func TestOnEscrowConfirmed_RecordedTransferNotReinvoked(t *testing.T) {
	stuck := pendingTransaction()
	stuck.Status = StatusEscrowFunded
	pool := &fakePool{}
	store := storeWith(stuck)
	sup := &fakeSupply{}
	esc := &fakeEscrow{confirmResult: escrow.ConfirmResult{Outcome: escrow.OutcomeReplay}}
	gate := &fakeGate{decision: compliance.Decision{Approved: true}}
	stub := transfer.NewStub()
	recs := &fakeExecutions{existing: map[string]transfer.Execution{
		"res-1": {ReservationID: "res-1", ExecutionRef: "sig-prior"},
	}}
	svc := newTestService(pool, store, sup, esc, gate, stub, recs)

	if err := svc.OnEscrowConfirmed(context.Background(), "tx-1", "wire-001", decimal.RequireFromString("100.00")); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if stub.Calls("res-1") != 0 {
		t.Errorf("expected recorded execution to short-circuit, got %d calls", stub.Calls("res-1"))
	}
	if got := store.rows["tx-1"].Status; got != StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

func TestOnEscrowConfirmed_TransferSerializedPerReservation(t *testing.T) {
	pool := &fakePool{}
	store := storeWith(pendingTransaction())
	sup := &fakeSupply{commitChanged: true}
	esc := &fakeEscrow{confirmResult: escrow.ConfirmResult{Outcome: escrow.OutcomeConfirmed}}
	gate := &fakeGate{decision: compliance.Decision{Approved: true}}
	svc := newTestService(pool, store, sup, esc, gate, transfer.NewStub(), &fakeExecutions{})

	if err := svc.OnEscrowConfirmed(context.Background(), "tx-1", "wire-001", decimal.RequireFromString("100.00")); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	locks := 0
	for _, tx := range pool.txs {
		for _, c := range tx.execs {
			if !strings.Contains(c.sql, "pg_advisory_xact_lock") {
				continue
			}
			locks++
			if len(c.args) != 1 || c.args[0] != "res-1" {
				t.Errorf("expected lock keyed on res-1, got %v", c.args)
			}
			if !tx.committed {
				t.Error("expected lock to be held until the recorded execution commits")
			}
		}
	}
	if locks != 1 {
		t.Errorf("expected one reservation lock around the transfer, got %d", locks)
	}
}

func TestOnEscrowConfirmed_TransferFailureLeavesFunded(t *testing.T) {
	pool := &fakePool{}
	store := storeWith(pendingTransaction())
	sup := &fakeSupply{commitChanged: true}
	esc := &fakeEscrow{confirmResult: escrow.ConfirmResult{Outcome: escrow.OutcomeConfirmed}}
	gate := &fakeGate{decision: compliance.Decision{Approved: true}}
	stub := transfer.NewStub()
	stub.FailWith(errors.New("rpc: node unavailable"))
	svc := newTestService(pool, store, sup, esc, gate, stub, &fakeExecutions{})

	err := svc.OnEscrowConfirmed(context.Background(), "tx-1", "wire-001", decimal.RequireFromString("100.00"))
	if err == nil {
		t.Fatal("expected transfer error to propagate")
	}
	if got := store.rows["tx-1"].Status; got != StatusEscrowFunded {
		t.Fatalf("expected escrow_funded for retry, got %s", got)
	}
}

func TestCancel_OnlyPending(t *testing.T) {
	funded := pendingTransaction()
	funded.Status = StatusEscrowFunded
	pool := &fakePool{}
	store := storeWith(funded)
	svc := newTestService(pool, store, &fakeSupply{}, &fakeEscrow{}, &fakeGate{}, transfer.NewStub(), &fakeExecutions{})

	if err := svc.Cancel(context.Background(), "tx-1"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestCancel_Idempotent(t *testing.T) {
	cancelled := pendingTransaction()
	cancelled.Status = StatusCancelled
	pool := &fakePool{}
	store := storeWith(cancelled)
	svc := newTestService(pool, store, &fakeSupply{}, &fakeEscrow{}, &fakeGate{}, transfer.NewStub(), &fakeExecutions{})

	if err := svc.Cancel(context.Background(), "tx-1"); err != nil {
		t.Fatalf("expected nil on repeated cancel, got %v", err)
	}
}

func TestCancel_ReleasesReservationAndExpiresObligation(t *testing.T) {
	pool := &fakePool{}
	store := storeWith(pendingTransaction())
	sup := &fakeSupply{releaseChanged: true}
	esc := &fakeEscrow{}
	svc := newTestService(pool, store, sup, esc, &fakeGate{}, transfer.NewStub(), &fakeExecutions{})

	if err := svc.Cancel(context.Background(), "tx-1"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got := store.rows["tx-1"].Status; got != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
	if !sup.released {
		t.Errorf("expected reservation release")
	}
	if !esc.expired {
		t.Errorf("expected obligation expiry")
	}
}

func TestOnEscrowExpired_FailsPendingWithTimeout(t *testing.T) {
	pool := &fakePool{}
	store := storeWith(pendingTransaction())
	sup := &fakeSupply{releaseChanged: true}
	esc := &fakeEscrow{}
	svc := newTestService(pool, store, sup, esc, &fakeGate{}, transfer.NewStub(), &fakeExecutions{})

	if err := svc.OnEscrowExpired(context.Background(), "tx-1"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	row := store.rows["tx-1"]
	if row.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", row.Status)
	}
	if row.FailureReason == nil || *row.FailureReason != FailureEscrowTimeout {
		t.Errorf("expected escrow_timeout reason, got %v", row.FailureReason)
	}
	if !sup.released {
		t.Errorf("expected reservation release")
	}
}

func TestOnEscrowExpired_NoopWhenConfirmationWon(t *testing.T) {
	funded := pendingTransaction()
	funded.Status = StatusEscrowFunded
	pool := &fakePool{}
	store := storeWith(funded)
	sup := &fakeSupply{}
	svc := newTestService(pool, store, sup, &fakeEscrow{}, &fakeGate{}, transfer.NewStub(), &fakeExecutions{})

	if err := svc.OnEscrowExpired(context.Background(), "tx-1"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got := store.rows["tx-1"].Status; got != StatusEscrowFunded {
		t.Fatalf("expected escrow_funded untouched, got %s", got)
	}
	if sup.released {
		t.Errorf("expected no release when confirmation won the race")
	}
}

func pendingTransaction() Transaction {
	return Transaction{
		ID:            "tx-1",
		AssetID:       "asset-1",
		BuyerID:       "buyer-1",
		Kind:          KindPrimarySale,
		Amount:        decimal.RequireFromString("100.00"),
		TokenAmount:   10,
		Status:        StatusPending,
		ReservationID: "res-1",
	}
}

func storeWith(t Transaction) *fakeTxStore {
	return &fakeTxStore{rows: map[string]*Transaction{t.ID: &t}}
}

type fakeTxStore struct {
	rows        map[string]*Transaction
	inserted    []Transaction
	transitions []string
}

func (f *fakeTxStore) InsertTx(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error) {
	t.Status = StatusPending
	f.inserted = append(f.inserted, t)
	f.rows[t.ID] = &t
	return t, nil
}

func (f *fakeTxStore) Get(ctx context.Context, id string) (Transaction, error) {
	row, ok := f.rows[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return *row, nil
}

func (f *fakeTxStore) LockTx(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	return f.Get(ctx, id)
}

func (f *fakeTxStore) TransitionTx(ctx context.Context, tx pgx.Tx, id string, from, to Status, params TransitionParams) (Transaction, error) {
	if !from.CanTransitionTo(to) {
		return Transaction{}, ErrInvalidTransition
	}
	row, ok := f.rows[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if row.Status != from {
		return Transaction{}, ErrInvalidTransition
	}
	row.Status = to
	if params.FailureReason != nil {
		row.FailureReason = params.FailureReason
	}
	if params.ExternalRef != nil {
		row.ExternalRef = params.ExternalRef
	}
	row.Version++
	f.transitions = append(f.transitions, string(from)+"->"+string(to))
	return *row, nil
}

type fakeSupply struct {
	reserveErr     error
	commitChanged  bool
	releaseChanged bool
	committed      bool
	released       bool
}

func (f *fakeSupply) ReserveTx(ctx context.Context, tx pgx.Tx, reservationID, assetID string, tokenAmount int64) (supply.Reservation, error) {
	if f.reserveErr != nil {
		return supply.Reservation{}, f.reserveErr
	}
	return supply.Reservation{ID: reservationID, AssetID: assetID, TokenAmount: tokenAmount, Status: supply.StatusPending}, nil
}

func (f *fakeSupply) CommitTx(ctx context.Context, tx pgx.Tx, reservationID string) (bool, error) {
	f.committed = true
	return f.commitChanged, nil
}

func (f *fakeSupply) ReleaseTx(ctx context.Context, tx pgx.Tx, reservationID string) (bool, error) {
	f.released = true
	return f.releaseChanged, nil
}

type fakeEscrow struct {
	confirmResult escrow.ConfirmResult
	confirmErr    error
	expired       bool
}

func (f *fakeEscrow) OpenTx(ctx context.Context, tx pgx.Tx, transactionID, expectedPayer string, expectedAmount decimal.Decimal, expiresAt time.Time) (escrow.Obligation, error) {
	return escrow.Obligation{TransactionID: transactionID, ExpectedPayer: expectedPayer, ExpectedAmount: expectedAmount, Status: escrow.StatusOpen, ExpiresAt: expiresAt}, nil
}

func (f *fakeEscrow) ConfirmTx(ctx context.Context, tx pgx.Tx, transactionID, externalRef string, confirmedAmount decimal.Decimal) (escrow.ConfirmResult, error) {
	if f.confirmErr != nil {
		return escrow.ConfirmResult{}, f.confirmErr
	}
	return f.confirmResult, nil
}

func (f *fakeEscrow) ExpireTx(ctx context.Context, tx pgx.Tx, transactionID string) (bool, error) {
	f.expired = true
	return true, nil
}

type fakeGate struct {
	decision compliance.Decision
}

func (f *fakeGate) Check(ctx context.Context, identity string, amount decimal.Decimal) (compliance.Decision, error) {
	return f.decision, nil
}

type fakeExecutions struct {
	existing map[string]transfer.Execution
	recorded []string
}

func (f *fakeExecutions) Existing(ctx context.Context, reservationID string) (transfer.Execution, bool, error) {
	e, ok := f.existing[reservationID]
	return e, ok, nil
}

func (f *fakeExecutions) Record(ctx context.Context, reservationID, executionRef string) (transfer.Execution, error) {
	f.recorded = append(f.recorded, reservationID)
	return transfer.Execution{ReservationID: reservationID, ExecutionRef: executionRef}, nil
}

type fakeAssets struct{}

func (f *fakeAssets) GetByID(ctx context.Context, id string) (asset.Asset, error) {
	return asset.Asset{ID: id, IssuerAccount: "issuer-acct"}, nil
}

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) committed() int {
	n := 0
	for _, tx := range f.txs {
		if tx.committed {
			n++
		}
	}
	return n
}

// eventsAppended returns (entity, type) pairs captured from audit inserts
// across every transaction the pool handed out.
func (f *fakePool) eventsAppended() [][2]string {
	var out [][2]string
	for _, tx := range f.txs {
		for _, c := range tx.execs {
			if strings.Contains(c.sql, "settlement_events") && len(c.args) >= 2 {
				entity, _ := c.args[0].(string)
				eventType, _ := c.args[1].(string)
				out = append(out, [2]string{entity, eventType})
			}
		}
	}
	return out
}

type fakeTx struct {
	rolled    bool
	committed bool
	execs     []execCall
}

type execCall struct {
	sql  string
	args []any
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

// Exec succeeds so audit-event and outbox writes inside faked flows are
// inert; the statements are captured so tests can assert what was written.
func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
