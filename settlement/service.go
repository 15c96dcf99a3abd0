package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"settleflow/asset"
	"settleflow/compliance"
	"settleflow/escrow"
	"settleflow/event"
	"settleflow/outbox"
	"settleflow/supply"
	"settleflow/transfer"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TransactionStore defines the row access the service needs.
type TransactionStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error)
	Get(ctx context.Context, id string) (Transaction, error)
	LockTx(ctx context.Context, tx pgx.Tx, id string) (Transaction, error)
	TransitionTx(ctx context.Context, tx pgx.Tx, id string, from, to Status, params TransitionParams) (Transaction, error)
}

// SupplyStore is the transaction-scoped slice of the supply ledger.
type SupplyStore interface {
	ReserveTx(ctx context.Context, tx pgx.Tx, reservationID, assetID string, tokenAmount int64) (supply.Reservation, error)
	CommitTx(ctx context.Context, tx pgx.Tx, reservationID string) (bool, error)
	ReleaseTx(ctx context.Context, tx pgx.Tx, reservationID string) (bool, error)
}

// EscrowStore is the transaction-scoped slice of the escrow tracker.
type EscrowStore interface {
	OpenTx(ctx context.Context, tx pgx.Tx, transactionID, expectedPayer string, expectedAmount decimal.Decimal, expiresAt time.Time) (escrow.Obligation, error)
	ConfirmTx(ctx context.Context, tx pgx.Tx, transactionID, externalRef string, confirmedAmount decimal.Decimal) (escrow.ConfirmResult, error)
	ExpireTx(ctx context.Context, tx pgx.Tx, transactionID string) (bool, error)
}

// ComplianceChecker decides whether a buyer may receive a transfer.
type ComplianceChecker interface {
	Check(ctx context.Context, identity string, amount decimal.Decimal) (compliance.Decision, error)
}

// ExecutionStore records completed transfer executions per reservation.
type ExecutionStore interface {
	Existing(ctx context.Context, reservationID string) (transfer.Execution, bool, error)
	Record(ctx context.Context, reservationID, executionRef string) (transfer.Execution, error)
}

// AssetSource resolves the asset an allocation draws from.
type AssetSource interface {
	GetByID(ctx context.Context, id string) (asset.Asset, error)
}

// DefaultEscrowTTL bounds how long a transaction may wait for payment before
// the sweep fails it with escrow_timeout.
const DefaultEscrowTTL = 24 * time.Hour

// Config wires the service's collaborators.
type Config struct {
	Pool         TxBeginner
	Transactions TransactionStore
	Supply       SupplyStore
	Escrow       EscrowStore
	Gate         ComplianceChecker
	Executor     transfer.Executor
	Executions   ExecutionStore
	Assets       AssetSource
	EscrowTTL    time.Duration
}

// Service drives every transaction from intent to a terminal state. It is the
// sole owner of transaction and escrow-obligation transitions; no per-asset
// lock is held while awaiting the compliance check or the transfer execution.
type Service struct {
	pool       TxBeginner
	repo       TransactionStore
	supply     SupplyStore
	escrow     EscrowStore
	gate       ComplianceChecker
	executor   transfer.Executor
	executions ExecutionStore
	assets     AssetSource
	events     *event.Writer
	outbox     *outbox.Writer
	escrowTTL  time.Duration
	idGen      func() string
	now        func() time.Time
}

func NewService(cfg Config) *Service {
	ttl := cfg.EscrowTTL
	if ttl <= 0 {
		ttl = DefaultEscrowTTL
	}
	return &Service{
		pool:       cfg.Pool,
		repo:       cfg.Transactions,
		supply:     cfg.Supply,
		escrow:     cfg.Escrow,
		gate:       cfg.Gate,
		executor:   cfg.Executor,
		executions: cfg.Executions,
		assets:     cfg.Assets,
		events:     event.NewWriter(),
		outbox:     outbox.NewWriter(),
		escrowTTL:  ttl,
		idGen:      uuid.NewString,
		now:        time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateParams describes a purchase intent entering the lifecycle.
type CreateParams struct {
	Kind        Kind
	BuyerID     string
	AssetID     string
	Amount      decimal.Decimal
	TokenAmount int64
}

// Create registers a purchase intent. The supply reservation happens first:
// if it fails, no transaction exists and the caller sees the capacity error
// directly.
func (s *Service) Create(ctx context.Context, params CreateParams) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.CreateTx(ctx, tx, params)
	if err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("settlement: commit tx: %w", err)
	}
	return t, nil
}

// CreateTx is Create running inside the caller's transaction; auction
// finalization uses it so settling and transaction creation commit together.
func (s *Service) CreateTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Transaction, error) {
	if !validKind(params.Kind) {
		return Transaction{}, fmt.Errorf("settlement: invalid kind %q", params.Kind)
	}
	if params.BuyerID == "" {
		return Transaction{}, fmt.Errorf("settlement: missing buyer id")
	}
	if params.AssetID == "" {
		return Transaction{}, fmt.Errorf("settlement: missing asset id")
	}
	if params.Amount.IsNegative() {
		return Transaction{}, fmt.Errorf("settlement: negative amount %s", params.Amount)
	}
	if params.TokenAmount <= 0 {
		return Transaction{}, fmt.Errorf("settlement: token amount must be positive, got %d", params.TokenAmount)
	}

	res, err := s.supply.ReserveTx(ctx, tx, s.idGen(), params.AssetID, params.TokenAmount)
	if err != nil {
		return Transaction{}, err
	}

	// The reserve claims the asset row, so the asset's audit trail records it
	// here just as commits and releases are recorded on their paths.
	if err := s.events.Append(ctx, tx, params.AssetID, supply.EventReserved, map[string]any{
		"reservation_id": res.ID,
		"token_amount":   res.TokenAmount,
	}); err != nil {
		return Transaction{}, err
	}

	t, err := s.repo.InsertTx(ctx, tx, Transaction{
		ID:            s.idGen(),
		AssetID:       params.AssetID,
		BuyerID:       params.BuyerID,
		Kind:          params.Kind,
		Amount:        params.Amount,
		TokenAmount:   params.TokenAmount,
		ReservationID: res.ID,
	})
	if err != nil {
		return Transaction{}, err
	}

	if _, err := s.escrow.OpenTx(ctx, tx, t.ID, t.BuyerID, t.Amount, s.now().Add(s.escrowTTL)); err != nil {
		return Transaction{}, err
	}

	if err := s.events.Append(ctx, tx, t.ID, EventCreated, map[string]any{
		"kind":           string(t.Kind),
		"asset_id":       t.AssetID,
		"buyer_id":       t.BuyerID,
		"amount":         t.Amount.String(),
		"token_amount":   t.TokenAmount,
		"reservation_id": t.ReservationID,
	}); err != nil {
		return Transaction{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicTransactionCreated, map[string]any{
		"transaction_id": t.ID,
		"asset_id":       t.AssetID,
		"kind":           string(t.Kind),
	}); err != nil {
		return Transaction{}, err
	}

	return t, nil
}

// OnEscrowConfirmed applies a payment confirmation and, when the obligation
// is satisfied, drives the transaction through compliance, allocation, and
// transfer. Safe to call repeatedly with the same (transactionID,
// externalRef): replays resume whatever remains and converge on the same
// terminal state.
func (s *Service) OnEscrowConfirmed(ctx context.Context, transactionID, externalRef string, confirmedAmount decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.LockTx(ctx, tx, transactionID)
	if err != nil {
		return err
	}

	result, err := s.escrow.ConfirmTx(ctx, tx, transactionID, externalRef, confirmedAmount)
	if err != nil {
		return err
	}

	switch result.Outcome {
	case escrow.OutcomeAmountMismatch, escrow.OutcomeConflictingRef:
		// The anomaly and flag event must survive, so commit before
		// surfacing the integrity error. The transaction is held as-is for
		// manual reconciliation.
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicEscrowFlagged, map[string]any{
			"transaction_id": transactionID,
			"outcome":        string(result.Outcome),
		}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("settlement: commit tx: %w", err)
		}
		if result.Outcome == escrow.OutcomeAmountMismatch {
			return escrow.ErrAmountMismatch
		}
		return escrow.ErrConfirmedDifferently

	case escrow.OutcomeConfirmed:
		if _, err := s.repo.TransitionTx(ctx, tx, t.ID, StatusPending, StatusEscrowFunded, TransitionParams{
			ExternalRef: &externalRef,
		}); err != nil {
			return err
		}
		if err := s.events.Append(ctx, tx, t.ID, EventEscrowFunded, map[string]any{
			"external_ref":     externalRef,
			"confirmed_amount": confirmedAmount.String(),
		}); err != nil {
			return err
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicEscrowConfirmed, map[string]any{
			"transaction_id": t.ID,
			"external_ref":   externalRef,
		}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("settlement: commit tx: %w", err)
		}

	case escrow.OutcomeReplay:
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("settlement: commit tx: %w", err)
		}
		if t.Status.Terminal() {
			return nil
		}
	}

	return s.settle(ctx, transactionID)
}

// settle runs the post-funding steps. Each step is individually idempotent,
// so a crash at any point is repaired by the next replay.
func (s *Service) settle(ctx context.Context, transactionID string) error {
	t, err := s.repo.Get(ctx, transactionID)
	if err != nil {
		return err
	}

	switch t.Status {
	case StatusEscrowFunded:
		decision, err := s.gate.Check(ctx, t.BuyerID, t.Amount)
		if err != nil {
			return err
		}
		if !decision.Approved {
			return s.failCompliance(ctx, t, decision.Reason)
		}

		if err := s.commitSupply(ctx, t); err != nil {
			return err
		}

		execution, err := s.ensureTransfer(ctx, t)
		if err != nil {
			return err
		}

		return s.complete(ctx, t.ID, execution.ExecutionRef)

	case StatusTokensTransferred:
		return s.complete(ctx, t.ID, "")

	default:
		return nil
	}
}

func (s *Service) commitSupply(ctx context.Context, t Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	changed, err := s.supply.CommitTx(ctx, tx, t.ReservationID)
	if err != nil {
		return err
	}
	if changed {
		if err := s.events.Append(ctx, tx, t.AssetID, supply.EventCommitted, map[string]any{
			"reservation_id": t.ReservationID,
			"token_amount":   t.TokenAmount,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit tx: %w", err)
	}
	return nil
}

// ensureTransfer invokes the external transfer capability at most once per
// reservation: a recorded success short-circuits every later attempt, and an
// advisory lock on the reservation serializes concurrent replays so two of
// them cannot both reach the executor before either records a success.
func (s *Service) ensureTransfer(ctx context.Context, t Transaction) (transfer.Execution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return transfer.Execution{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Released on commit, rollback, or a severed connection, so a crash
	// mid-transfer never wedges the reservation.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, t.ReservationID); err != nil {
		return transfer.Execution{}, fmt.Errorf("settlement: lock reservation %s: %w", t.ReservationID, err)
	}

	execution, found, err := s.executions.Existing(ctx, t.ReservationID)
	if err != nil {
		return transfer.Execution{}, err
	}
	if found {
		return execution, nil
	}

	a, err := s.assets.GetByID(ctx, t.AssetID)
	if err != nil {
		return transfer.Execution{}, err
	}

	ref, err := s.executor.Execute(ctx, t.ReservationID, a.IssuerAccount, t.BuyerID, t.TokenAmount)
	if err != nil {
		// Transient: the transaction stays escrow_funded and the next
		// confirmation replay retries under the same reservation id.
		return transfer.Execution{}, fmt.Errorf("settlement: execute transfer: %w", err)
	}

	execution, err = s.executions.Record(ctx, t.ReservationID, ref)
	if err != nil {
		return transfer.Execution{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return transfer.Execution{}, fmt.Errorf("settlement: commit tx: %w", err)
	}
	return execution, nil
}

func (s *Service) complete(ctx context.Context, transactionID, executionRef string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.LockTx(ctx, tx, transactionID)
	if err != nil {
		return err
	}

	switch t.Status {
	case StatusEscrowFunded:
		if _, err := s.repo.TransitionTx(ctx, tx, t.ID, StatusEscrowFunded, StatusTokensTransferred, TransitionParams{}); err != nil {
			return err
		}
		if err := s.events.Append(ctx, tx, t.ID, EventTokensTransferred, map[string]any{
			"execution_ref": executionRef,
		}); err != nil {
			return err
		}
		fallthrough

	case StatusTokensTransferred:
		if _, err := s.repo.TransitionTx(ctx, tx, t.ID, StatusTokensTransferred, StatusCompleted, TransitionParams{Complete: true}); err != nil {
			return err
		}
		if err := s.events.Append(ctx, tx, t.ID, EventCompleted, nil); err != nil {
			return err
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicTransactionCompleted, map[string]any{
			"transaction_id": t.ID,
			"asset_id":       t.AssetID,
			"buyer_id":       t.BuyerID,
			"token_amount":   t.TokenAmount,
		}); err != nil {
			return err
		}

	case StatusCompleted:
		return nil

	default:
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, t.Status)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit tx: %w", err)
	}
	return nil
}

func (s *Service) failCompliance(ctx context.Context, t Transaction, reason compliance.Reason) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := s.repo.LockTx(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	if locked.Status != StatusEscrowFunded {
		// Lost a race against another replay; the earlier outcome stands.
		return nil
	}

	reasonStr := string(reason)
	if _, err := s.repo.TransitionTx(ctx, tx, t.ID, StatusEscrowFunded, StatusFailed, TransitionParams{
		FailureReason: &reasonStr,
	}); err != nil {
		return err
	}

	if err := s.releaseSupply(ctx, tx, locked); err != nil {
		return err
	}

	if err := s.events.Append(ctx, tx, t.ID, EventFailed, map[string]any{
		"reason": reasonStr,
	}); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicTransactionFailed, map[string]any{
		"transaction_id": t.ID,
		"reason":         reasonStr,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit tx: %w", err)
	}
	return nil
}

// Cancel aborts a transaction that is still waiting for escrow funding.
func (s *Service) Cancel(ctx context.Context, transactionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.LockTx(ctx, tx, transactionID)
	if err != nil {
		return err
	}
	switch t.Status {
	case StatusCancelled:
		return nil
	case StatusPending:
	default:
		return ErrNotPending
	}

	if _, err := s.repo.TransitionTx(ctx, tx, t.ID, StatusPending, StatusCancelled, TransitionParams{}); err != nil {
		return err
	}
	if _, err := s.escrow.ExpireTx(ctx, tx, t.ID); err != nil {
		return err
	}
	if err := s.releaseSupply(ctx, tx, t); err != nil {
		return err
	}
	if err := s.events.Append(ctx, tx, t.ID, EventCancelled, nil); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicTransactionCancelled, map[string]any{
		"transaction_id": t.ID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit tx: %w", err)
	}
	return nil
}

// OnEscrowExpired fails a transaction whose obligation passed its deadline
// without a confirmation. Driven by the sweep; idempotent, and a no-op when a
// confirmation won the race.
func (s *Service) OnEscrowExpired(ctx context.Context, transactionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.LockTx(ctx, tx, transactionID)
	if err != nil {
		return err
	}
	if t.Status != StatusPending {
		return nil
	}

	if _, err := s.escrow.ExpireTx(ctx, tx, t.ID); err != nil {
		return err
	}

	reason := FailureEscrowTimeout
	if _, err := s.repo.TransitionTx(ctx, tx, t.ID, StatusPending, StatusFailed, TransitionParams{
		FailureReason: &reason,
	}); err != nil {
		return err
	}
	if err := s.releaseSupply(ctx, tx, t); err != nil {
		return err
	}
	if err := s.events.Append(ctx, tx, t.ID, EventFailed, map[string]any{
		"reason": reason,
	}); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicTransactionFailed, map[string]any{
		"transaction_id": t.ID,
		"reason":         reason,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit tx: %w", err)
	}
	return nil
}

func (s *Service) releaseSupply(ctx context.Context, tx pgx.Tx, t Transaction) error {
	changed, err := s.supply.ReleaseTx(ctx, tx, t.ReservationID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return s.events.Append(ctx, tx, t.AssetID, supply.EventReleased, map[string]any{
		"reservation_id": t.ReservationID,
		"token_amount":   t.TokenAmount,
	})
}

// Get returns the transaction for the given identifier.
func (s *Service) Get(ctx context.Context, transactionID string) (Transaction, error) {
	return s.repo.Get(ctx, transactionID)
}
