package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"settleflow/asset"
	"settleflow/auction"
	"settleflow/compliance"
	"settleflow/escrow"
	"settleflow/outbox"
	"settleflow/reconciliation"
	"settleflow/settlement"
	"settleflow/supply"
	"settleflow/sweeper"
	"settleflow/test/actors"
	"settleflow/test/chaos"
	"settleflow/test/infra"
	"settleflow/test/oracles"
	"settleflow/transfer"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestSettlementConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	var (
		pgC *infra.PGContainer
		dsn string
		err error
	)
	switch {
	case *flDSN != "":
		dsn = *flDSN
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, err := infra.Setup(ctx, dsn)
	if err != nil {
		t.Fatalf("setup database: %v", err)
	}
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	anomalies := reconciliation.NewRepository(pool)
	tracker := escrow.NewTracker(pool, anomalies)
	ledger := supply.NewLedger(pool)
	gate := compliance.NewGate(compliance.NewRepository(pool))
	assets := asset.NewService(asset.NewRepository(pool))

	lifecycle := settlement.NewService(settlement.Config{
		Pool:         pool,
		Transactions: settlement.NewRepository(pool),
		Supply:       ledger.Repo(),
		Escrow:       tracker,
		Gate:         gate,
		Executor:     transfer.NewStub(),
		Executions:   transfer.NewRecorder(pool),
		Assets:       assets,
		EscrowTTL:    10 * time.Second,
	})

	auctionRepo := auction.NewRepository(pool)
	engine := auction.NewEngine(pool, auctionRepo, gate, lifecycle)
	sweep := sweeper.New(auctionRepo, engine, tracker, lifecycle, logger)

	publisher := &actors.CollectPublisher{}
	relay := outbox.NewRelay(pool, publisher, logger).WithInterval(250 * time.Millisecond)

	seedData := mustSeed(t, ctx, pool, assets, engine, *flDuration)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	price := decimal.RequireFromString("10.00")
	for i := 0; i < *flConcurrency; i++ {
		buyer := fmt.Sprintf("buyer-%d", i)
		if i == 0 {
			buyer = "buyer-frozen" // rejected by the gate after funding
		}
		g.Go(func() error {
			return actors.Buyer(ctx2, lifecycle, seedData.assetID, buyer, price, stop)
		})
		bidder := fmt.Sprintf("bidder-%d", i)
		g.Go(func() error {
			return actors.Bidder(ctx2, engine, seedData.auctionID, bidder, stop)
		})
	}
	g.Go(func() error { return actors.Confirmer(ctx2, pool, lifecycle, stop) })
	g.Go(func() error { return actors.Confirmer(ctx2, pool, lifecycle, stop) })
	g.Go(func() error { return actors.Canceller(ctx2, pool, lifecycle, stop) })
	g.Go(func() error { return actors.Sweep(ctx2, sweep, stop) })
	g.Go(func() error {
		err := relay.Run(ctx2)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// Chaos may have severed the oracle's connection; retry on
				// the next tick.
				t.Logf("oracle query error (retrying): %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	if publisher.Count() == 0 {
		t.Error("expected outbox relay to publish at least one message")
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	assetID   string
	auctionID string
}

// mustSeed registers one deliberately scarce asset, an auction ending
// mid-run, and compliance verdicts for every actor identity. buyer-frozen is
// verified but frozen, so its purchases fund escrow and then fail the gate.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, assets *asset.Service, engine *auction.Engine, duration time.Duration) seedIDs {
	t.Helper()

	a, err := assets.Register(ctx, asset.RegisterParams{
		Symbol:        fmt.Sprintf("STR%d", rand.Intn(10000)),
		Name:          "Stress Tower",
		IssuerAccount: "issuer-stress",
		TotalSupply:   200,
		PricePerToken: decimal.RequireFromString("10.00"),
	})
	if err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	au, err := engine.Create(ctx, auction.CreateParams{
		AssetID:      a.ID,
		ReservePrice: decimal.RequireFromString("50.00"),
		TokenAmount:  5,
		StartsAt:     time.Now().Add(-time.Minute),
		EndsAt:       time.Now().Add(duration / 2),
	})
	if err != nil {
		t.Fatalf("seed auction: %v", err)
	}

	const verdict = `
INSERT INTO compliance_verdicts (identity, verified, frozen, verified_at, expires_at, max_transfer)
VALUES ($1, true, $2, now(), now() + interval '1 day', $3::numeric)
ON CONFLICT (identity) DO NOTHING`
	for i := 0; i < 64; i++ {
		for _, role := range []string{"buyer", "bidder"} {
			id := fmt.Sprintf("%s-%d", role, i)
			if _, err := pool.Exec(ctx, verdict, id, false, "100000.00"); err != nil {
				t.Fatalf("seed verdict %s: %v", id, err)
			}
		}
	}
	if _, err := pool.Exec(ctx, verdict, "buyer-frozen", true, "100000.00"); err != nil {
		t.Fatalf("seed frozen verdict: %v", err)
	}

	return seedIDs{assetID: a.ID, auctionID: au.ID}
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"assets", `SELECT id, total_supply, allocated, reserved FROM assets`},
		{"transactions", `SELECT id, status, kind, failure_reason FROM transactions ORDER BY created_at DESC LIMIT 50`},
		{"bids", `SELECT id, auction_id, amount, is_winning, seq FROM bids ORDER BY seq DESC LIMIT 50`},
		{"settlement_events", `SELECT entity_id, seq, type, created_at FROM settlement_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
		{"anomalies", `SELECT id, transaction_id, kind, status FROM anomalies ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
