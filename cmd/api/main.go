package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"settleflow/api"
	"settleflow/asset"
	"settleflow/auction"
	"settleflow/compliance"
	"settleflow/db"
	"settleflow/escrow"
	"settleflow/outbox"
	"settleflow/reconciliation"
	"settleflow/settlement"
	"settleflow/supply"
	"settleflow/sweeper"
	"settleflow/transfer"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := os.Getenv("DATABASE_URL")

	applied, err := db.Migrate(dsn)
	if err != nil {
		return err
	}
	if applied > 0 {
		logger.Info("migrations applied", "count", applied)
	}

	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()

	anomalies := reconciliation.NewRepository(pool)
	tracker := escrow.NewTracker(pool, anomalies)
	ledger := supply.NewLedger(pool)
	gate := compliance.NewGate(compliance.NewRepository(pool))

	assetRepo := asset.NewRepository(pool)
	assets := asset.NewService(assetRepo)

	executor, err := buildExecutor(logger)
	if err != nil {
		return err
	}

	lifecycle := settlement.NewService(settlement.Config{
		Pool:         pool,
		Transactions: settlement.NewRepository(pool),
		Supply:       ledger.Repo(),
		Escrow:       tracker,
		Gate:         gate,
		Executor:     executor,
		Executions:   transfer.NewRecorder(pool),
		Assets:       assets,
		EscrowTTL:    envDuration("ESCROW_TTL", settlement.DefaultEscrowTTL),
	})

	auctionRepo := auction.NewRepository(pool)
	engine := auction.NewEngine(pool, auctionRepo, gate, lifecycle)

	sweep := sweeper.New(auctionRepo, engine, tracker, lifecycle, logger).
		WithInterval(envDuration("SWEEP_INTERVAL", 5*time.Second))

	publisher := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(envOr("KAFKA_BROKERS", "localhost:9092"), ",")...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
	defer publisher.Close()
	relay := outbox.NewRelay(pool, publisher, logger).
		WithInterval(envDuration("OUTBOX_INTERVAL", time.Second))

	server := api.NewServer(assets, lifecycle, engine, anomalies, []byte(os.Getenv("PAYMENT_WEBHOOK_SECRET")), logger)
	httpServer := &http.Server{
		Addr:              envOr("LISTEN_ADDR", ":8080"),
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweep.Run(ctx) })
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildExecutor picks the token-transfer adapter: Solana when an RPC endpoint
// and fee-payer key are configured, the in-process stub otherwise.
func buildExecutor(logger *slog.Logger) (transfer.Executor, error) {
	rpcURL := os.Getenv("SOLANA_RPC_URL")
	if rpcURL == "" {
		logger.Warn("SOLANA_RPC_URL not set, using in-process transfer stub")
		return transfer.NewStub(), nil
	}

	feePayer, err := solana.PrivateKeyFromBase58(os.Getenv("SOLANA_FEE_PAYER_KEY"))
	if err != nil {
		return nil, errors.New("main: SOLANA_FEE_PAYER_KEY must be a base58 private key when SOLANA_RPC_URL is set")
	}
	return transfer.NewSolanaExecutor(rpcURL, feePayer), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using fallback", "key", key, "value", v, "fallback", fallback)
		return fallback
	}
	return d
}
