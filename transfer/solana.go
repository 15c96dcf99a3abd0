package transfer

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// SolanaExecutor moves SPL tokens between custodial token accounts. The
// issuer treasury key signs every transfer; account addresses passed to
// Execute are token account addresses, not wallet addresses.
type SolanaExecutor struct {
	client   *rpc.Client
	feePayer solana.PrivateKey
}

func NewSolanaExecutor(rpcURL string, feePayer solana.PrivateKey) *SolanaExecutor {
	return &SolanaExecutor{
		client:   rpc.New(rpcURL),
		feePayer: feePayer,
	}
}

func (e *SolanaExecutor) Execute(ctx context.Context, reservationID, from, to string, tokenAmount int64) (string, error) {
	if tokenAmount <= 0 {
		return "", fmt.Errorf("transfer: token amount must be positive, got %d", tokenAmount)
	}

	source, err := solana.PublicKeyFromBase58(from)
	if err != nil {
		return "", fmt.Errorf("transfer: invalid source account %q: %w", from, err)
	}
	destination, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("transfer: invalid destination account %q: %w", to, err)
	}

	recent, err := e.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("transfer: fetch blockhash: %w", err)
	}

	ix := token.NewTransferInstruction(
		uint64(tokenAmount),
		source,
		destination,
		e.feePayer.PublicKey(),
		nil,
	).Build()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		recent.Value.Blockhash,
		solana.TransactionPayer(e.feePayer.PublicKey()),
	)
	if err != nil {
		return "", fmt.Errorf("transfer: build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(e.feePayer.PublicKey()) {
			return &e.feePayer
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("transfer: sign transaction: %w", err)
	}

	sig, err := e.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		return "", fmt.Errorf("transfer: send transaction: %w", err)
	}

	return sig.String(), nil
}
