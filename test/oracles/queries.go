package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant probes run against the live database while the
// actors hammer it. Every query must return zero rows.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_supply_never_oversold",
			SQL: `SELECT id, total_supply, allocated, reserved FROM assets
                  WHERE allocated + reserved > total_supply
                     OR allocated < 0 OR reserved < 0`,
		},
		{
			Name: "O2_reserved_counter_matches_pending",
			SQL: `SELECT a.id FROM assets a
                  LEFT JOIN (
                      SELECT asset_id, COALESCE(SUM(token_amount), 0) AS pending
                      FROM reservations WHERE status = 'pending'
                      GROUP BY asset_id
                  ) r ON r.asset_id = a.id
                  WHERE a.reserved <> COALESCE(r.pending, 0)`,
		},
		{
			Name: "O3_confirmed_obligation_complete",
			SQL: `SELECT transaction_id FROM escrow_obligations
                  WHERE status = 'confirmed'
                    AND (external_ref IS NULL OR confirmed_amount IS NULL OR confirmed_at IS NULL)`,
		},
		{
			Name: "O4_single_winner_per_auction",
			SQL: `SELECT auction_id, COUNT(*) FROM bids
                  WHERE is_winning
                  GROUP BY auction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_accepted_bids_strictly_increase",
			SQL: `WITH ordered AS (
                      SELECT auction_id, amount,
                             LAG(amount) OVER (PARTITION BY auction_id ORDER BY seq) AS prev
                      FROM bids)
                  SELECT * FROM ordered WHERE prev IS NOT NULL AND amount <= prev`,
		},
		{
			Name: "O6_event_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT entity_id, seq,
                             LAG(seq) OVER (PARTITION BY entity_id ORDER BY seq) AS prev
                      FROM settlement_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O7_terminal_rows_complete",
			SQL: `SELECT id, status FROM transactions
                  WHERE (status = 'completed' AND completed_at IS NULL)
                     OR (status = 'failed' AND failure_reason IS NULL)`,
		},
		{
			Name: "O8_completed_requires_confirmed_escrow",
			SQL: `SELECT t.id FROM transactions t
                  LEFT JOIN escrow_obligations o ON o.transaction_id = t.id
                  WHERE t.status = 'completed' AND (o.status IS DISTINCT FROM 'confirmed')`,
		},
		{
			Name: "O9_completed_requires_committed_reservation",
			SQL: `SELECT t.id FROM transactions t
                  JOIN reservations r ON r.id = t.reservation_id
                  WHERE t.status = 'completed' AND r.status <> 'committed'`,
		},
		{
			Name: "O10_settled_auction_has_settlement_tx",
			SQL: `SELECT a.id FROM auctions a
                  WHERE a.status = 'settled'
                    AND NOT EXISTS (
                        SELECT 1 FROM transactions t
                        WHERE t.kind = 'auction_settlement'
                          AND t.asset_id = a.asset_id
                          AND t.buyer_id = a.best_bidder)`,
		},
		{
			Name: "O11_outbox_not_wedged",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and a sample
// row) or an empty name when every invariant holds.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
