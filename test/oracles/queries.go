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

// All returns the settlement invariants checked during a stress run. Each
// query selects violations, so any returned row is a failure.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_money_split_exact",
			SQL: `SELECT id, total_cents, commission_cents, payout_cents FROM bookings
                  WHERE commission_cents + payout_cents <> total_cents
                     OR deposit_cents > total_cents`,
		},
		{
			Name: "O2_single_accepted_bid",
			SQL: `SELECT event_id, COUNT(*) FROM bids
                  WHERE status = 'accepted'
                  GROUP BY event_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_single_live_bid",
			SQL: `SELECT event_id, performer_id, COUNT(*) FROM bids
                  WHERE status <> 'withdrawn'
                  GROUP BY event_id, performer_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_timeline_seq_gapless",
			SQL: `WITH seqs AS (
                      SELECT booking_id, seq,
                             LAG(seq) OVER (PARTITION BY booking_id ORDER BY seq) AS prev
                      FROM booking_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O5_no_double_release",
			SQL: `SELECT b.id FROM bookings b
                  LEFT JOIN payout_releases pr ON pr.booking_id = b.id
                  WHERE (b.escrow = 'released' AND (pr.id IS NULL OR b.held_cents <> 0))
                     OR (pr.id IS NOT NULL AND b.escrow <> 'released')`,
		},
		{
			Name: "O6_held_matches_escrow",
			SQL: `SELECT id, escrow, held_cents FROM bookings
                  WHERE (escrow = 'deposit_held' AND held_cents <> deposit_cents)
                     OR (escrow = 'full_held' AND held_cents <> total_cents)
                     OR (escrow IN ('none','released','refunded') AND held_cents <> 0)`,
		},
		{
			Name: "O7_refund_linkage",
			SQL: `SELECT b.id FROM bookings b
                  LEFT JOIN refunds r ON r.booking_id = b.id
                  WHERE (b.escrow = 'refunded' AND r.id IS NULL)
                     OR (r.id IS NOT NULL AND b.status <> 'cancelled')
                     OR (r.id IS NOT NULL AND r.amount_cents > b.total_cents)`,
		},
		{
			Name: "O8_booked_event_has_accepted_bid",
			SQL: `SELECT e.id FROM market_events e
                  WHERE e.status = 'booked'
                    AND NOT EXISTS (
                        SELECT 1 FROM bids
                        WHERE event_id = e.id AND status = 'accepted' AND booking_id IS NOT NULL)`,
		},
		{
			Name: "O9_release_only_after_completion",
			SQL: `SELECT pr.booking_id FROM payout_releases pr
                  JOIN bookings b ON b.id = pr.booking_id
                  WHERE b.status <> 'completed' OR b.completed_at IS NULL`,
		},
		{
			Name: "O10_outbox_not_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status NOT IN ('pending','processed','dead')
                     OR (status = 'pending' AND now() - created_at > interval '5 minutes')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
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
