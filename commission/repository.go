package commission

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads tier rates from the externally editable configuration
// store. The engine only ever reads this table.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LoadPolicy fetches all configured tier rates and builds a validated policy.
func (r *Repository) LoadPolicy(ctx context.Context) (*Policy, error) {
	const query = `SELECT tier::text, rate_bp, flat_fee_cents FROM commission_tiers`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("commission: load tiers: %w", err)
	}
	defer rows.Close()

	rates := make(map[Tier]Rate, 4)
	for rows.Next() {
		var (
			tier Tier
			rate Rate
		)
		if err := rows.Scan(&tier, &rate.RateBp, &rate.FlatFeeCents); err != nil {
			return nil, fmt.Errorf("commission: scan tier: %w", err)
		}
		rates[tier] = rate
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("commission: iterate tiers: %w", err)
	}

	return NewPolicy(rates)
}
