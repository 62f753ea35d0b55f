package commission

import (
	"fmt"
)

// Tier is a performer subscription level. It determines the platform's cut
// and whether the performer may bid on market events.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// CanBid reports whether the tier grants access to market-event bidding.
func (t Tier) CanBid() bool {
	return t == TierPro
}

// Rate is the commission formula for one tier. RateBp is expressed in basis
// points of the booking total; FlatFeeCents is added on top.
type Rate struct {
	RateBp       int
	FlatFeeCents int64
}

// Split is the resolved commission for a concrete booking total. The two
// amounts always reconstruct the total exactly.
type Split struct {
	CommissionCents int64
	PayoutCents     int64
}

// UnknownTierError signals that no rate is configured for the tier. Callers
// must substitute an explicit fallback rate rather than assume zero.
type UnknownTierError struct {
	Tier Tier
}

func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("commission: no rate configured for tier %q", e.Tier)
}

// Policy maps performer tiers to commission rates. It is configuration
// resolved once per booking at creation time; later edits never reprice
// existing bookings.
type Policy struct {
	rates map[Tier]Rate
}

// NewPolicy validates the configured rates and builds a policy.
func NewPolicy(rates map[Tier]Rate) (*Policy, error) {
	if len(rates) == 0 {
		return nil, fmt.Errorf("commission: no tier rates configured")
	}
	for tier, r := range rates {
		if r.RateBp < 0 || r.RateBp > 10000 {
			return nil, fmt.Errorf("commission: tier %q rate %d bp out of range", tier, r.RateBp)
		}
		if r.FlatFeeCents < 0 {
			return nil, fmt.Errorf("commission: tier %q negative flat fee", tier)
		}
	}
	copied := make(map[Tier]Rate, len(rates))
	for tier, r := range rates {
		copied[tier] = r
	}
	return &Policy{rates: copied}, nil
}

// Compute resolves the commission split for a booking total. Returns
// UnknownTierError when the tier has no configured rate.
func (p *Policy) Compute(tier Tier, totalCents int64) (Split, error) {
	rate, ok := p.rates[tier]
	if !ok {
		return Split{}, &UnknownTierError{Tier: tier}
	}
	return ComputeWithRate(rate, totalCents)
}

// ComputeWithRate applies an explicit rate to a total. Rounding is half-up
// at the cent and the remainder lands in the commission, so payout is never
// inflated by rounding. Commission is capped at the total so the payout
// cannot go negative on small bookings with a flat fee.
func ComputeWithRate(rate Rate, totalCents int64) (Split, error) {
	if totalCents <= 0 {
		return Split{}, fmt.Errorf("commission: non-positive total %d", totalCents)
	}
	if rate.RateBp < 0 || rate.RateBp > 10000 {
		return Split{}, fmt.Errorf("commission: rate %d bp out of range", rate.RateBp)
	}

	commission := (totalCents*int64(rate.RateBp) + 5000) / 10000
	commission += rate.FlatFeeCents
	if commission > totalCents {
		commission = totalCents
	}

	return Split{
		CommissionCents: commission,
		PayoutCents:     totalCents - commission,
	}, nil
}
