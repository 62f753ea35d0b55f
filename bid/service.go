package bid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gigflow/commission"
)

// ErrNotEligible rejects submissions from performers whose tier does not
// grant bidding access.
var ErrNotEligible = errors.New("bid: performer tier not eligible to bid")

// TierLookup resolves a performer's current tier for the eligibility gate.
type TierLookup interface {
	GetPerformerTier(ctx context.Context, performerID string) (commission.Tier, error)
}

type Service struct {
	repo  Repository
	tiers TierLookup
	now   func() time.Time
}

func NewService(repo Repository, tiers TierLookup) *Service {
	return &Service{
		repo:  repo,
		tiers: tiers,
		now:   time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type SubmitParams struct {
	EventID     string
	PerformerID string
	AmountCents int64
	Message     string
}

// Submit places or refreshes the performer's bid on an open event. Bidding
// is restricted to the elevated tier, and the window closes at the event's
// deadline even while the event is still technically open.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (Bid, error) {
	if params.EventID == "" || params.PerformerID == "" {
		return Bid{}, fmt.Errorf("bid: event and performer ids required")
	}
	if params.AmountCents <= 0 {
		return Bid{}, fmt.Errorf("bid: invalid amount")
	}

	tier, err := s.tiers.GetPerformerTier(ctx, params.PerformerID)
	if err != nil {
		return Bid{}, fmt.Errorf("bid: resolve performer tier: %w", err)
	}
	if !tier.CanBid() {
		return Bid{}, ErrNotEligible
	}

	return s.repo.Upsert(ctx, params.EventID, params.PerformerID, params.AmountCents, params.Message, s.now())
}

// Withdraw retires the performer's pending bid. Legal only while the event
// is open.
func (s *Service) Withdraw(ctx context.Context, bidID, performerID string) (Bid, error) {
	if bidID == "" || performerID == "" {
		return Bid{}, fmt.Errorf("bid: bid and performer ids required")
	}
	return s.repo.Withdraw(ctx, bidID, performerID, s.now())
}

// ListForEvent returns all bids against an event, oldest first.
func (s *Service) ListForEvent(ctx context.Context, eventID string) ([]Bid, error) {
	return s.repo.ListForEvent(ctx, eventID)
}
