package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gigflow/commission"
	"gigflow/config"
	"gigflow/escrow"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrEventNotOver rejects completion before the booked event date.
	ErrEventNotOver = errors.New("booking: event date has not passed")
	// ErrDepositPctOutOfBounds rejects a deposit percentage outside the
	// configured bounds.
	ErrDepositPctOutOfBounds = errors.New("booking: deposit percentage out of bounds")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EscrowLedger is the escrow surface the state machine drives.
type EscrowLedger interface {
	HoldDeposit(ctx context.Context, tx pgx.Tx, bookingID string, amountCents int64) error
	HoldRemaining(ctx context.Context, tx pgx.Tx, bookingID string) error
	Refund(ctx context.Context, tx pgx.Tx, bookingID string) (int64, error)
}

// TierLookup resolves a performer's current tier at booking creation.
type TierLookup interface {
	GetPerformerTier(ctx context.Context, performerID string) (commission.Tier, error)
}

// RefundRecorder records the refund fact produced by a cancellation.
type RefundRecorder interface {
	Record(ctx context.Context, tx pgx.Tx, bookingID string, amountCents int64, reason string) error
}

// TimelineWriter appends booking history events inside the active transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, bookingID, eventType string, actorID *string, payload map[string]any) error
}

// OutboxWriter enqueues notification messages inside the active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns the booking lifecycle. Every transition locks the row, checks
// the precondition, and writes the new state plus its timeline and outbox
// records in one transaction.
type Service struct {
	pool     TxBeginner
	repo     Repository
	ledger   EscrowLedger
	tiers    TierLookup
	policy   *commission.Policy
	fallback commission.Rate
	settings config.EscrowSettings
	refunds  RefundRecorder
	timeline TimelineWriter
	outbox   OutboxWriter
	idGen    func() string
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, ledger EscrowLedger, tiers TierLookup, policy *commission.Policy, fallback commission.Rate, settings config.EscrowSettings) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		ledger:   ledger,
		tiers:    tiers,
		policy:   policy,
		fallback: fallback,
		settings: settings,
		timeline: Timeline{},
		outbox:   Outbox{},
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

func (s *Service) WithRefundRecorder(rec RefundRecorder) *Service {
	s.refunds = rec
	return s
}

func (s *Service) WithTimelineAndOutbox(timeline TimelineWriter, outbox OutboxWriter) *Service {
	s.timeline = timeline
	s.outbox = outbox
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

type CreateDirectParams struct {
	PerformerID     string
	CustomerID      string
	EventAt         time.Time
	DurationMinutes int
	TotalCents      int64
	DepositPct      int
}

// CreateDirect creates a booking from a customer picking a performer
// outright. The commission split is resolved from the performer's current
// tier and frozen onto the record.
func (s *Service) CreateDirect(ctx context.Context, params CreateDirectParams) (Booking, error) {
	if params.PerformerID == "" || params.CustomerID == "" {
		return Booking{}, fmt.Errorf("booking: performer and customer ids required")
	}
	if params.TotalCents <= 0 {
		return Booking{}, fmt.Errorf("booking: invalid total amount")
	}
	if params.DurationMinutes <= 0 {
		return Booking{}, fmt.Errorf("booking: invalid duration")
	}
	if params.EventAt.IsZero() {
		return Booking{}, fmt.Errorf("booking: event date required")
	}

	depositPct := params.DepositPct
	if depositPct == 0 {
		depositPct = s.settings.DepositPctMin
	}
	if depositPct < s.settings.DepositPctMin || depositPct > s.settings.DepositPctMax {
		return Booking{}, ErrDepositPctOutOfBounds
	}

	split, err := s.resolveSplit(ctx, params.PerformerID, params.TotalCents)
	if err != nil {
		return Booking{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Booking{}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Booking{
		ID:              s.idGen(),
		PerformerID:     params.PerformerID,
		CustomerID:      params.CustomerID,
		EventAt:         params.EventAt,
		DurationMinutes: params.DurationMinutes,
		TotalCents:      params.TotalCents,
		DepositPct:      depositPct,
		DepositCents:    depositCents(params.TotalCents, depositPct),
		CommissionCents: split.CommissionCents,
		PayoutCents:     split.PayoutCents,
	})
	if err != nil {
		return Booking{}, err
	}

	if err := s.appendAndEnqueue(ctx, tx, created, "BOOKING_CREATED", nil, "booking.created", map[string]any{
		"origin": "direct",
	}); err != nil {
		return Booking{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Booking{}, fmt.Errorf("booking: commit create: %w", err)
	}
	return created, nil
}

type CreateFromBidParams struct {
	BidID            string
	EventID          string
	PerformerID      string
	CustomerID       string
	EventAt          time.Time
	DurationMinutes  int
	AmountCents      int64
	AcceptedByUserID string
}

// CreateFromBid materialises a booking for an accepted market bid. It runs
// inside the caller's acceptance transaction so one commit covers the bid,
// its siblings, the event, and the booking. Idempotent: a live booking
// already created from this bid is returned as-is.
func (s *Service) CreateFromBid(ctx context.Context, tx pgx.Tx, params CreateFromBidParams) (Booking, error) {
	if params.BidID == "" {
		return Booking{}, fmt.Errorf("booking: bid acceptance missing bid id")
	}
	if params.PerformerID == "" || params.CustomerID == "" {
		return Booking{}, fmt.Errorf("booking: bid acceptance missing participants")
	}
	if params.AmountCents <= 0 {
		return Booking{}, fmt.Errorf("booking: bid acceptance invalid amount")
	}

	existing, err := s.repo.GetByOriginBid(ctx, tx, params.BidID)
	switch {
	case err == nil:
		return existing, nil
	case errors.Is(err, ErrNotFound):
		// continue with insert
	default:
		return Booking{}, err
	}

	split, err := s.resolveSplit(ctx, params.PerformerID, params.AmountCents)
	if err != nil {
		return Booking{}, err
	}

	duration := params.DurationMinutes
	if duration <= 0 {
		duration = 60
	}
	depositPct := s.settings.DepositPctMin
	bidID := params.BidID

	created, err := s.repo.Create(ctx, tx, Booking{
		ID:              s.idGen(),
		PerformerID:     params.PerformerID,
		CustomerID:      params.CustomerID,
		OriginBidID:     &bidID,
		EventAt:         params.EventAt,
		DurationMinutes: duration,
		TotalCents:      params.AmountCents,
		DepositPct:      depositPct,
		DepositCents:    depositCents(params.AmountCents, depositPct),
		CommissionCents: split.CommissionCents,
		PayoutCents:     split.PayoutCents,
	})
	if err != nil {
		return Booking{}, err
	}

	actor := params.AcceptedByUserID
	if err := s.appendAndEnqueue(ctx, tx, created, "BOOKING_CREATED", &actor, "booking.created", map[string]any{
		"origin":   "bid",
		"bid_id":   params.BidID,
		"event_id": params.EventID,
	}); err != nil {
		return Booking{}, err
	}

	return created, nil
}

type ConfirmParams struct {
	BookingID         string
	DepositPaymentRef string
	ActorID           string
}

// Confirm applies the deposit capture fact: pending -> confirmed plus the
// deposit hold, in one transaction. Replays on an already-confirmed booking
// are idempotent no-ops.
func (s *Service) Confirm(ctx context.Context, params ConfirmParams) (Booking, error) {
	if params.BookingID == "" {
		return Booking{}, fmt.Errorf("booking: confirm missing booking id")
	}
	if params.DepositPaymentRef == "" {
		return Booking{}, fmt.Errorf("booking: confirm missing payment reference")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Booking{}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, params.BookingID)
	if err != nil {
		return Booking{}, err
	}
	if current.Status == StatusConfirmed {
		return current, nil
	}
	if current.Status != StatusPending {
		return Booking{}, &InvalidTransitionError{From: current.Status, To: StatusConfirmed}
	}

	if err := s.ledger.HoldDeposit(ctx, tx, current.ID, current.DepositCents); err != nil {
		return Booking{}, err
	}

	updated, err := s.repo.MarkConfirmed(ctx, tx, current.ID, params.DepositPaymentRef)
	if err != nil {
		return Booking{}, err
	}

	actor := actorPtr(params.ActorID)
	if err := s.appendAndEnqueue(ctx, tx, updated, "BOOKING_CONFIRMED", actor, "booking.confirmed", map[string]any{
		"deposit_cents":       updated.DepositCents,
		"deposit_payment_ref": params.DepositPaymentRef,
	}); err != nil {
		return Booking{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Booking{}, fmt.Errorf("booking: commit confirm: %w", err)
	}
	return updated, nil
}

type CompleteParams struct {
	BookingID string
	ActorID   string
	// AdminOverride allows completion before the event date has passed.
	AdminOverride bool
}

// Complete marks the engagement done: confirmed -> completed. The remaining
// balance is moved into escrow first when only the deposit was held.
func (s *Service) Complete(ctx context.Context, params CompleteParams) (Booking, error) {
	if params.BookingID == "" {
		return Booking{}, fmt.Errorf("booking: complete missing booking id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Booking{}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, params.BookingID)
	if err != nil {
		return Booking{}, err
	}
	if current.Status == StatusCompleted {
		return current, nil
	}
	if current.Status != StatusConfirmed {
		return Booking{}, &InvalidTransitionError{From: current.Status, To: StatusCompleted}
	}
	if !params.AdminOverride && s.now().Before(current.EventAt) {
		return Booking{}, ErrEventNotOver
	}

	if current.Escrow == escrow.StatusDepositHeld {
		if err := s.ledger.HoldRemaining(ctx, tx, current.ID); err != nil {
			return Booking{}, err
		}
	}

	updated, err := s.repo.MarkCompleted(ctx, tx, current.ID)
	if err != nil {
		return Booking{}, err
	}

	actor := actorPtr(params.ActorID)
	if err := s.appendAndEnqueue(ctx, tx, updated, "BOOKING_COMPLETED", actor, "booking.completed", nil); err != nil {
		return Booking{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Booking{}, fmt.Errorf("booking: commit complete: %w", err)
	}
	return updated, nil
}

type CancelParams struct {
	BookingID string
	Reason    string
	ActorID   string
}

// Cancel aborts a pending or confirmed booking. Held funds are refunded and
// the refund fact recorded; a booking with no escrow yet is just cancelled.
func (s *Service) Cancel(ctx context.Context, params CancelParams) (Booking, error) {
	if params.BookingID == "" {
		return Booking{}, fmt.Errorf("booking: cancel missing booking id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Booking{}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, params.BookingID)
	if err != nil {
		return Booking{}, err
	}
	if current.Status == StatusCancelled {
		return current, nil
	}
	if current.Status == StatusCompleted {
		return Booking{}, &InvalidTransitionError{From: current.Status, To: StatusCancelled}
	}

	var refundedCents int64
	if current.Escrow.Held() {
		refundedCents, err = s.ledger.Refund(ctx, tx, current.ID)
		if err != nil {
			return Booking{}, err
		}
		if s.refunds != nil {
			if err := s.refunds.Record(ctx, tx, current.ID, refundedCents, params.Reason); err != nil {
				return Booking{}, err
			}
		}
	}

	var reason *string
	if params.Reason != "" {
		reason = &params.Reason
	}
	updated, err := s.repo.MarkCancelled(ctx, tx, current.ID, reason)
	if err != nil {
		return Booking{}, err
	}

	actor := actorPtr(params.ActorID)
	payload := map[string]any{"refunded_cents": refundedCents}
	if reason != nil {
		payload["reason"] = *reason
	}
	if err := s.appendAndEnqueue(ctx, tx, updated, "BOOKING_CANCELLED", actor, "booking.cancelled", payload); err != nil {
		return Booking{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Booking{}, fmt.Errorf("booking: commit cancel: %w", err)
	}
	return updated, nil
}

// GetByID returns a booking by id.
func (s *Service) GetByID(ctx context.Context, id string) (Booking, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) resolveSplit(ctx context.Context, performerID string, totalCents int64) (commission.Split, error) {
	tier, err := s.tiers.GetPerformerTier(ctx, performerID)
	if err != nil {
		return commission.Split{}, fmt.Errorf("booking: resolve performer tier: %w", err)
	}

	split, err := s.policy.Compute(tier, totalCents)
	if err == nil {
		return split, nil
	}
	var unknown *commission.UnknownTierError
	if errors.As(err, &unknown) {
		return commission.ComputeWithRate(s.fallback, totalCents)
	}
	return commission.Split{}, err
}

func (s *Service) appendAndEnqueue(ctx context.Context, tx pgx.Tx, b Booking, eventType string, actorID *string, topic string, extra map[string]any) error {
	payload := map[string]any{
		"booking_id": b.ID,
		"status":     b.Status,
		"escrow":     b.Escrow,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, b.ID, eventType, actorID, payload); err != nil {
			return err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
			return err
		}
	}
	return nil
}

func depositCents(totalCents int64, pct int) int64 {
	return (totalCents*int64(pct) + 50) / 100
}

func actorPtr(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
