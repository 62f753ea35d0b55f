package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gigflow/bid"
	"gigflow/booking"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrInvalidBid rejects acceptance of a bid that does not belong to the
// event or is already terminal.
var ErrInvalidBid = errors.New("market: invalid bid for event")

// BookingCreator materialises the booking for an accepted bid inside the
// acceptance transaction.
type BookingCreator interface {
	CreateFromBid(ctx context.Context, tx pgx.Tx, params booking.CreateFromBidParams) (booking.Booking, error)
}

// OutboxWriter enqueues notification messages inside the active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns the market event lifecycle: open -> closed -> booked, with
// cancellation while not yet booked.
type Service struct {
	pool     booking.TxBeginner
	repo     Repository
	bookings BookingCreator
	outbox   OutboxWriter
	idGen    func() string
	now      func() time.Time
}

func NewService(pool booking.TxBeginner, repo Repository, bookings BookingCreator) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		bookings: bookings,
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

func (s *Service) WithOutbox(outbox OutboxWriter) *Service {
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

type CreateParams struct {
	CustomerID     string
	Category       string
	BudgetMinCents int64
	BudgetMaxCents int64
	EventAt        time.Time
	Location       string
	BidDeadline    time.Time
}

// Create posts a new market event open for bids.
func (s *Service) Create(ctx context.Context, params CreateParams) (Event, error) {
	if params.CustomerID == "" {
		return Event{}, fmt.Errorf("market: customer id required")
	}
	if params.BudgetMinCents <= 0 || params.BudgetMaxCents < params.BudgetMinCents {
		return Event{}, fmt.Errorf("market: invalid budget range")
	}
	if params.EventAt.IsZero() || params.BidDeadline.IsZero() {
		return Event{}, fmt.Errorf("market: event date and bid deadline required")
	}
	if !params.BidDeadline.Before(params.EventAt) {
		return Event{}, fmt.Errorf("market: bid deadline must precede the event date")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("market: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Event{
		ID:             s.idGen(),
		CustomerID:     params.CustomerID,
		Category:       params.Category,
		BudgetMinCents: params.BudgetMinCents,
		BudgetMaxCents: params.BudgetMaxCents,
		EventAt:        params.EventAt,
		Location:       params.Location,
		BidDeadline:    params.BidDeadline,
	})
	if err != nil {
		return Event{}, err
	}

	if err := s.enqueue(ctx, tx, "market.created", map[string]any{
		"event_id": created.ID,
		"category": created.Category,
	}); err != nil {
		return Event{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Event{}, fmt.Errorf("market: commit create: %w", err)
	}
	return created, nil
}

// CloseBidding moves open -> closed. No new bids are accepted afterwards and
// existing bids become read-only. Closing an already-closed event is a no-op.
func (s *Service) CloseBidding(ctx context.Context, eventID string) (Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("market: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, eventID)
	if err != nil {
		return Event{}, err
	}
	if current.Status == StatusClosed {
		return current, nil
	}
	if current.Status != StatusOpen {
		return Event{}, &InvalidTransitionError{From: current.Status, To: StatusClosed}
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, eventID, []Status{StatusOpen}, StatusClosed, nil)
	if err != nil {
		return Event{}, err
	}

	if err := s.enqueue(ctx, tx, "market.bidding_closed", map[string]any{"event_id": eventID}); err != nil {
		return Event{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Event{}, fmt.Errorf("market: commit close: %w", err)
	}
	return updated, nil
}

type AcceptParams struct {
	EventID string
	BidID   string
	ActorID string
}

type AcceptResult struct {
	Event   Event
	Bid     bid.Bid
	Booking booking.Booking
}

// AcceptBid picks the winning bid: the chosen bid becomes accepted, all
// sibling pending bids are rejected, the event is booked, and a booking is
// created for the bid amount, all in one transaction. Retrying an acceptance
// that already went through returns the existing outcome.
func (s *Service) AcceptBid(ctx context.Context, params AcceptParams) (AcceptResult, error) {
	if params.EventID == "" || params.BidID == "" {
		return AcceptResult{}, fmt.Errorf("market: event and bid ids required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("market: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	event, err := s.repo.GetForUpdate(ctx, tx, params.EventID)
	if err != nil {
		return AcceptResult{}, err
	}

	chosen, err := lockBid(ctx, tx, params.BidID)
	if err != nil {
		return AcceptResult{}, err
	}
	if chosen.EventID != params.EventID {
		return AcceptResult{}, ErrInvalidBid
	}

	replay := false
	switch {
	case chosen.Status == bid.StatusPending && (event.Status == StatusOpen || event.Status == StatusClosed):
		// normal acceptance
	case chosen.Status == bid.StatusAccepted && event.Status == StatusBooked:
		// idempotent retry; reuse the existing booking
		replay = true
	default:
		if event.Status.Terminal() && chosen.Status != bid.StatusAccepted {
			return AcceptResult{}, &InvalidTransitionError{From: event.Status, To: StatusBooked}
		}
		return AcceptResult{}, ErrInvalidBid
	}

	if chosen.Status == bid.StatusPending {
		if _, err := tx.Exec(ctx, `
UPDATE bids SET status = 'accepted', updated_at = get_tx_timestamp()
WHERE id = $1 AND status = 'pending'
`, chosen.ID); err != nil {
			return AcceptResult{}, fmt.Errorf("market: accept bid: %w", err)
		}
		chosen.Status = bid.StatusAccepted

		if _, err := tx.Exec(ctx, `
UPDATE bids SET status = 'rejected', updated_at = get_tx_timestamp()
WHERE event_id = $1 AND id <> $2 AND status = 'pending'
`, params.EventID, chosen.ID); err != nil {
			return AcceptResult{}, fmt.Errorf("market: reject sibling bids: %w", err)
		}
	}

	if event.Status != StatusBooked {
		event, err = s.repo.UpdateStatus(ctx, tx, params.EventID, []Status{StatusOpen, StatusClosed}, StatusBooked, nil)
		if err != nil {
			return AcceptResult{}, err
		}
	}

	bk, err := s.bookings.CreateFromBid(ctx, tx, booking.CreateFromBidParams{
		BidID:            chosen.ID,
		EventID:          event.ID,
		PerformerID:      chosen.PerformerID,
		CustomerID:       event.CustomerID,
		EventAt:          event.EventAt,
		AmountCents:      chosen.AmountCents,
		AcceptedByUserID: params.ActorID,
	})
	if err != nil {
		return AcceptResult{}, err
	}

	// Weak back-reference from the bid to the booking it produced. On a
	// replay the link already exists; heal it only if it is missing.
	if chosen.BookingID == nil {
		if _, err := tx.Exec(ctx, `UPDATE bids SET booking_id = $2 WHERE id = $1`, chosen.ID, bk.ID); err != nil {
			return AcceptResult{}, fmt.Errorf("market: link bid to booking: %w", err)
		}
	}
	chosen.BookingID = &bk.ID

	if !replay {
		if err := s.enqueue(ctx, tx, "market.event_booked", map[string]any{
			"event_id":   event.ID,
			"bid_id":     chosen.ID,
			"booking_id": bk.ID,
		}); err != nil {
			return AcceptResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return AcceptResult{}, fmt.Errorf("market: commit acceptance: %w", err)
	}

	return AcceptResult{Event: event, Bid: chosen, Booking: bk}, nil
}

// CancelEvent retires an event that was never booked. Pending bids are
// rejected. Cancelling an already-cancelled event is a no-op.
func (s *Service) CancelEvent(ctx context.Context, eventID string, reason string) (Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("market: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, eventID)
	if err != nil {
		return Event{}, err
	}
	if current.Status == StatusCancelled {
		return current, nil
	}
	if current.Status == StatusBooked {
		return Event{}, &InvalidTransitionError{From: current.Status, To: StatusCancelled}
	}

	if _, err := tx.Exec(ctx, `
UPDATE bids SET status = 'rejected', updated_at = get_tx_timestamp()
WHERE event_id = $1 AND status = 'pending'
`, eventID); err != nil {
		return Event{}, fmt.Errorf("market: reject bids on cancel: %w", err)
	}

	var cancelReason *string
	if reason != "" {
		cancelReason = &reason
	}
	updated, err := s.repo.UpdateStatus(ctx, tx, eventID, []Status{StatusOpen, StatusClosed}, StatusCancelled, cancelReason)
	if err != nil {
		return Event{}, err
	}

	if err := s.enqueue(ctx, tx, "market.cancelled", map[string]any{"event_id": eventID}); err != nil {
		return Event{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Event{}, fmt.Errorf("market: commit cancel: %w", err)
	}
	return updated, nil
}

// GetByID returns an event, deadline-implied closure applied: an open event
// past its deadline is reported as closed even before the sweep or a write
// path persists the transition.
func (s *Service) GetByID(ctx context.Context, eventID string) (Event, error) {
	e, err := s.repo.GetByID(ctx, eventID)
	if err != nil {
		return Event{}, err
	}
	if e.Status == StatusOpen && !e.BidDeadline.After(s.now()) {
		e.Status = StatusClosed
	}
	return e, nil
}

// List returns events matching the filters.
func (s *Service) List(ctx context.Context, filters Filters) ([]Event, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Enqueue(ctx, tx, topic, payload)
}

func lockBid(ctx context.Context, tx pgx.Tx, bidID string) (bid.Bid, error) {
	const query = `
SELECT id, event_id, performer_id, amount_cents, message, status::text, booking_id, submitted_at, updated_at
FROM bids
WHERE id = $1
FOR UPDATE
`
	var b bid.Bid
	err := tx.QueryRow(ctx, query, bidID).Scan(
		&b.ID,
		&b.EventID,
		&b.PerformerID,
		&b.AmountCents,
		&b.Message,
		&b.Status,
		&b.BookingID,
		&b.SubmittedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bid.Bid{}, ErrInvalidBid
		}
		return bid.Bid{}, fmt.Errorf("market: lock bid: %w", err)
	}
	return b, nil
}
