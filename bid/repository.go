package bid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no bid row exists for the id.
	ErrNotFound = errors.New("bid: not found")
	// ErrEventNotFound is returned when the target market event does not exist.
	ErrEventNotFound = errors.New("bid: market event not found")
	// ErrBidWindowClosed rejects submissions and withdrawals once the event
	// left the open state or its deadline passed.
	ErrBidWindowClosed = errors.New("bid: bidding window closed")
	// ErrWithdrawForbidden rejects withdrawing someone else's bid.
	ErrWithdrawForbidden = errors.New("bid: withdraw forbidden")
)

const bidColumns = `id, event_id, performer_id, amount_cents, message, status::text, booking_id, submitted_at, updated_at`

type Repository interface {
	Upsert(ctx context.Context, eventID, performerID string, amountCents int64, message string, now time.Time) (Bid, error)
	GetByID(ctx context.Context, id string) (Bid, error)
	Withdraw(ctx context.Context, bidID, performerID string, now time.Time) (Bid, error)
	ListForEvent(ctx context.Context, eventID string) ([]Bid, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Upsert inserts a pending bid, or refreshes the performer's live bid on the
// same event. The whole check-and-write is one statement: the insert only
// fires while the event is open and inside its deadline, and the update arm
// only touches a still-pending bid, so the last writer within the window
// wins without duplicates.
func (r *PGRepository) Upsert(ctx context.Context, eventID, performerID string, amountCents int64, message string, now time.Time) (Bid, error) {
	const query = `
        INSERT INTO bids (event_id, performer_id, amount_cents, message, status, submitted_at)
        SELECT e.id, $2, $3, $4, 'pending', $5
        FROM market_events e
        WHERE e.id = $1 AND e.status = 'open' AND e.bid_deadline > $5
        ON CONFLICT (event_id, performer_id) WHERE status <> 'withdrawn'
        DO UPDATE SET amount_cents = EXCLUDED.amount_cents,
                      message = EXCLUDED.message,
                      updated_at = get_tx_timestamp()
        WHERE bids.status = 'pending'
        RETURNING ` + bidColumns

	row := r.pool.QueryRow(ctx, query, eventID, performerID, amountCents, message, now)
	b, err := scanBid(row)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Bid{}, fmt.Errorf("bid: upsert: %w", err)
	}
	return Bid{}, r.classifyWindow(ctx, eventID, now)
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Bid, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)
	b, err := scanBid(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrNotFound
		}
		return Bid{}, fmt.Errorf("bid: get: %w", err)
	}
	return b, nil
}

// Withdraw retires the performer's pending bid while the event is still open.
func (r *PGRepository) Withdraw(ctx context.Context, bidID, performerID string, now time.Time) (Bid, error) {
	const query = `
        UPDATE bids b
        SET status = 'withdrawn',
            updated_at = get_tx_timestamp()
        FROM market_events e
        WHERE b.id = $1 AND b.performer_id = $2 AND b.status = 'pending'
          AND e.id = b.event_id AND e.status = 'open'
        RETURNING b.id, b.event_id, b.performer_id, b.amount_cents, b.message, b.status::text, b.booking_id, b.submitted_at, b.updated_at
    `
	row := r.pool.QueryRow(ctx, query, bidID, performerID)
	b, err := scanBid(row)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Bid{}, fmt.Errorf("bid: withdraw: %w", err)
	}

	existing, err := r.GetByID(ctx, bidID)
	if err != nil {
		return Bid{}, err
	}
	if existing.PerformerID != performerID {
		return Bid{}, ErrWithdrawForbidden
	}
	if existing.Status == StatusWithdrawn {
		return existing, nil
	}
	return Bid{}, ErrBidWindowClosed
}

func (r *PGRepository) ListForEvent(ctx context.Context, eventID string) ([]Bid, error) {
	const query = `SELECT ` + bidColumns + ` FROM bids WHERE event_id = $1 ORDER BY submitted_at ASC`
	rows, err := r.pool.Query(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("bid: list for event: %w", err)
	}
	defer rows.Close()

	out := make([]Bid, 0, 8)
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("bid: scan: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bid: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) classifyWindow(ctx context.Context, eventID string, now time.Time) error {
	var (
		status   string
		deadline time.Time
	)
	err := r.pool.QueryRow(ctx, `SELECT status::text, bid_deadline FROM market_events WHERE id = $1`, eventID).
		Scan(&status, &deadline)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrEventNotFound
		}
		return fmt.Errorf("bid: classify window: %w", err)
	}
	if status != "open" || !deadline.After(now) {
		return ErrBidWindowClosed
	}
	// The event is open but the conflicting bid is no longer pending; it is
	// immutable from here on.
	return ErrBidWindowClosed
}

func scanBid(row pgx.Row) (Bid, error) {
	var b Bid
	return b, row.Scan(
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
}
