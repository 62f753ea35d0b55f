package refund

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals no refund exists for the requested booking.
var ErrNotFound = errors.New("refund: not found")

// Repository persists refund records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record inserts a refund row inside the caller's transaction. A booking
// carries at most one refund; a replayed cancellation leaves the original
// row untouched.
func (r *Repository) Record(ctx context.Context, tx pgx.Tx, bookingID string, amountCents int64, reason string) error {
	const query = `
		INSERT INTO refunds (booking_id, amount_cents, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (booking_id) DO NOTHING
	`
	if _, err := tx.Exec(ctx, query, bookingID, amountCents, reason); err != nil {
		return fmt.Errorf("refund: record: %w", err)
	}
	return nil
}

// GetByBooking fetches the refund issued for a booking, if any.
func (r *Repository) GetByBooking(ctx context.Context, bookingID string) (Record, error) {
	const query = `
		SELECT id, booking_id, amount_cents, reason, issued_at
		FROM refunds
		WHERE booking_id = $1
	`

	var rec Record
	err := r.pool.QueryRow(ctx, query, bookingID).
		Scan(&rec.ID, &rec.BookingID, &rec.AmountCents, &rec.Reason, &rec.IssuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("refund: get by booking: %w", err)
	}
	return rec, nil
}

// ListByCustomer returns refunds issued against a customer's bookings,
// newest first.
func (r *Repository) ListByCustomer(ctx context.Context, customerID string) ([]Record, error) {
	const query = `
		SELECT rf.id, rf.booking_id, rf.amount_cents, rf.reason, rf.issued_at
		FROM refunds rf
		JOIN bookings b ON b.id = rf.booking_id
		WHERE b.customer_id = $1
		ORDER BY rf.issued_at DESC
	`

	rows, err := r.pool.Query(ctx, query, customerID)
	if err != nil {
		return nil, fmt.Errorf("refund: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.BookingID, &rec.AmountCents, &rec.Reason, &rec.IssuedAt); err != nil {
			return nil, fmt.Errorf("refund: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("refund: iterate: %w", err)
	}
	return out, nil
}
