package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no booking row exists for the id.
var ErrNotFound = errors.New("booking: not found")

const bookingColumns = `id, performer_id, customer_id, origin_bid_id, event_at, duration_minutes,
    total_cents, deposit_pct, deposit_cents, commission_cents, payout_cents, held_cents,
    status::text, escrow::text, deposit_payment_ref, cancel_reason,
    confirmed_at, completed_at, released_at, created_at, updated_at`

// Repository is the data access surface the booking service depends on.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, b Booking) (Booking, error)
	GetByID(ctx context.Context, id string) (Booking, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Booking, error)
	GetByOriginBid(ctx context.Context, tx pgx.Tx, bidID string) (Booking, error)
	MarkConfirmed(ctx context.Context, tx pgx.Tx, id, paymentRef string) (Booking, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id string) (Booking, error)
	MarkCancelled(ctx context.Context, tx pgx.Tx, id string, reason *string) (Booking, error)
	ListEligibleForRelease(ctx context.Context, completedBefore time.Time) ([]string, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, b Booking) (Booking, error) {
	const query = `
        INSERT INTO bookings (id, performer_id, customer_id, origin_bid_id, event_at, duration_minutes,
            total_cents, deposit_pct, deposit_cents, commission_cents, payout_cents, status, escrow)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending', 'none')
        RETURNING ` + bookingColumns

	row := tx.QueryRow(ctx, query,
		b.ID,
		b.PerformerID,
		b.CustomerID,
		b.OriginBidID,
		b.EventAt,
		b.DurationMinutes,
		b.TotalCents,
		b.DepositPct,
		b.DepositCents,
		b.CommissionCents,
		b.PayoutCents,
	)
	created, err := scanBooking(row)
	if err != nil {
		return Booking{}, fmt.Errorf("booking: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Booking, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Booking{}, ErrNotFound
		}
		return Booking{}, fmt.Errorf("booking: get: %w", err)
	}
	return b, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Booking, error) {
	row := tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
	b, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Booking{}, ErrNotFound
		}
		return Booking{}, fmt.Errorf("booking: get for update: %w", err)
	}
	return b, nil
}

// GetByOriginBid finds the live booking created from a bid, if any. Used to
// keep bid acceptance idempotent under retries.
func (r *PGRepository) GetByOriginBid(ctx context.Context, tx pgx.Tx, bidID string) (Booking, error) {
	const query = `SELECT ` + bookingColumns + `
        FROM bookings WHERE origin_bid_id = $1 AND status <> 'cancelled' LIMIT 1`
	row := tx.QueryRow(ctx, query, bidID)
	b, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Booking{}, ErrNotFound
		}
		return Booking{}, fmt.Errorf("booking: get by origin bid: %w", err)
	}
	return b, nil
}

func (r *PGRepository) MarkConfirmed(ctx context.Context, tx pgx.Tx, id, paymentRef string) (Booking, error) {
	const query = `
        UPDATE bookings
        SET status = 'confirmed',
            deposit_payment_ref = $2,
            confirmed_at = COALESCE(confirmed_at, get_tx_timestamp()),
            updated_at = get_tx_timestamp()
        WHERE id = $1 AND status = 'pending'
        RETURNING ` + bookingColumns
	return r.casUpdate(ctx, tx, id, StatusConfirmed, query, id, paymentRef)
}

func (r *PGRepository) MarkCompleted(ctx context.Context, tx pgx.Tx, id string) (Booking, error) {
	const query = `
        UPDATE bookings
        SET status = 'completed',
            completed_at = COALESCE(completed_at, get_tx_timestamp()),
            updated_at = get_tx_timestamp()
        WHERE id = $1 AND status = 'confirmed'
        RETURNING ` + bookingColumns
	return r.casUpdate(ctx, tx, id, StatusCompleted, query, id)
}

func (r *PGRepository) MarkCancelled(ctx context.Context, tx pgx.Tx, id string, reason *string) (Booking, error) {
	const query = `
        UPDATE bookings
        SET status = 'cancelled',
            cancel_reason = $2,
            updated_at = get_tx_timestamp()
        WHERE id = $1 AND status IN ('pending','confirmed')
        RETURNING ` + bookingColumns
	return r.casUpdate(ctx, tx, id, StatusCancelled, query, id, reason)
}

// casUpdate runs a guarded status update. When the guard misses it loads the
// current state so the caller gets a diagnosable typed error.
func (r *PGRepository) casUpdate(ctx context.Context, tx pgx.Tx, id string, to Status, query string, args ...any) (Booking, error) {
	row := tx.QueryRow(ctx, query, args...)
	b, err := scanBooking(row)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Booking{}, fmt.Errorf("booking: update status: %w", err)
	}

	var current Status
	if err := tx.QueryRow(ctx, `SELECT status::text FROM bookings WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Booking{}, ErrNotFound
		}
		return Booking{}, fmt.Errorf("booking: load current status: %w", err)
	}
	return Booking{}, &InvalidTransitionError{From: current, To: to}
}

// ListEligibleForRelease returns ids of completed bookings whose funds are
// still held and whose grace period elapsed before the cutoff.
func (r *PGRepository) ListEligibleForRelease(ctx context.Context, completedBefore time.Time) ([]string, error) {
	const query = `
        SELECT id
        FROM bookings
        WHERE status = 'completed'
          AND escrow IN ('deposit_held','full_held')
          AND completed_at <= $1
        ORDER BY completed_at ASC
    `
	rows, err := r.pool.Query(ctx, query, completedBefore)
	if err != nil {
		return nil, fmt.Errorf("booking: list eligible: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("booking: scan eligible id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("booking: iterate eligible: %w", err)
	}
	return ids, nil
}

func scanBooking(row pgx.Row) (Booking, error) {
	var b Booking
	return b, row.Scan(
		&b.ID,
		&b.PerformerID,
		&b.CustomerID,
		&b.OriginBidID,
		&b.EventAt,
		&b.DurationMinutes,
		&b.TotalCents,
		&b.DepositPct,
		&b.DepositCents,
		&b.CommissionCents,
		&b.PayoutCents,
		&b.HeldCents,
		&b.Status,
		&b.Escrow,
		&b.DepositPaymentRef,
		&b.CancelReason,
		&b.ConfirmedAt,
		&b.CompletedAt,
		&b.ReleasedAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
}
