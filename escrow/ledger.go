package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrBookingNotFound is returned when no booking row exists for the id.
var ErrBookingNotFound = errors.New("escrow: booking not found")

// ReleaseRecord captures the outcome of a release, whether performed by this
// call or by an earlier one.
type ReleaseRecord struct {
	BookingID   string
	PayoutCents int64
	ReleasedAt  time.Time
}

// Ledger mutates the escrow columns of a bookings row. Every operation is a
// single compare-and-set statement guarded by the current escrow state and
// runs inside the caller's transaction, so two concurrent callers racing the
// same transition produce exactly one state change.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// HoldDeposit moves none -> deposit_held and records the held amount.
// A repeat call on an already-held booking is an idempotent no-op.
func (l *Ledger) HoldDeposit(ctx context.Context, tx pgx.Tx, bookingID string, amountCents int64) error {
	const cas = `
UPDATE bookings
SET escrow = 'deposit_held',
    held_cents = $2,
    updated_at = get_tx_timestamp()
WHERE id = $1 AND escrow = 'none'
RETURNING id
`
	var id string
	err := tx.QueryRow(ctx, cas, bookingID, amountCents).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("escrow: hold deposit: %w", err)
	}

	current, err := currentStatus(ctx, tx, bookingID)
	if err != nil {
		return err
	}
	if current.Held() {
		return nil
	}
	return &IllegalTransitionError{From: current, To: StatusDepositHeld}
}

// HoldRemaining moves deposit_held -> full_held; the held amount becomes the
// booking total. Idempotent when the full amount is already held.
func (l *Ledger) HoldRemaining(ctx context.Context, tx pgx.Tx, bookingID string) error {
	const cas = `
UPDATE bookings
SET escrow = 'full_held',
    held_cents = total_cents,
    updated_at = get_tx_timestamp()
WHERE id = $1 AND escrow = 'deposit_held'
RETURNING id
`
	var id string
	err := tx.QueryRow(ctx, cas, bookingID).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("escrow: hold remaining: %w", err)
	}

	current, err := currentStatus(ctx, tx, bookingID)
	if err != nil {
		return err
	}
	if current == StatusFullHeld {
		return nil
	}
	return &IllegalTransitionError{From: current, To: StatusFullHeld}
}

// Release moves deposit_held|full_held -> released. Calling it on an
// already-released booking returns the existing release record with
// already=true instead of erroring, so manual and scheduled triggers can
// race safely.
func (l *Ledger) Release(ctx context.Context, tx pgx.Tx, bookingID string) (rec ReleaseRecord, already bool, err error) {
	const cas = `
UPDATE bookings
SET escrow = 'released',
    held_cents = 0,
    released_at = COALESCE(released_at, get_tx_timestamp()),
    updated_at = get_tx_timestamp()
WHERE id = $1 AND escrow IN ('deposit_held','full_held')
RETURNING id, payout_cents, released_at
`
	err = tx.QueryRow(ctx, cas, bookingID).Scan(&rec.BookingID, &rec.PayoutCents, &rec.ReleasedAt)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ReleaseRecord{}, false, fmt.Errorf("escrow: release: %w", err)
	}

	const existing = `
SELECT id, payout_cents, released_at
FROM bookings
WHERE id = $1 AND escrow = 'released'
`
	err = tx.QueryRow(ctx, existing, bookingID).Scan(&rec.BookingID, &rec.PayoutCents, &rec.ReleasedAt)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ReleaseRecord{}, false, fmt.Errorf("escrow: load release record: %w", err)
	}

	current, err := currentStatus(ctx, tx, bookingID)
	if err != nil {
		return ReleaseRecord{}, false, err
	}
	return ReleaseRecord{}, false, &IllegalTransitionError{From: current, To: StatusReleased}
}

// Refund moves deposit_held|full_held -> refunded and returns the amount
// that was held so the caller can record the refund fact. The CTE captures
// the held amount before it is zeroed.
func (l *Ledger) Refund(ctx context.Context, tx pgx.Tx, bookingID string) (refundedCents int64, err error) {
	const cas = `
WITH prior AS (
    SELECT id, held_cents
    FROM bookings
    WHERE id = $1 AND escrow IN ('deposit_held','full_held')
    FOR UPDATE
)
UPDATE bookings b
SET escrow = 'refunded',
    held_cents = 0,
    updated_at = get_tx_timestamp()
FROM prior
WHERE b.id = prior.id
RETURNING prior.held_cents
`
	err = tx.QueryRow(ctx, cas, bookingID).Scan(&refundedCents)
	if err == nil {
		return refundedCents, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("escrow: refund: %w", err)
	}

	current, err := currentStatus(ctx, tx, bookingID)
	if err != nil {
		return 0, err
	}
	return 0, &IllegalTransitionError{From: current, To: StatusRefunded}
}

func currentStatus(ctx context.Context, tx pgx.Tx, bookingID string) (Status, error) {
	var current Status
	err := tx.QueryRow(ctx, `SELECT escrow::text FROM bookings WHERE id = $1`, bookingID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrBookingNotFound
		}
		return "", fmt.Errorf("escrow: load status: %w", err)
	}
	return current, nil
}
