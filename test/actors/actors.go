package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Bidder hammers the same (event, performer) pair with live bids. The partial
// unique index must force every duplicate into a conflict, never a second row.
func Bidder(ctx context.Context, pool *pgxpool.Pool, eventIDs []string, performerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		eventID := eventIDs[rand.Intn(len(eventIDs))]
		amount := int64(10000 + rand.Intn(40000))
		_, err := pool.Exec(ctx, `INSERT INTO bids (event_id, performer_id, amount_cents, message)
                                   VALUES ($1,$2,$3,'stress bid')`, eventID, performerID, amount)
		if err != nil && !isUniqueViolation(err) {
			return fmt.Errorf("bidder insert: %w", err)
		}
		if err != nil {
			// resubmission updates the live bid in place
			_, err = pool.Exec(ctx, `UPDATE bids SET amount_cents=$3, updated_at=NOW()
                                     WHERE event_id=$1 AND performer_id=$2 AND status='pending'`, eventID, performerID, amount)
			if err != nil {
				return fmt.Errorf("bidder update: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Accepter races to accept a pending bid on a random open event: lock the
// event, accept one bid, reject the siblings, open the booking. Conflicts on
// bids_one_accepted_per_event and bookings_one_per_origin_bid are expected.
func Accepter(ctx context.Context, pool *pgxpool.Pool, eventIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		eventID := eventIDs[rand.Intn(len(eventIDs))]
		if err := acceptOne(ctx, pool, eventID); err != nil {
			return err
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

func acceptOne(ctx context.Context, pool *pgxpool.Pool, eventID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status::text FROM market_events WHERE id=$1 FOR UPDATE`, eventID).Scan(&status)
	if err != nil || (status != "open" && status != "closed") {
		return nil
	}

	var bidID, performerID, customerID string
	var amount int64
	var eventAt time.Time
	err = tx.QueryRow(ctx, `SELECT b.id, b.performer_id, b.amount_cents, e.customer_id, e.event_at
                            FROM bids b JOIN market_events e ON e.id = b.event_id
                            WHERE b.event_id=$1 AND b.status='pending'
                            ORDER BY b.amount_cents ASC LIMIT 1`, eventID).Scan(&bidID, &performerID, &amount, &customerID, &eventAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("accepter pick bid: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE bids SET status='accepted', updated_at=NOW() WHERE id=$1 AND status='pending'`, bidID); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("accepter accept: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE bids SET status='rejected', updated_at=NOW() WHERE event_id=$1 AND status='pending' AND id <> $2`, eventID, bidID); err != nil {
		return fmt.Errorf("accepter reject siblings: %w", err)
	}

	commission := (amount*1500 + 5000) / 10000
	deposit := (amount*20 + 50) / 100
	var bookingID string
	err = tx.QueryRow(ctx, `INSERT INTO bookings (performer_id, customer_id, origin_bid_id, event_at, duration_minutes,
                                total_cents, deposit_pct, deposit_cents, commission_cents, payout_cents)
                            VALUES ($1,$2,$3,$4,60,$5,20,$6,$7,$8)
                            RETURNING id`,
		performerID, customerID, bidID, eventAt, amount, deposit, commission, amount-commission).Scan(&bookingID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("accepter book: %w", err)
	}

	_, _ = tx.Exec(ctx, `UPDATE bids SET booking_id=$2 WHERE id=$1`, bidID, bookingID)
	_, _ = tx.Exec(ctx, `UPDATE market_events SET status='booked', updated_at=NOW() WHERE id=$1`, eventID)
	_, _ = tx.Exec(ctx, `INSERT INTO booking_events (booking_id, type, payload) VALUES ($1,'BOOKING_CREATED','{}'::jsonb)`, bookingID)
	_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('booking.created', jsonb_build_object('booking_id',$1::text))`, bookingID)
	return tx.Commit(ctx)
}

// Confirmer flips pending bookings to confirmed and holds the deposit,
// idempotently via the status guard in the UPDATE.
func Confirmer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var id string
		err = tx.QueryRow(ctx, `SELECT id FROM bookings WHERE status='pending' LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&id)
		if err == nil {
			_, err = tx.Exec(ctx, `UPDATE bookings SET status='confirmed', escrow='deposit_held',
                                       held_cents=deposit_cents, deposit_payment_ref='stress-pay',
                                       confirmed_at=NOW(), updated_at=NOW()
                                   WHERE id=$1 AND status='pending'`, id)
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO booking_events (booking_id, type, payload) VALUES ($1,'BOOKING_CONFIRMED','{}'::jsonb)`, id)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('booking.confirmed', jsonb_build_object('booking_id',$1::text))`, id)
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Completer marks confirmed bookings completed and escrows the full amount.
func Completer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var id string
		err = tx.QueryRow(ctx, `SELECT id FROM bookings WHERE status='confirmed' LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&id)
		if err == nil {
			_, err = tx.Exec(ctx, `UPDATE bookings SET status='completed', escrow='full_held',
                                       held_cents=total_cents, completed_at=NOW() - interval '10 days', updated_at=NOW()
                                   WHERE id=$1 AND status='confirmed'`, id)
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO booking_events (booking_id, type, payload) VALUES ($1,'BOOKING_COMPLETED','{}'::jsonb)`, id)
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Releaser races other releasers and the sweeper for completed escrow. The
// payout_releases unique key means only one caller records a release.
func Releaser(ctx context.Context, pool *pgxpool.Pool, trigger string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var id string
		var payout int64
		err = tx.QueryRow(ctx, `SELECT id, payout_cents FROM bookings
                                WHERE status='completed' AND escrow='full_held'
                                LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&id, &payout)
		if err == nil {
			tag, err := tx.Exec(ctx, `INSERT INTO payout_releases (booking_id, triggered_by, payout_cents)
                                      VALUES ($1,$2::release_trigger,$3)
                                      ON CONFLICT (booking_id) DO NOTHING`, id, trigger, payout)
			if err == nil && tag.RowsAffected() == 1 {
				_, _ = tx.Exec(ctx, `UPDATE bookings SET escrow='released', held_cents=0, released_at=NOW(), updated_at=NOW() WHERE id=$1`, id)
				_, _ = tx.Exec(ctx, `INSERT INTO booking_events (booking_id, type, payload) VALUES ($1,'PAYOUT_RELEASED','{}'::jsonb)`, id)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('payout.released', jsonb_build_object('booking_id',$1::text))`, id)
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Canceller occasionally cancels a confirmed booking and records the refund.
// It competes with Completer for the same rows; the status guard decides.
func Canceller(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(4) != 0 {
			time.Sleep(150 * time.Millisecond)
			continue
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var id string
		var held int64
		err = tx.QueryRow(ctx, `SELECT id, held_cents FROM bookings
                                WHERE status='confirmed' AND escrow='deposit_held'
                                LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&id, &held)
		if err == nil {
			_, err = tx.Exec(ctx, `UPDATE bookings SET status='cancelled', escrow='refunded', held_cents=0,
                                       cancel_reason='stress cancel', updated_at=NOW()
                                   WHERE id=$1 AND status='confirmed'`, id)
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO refunds (booking_id, amount_cents, reason)
                                     VALUES ($1,$2,'stress cancel') ON CONFLICT (booking_id) DO NOTHING`, id, held)
				_, _ = tx.Exec(ctx, `INSERT INTO booking_events (booking_id, type, payload) VALUES ($1,'BOOKING_CANCELLED','{}'::jsonb)`, id)
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox rows with SKIP LOCKED, simulating
// random publish failures to exercise the attempts counter.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1,
                                         status=CASE WHEN attempts+1 >= 5 THEN 'dead' ELSE 'pending' END
                                     WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed' WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
