package booking

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"gigflow/account"
	"gigflow/commission"
	"gigflow/config"
	"gigflow/escrow"
	"gigflow/refund"

	"github.com/jackc/pgx/v5/pgxpool"
)

func integrationPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	for _, table := range []string{"users", "bookings", "booking_events", "outbox", "refunds", "commission_tiers"} {
		if !tableExists(ctx, t, pool, table) {
			t.Skipf("database schema missing table %s; apply migrations/001_core.sql first", table)
		}
	}
	return pool
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}

func seedUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, role, tier string) string {
	t.Helper()
	var id string
	err := pool.QueryRow(ctx, `
        INSERT INTO users (email, full_name, role, tier)
        VALUES ($1, $2, $3::user_role, $4::performer_tier)
        RETURNING id
    `, fmt.Sprintf("%s+%d@example.com", role, time.Now().UnixNano()), "Integration "+role, role, tier).Scan(&id)
	if err != nil {
		t.Fatalf("seed %s: %v", role, err)
	}
	return id
}

func integrationService(t *testing.T, ctx context.Context, pool *pgxpool.Pool) *Service {
	t.Helper()
	policy, err := commission.NewRepository(pool).LoadPolicy(ctx)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	accounts := account.NewService(account.NewRepository(pool), "integration-secret")
	return NewService(pool, NewRepository(pool), escrow.NewLedger(), accounts, policy,
		commission.Rate{RateBp: 1500}, config.EscrowSettings{DepositPctMin: 10, DepositPctMax: 50, GracePeriodDays: 7}).
		WithRefundRecorder(refund.NewRepository(pool))
}

func cleanupBooking(ctx context.Context, pool *pgxpool.Pool, bookingID string, userIDs ...string) {
	pool.Exec(ctx, `DELETE FROM booking_events WHERE booking_id = $1`, bookingID)
	pool.Exec(ctx, `DELETE FROM outbox WHERE payload->>'booking_id' = $1`, bookingID)
	pool.Exec(ctx, `DELETE FROM refunds WHERE booking_id = $1`, bookingID)
	pool.Exec(ctx, `DELETE FROM payout_releases WHERE booking_id = $1`, bookingID)
	pool.Exec(ctx, `DELETE FROM bookings WHERE id = $1`, bookingID)
	for _, id := range userIDs {
		pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	}
}

// TestBookingLifecycle_Integration drives a direct booking through
// confirmation and completion against a real PostgreSQL and checks the
// money, escrow, and timeline facts along the way.
func TestBookingLifecycle_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool := integrationPool(t, ctx)
	customerID := seedUser(t, ctx, pool, "customer", "free")
	performerID := seedUser(t, ctx, pool, "performer", "free")

	svc := integrationService(t, ctx, pool)

	created, err := svc.CreateDirect(ctx, CreateDirectParams{
		PerformerID:     performerID,
		CustomerID:      customerID,
		EventAt:         time.Now().Add(30 * 24 * time.Hour),
		DurationMinutes: 120,
		TotalCents:      30000,
		DepositPct:      20,
	})
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		cleanupBooking(ctx2, pool, created.ID, customerID, performerID)
	})

	// free tier seeds at 15% + $2 flat
	if created.CommissionCents != 4700 || created.PayoutCents != 25300 {
		t.Fatalf("unexpected split: commission=%d payout=%d", created.CommissionCents, created.PayoutCents)
	}
	if created.DepositCents != 6000 {
		t.Fatalf("expected deposit 6000, got %d", created.DepositCents)
	}

	confirmed, err := svc.Confirm(ctx, ConfirmParams{BookingID: created.ID, DepositPaymentRef: "pay_int_1", ActorID: customerID})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Status)
	}

	var heldCents int64
	var escrowStatus string
	if err := pool.QueryRow(ctx, `SELECT held_cents, escrow::text FROM bookings WHERE id = $1`, created.ID).Scan(&heldCents, &escrowStatus); err != nil {
		t.Fatalf("read escrow: %v", err)
	}
	if heldCents != 6000 || escrowStatus != "deposit_held" {
		t.Fatalf("unexpected escrow after confirm: held=%d status=%s", heldCents, escrowStatus)
	}

	// replayed confirm must not move money or overwrite the payment ref
	replayed, err := svc.Confirm(ctx, ConfirmParams{BookingID: created.ID, DepositPaymentRef: "pay_int_2"})
	if err != nil {
		t.Fatalf("replay confirm: %v", err)
	}
	if replayed.DepositPaymentRef == nil || *replayed.DepositPaymentRef != "pay_int_1" {
		t.Fatalf("replay overwrote payment ref: %v", replayed.DepositPaymentRef)
	}

	completed, err := svc.Complete(ctx, CompleteParams{BookingID: created.ID, AdminOverride: true, ActorID: customerID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}

	if err := pool.QueryRow(ctx, `SELECT held_cents, escrow::text FROM bookings WHERE id = $1`, created.ID).Scan(&heldCents, &escrowStatus); err != nil {
		t.Fatalf("read escrow: %v", err)
	}
	if heldCents != 30000 || escrowStatus != "full_held" {
		t.Fatalf("unexpected escrow after complete: held=%d status=%s", heldCents, escrowStatus)
	}

	// timeline: created, confirmed, completed, in order
	var evCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM booking_events WHERE booking_id = $1`, created.ID).Scan(&evCount); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if evCount != 3 {
		t.Fatalf("expected 3 timeline events, got %d", evCount)
	}
	var maxSeq int
	if err := pool.QueryRow(ctx, `SELECT MAX(seq) FROM booking_events WHERE booking_id = $1`, created.ID).Scan(&maxSeq); err != nil {
		t.Fatalf("max seq: %v", err)
	}
	if maxSeq != 3 {
		t.Fatalf("expected gap-free seq up to 3, got %d", maxSeq)
	}
}

// TestBookingCancelRefund_Integration cancels a confirmed booking and
// verifies the held deposit is refunded exactly once.
func TestBookingCancelRefund_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool := integrationPool(t, ctx)
	customerID := seedUser(t, ctx, pool, "customer", "free")
	performerID := seedUser(t, ctx, pool, "performer", "free")

	svc := integrationService(t, ctx, pool)

	created, err := svc.CreateDirect(ctx, CreateDirectParams{
		PerformerID:     performerID,
		CustomerID:      customerID,
		EventAt:         time.Now().Add(30 * 24 * time.Hour),
		DurationMinutes: 60,
		TotalCents:      20000,
		DepositPct:      25,
	})
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		cleanupBooking(ctx2, pool, created.ID, customerID, performerID)
	})

	if _, err := svc.Confirm(ctx, ConfirmParams{BookingID: created.ID, DepositPaymentRef: "pay_int_3"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	cancelled, err := svc.Cancel(ctx, CancelParams{BookingID: created.ID, Reason: "customer cancelled", ActorID: customerID})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	var refundCount int
	var refundAmount int64
	if err := pool.QueryRow(ctx, `SELECT COUNT(*), COALESCE(MAX(amount_cents), 0) FROM refunds WHERE booking_id = $1`, created.ID).Scan(&refundCount, &refundAmount); err != nil {
		t.Fatalf("read refunds: %v", err)
	}
	if refundCount != 1 || refundAmount != 5000 {
		t.Fatalf("unexpected refunds: count=%d amount=%d", refundCount, refundAmount)
	}

	// replayed cancel keeps the single refund
	if _, err := svc.Cancel(ctx, CancelParams{BookingID: created.ID, Reason: "again"}); err != nil {
		t.Fatalf("replay cancel: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM refunds WHERE booking_id = $1`, created.ID).Scan(&refundCount); err != nil {
		t.Fatalf("re-read refunds: %v", err)
	}
	if refundCount != 1 {
		t.Fatalf("replay forked refunds: %d", refundCount)
	}

	var escrowStatus string
	if err := pool.QueryRow(ctx, `SELECT escrow::text FROM bookings WHERE id = $1`, created.ID).Scan(&escrowStatus); err != nil {
		t.Fatalf("read escrow: %v", err)
	}
	if escrowStatus != "refunded" {
		t.Fatalf("expected refunded escrow, got %s", escrowStatus)
	}
}
