package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gigflow/booking"
	"gigflow/escrow"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotReleasable rejects release of a booking that is not completed.
	ErrNotReleasable = errors.New("payout: booking is not completed")
	// ErrAlreadyReleased reports an idempotent replay. It is informational:
	// the accompanying result is valid and callers treat it as success.
	ErrAlreadyReleased = errors.New("payout: escrow already released")
)

// Trigger identifies what initiated a release.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerBulk   Trigger = "bulk"
	TriggerAuto   Trigger = "auto"
)

// Result is the recorded outcome of a release. PayoutCents is the amount the
// caller hands to the external payment collaborator.
type Result struct {
	BookingID   string
	PayoutCents int64
	Trigger     Trigger
	ReleasedAt  time.Time
}

// Releaser is the escrow surface the executor drives.
type Releaser interface {
	Release(ctx context.Context, tx pgx.Tx, bookingID string) (escrow.ReleaseRecord, bool, error)
}

// Executor is the single entry point for moving escrow from held to
// released. Manual admin action, the bulk action, and the scheduler all go
// through here, relying on the same idempotency.
type Executor struct {
	pool        booking.TxBeginner
	repo        booking.Repository
	ledger      Releaser
	timeline    booking.TimelineWriter
	outbox      booking.OutboxWriter
	graceDays   int
	concurrency int
	now         func() time.Time
}

func NewExecutor(pool booking.TxBeginner, repo booking.Repository, ledger Releaser, graceDays int) *Executor {
	return &Executor{
		pool:        pool,
		repo:        repo,
		ledger:      ledger,
		timeline:    booking.Timeline{},
		outbox:      booking.Outbox{},
		graceDays:   graceDays,
		concurrency: 4,
		now:         time.Now,
	}
}

func (e *Executor) WithTimelineAndOutbox(timeline booking.TimelineWriter, outbox booking.OutboxWriter) *Executor {
	e.timeline = timeline
	e.outbox = outbox
	return e
}

func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

func (e *Executor) WithConcurrency(n int) *Executor {
	if n > 0 {
		e.concurrency = n
	}
	return e
}

type ReleaseParams struct {
	BookingID string
	Trigger   Trigger
	ActorID   string
}

// Release moves a completed booking's escrow to released and records who
// triggered it. A replay returns the original result plus ErrAlreadyReleased,
// which callers treat as success, so overlapping manual, bulk, and scheduled
// triggers cannot double-release.
func (e *Executor) Release(ctx context.Context, params ReleaseParams) (Result, error) {
	if params.BookingID == "" {
		return Result{}, fmt.Errorf("payout: missing booking id")
	}
	switch params.Trigger {
	case TriggerManual, TriggerBulk, TriggerAuto:
	default:
		return Result{}, fmt.Errorf("payout: unknown trigger %q", params.Trigger)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := e.repo.GetForUpdate(ctx, tx, params.BookingID)
	if err != nil {
		return Result{}, err
	}
	if current.Status != booking.StatusCompleted {
		return Result{}, fmt.Errorf("%w (status=%s)", ErrNotReleasable, current.Status)
	}

	rec, already, err := e.ledger.Release(ctx, tx, current.ID)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		BookingID:   rec.BookingID,
		PayoutCents: rec.PayoutCents,
		Trigger:     params.Trigger,
		ReleasedAt:  rec.ReleasedAt,
	}

	if already {
		trigger, releasedAt, err := e.existingRelease(ctx, tx, current.ID)
		if err == nil {
			result.Trigger = trigger
			result.ReleasedAt = releasedAt
		}
		if err := tx.Commit(ctx); err != nil {
			return Result{}, fmt.Errorf("payout: commit replay: %w", err)
		}
		return result, ErrAlreadyReleased
	}

	if err := e.recordRelease(ctx, tx, result, params.ActorID); err != nil {
		return Result{}, err
	}

	actor := actorPtr(params.ActorID)
	payload := map[string]any{
		"booking_id":   result.BookingID,
		"payout_cents": result.PayoutCents,
		"triggered_by": string(result.Trigger),
	}
	if e.timeline != nil {
		if err := e.timeline.Append(ctx, tx, current.ID, "PAYOUT_RELEASED", actor, payload); err != nil {
			return Result{}, err
		}
	}
	if e.outbox != nil {
		if err := e.outbox.Enqueue(ctx, tx, "payout.released", payload); err != nil {
			return Result{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("payout: commit release: %w", err)
	}
	return result, nil
}

// ReleaseEligible applies the auto-release filter now: completed bookings
// with held funds whose grace period elapsed. Each booking is released
// independently; replays and concurrent releases surface as
// ErrAlreadyReleased and are skipped, so a partial run is safe to retry
// from scratch. Returns the ids actually released by this call.
func (e *Executor) ReleaseEligible(ctx context.Context, trigger Trigger, actorID string) ([]string, error) {
	cutoff := e.now().AddDate(0, 0, -e.graceDays)
	ids, err := e.repo.ListEligibleForRelease(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		released []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := e.Release(gctx, ReleaseParams{BookingID: id, Trigger: trigger, ActorID: actorID})
			switch {
			case err == nil:
				mu.Lock()
				released = append(released, id)
				mu.Unlock()
				return nil
			case errors.Is(err, ErrAlreadyReleased):
				// another trigger won the race; success
				return nil
			case errors.Is(err, ErrNotReleasable):
				// state moved underneath the eligibility read; skip
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return released, err
	}
	return released, nil
}

func (e *Executor) recordRelease(ctx context.Context, tx pgx.Tx, result Result, actorID string) error {
	const query = `
        INSERT INTO payout_releases (booking_id, triggered_by, actor_id, payout_cents, released_at)
        VALUES ($1, $2::release_trigger, $3::uuid, $4, $5)
        ON CONFLICT (booking_id) DO NOTHING
    `
	var actor any
	if actorID != "" {
		actor = actorID
	}
	if _, err := tx.Exec(ctx, query, result.BookingID, string(result.Trigger), actor, result.PayoutCents, result.ReleasedAt); err != nil {
		return fmt.Errorf("payout: record release: %w", err)
	}
	return nil
}

func (e *Executor) existingRelease(ctx context.Context, tx pgx.Tx, bookingID string) (Trigger, time.Time, error) {
	var (
		trigger    string
		releasedAt time.Time
	)
	err := tx.QueryRow(ctx, `SELECT triggered_by::text, released_at FROM payout_releases WHERE booking_id = $1`, bookingID).
		Scan(&trigger, &releasedAt)
	if err != nil {
		return "", time.Time{}, err
	}
	return Trigger(trigger), releasedAt, nil
}

func actorPtr(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
