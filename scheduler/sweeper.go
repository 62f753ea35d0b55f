package scheduler

import (
	"context"
	"log"
	"time"

	"gigflow/payout"
)

// PayoutReleaser is the release surface the sweeper drives.
type PayoutReleaser interface {
	ReleaseEligible(ctx context.Context, trigger payout.Trigger, actorID string) ([]string, error)
}

// Sweeper periodically auto-releases completed bookings whose grace period
// elapsed. Each tick is an independent, idempotent pass: overlapping runs
// and concurrent manual releases are safe because the executor skips
// already-released bookings.
type Sweeper struct {
	releaser PayoutReleaser
	interval time.Duration
	logf     func(format string, args ...any)
}

func NewSweeper(releaser PayoutReleaser, interval time.Duration) *Sweeper {
	return &Sweeper{
		releaser: releaser,
		interval: interval,
		logf:     log.Printf,
	}
}

func (s *Sweeper) WithLogger(logf func(format string, args ...any)) *Sweeper {
	s.logf = logf
	return s
}

// Run ticks until the context is cancelled. A failed sweep is logged and
// retried on the next tick; nothing is lost because eligibility is
// re-derived from the database every pass.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logf("scheduler: sweep failed: %v", err)
			}
		}
	}
}

// Sweep performs one pass now. Exposed so tests and manual triggers can run
// a pass without waiting for the timer.
func (s *Sweeper) Sweep(ctx context.Context) error {
	released, err := s.releaser.ReleaseEligible(ctx, payout.TriggerAuto, "")
	if err != nil {
		return err
	}
	if len(released) > 0 {
		s.logf("scheduler: auto-released %d booking(s)", len(released))
	}
	return nil
}
