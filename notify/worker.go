package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// maxAttempts is how many delivery failures an outbox row survives before
// it is parked as dead.
const maxAttempts = 5

// Sender is the transport the worker drains outbox rows into.
type Sender interface {
	Publish(ctx context.Context, key string, body []byte) error
}

// Worker drains the transactional outbox into the message broker. Rows are
// claimed with SKIP LOCKED so multiple workers never deliver the same row.
type Worker struct {
	pool     *pgxpool.Pool
	sender   Sender
	interval time.Duration
	batch    int
	logf     func(format string, args ...any)
}

// NewWorker builds a worker polling at the given interval.
func NewWorker(pool *pgxpool.Pool, sender Sender, interval time.Duration) *Worker {
	return &Worker{
		pool:     pool,
		sender:   sender,
		interval: interval,
		batch:    50,
		logf:     func(string, ...any) {},
	}
}

// WithLogger installs a log function for delivery outcomes.
func (w *Worker) WithLogger(logf func(format string, args ...any)) *Worker {
	w.logf = logf
	return w
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.Drain(ctx); err != nil {
				w.logf("outbox drain: %v", err)
			} else if n > 0 {
				w.logf("outbox drain: delivered %d", n)
			}
		}
	}
}

// Drain delivers one batch of pending rows and reports how many were
// published.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const claim = `
		SELECT id, topic, payload
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, claim, w.batch)
	if err != nil {
		return 0, fmt.Errorf("notify: claim: %w", err)
	}

	type entry struct {
		id      string
		topic   string
		payload []byte
	}
	entries := make([]entry, 0, w.batch)
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.topic, &e.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("notify: scan: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("notify: iterate: %w", err)
	}

	delivered := 0
	for _, e := range entries {
		if err := w.sender.Publish(ctx, e.topic, e.payload); err != nil {
			w.logf("outbox publish %s (%s): %v", e.id, e.topic, err)
			const fail = `
				UPDATE outbox
				SET attempts = attempts + 1,
				    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END
				WHERE id = $1
			`
			if _, err := tx.Exec(ctx, fail, e.id, maxAttempts); err != nil {
				return delivered, fmt.Errorf("notify: mark failed: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed' WHERE id = $1`, e.id); err != nil {
			return delivered, fmt.Errorf("notify: mark processed: %w", err)
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return delivered, fmt.Errorf("notify: commit: %w", err)
	}
	return delivered, nil
}
