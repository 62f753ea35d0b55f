package booking

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Timeline appends immutable business events to a booking's history inside
// the caller's transaction. The per-booking sequence number is assigned by
// the database.
type Timeline struct{}

func (Timeline) Append(ctx context.Context, tx pgx.Tx, bookingID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("booking: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}
	const q = `
INSERT INTO booking_events (booking_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4::uuid)
`
	if _, err := tx.Exec(ctx, q, bookingID, eventType, body, actor); err != nil {
		return fmt.Errorf("booking: insert timeline event: %w", err)
	}
	return nil
}

// Outbox enqueues a notification message in the same transaction as the
// state change that produced it. Delivery is a separate, best-effort worker.
type Outbox struct{}

func (Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("booking: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("booking: enqueue outbox: %w", err)
	}
	return nil
}
