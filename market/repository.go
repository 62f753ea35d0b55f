package market

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no event row exists for the id.
var ErrNotFound = errors.New("market: event not found")

const eventColumns = `id, customer_id, category, budget_min_cents, budget_max_cents,
    event_at, location, bid_deadline, status::text, cancel_reason, created_at, updated_at`

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, e Event) (Event, error)
	GetByID(ctx context.Context, id string) (Event, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Event, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, from []Status, to Status, cancelReason *string) (Event, error)
	List(ctx context.Context, filters Filters) ([]Event, int, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, e Event) (Event, error) {
	const query = `
        INSERT INTO market_events (id, customer_id, category, budget_min_cents, budget_max_cents,
            event_at, location, bid_deadline, status)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, 'open')
        RETURNING ` + eventColumns

	row := tx.QueryRow(ctx, query,
		e.ID,
		e.CustomerID,
		e.Category,
		e.BudgetMinCents,
		e.BudgetMaxCents,
		e.EventAt,
		e.Location,
		e.BidDeadline,
	)
	created, err := scanEvent(row)
	if err != nil {
		return Event{}, fmt.Errorf("market: insert event: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Event, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM market_events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrNotFound
		}
		return Event{}, fmt.Errorf("market: get event: %w", err)
	}
	return e, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Event, error) {
	row := tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM market_events WHERE id = $1 FOR UPDATE`, id)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrNotFound
		}
		return Event{}, fmt.Errorf("market: get event for update: %w", err)
	}
	return e, nil
}

// UpdateStatus is a compare-and-set guarded by the allowed source states.
func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, from []Status, to Status, cancelReason *string) (Event, error) {
	states := make([]string, 0, len(from))
	for _, s := range from {
		states = append(states, string(s))
	}

	const query = `
        UPDATE market_events
        SET status = $2::market_event_status,
            cancel_reason = COALESCE($3, cancel_reason),
            updated_at = get_tx_timestamp()
        WHERE id = $1 AND status = ANY($4::market_event_status[])
        RETURNING ` + eventColumns

	row := tx.QueryRow(ctx, query, id, to, cancelReason, states)
	e, err := scanEvent(row)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Event{}, fmt.Errorf("market: update status: %w", err)
	}

	var current Status
	if err := tx.QueryRow(ctx, `SELECT status::text FROM market_events WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrNotFound
		}
		return Event{}, fmt.Errorf("market: load current status: %w", err)
	}
	return Event{}, &InvalidTransitionError{From: current, To: to}
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Event, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.CustomerID != "" {
		where = append(where, fmt.Sprintf("customer_id=$%d", len(args)+1))
		args = append(args, filters.CustomerID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.Category != "" {
		where = append(where, fmt.Sprintf("category=$%d", len(args)+1))
		args = append(args, filters.Category)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT %s FROM market_events%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		eventColumns, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("market: list events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("market: scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("market: iterate events: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM market_events%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("market: count events: %w", err)
	}

	return events, total, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var e Event
	return e, row.Scan(
		&e.ID,
		&e.CustomerID,
		&e.Category,
		&e.BudgetMinCents,
		&e.BudgetMaxCents,
		&e.EventAt,
		&e.Location,
		&e.BidDeadline,
		&e.Status,
		&e.CancelReason,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
}
