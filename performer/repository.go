package performer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested performer does not exist.
var ErrNotFound = errors.New("performer: not found")

// Repository provides read access to performer profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a performer profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	const query = `
		SELECT id, full_name, tier::text, rating, created_at
		FROM users
		WHERE id = $1 AND role = 'performer'
	`

	var profile Profile
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&profile.ID,
		&profile.FullName,
		&profile.Tier,
		&profile.Rating,
		&profile.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("performer: query by id: %w", err)
	}
	return profile, nil
}

// List fetches up to limit performer profiles ordered by rating.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, full_name, tier::text, rating, created_at
		FROM users
		WHERE role = 'performer'
		ORDER BY rating DESC, full_name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("performer: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		var profile Profile
		if err := rows.Scan(&profile.ID, &profile.FullName, &profile.Tier, &profile.Rating, &profile.CreatedAt); err != nil {
			return nil, fmt.Errorf("performer: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("performer: iterate profiles: %w", err)
	}
	return profiles, nil
}
