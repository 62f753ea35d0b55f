package market

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusBooked    Status = "booked"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the event can no longer change.
func (s Status) Terminal() bool {
	return s == StatusBooked || s == StatusCancelled
}

// InvalidTransitionError carries the attempted and current event states.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("market: invalid transition %s -> %s", e.From, e.To)
}

// Event is a customer-posted request that performers competitively quote on.
type Event struct {
	ID             string
	CustomerID     string
	Category       string
	BudgetMinCents int64
	BudgetMaxCents int64
	EventAt        time.Time
	Location       string
	BidDeadline    time.Time
	Status         Status
	CancelReason   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Filters struct {
	CustomerID string
	Status     Status
	Category   string
	Page       int
	PageSize   int
}
