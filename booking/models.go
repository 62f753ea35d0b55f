package booking

import (
	"fmt"
	"time"

	"gigflow/escrow"
)

// Status is the booking lifecycle state. It only moves forward, except for
// cancellation, which is reachable from any non-completed state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// InvalidTransitionError carries the attempted and current booking states.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("booking: invalid transition %s -> %s", e.From, e.To)
}

// Booking mirrors the bookings table. Money is integer minor units (cents);
// the commission split is frozen at creation and never recomputed.
type Booking struct {
	ID              string
	PerformerID     string
	CustomerID      string
	OriginBidID     *string
	EventAt         time.Time
	DurationMinutes int
	TotalCents      int64
	DepositPct      int
	DepositCents    int64
	CommissionCents int64
	PayoutCents     int64
	HeldCents       int64
	Status          Status
	Escrow          escrow.Status
	DepositPaymentRef *string
	CancelReason    *string
	ConfirmedAt     *time.Time
	CompletedAt     *time.Time
	ReleasedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RemainingCents is the balance still owed after the deposit.
func (b Booking) RemainingCents() int64 {
	return b.TotalCents - b.DepositCents
}
