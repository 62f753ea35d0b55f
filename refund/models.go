package refund

import "time"

// Record mirrors the refunds table. A booking holds at most one refund,
// issued when a cancellation returns held escrow funds to the customer.
type Record struct {
	ID          string
	BookingID   string
	AmountCents int64
	Reason      string
	IssuedAt    time.Time
}
