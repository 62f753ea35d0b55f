package bid

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
)

// Bid is a performer's quote against a market event. At most one
// non-withdrawn bid exists per (event, performer); resubmission updates the
// existing row. BookingID is a weak back-reference filled in on acceptance.
type Bid struct {
	ID          string
	EventID     string
	PerformerID string
	AmountCents int64
	Message     string
	Status      Status
	BookingID   *string
	SubmittedAt time.Time
	UpdatedAt   time.Time
}
