package performer

import (
	"time"

	"gigflow/commission"
)

// Profile captures the subset of performer data exposed via the public API layer.
type Profile struct {
	ID        string
	FullName  string
	Tier      commission.Tier
	Rating    float64
	CreatedAt time.Time
}
