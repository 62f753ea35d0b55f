package escrow

import "fmt"

// Status is the escrow sub-state of a booking. Funds advance
// none -> deposit_held -> full_held -> released; refunded is reachable only
// from the two held states.
type Status string

const (
	StatusNone        Status = "none"
	StatusDepositHeld Status = "deposit_held"
	StatusFullHeld    Status = "full_held"
	StatusReleased    Status = "released"
	StatusRefunded    Status = "refunded"
)

// IllegalTransitionError carries the attempted and current states so callers
// can diagnose which precondition failed.
type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("escrow: illegal transition %s -> %s", e.From, e.To)
}

// Held reports whether funds are currently held and may still be released
// or refunded.
func (s Status) Held() bool {
	return s == StatusDepositHeld || s == StatusFullHeld
}

// Terminal reports whether the escrow can no longer change.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// CanTransition reports whether from -> to is a legal escrow move.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusDepositHeld:
		return from == StatusNone
	case StatusFullHeld:
		return from == StatusDepositHeld
	case StatusReleased, StatusRefunded:
		return from.Held()
	default:
		return false
	}
}
