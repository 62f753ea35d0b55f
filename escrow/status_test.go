package escrow

import "testing"

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusNone, StatusDepositHeld},
		{StatusDepositHeld, StatusFullHeld},
		{StatusDepositHeld, StatusReleased},
		{StatusFullHeld, StatusReleased},
		{StatusDepositHeld, StatusRefunded},
		{StatusFullHeld, StatusRefunded},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusNone, StatusFullHeld},
		{StatusNone, StatusReleased},
		{StatusNone, StatusRefunded},
		{StatusFullHeld, StatusDepositHeld},
		{StatusReleased, StatusRefunded},
		{StatusReleased, StatusDepositHeld},
		{StatusRefunded, StatusReleased},
		{StatusRefunded, StatusDepositHeld},
		{StatusDepositHeld, StatusNone},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	if !StatusDepositHeld.Held() || !StatusFullHeld.Held() {
		t.Error("held states must report Held")
	}
	if StatusNone.Held() || StatusReleased.Held() || StatusRefunded.Held() {
		t.Error("non-held states must not report Held")
	}
	if !StatusReleased.Terminal() || !StatusRefunded.Terminal() {
		t.Error("released and refunded are terminal")
	}
	if StatusDepositHeld.Terminal() {
		t.Error("deposit_held is not terminal")
	}
}

func TestIllegalTransitionError_Message(t *testing.T) {
	err := &IllegalTransitionError{From: StatusReleased, To: StatusRefunded}
	want := "escrow: illegal transition released -> refunded"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}
