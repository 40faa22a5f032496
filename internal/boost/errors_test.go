package boost

import (
	"errors"
	"testing"
)

func TestMessageOfHidesInternalCauses(t *testing.T) {
	driverErr := errors.New(`pq: relation "orders" does not exist`)
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "internal", err: newError(KindInternal, opCreditWatch, "order_select_failed", "", driverErr), want: "internal error"},
		{name: "upstream", err: newError(KindUpstream, opProcessReward, "fetch_failed", "", driverErr), want: "upstream service unavailable"},
		{name: "explicit", err: newError(KindInternal, opCreditWatch, "order_select_failed", "try again later", driverErr), want: "try again later"},
		{name: "sentinel", err: newError(KindInvalidInput, opLedgerNew, "negative_initial_grant", "", ErrInvalidInput), want: "invalid input"},
		{name: "foreign", err: driverErr, want: "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MessageOf(tt.err); got != tt.want {
				t.Fatalf("MessageOf() = %q, want %q", got, tt.want)
			}
			if !errors.Is(tt.err, driverErr) && tt.name != "sentinel" {
				t.Fatalf("expected the cause to stay reachable through errors.Is")
			}
		})
	}
}
