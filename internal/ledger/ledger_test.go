package ledger

import (
	"errors"
	"testing"
)

func TestKindDirection(t *testing.T) {
	cases := map[Kind]Direction{
		KindBonus:    DirectionCredit,
		KindPurchase: DirectionCredit,
		KindUsage:    DirectionDebit,
	}
	for kind, want := range cases {
		if got := kind.Direction(); got != want {
			t.Fatalf("%s: expected %s, got %s", kind, want, got)
		}
	}
	if Kind("refund").Valid() {
		t.Fatalf("unexpected valid kind")
	}
}

func TestValidateCreditAndDebit(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"credit ok", ValidateCredit(1, 10, KindPurchase), nil},
		{"credit bonus ok", ValidateCredit(1, 10, KindBonus), nil},
		{"credit missing account", ValidateCredit(0, 10, KindPurchase), ErrAccountRequired},
		{"credit zero amount", ValidateCredit(1, 0, KindPurchase), ErrInvalidAmount},
		{"credit negative amount", ValidateCredit(1, -5, KindBonus), ErrInvalidAmount},
		{"credit with usage kind", ValidateCredit(1, 10, KindUsage), ErrInvalidKind},
		{"debit ok", ValidateDebit(1, 10, KindUsage), nil},
		{"debit with purchase kind", ValidateDebit(1, 10, KindPurchase), ErrInvalidKind},
		{"debit unknown kind", ValidateDebit(1, 10, Kind("x")), ErrInvalidKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.wantErr == nil {
				if tt.err != nil {
					t.Fatalf("unexpected error %v", tt.err)
				}
				return
			}
			if !errors.Is(tt.err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, tt.err)
			}
		})
	}
}

func TestSignedAmount(t *testing.T) {
	if got := SignedAmount(10, KindUsage); got != -10 {
		t.Fatalf("expected -10, got %d", got)
	}
	if got := SignedAmount(10, KindPurchase); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
}
