package currency

import (
	"testing"

	"QuickCashEngine/internal/models"
)

func TestMajorUnits(t *testing.T) {
	table := NewTable([]Currency{{Code: "cad", Exponent: 2}, {Code: "JPY", Exponent: 0}, {Code: "KWD", Exponent: 3}})
	tests := []struct {
		amount int64
		code   string
		want   string
	}{
		{5000, "CAD", "50.00"},
		{5, "CAD", "0.05"},
		{1234, "JPY", "1234"},
		{1234, "KWD", "1.234"},
		{42, "XXX", "42"},
	}
	for _, tt := range tests {
		if got := table.MajorUnits(tt.amount, tt.code); got != tt.want {
			t.Errorf("MajorUnits(%d, %s) = %q, want %q", tt.amount, tt.code, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	table := NewTable(nil)
	if err := table.Validate(100, "usd"); err != nil {
		t.Fatalf("usd: %v", err)
	}
	for _, tc := range []struct {
		amount int64
		code   string
	}{{0, "CAD"}, {-1, "CAD"}, {100, "EUR"}} {
		if err := table.Validate(tc.amount, tc.code); !models.IsValidation(err) {
			t.Errorf("Validate(%d, %s) = %v, want validation error", tc.amount, tc.code, err)
		}
	}
}
