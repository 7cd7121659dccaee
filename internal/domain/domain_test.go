package domain_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
)

func TestAmountInRange(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{"100", true},
		{"0.000000000000000001", true},
		{"0.0000000000000000001", false},
		{"1e37", true},
		{"99999999999999999999999999999999999999", true},
		{"1e38", false},
		{"123456789012345678901234567890123456789", false},
		{"1e5000000", false},
		{"-1e5000000", false},
	}
	for _, tc := range cases {
		if got := domain.AmountInRange(decimal.RequireFromString(tc.raw)); got != tc.want {
			t.Fatalf("AmountInRange(%s) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}
