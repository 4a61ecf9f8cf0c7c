package edge

import (
	"math"
	"testing"
)

func TestTakerFee(t *testing.T) {
	cases := []struct {
		cents float64
		n     int
		want  float64
	}{
		{50, 1, 0.02},  // 1.75 cents rounds up
		{50, 10, 0.18}, // 17.5 cents rounds up
		{1, 1, 0.01},   // 0.0693 cents still rounds up to a cent
		{99, 1, 0.01},
		{30, 5, 0.08}, // 7.35 cents
		{0, 1, 0},
		{100, 1, 0},
		{0, 100, 0},
	}
	for _, tc := range cases {
		got := TakerFee(tc.cents, tc.n)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("TakerFee(%v, %d) = %v, want %v", tc.cents, tc.n, got, tc.want)
		}
	}
}

func TestTakerFeeUndefinedOutsideRange(t *testing.T) {
	if !math.IsNaN(TakerFee(-1, 1)) {
		t.Fatalf("negative price must be undefined")
	}
	if !math.IsNaN(TakerFee(101, 1)) {
		t.Fatalf("price above 100 must be undefined")
	}
}
