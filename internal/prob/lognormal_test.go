package prob

import (
	"math"
	"testing"

	"github.com/strikeline/strikeline/internal/schema"
)

func f64(v float64) *float64 { return &v }

func TestAtTheMoneySymmetry(t *testing.T) {
	// At K = S the zero-drift lognormal puts slightly more than half the mass
	// below the strike (Z = 0.5*sigma_t > 0).
	p := LessEqual(64000, 64000, 3600, 0.5)
	if !(p > 0.5 && p < 0.6) {
		t.Fatalf("ATM P(S_T <= S) = %v, want just above 0.5", p)
	}
}

func TestComplementarity(t *testing.T) {
	cases := []struct{ spot, strike, horizon, sigma float64 }{
		{64000, 65000, 3600, 0.5},
		{64000, 60000, 86400, 1.2},
		{100, 100.5, 60, 0.3},
	}
	for _, tc := range cases {
		le := LessEqual(tc.spot, tc.strike, tc.horizon, tc.sigma)
		ge := GreaterEqual(tc.spot, tc.strike, tc.horizon, tc.sigma)
		if math.Abs(le+ge-1) > 1e-12 {
			t.Fatalf("P(<=K)+P(>=K) = %v for %+v", le+ge, tc)
		}
	}
}

func TestBetweenAdditivity(t *testing.T) {
	spot, horizon, sigma := 64000.0, 3600.0, 0.8
	lower, upper := 63000.0, 66000.0
	between := Between(spot, lower, upper, horizon, sigma)
	diff := LessEqual(spot, upper, horizon, sigma) - LessEqual(spot, lower, horizon, sigma)
	if math.Abs(between-diff) > 1e-12 {
		t.Fatalf("between = %v, diff = %v", between, diff)
	}
}

func TestMonotonicityInStrike(t *testing.T) {
	spot, horizon, sigma := 64000.0, 3600.0, 0.5
	prev := LessEqual(spot, 60000, horizon, sigma)
	for strike := 61000.0; strike <= 68000; strike += 1000 {
		p := LessEqual(spot, strike, horizon, sigma)
		if p < prev {
			t.Fatalf("P(S_T <= K) decreased at K=%v: %v < %v", strike, p, prev)
		}
		prev = p
	}
}

func TestZeroHorizonStep(t *testing.T) {
	if got := LessEqual(64000, 65000, 0, 0.5); got != 1 {
		t.Fatalf("T=0, S below K: %v", got)
	}
	if got := LessEqual(64000, 63000, 0, 0.5); got != 0 {
		t.Fatalf("T=0, S above K: %v", got)
	}
	if got := GreaterEqual(64000, 64000, -5, 0.5); got != 1 {
		t.Fatalf("T<0, S at K: %v", got)
	}
	if got := Between(64000, 63000, 65000, 0, 0.5); got != 1 {
		t.Fatalf("T=0, S inside band: %v", got)
	}
	if got := Between(66000, 63000, 65000, 0, 0.5); got != 0 {
		t.Fatalf("T=0, S outside band: %v", got)
	}
}

func TestInvalidInputsUndefined(t *testing.T) {
	cases := []float64{
		LessEqual(0, 65000, 3600, 0.5),
		LessEqual(64000, -1, 3600, 0.5),
		LessEqual(64000, 65000, 3600, 0),
		Between(64000, 65000, 63000, 3600, 0.5),
		Between(64000, 65000, 65000, 3600, 0.5),
	}
	for i, p := range cases {
		if !math.IsNaN(p) {
			t.Fatalf("case %d: expected NaN, got %v", i, p)
		}
	}
}

func TestYesProbabilityByShape(t *testing.T) {
	spot, horizon, sigma := 64000.0, 3600.0, 0.5
	less := YesProbability(schema.StrikeLess, spot, nil, f64(65000), horizon, sigma)
	if math.Abs(less-LessEqual(spot, 65000, horizon, sigma)) > 1e-15 {
		t.Fatalf("less shape mismatch")
	}
	greater := YesProbability(schema.StrikeGreater, spot, f64(63000), nil, horizon, sigma)
	if math.Abs(greater-GreaterEqual(spot, 63000, horizon, sigma)) > 1e-15 {
		t.Fatalf("greater shape mismatch")
	}
	if !math.IsNaN(YesProbability(schema.StrikeLess, spot, nil, nil, horizon, sigma)) {
		t.Fatalf("missing bound must be undefined")
	}
	if !math.IsNaN(YesProbability("weird", spot, nil, nil, horizon, sigma)) {
		t.Fatalf("unknown shape must be undefined")
	}
}

func TestClampBounds(t *testing.T) {
	if got := Clamp(0); got != Epsilon {
		t.Fatalf("Clamp(0) = %v", got)
	}
	if got := Clamp(1); got != 1-Epsilon {
		t.Fatalf("Clamp(1) = %v", got)
	}
	if got := Clamp(0.5); got != 0.5 {
		t.Fatalf("Clamp(0.5) = %v", got)
	}
	if !math.IsNaN(Clamp(math.NaN())) {
		t.Fatalf("Clamp must preserve NaN")
	}
}
