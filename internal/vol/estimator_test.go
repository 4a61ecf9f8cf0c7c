package vol

import (
	"context"
	"math"
	"testing"

	"github.com/strikeline/strikeline/internal/livestate"
)

func testParams() Params {
	return Params{
		BucketSeconds:         5,
		EwmaLambda:            0.94,
		MinPoints:             30,
		MinHistorySpanSeconds: 300,
		LookbackSeconds:       3600,
		SigmaDefault:          0.50,
		SigmaMax:              5.0,
	}
}

// syntheticHistory builds one point per second with small alternating moves.
func syntheticHistory(n int, base float64) []livestate.SpotPoint {
	points := make([]livestate.SpotPoint, n)
	price := base
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			price *= 1.0001
		} else {
			price *= 0.9999
		}
		points[i] = livestate.SpotPoint{Ts: float64(1700000000 + i), Price: price}
	}
	return points
}

func TestResampleLastPriceInBucket(t *testing.T) {
	points := []livestate.SpotPoint{
		{Ts: 100, Price: 1},
		{Ts: 102, Price: 2},
		{Ts: 104, Price: 3},
		{Ts: 105, Price: 4},
		{Ts: 109, Price: 5},
		{Ts: 112, Price: 6},
	}
	sampled := resample(points, 5)
	if len(sampled) != 3 {
		t.Fatalf("bucket count = %d, want 3: %+v", len(sampled), sampled)
	}
	// Bucket [100,105): last price 3. Bucket [105,110): last price 5.
	if sampled[0].Price != 3 || sampled[1].Price != 5 || sampled[2].Price != 6 {
		t.Fatalf("last-price-in-bucket violated: %+v", sampled)
	}
	if sampled[0].Ts != 100 || sampled[1].Ts != 105 {
		t.Fatalf("grid not aligned to step: %+v", sampled)
	}
}

func TestEstimateOkOnHealthyHistory(t *testing.T) {
	est := NewEstimator(testParams(), "test")
	history := syntheticHistory(1800, 64000)
	res := est.Estimate(context.Background(), func(int) []livestate.SpotPoint { return history })
	if !res.Ok {
		t.Fatalf("expected ok estimate, got reason %q", res.Reason)
	}
	if res.Source != SourceEWMA {
		t.Fatalf("source = %q", res.Source)
	}
	if res.Sigma <= 0 || math.IsNaN(res.Sigma) {
		t.Fatalf("sigma = %v", res.Sigma)
	}
	if res.StepSeconds != 5 {
		t.Fatalf("step_seconds = %v", res.StepSeconds)
	}
}

func TestEstimateAnnualization(t *testing.T) {
	// Constant per-step return magnitude: EWMA variance converges near r^2, so
	// sigma_ann should be close to |r| * sqrt(seconds_per_year/step).
	params := testParams()
	params.MinPoints = 5
	params.MinHistorySpanSeconds = 10
	est := NewEstimator(params, "test")
	r := 0.0001
	points := make([]livestate.SpotPoint, 2000)
	price := 100.0
	for i := range points {
		price *= math.Exp(r)
		points[i] = livestate.SpotPoint{Ts: float64(1700000000 + 5*i), Price: price}
	}
	res := est.Estimate(context.Background(), func(int) []livestate.SpotPoint { return points })
	if !res.Ok {
		t.Fatalf("reason %q", res.Reason)
	}
	want := r * math.Sqrt(SecondsPerYear/5.0)
	if math.Abs(res.Sigma-want)/want > 0.01 {
		t.Fatalf("sigma = %v, want about %v", res.Sigma, want)
	}
}

func TestEstimateFallbackDefaultThenHistory(t *testing.T) {
	est := NewEstimator(testParams(), "test")
	ctx := context.Background()

	empty := est.Estimate(ctx, func(int) []livestate.SpotPoint { return nil })
	if empty.Ok || empty.Source != SourceDefault || empty.Sigma != 0.50 {
		t.Fatalf("expected default fallback, got %+v", empty)
	}
	if empty.Reason != ReasonInsufficientPoints {
		t.Fatalf("reason = %q", empty.Reason)
	}

	good := est.Estimate(ctx, func(int) []livestate.SpotPoint { return syntheticHistory(1800, 64000) })
	if !good.Ok {
		t.Fatalf("good estimate failed: %q", good.Reason)
	}

	degraded := est.Estimate(ctx, func(int) []livestate.SpotPoint { return nil })
	if degraded.Ok || degraded.Source != SourceHistory {
		t.Fatalf("expected history fallback, got %+v", degraded)
	}
	if degraded.Sigma != good.Sigma {
		t.Fatalf("history fallback must reuse last good sigma")
	}
}

func TestEstimateRejectsOutOfBounds(t *testing.T) {
	params := testParams()
	params.SigmaMax = 0.0001
	est := NewEstimator(params, "test")
	res := est.Estimate(context.Background(), func(int) []livestate.SpotPoint {
		return syntheticHistory(1800, 64000)
	})
	if res.Ok {
		t.Fatalf("sigma above sigma_max must not classify ok")
	}
	if res.Reason != ReasonOutOfBounds {
		t.Fatalf("reason = %q", res.Reason)
	}
}

func TestEstimateBadStepSeconds(t *testing.T) {
	params := testParams()
	params.BucketSeconds = 5000
	est := NewEstimator(params, "test")
	res := est.Estimate(context.Background(), func(int) []livestate.SpotPoint {
		return syntheticHistory(100, 64000)
	})
	if res.Reason != ReasonBadStepSeconds {
		t.Fatalf("reason = %q", res.Reason)
	}
}

func TestEstimateExpandsLookbackForShortSpan(t *testing.T) {
	params := testParams()
	params.MinPoints = 5
	params.MinHistorySpanSeconds = 600
	est := NewEstimator(params, "test")

	full := syntheticHistory(1200, 64000)
	calls := 0
	fetch := func(lookbackSeconds int) []livestate.SpotPoint {
		calls++
		// Simulate a row-count cap: the base lookback returns a short tail.
		if lookbackSeconds <= params.LookbackSeconds {
			return full[len(full)-60:]
		}
		return full
	}
	res := est.Estimate(context.Background(), fetch)
	if !res.Ok {
		t.Fatalf("expanded fetch should satisfy the span gate, reason %q", res.Reason)
	}
	if calls < 2 {
		t.Fatalf("expected at least one lookback expansion, calls = %d", calls)
	}
	if res.LookbackSecondsUsed <= params.LookbackSeconds {
		t.Fatalf("lookback_seconds_used = %d", res.LookbackSecondsUsed)
	}
}

func TestEstimateStopsExpandingWhenNoNewRows(t *testing.T) {
	params := testParams()
	params.MinHistorySpanSeconds = 1 << 30
	est := NewEstimator(params, "test")
	calls := 0
	res := est.Estimate(context.Background(), func(int) []livestate.SpotPoint {
		calls++
		return syntheticHistory(100, 64000)
	})
	if res.Ok {
		t.Fatalf("span gate should fail")
	}
	if calls != 2 {
		t.Fatalf("expansion must stop once the fetch stops growing, calls = %d", calls)
	}
}
