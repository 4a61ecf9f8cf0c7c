// Package vol estimates annualized spot volatility by resampling tick
// history to uniform buckets and applying an EWMA variance recursion, with
// explicit quality classification and history/default fallbacks.
package vol

import (
	"math"

	"github.com/strikeline/strikeline/internal/livestate"
)

// SecondsPerYear annualizes per-step volatility (365 * 86400).
const SecondsPerYear = 365 * 86400

// Maximum automatic lookback expansions and the point cap they respect.
const (
	maxLookbackExpansions = 6
	maxExpansionPoints    = 200000
)

// Sigma sources.
const (
	SourceEWMA    = "ewma"
	SourceHistory = "history"
	SourceDefault = "default"
)

// Closed set of quality-gate reasons.
const (
	ReasonMissingStep             = "missing_step"
	ReasonBadStepSeconds          = "bad_step_seconds"
	ReasonInsufficientPoints      = "insufficient_points"
	ReasonInsufficientHistorySpan = "insufficient_history_span"
	ReasonEwmaMissing             = "sigma_ewma_missing"
	ReasonNonfiniteSigma          = "nonfinite_sigma"
	ReasonNonpositiveSigma        = "nonpositive_sigma"
	ReasonOutOfBounds             = "out_of_bounds"
	ReasonSigmaMissing            = "sigma_missing"
)

// Params are the estimator gates and smoothing constants.
type Params struct {
	BucketSeconds         int
	EwmaLambda            float64
	MinPoints             int
	MinHistorySpanSeconds int
	LookbackSeconds       int
	SigmaDefault          float64
	SigmaMax              float64
}

// Result carries the sigma estimate and its full quality metadata.
type Result struct {
	Sigma               float64
	Source              string
	Ok                  bool
	Reason              string
	ReasonContext       map[string]string
	PointsUsed          int
	LookbackSecondsUsed int
	StepSeconds         float64
}

// resample reduces points to last-price-in-bucket on a uniform grid with
// step = bucketSeconds. Empty buckets yield no sample.
func resample(points []livestate.SpotPoint, bucketSeconds int) []livestate.SpotPoint {
	if len(points) == 0 {
		return nil
	}
	step := float64(bucketSeconds)
	out := make([]livestate.SpotPoint, 0, len(points))
	currentBucket := math.Floor(points[0].Ts/step) * step
	last := points[0]
	for _, p := range points[1:] {
		bucket := math.Floor(p.Ts/step) * step
		if bucket != currentBucket {
			out = append(out, livestate.SpotPoint{Ts: currentBucket, Price: last.Price})
			currentBucket = bucket
		}
		last = p
	}
	out = append(out, livestate.SpotPoint{Ts: currentBucket, Price: last.Price})
	return out
}

// ewmaSigma runs the variance recursion v_t = lambda*v_{t-1} + (1-lambda)*r_t^2
// over log returns and returns the per-step sigma.
func ewmaSigma(sampled []livestate.SpotPoint, lambda float64) (float64, bool) {
	if len(sampled) < 2 {
		return 0, false
	}
	var variance float64
	seeded := false
	for i := 1; i < len(sampled); i++ {
		prev, cur := sampled[i-1].Price, sampled[i].Price
		if prev <= 0 || cur <= 0 {
			continue
		}
		r := math.Log(cur / prev)
		if !seeded {
			variance = r * r
			seeded = true
			continue
		}
		variance = lambda*variance + (1-lambda)*r*r
	}
	if !seeded {
		return 0, false
	}
	return math.Sqrt(variance), true
}

// computeRaw runs the full gate/resample/EWMA pipeline once, with no
// fallback. On gate failure the reason comes from the closed reason set.
func computeRaw(points []livestate.SpotPoint, params Params) Result {
	res := Result{
		PointsUsed:  len(points),
		StepSeconds: float64(params.BucketSeconds),
	}
	if params.BucketSeconds == 0 {
		res.Reason = ReasonMissingStep
		return res
	}
	if params.BucketSeconds < 1 || params.BucketSeconds > 3600 {
		res.Reason = ReasonBadStepSeconds
		return res
	}
	sampled := resample(points, params.BucketSeconds)
	if len(sampled) < 2 {
		res.Reason = ReasonInsufficientPoints
		return res
	}
	span := sampled[len(sampled)-1].Ts - sampled[0].Ts
	if span < float64(params.MinHistorySpanSeconds) {
		res.Reason = ReasonInsufficientHistorySpan
		return res
	}
	returns := len(sampled) - 1
	if returns < params.MinPoints {
		res.Reason = ReasonInsufficientPoints
		return res
	}
	sigmaStep, ok := ewmaSigma(sampled, params.EwmaLambda)
	if !ok {
		res.Reason = ReasonEwmaMissing
		return res
	}
	sigmaAnn := sigmaStep * math.Sqrt(SecondsPerYear/float64(params.BucketSeconds))
	switch {
	case math.IsNaN(sigmaAnn) || math.IsInf(sigmaAnn, 0):
		res.Reason = ReasonNonfiniteSigma
	case sigmaAnn <= 0:
		res.Reason = ReasonNonpositiveSigma
	case sigmaAnn > params.SigmaMax:
		res.Reason = ReasonOutOfBounds
	default:
		res.Sigma = sigmaAnn
		res.Ok = true
	}
	return res
}
