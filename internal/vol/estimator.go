package vol

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/strikeline/strikeline/internal/livestate"
	"github.com/strikeline/strikeline/internal/observability"
	"github.com/strikeline/strikeline/internal/telemetry"
)

// HistoryFetch returns spot points covering [now - lookbackSeconds, now],
// oldest first. Implementations may cap the row count; the estimator expands
// the lookback when a cap is the only reason the span is short.
type HistoryFetch func(lookbackSeconds int) []livestate.SpotPoint

// Estimator computes annualized sigma with quality gating, retaining the last
// good estimate for history fallback. Not safe for concurrent use; the edge
// engine worker owns one per product.
type Estimator struct {
	params   Params
	lastGood *Result

	throttle    *observability.Throttle
	environment string
	estimates   metric.Int64Counter
}

// NewEstimator builds an estimator; degraded-sigma warnings are throttled to
// one per 15 minutes per reason.
func NewEstimator(params Params, environment string) *Estimator {
	meter := otel.Meter("strikeline/vol")
	estimates, _ := meter.Int64Counter("vol.estimates",
		metric.WithDescription("Sigma estimates by source and gate reason"))
	return &Estimator{
		params:      params,
		throttle:    observability.NewThrottle(15 * time.Minute),
		environment: environment,
		estimates:   estimates,
	}
}

// Estimate fetches history, expanding the lookback when a row-count cap left
// the span short, then classifies the result as ok / fallback_history /
// fallback_default.
func (e *Estimator) Estimate(ctx context.Context, fetch HistoryFetch) Result {
	lookback := e.params.LookbackSeconds
	points := fetch(lookback)
	raw := computeRaw(points, e.params)

	for attempt := 0; attempt < maxLookbackExpansions; attempt++ {
		if raw.Ok || raw.Reason != ReasonInsufficientHistorySpan {
			break
		}
		if len(points) >= maxExpansionPoints {
			break
		}
		expanded := fetch(lookback * 2)
		if len(expanded) <= len(points) {
			// No additional rows exist; the span is genuinely short.
			break
		}
		lookback *= 2
		points = expanded
		raw = computeRaw(points, e.params)
	}
	raw.LookbackSecondsUsed = lookback

	result := e.classify(raw)
	e.estimates.Add(ctx, 1, metric.WithAttributes(
		telemetry.SigmaAttributes(e.environment, result.Source, result.Reason)...))
	return result
}

func (e *Estimator) classify(raw Result) Result {
	if raw.Ok {
		raw.Source = SourceEWMA
		good := raw
		e.lastGood = &good
		return raw
	}
	reason := raw.Reason
	if reason == "" {
		reason = ReasonSigmaMissing
	}
	out := raw
	out.Ok = false
	out.Reason = reason
	out.ReasonContext = map[string]string{
		"points_used": strconv.Itoa(raw.PointsUsed),
		"lookback":    strconv.Itoa(raw.LookbackSecondsUsed),
	}
	if e.lastGood != nil {
		out.Sigma = e.lastGood.Sigma
		out.Source = SourceHistory
		e.throttle.Warn("sigma:"+reason, "sigma degraded, using last good estimate",
			observability.F("reason", reason),
			observability.F("sigma", out.Sigma),
			observability.F("points_used", raw.PointsUsed))
		return out
	}
	out.Sigma = e.params.SigmaDefault
	out.Source = SourceDefault
	e.throttle.Warn("sigma:"+reason, "sigma unavailable, using default",
		observability.F("reason", reason),
		observability.F("sigma", out.Sigma),
		observability.F("points_used", raw.PointsUsed))
	return out
}

// LastGood exposes the retained good estimate, if any.
func (e *Estimator) LastGood() (Result, bool) {
	if e.lastGood == nil {
		return Result{}, false
	}
	return *e.lastGood, true
}
