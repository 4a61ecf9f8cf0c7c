// Package prob prices binary contracts under a zero-drift lognormal model of
// the terminal spot price.
package prob

import (
	"math"

	"github.com/strikeline/strikeline/internal/schema"
)

// SecondsPerYear converts horizon seconds to year fractions (365 * 86400).
const SecondsPerYear = 365 * 86400

// Epsilon bounds clamped probabilities away from 0 and 1.
const Epsilon = 1e-12

// normalCDF is the standard normal CDF via erf.
func normalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

// zScore computes (ln(K/S) + 0.5*sigmaT^2) / sigmaT for sigmaT = sigma*sqrt(t).
func zScore(spot, strike, sigmaT float64) float64 {
	return (math.Log(strike/spot) + 0.5*sigmaT*sigmaT) / sigmaT
}

// LessEqual returns P(S_T <= strike). NaN on invalid inputs.
func LessEqual(spot, strike, horizonSeconds, sigma float64) float64 {
	if spot <= 0 || strike <= 0 {
		return math.NaN()
	}
	if horizonSeconds <= 0 {
		if spot <= strike {
			return 1
		}
		return 0
	}
	if sigma <= 0 {
		return math.NaN()
	}
	sigmaT := sigma * math.Sqrt(horizonSeconds/SecondsPerYear)
	return normalCDF(zScore(spot, strike, sigmaT))
}

// GreaterEqual returns P(S_T >= strike). NaN on invalid inputs.
func GreaterEqual(spot, strike, horizonSeconds, sigma float64) float64 {
	if spot <= 0 || strike <= 0 {
		return math.NaN()
	}
	if horizonSeconds <= 0 {
		if spot >= strike {
			return 1
		}
		return 0
	}
	if sigma <= 0 {
		return math.NaN()
	}
	return 1 - LessEqual(spot, strike, horizonSeconds, sigma)
}

// Between returns P(lower <= S_T < upper). NaN on invalid inputs or when
// upper <= lower.
func Between(spot, lower, upper, horizonSeconds, sigma float64) float64 {
	if spot <= 0 || lower <= 0 || upper <= 0 || upper <= lower {
		return math.NaN()
	}
	if horizonSeconds <= 0 {
		if spot >= lower && spot < upper {
			return 1
		}
		return 0
	}
	if sigma <= 0 {
		return math.NaN()
	}
	return LessEqual(spot, upper, horizonSeconds, sigma) - LessEqual(spot, lower, horizonSeconds, sigma)
}

// YesProbability prices the contract's YES side from its strike shape.
// The raw value may fall outside (0,1) only through floating error; Clamp
// bounds it for downstream use.
func YesProbability(strikeType schema.StrikeType, spot float64, lower, upper *float64, horizonSeconds, sigma float64) float64 {
	switch strikeType {
	case schema.StrikeLess:
		if upper == nil {
			return math.NaN()
		}
		return LessEqual(spot, *upper, horizonSeconds, sigma)
	case schema.StrikeGreater:
		if lower == nil {
			return math.NaN()
		}
		return GreaterEqual(spot, *lower, horizonSeconds, sigma)
	case schema.StrikeBetween:
		if lower == nil || upper == nil {
			return math.NaN()
		}
		return Between(spot, *lower, *upper, horizonSeconds, sigma)
	default:
		return math.NaN()
	}
}

// Clamp bounds a probability to [Epsilon, 1-Epsilon]. NaN passes through so
// callers can distinguish undefined from extreme.
func Clamp(p float64) float64 {
	if math.IsNaN(p) {
		return p
	}
	if p < Epsilon {
		return Epsilon
	}
	if p > 1-Epsilon {
		return 1 - Epsilon
	}
	return p
}
