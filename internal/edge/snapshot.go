package edge

import (
	"math"

	"github.com/strikeline/strikeline/internal/prob"
	"github.com/strikeline/strikeline/internal/schema"
	"github.com/strikeline/strikeline/internal/vol"
)

// SkipCrossedMarket accounts snapshots skipped because both asks were priced
// below complementarity (yes_ask + no_ask < 100).
const SkipCrossedMarket = "crossed_market"

// SnapshotParams configure per-contract snapshot computation.
type SnapshotParams struct {
	MinAskCents     float64
	MaxAskCents     float64
	StrategyVersion string
}

// buildSnapshot computes the model outputs for one selected candidate.
// The skip reason is non-empty when the snapshot must not be emitted.
func buildSnapshot(c Candidate, now, spot, spotTs float64, sigma vol.Result, params SnapshotParams) (*schema.EdgeSnapshot, string) {
	horizon := c.CloseTs - spotTs
	if horizon < 0 {
		horizon = 0
	}
	raw := prob.YesProbability(c.Merged.StrikeType, spot, c.Merged.Lower, c.Merged.Upper, horizon, sigma.Sigma)
	clamped := prob.Clamp(raw)

	snap := &schema.EdgeSnapshot{
		AsofTs:          now,
		MarketID:        c.Ticker,
		SpotTs:          spotTs,
		SpotPrice:       spot,
		SigmaAnnualized: sigma.Sigma,
		HorizonSeconds:  horizon,
		SpotAgeSeconds:  now - spotTs,
		StrategyVersion: params.StrategyVersion,
		SigmaQuality: schema.SigmaQuality{
			Ok:                  sigma.Ok,
			Source:              sigma.Source,
			PointsUsed:          sigma.PointsUsed,
			LookbackSecondsUsed: sigma.LookbackSecondsUsed,
			StepSeconds:         sigma.StepSeconds,
		},
	}
	if sigma.Reason != "" {
		reason := sigma.Reason
		snap.SigmaQuality.Reason = &reason
	}
	if !math.IsNaN(raw) {
		rawCopy := raw
		probYes := clamped
		snap.ProbYesRaw = &rawCopy
		snap.ProbYes = &probYes
	}

	if c.HasQuote {
		quoteTs := c.Quote.Ts
		quoteAge := now - quoteTs
		snap.QuoteTs = &quoteTs
		snap.QuoteAgeSeconds = &quoteAge
		snap.YesBid = c.Quote.YesBid
		snap.YesAsk = c.Quote.YesAsk
		snap.NoBid = c.Quote.NoBid
		snap.NoAsk = c.Quote.NoAsk
		snap.YesMid = c.Quote.YesMid
		snap.NoMid = c.Quote.NoMid

		if c.Quote.YesAsk != nil && c.Quote.NoAsk != nil && *c.Quote.YesAsk+*c.Quote.NoAsk < 100 {
			return nil, SkipCrossedMarket
		}
		uni := UniverseParams{MinAskCents: params.MinAskCents, MaxAskCents: params.MaxAskCents}
		if snap.ProbYes != nil {
			if askTradable(c.Quote.YesAsk, c.Quote.YesBid, uni) {
				ev := *snap.ProbYes - *c.Quote.YesAsk/100 - TakerFee(*c.Quote.YesAsk, 1)
				snap.EvTakeYes = &ev
			}
			if askTradable(c.Quote.NoAsk, c.Quote.NoBid, uni) {
				ev := (1 - *snap.ProbYes) - *c.Quote.NoAsk/100 - TakerFee(*c.Quote.NoAsk, 1)
				snap.EvTakeNo = &ev
			}
		}
	}
	return snap, ""
}
