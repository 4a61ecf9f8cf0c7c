// Package opportunity converts edge snapshots into per-side TAKE/PASS
// decisions under EV, freshness, and volatility-readiness gates.
package opportunity

import (
	"sort"

	"github.com/strikeline/strikeline/internal/schema"
)

// Gate and pass reasons carried on decisions.
const (
	ReasonMissingProb       = "missing_prob"
	ReasonSpotStale         = "spot_stale"
	ReasonQuoteStale        = "quote_stale"
	ReasonSigmaNotReady     = "sigma_not_ready"
	ReasonSigmaPointsShort  = "sigma_points_short"
	ReasonSigmaHistoryShort = "sigma_history_short"
	ReasonNoTradableSide    = "no_tradable_side"
	ReasonEvBelowThreshold  = "ev_below_threshold"
	ReasonTopNCutoff        = "top_n_cutoff"
	ReasonHookRejected      = "hook_rejected"
)

// Params configure the decision gates.
type Params struct {
	MinEV                  float64
	MaxSpotAgeSeconds      float64
	MaxQuoteAgeSeconds     float64
	MinSigmaPoints         int
	MinSigmaHistorySeconds int
	BestSideOnly           bool
	TopN                   int
	StrategyVersion        string
}

// Decide evaluates one snapshot set (all at the same asof_ts) and returns one
// decision per decided (market_id, side). Snapshots from older asof batches
// must be filtered out by the caller.
func Decide(snapshots []*schema.EdgeSnapshot, params Params) []*schema.OpportunityDecision {
	type take struct {
		decision *schema.OpportunityDecision
		evNet    float64
	}
	decisions := make([]*schema.OpportunityDecision, 0, len(snapshots)*2)
	takes := make([]take, 0, len(snapshots))

	for _, snap := range snapshots {
		if reason := globalGate(snap, params); reason != "" {
			decisions = append(decisions, passDecision(snap, nil, reason, params))
			continue
		}
		sides := evaluateSides(snap)
		if len(sides) == 0 {
			decisions = append(decisions, passDecision(snap, nil, ReasonNoTradableSide, params))
			continue
		}
		if params.BestSideOnly && len(sides) > 1 {
			best := 0
			for i := 1; i < len(sides); i++ {
				if sides[i].evNet > sides[best].evNet {
					best = i
				}
			}
			for i := range sides {
				if i != best {
					sides[i].forcedPass = true
				}
			}
		}
		for _, sv := range sides {
			side := sv.side
			if sv.forcedPass || sv.evNet < params.MinEV {
				d := passDecision(snap, &side, ReasonEvBelowThreshold, params)
				d.Eligible = true
				d.EvRaw = sv.evRaw
				d.EvNet = &sv.evNet
				decisions = append(decisions, d)
				continue
			}
			d := &schema.OpportunityDecision{
				TsEval:          snap.AsofTs,
				MarketID:        snap.MarketID,
				Eligible:        true,
				WouldTrade:      true,
				Side:            &side,
				EvRaw:           sv.evRaw,
				EvNet:           &sv.evNet,
				StrategyVersion: params.StrategyVersion,
			}
			takes = append(takes, take{decision: d, evNet: sv.evNet})
		}
	}

	sort.SliceStable(takes, func(i, j int) bool { return takes[i].evNet > takes[j].evNet })
	for i, tk := range takes {
		if params.TopN > 0 && i >= params.TopN {
			tk.decision.WouldTrade = false
			reason := ReasonTopNCutoff
			tk.decision.ReasonNotEligible = &reason
		}
		decisions = append(decisions, tk.decision)
	}
	return decisions
}

type sideValue struct {
	side       schema.Side
	evNet      float64
	evRaw      *float64
	forcedPass bool
}

// evaluateSides returns the decidable sides: a side is decidable when its ask
// is present. ev_net prefers the snapshot's fee-adjusted EV, falling back to
// p - ask/100 without fees.
func evaluateSides(snap *schema.EdgeSnapshot) []*sideValue {
	out := make([]*sideValue, 0, 2)
	if snap.YesAsk != nil {
		var evNet float64
		switch {
		case snap.EvTakeYes != nil:
			evNet = *snap.EvTakeYes
		default:
			evNet = *snap.ProbYes - *snap.YesAsk/100
		}
		raw := *snap.ProbYes - *snap.YesAsk/100
		out = append(out, &sideValue{side: schema.SideYes, evNet: evNet, evRaw: &raw})
	}
	if snap.NoAsk != nil {
		var evNet float64
		switch {
		case snap.EvTakeNo != nil:
			evNet = *snap.EvTakeNo
		default:
			evNet = (1 - *snap.ProbYes) - *snap.NoAsk/100
		}
		raw := (1 - *snap.ProbYes) - *snap.NoAsk/100
		out = append(out, &sideValue{side: schema.SideNo, evNet: evNet, evRaw: &raw})
	}
	return out
}

func globalGate(snap *schema.EdgeSnapshot, params Params) string {
	if snap.ProbYes == nil {
		return ReasonMissingProb
	}
	if params.MaxSpotAgeSeconds > 0 && snap.SpotAgeSeconds > params.MaxSpotAgeSeconds {
		return ReasonSpotStale
	}
	if params.MaxQuoteAgeSeconds > 0 {
		if snap.QuoteAgeSeconds == nil || *snap.QuoteAgeSeconds > params.MaxQuoteAgeSeconds {
			return ReasonQuoteStale
		}
	}
	if !snap.SigmaQuality.Ok {
		return ReasonSigmaNotReady
	}
	if params.MinSigmaPoints > 0 && snap.SigmaQuality.PointsUsed < params.MinSigmaPoints {
		return ReasonSigmaPointsShort
	}
	if params.MinSigmaHistorySeconds > 0 && snap.SigmaQuality.LookbackSecondsUsed < params.MinSigmaHistorySeconds {
		return ReasonSigmaHistoryShort
	}
	return ""
}

func passDecision(snap *schema.EdgeSnapshot, side *schema.Side, reason string, params Params) *schema.OpportunityDecision {
	r := reason
	return &schema.OpportunityDecision{
		TsEval:            snap.AsofTs,
		MarketID:          snap.MarketID,
		Eligible:          false,
		WouldTrade:        false,
		Side:              side,
		ReasonNotEligible: &r,
		StrategyVersion:   params.StrategyVersion,
	}
}
