package opportunity

import (
	"testing"

	"github.com/strikeline/strikeline/internal/schema"
	"github.com/strikeline/strikeline/internal/vol"
)

func f64(v float64) *float64 { return &v }

func params() Params {
	return Params{
		MinEV:              0.05,
		MaxSpotAgeSeconds:  60,
		MaxQuoteAgeSeconds: 60,
		MinSigmaPoints:     10,
		TopN:               0,
		StrategyVersion:    "v1",
	}
}

func healthySnapshot(marketID string, evYes, evNo float64) *schema.EdgeSnapshot {
	return &schema.EdgeSnapshot{
		AsofTs:          1000,
		MarketID:        marketID,
		SpotTs:          995,
		SpotPrice:       64000,
		SigmaAnnualized: 0.5,
		ProbYes:         f64(0.6),
		HorizonSeconds:  3600,
		YesBid:          f64(40),
		YesAsk:          f64(45),
		NoBid:           f64(50),
		NoAsk:           f64(56),
		EvTakeYes:       &evYes,
		EvTakeNo:        &evNo,
		SpotAgeSeconds:  5,
		QuoteAgeSeconds: f64(10),
		SigmaQuality: schema.SigmaQuality{
			Ok:         true,
			Source:     vol.SourceEWMA,
			PointsUsed: 100,
		},
		StrategyVersion: "v1",
	}
}

func findSide(decisions []*schema.OpportunityDecision, market string, side schema.Side) *schema.OpportunityDecision {
	for _, d := range decisions {
		if d.MarketID == market && d.Side != nil && *d.Side == side {
			return d
		}
	}
	return nil
}

func TestDecideTakeAboveThreshold(t *testing.T) {
	decisions := Decide([]*schema.EdgeSnapshot{healthySnapshot("M", 0.08, -0.02)}, params())
	yes := findSide(decisions, "M", schema.SideYes)
	if yes == nil || !yes.WouldTrade || !yes.Eligible {
		t.Fatalf("YES should be a TAKE: %+v", yes)
	}
	if *yes.EvNet != 0.08 {
		t.Fatalf("ev_net = %v", *yes.EvNet)
	}
	no := findSide(decisions, "M", schema.SideNo)
	if no == nil || no.WouldTrade {
		t.Fatalf("NO should be a PASS: %+v", no)
	}
	if *no.ReasonNotEligible != ReasonEvBelowThreshold {
		t.Fatalf("NO reason = %q", *no.ReasonNotEligible)
	}
}

func TestDecideEvBelowThreshold(t *testing.T) {
	decisions := Decide([]*schema.EdgeSnapshot{healthySnapshot("M", 0.02, -0.5)}, params())
	yes := findSide(decisions, "M", schema.SideYes)
	if yes == nil || yes.WouldTrade {
		t.Fatalf("0.02 < 0.05 must PASS: %+v", yes)
	}
	if *yes.ReasonNotEligible != ReasonEvBelowThreshold {
		t.Fatalf("reason = %q", *yes.ReasonNotEligible)
	}
	if !yes.Eligible {
		t.Fatalf("gated-by-EV decisions stay eligible")
	}
}

func TestDecideGlobalGates(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*schema.EdgeSnapshot)
		reason string
	}{
		{"missing prob", func(s *schema.EdgeSnapshot) { s.ProbYes = nil }, ReasonMissingProb},
		{"spot stale", func(s *schema.EdgeSnapshot) { s.SpotAgeSeconds = 120 }, ReasonSpotStale},
		{"quote stale", func(s *schema.EdgeSnapshot) { s.QuoteAgeSeconds = f64(120) }, ReasonQuoteStale},
		{"quote age missing", func(s *schema.EdgeSnapshot) { s.QuoteAgeSeconds = nil }, ReasonQuoteStale},
		{"sigma not ready", func(s *schema.EdgeSnapshot) { s.SigmaQuality.Ok = false }, ReasonSigmaNotReady},
		{"sigma points short", func(s *schema.EdgeSnapshot) { s.SigmaQuality.PointsUsed = 3 }, ReasonSigmaPointsShort},
	}
	for _, tc := range cases {
		snap := healthySnapshot("M", 0.10, 0.10)
		tc.mutate(snap)
		decisions := Decide([]*schema.EdgeSnapshot{snap}, params())
		if len(decisions) != 1 {
			t.Fatalf("%s: expected one gated decision, got %d", tc.name, len(decisions))
		}
		d := decisions[0]
		if d.Eligible || d.WouldTrade {
			t.Fatalf("%s: gated decision must not trade: %+v", tc.name, d)
		}
		if d.ReasonNotEligible == nil || *d.ReasonNotEligible != tc.reason {
			t.Fatalf("%s: reason = %v", tc.name, d.ReasonNotEligible)
		}
	}
}

func TestDecideSigmaHistoryShort(t *testing.T) {
	p := params()
	p.MinSigmaHistorySeconds = 1800
	snap := healthySnapshot("M", 0.10, 0.10)
	snap.SigmaQuality.LookbackSecondsUsed = 600
	decisions := Decide([]*schema.EdgeSnapshot{snap}, p)
	if *decisions[0].ReasonNotEligible != ReasonSigmaHistoryShort {
		t.Fatalf("reason = %v", decisions[0].ReasonNotEligible)
	}
}

func TestDecideNoTradableSide(t *testing.T) {
	snap := healthySnapshot("M", 0, 0)
	snap.YesAsk = nil
	snap.NoAsk = nil
	snap.EvTakeYes = nil
	snap.EvTakeNo = nil
	decisions := Decide([]*schema.EdgeSnapshot{snap}, params())
	if len(decisions) != 1 || *decisions[0].ReasonNotEligible != ReasonNoTradableSide {
		t.Fatalf("decisions = %+v", decisions)
	}
}

func TestDecideEvNetFallbackWithoutFees(t *testing.T) {
	snap := healthySnapshot("M", 0, 0)
	snap.EvTakeYes = nil
	snap.EvTakeNo = nil
	decisions := Decide([]*schema.EdgeSnapshot{snap}, params())
	yes := findSide(decisions, "M", schema.SideYes)
	want := 0.6 - 0.45
	if yes == nil || *yes.EvNet != want {
		t.Fatalf("fallback ev_net = %+v, want %v", yes, want)
	}
	if !yes.WouldTrade {
		t.Fatalf("0.15 >= 0.05 should TAKE")
	}
}

func TestDecideBestSideOnly(t *testing.T) {
	p := params()
	p.BestSideOnly = true
	decisions := Decide([]*schema.EdgeSnapshot{healthySnapshot("M", 0.08, 0.10)}, p)
	yes := findSide(decisions, "M", schema.SideYes)
	no := findSide(decisions, "M", schema.SideNo)
	if no == nil || !no.WouldTrade {
		t.Fatalf("NO has higher ev_net and must win: %+v", no)
	}
	if yes == nil || yes.WouldTrade {
		t.Fatalf("losing side must PASS: %+v", yes)
	}
	if *yes.ReasonNotEligible != ReasonEvBelowThreshold {
		t.Fatalf("losing side reason = %q", *yes.ReasonNotEligible)
	}
}

func TestDecideTopNCutoff(t *testing.T) {
	p := params()
	p.TopN = 1
	snaps := []*schema.EdgeSnapshot{
		healthySnapshot("M1", 0.06, -1),
		healthySnapshot("M2", 0.09, -1),
	}
	decisions := Decide(snaps, p)
	best := findSide(decisions, "M2", schema.SideYes)
	cut := findSide(decisions, "M1", schema.SideYes)
	if best == nil || !best.WouldTrade {
		t.Fatalf("highest ev_net must survive top_n: %+v", best)
	}
	if cut == nil || cut.WouldTrade {
		t.Fatalf("excess TAKE must be cut: %+v", cut)
	}
	if *cut.ReasonNotEligible != ReasonTopNCutoff {
		t.Fatalf("cut reason = %q", *cut.ReasonNotEligible)
	}
}
