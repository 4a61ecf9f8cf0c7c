package edge

import (
	"math"
	"testing"

	"github.com/strikeline/strikeline/internal/livestate"
	"github.com/strikeline/strikeline/internal/schema"
	"github.com/strikeline/strikeline/internal/vol"
)

func snapshotParams() SnapshotParams {
	return SnapshotParams{MinAskCents: 1, MaxAskCents: 99, StrategyVersion: "v1"}
}

func okSigma() vol.Result {
	return vol.Result{Sigma: 0.5, Source: vol.SourceEWMA, Ok: true, PointsUsed: 100, StepSeconds: 5}
}

func candidateWithQuote(yesBid, yesAsk, noBid, noAsk *float64, quoteTs float64) Candidate {
	merged := livestate.MergedContract{}
	merged.Ticker = "KXBTC-T"
	merged.StrikeType = schema.StrikeLess
	merged.Upper = f64(65000)
	return Candidate{
		Ticker:   "KXBTC-T",
		Merged:   merged,
		CloseTs:  10000 + 3600,
		HasQuote: true,
		Quote: livestate.Quote{
			Ts:     quoteTs,
			YesBid: yesBid,
			YesAsk: yesAsk,
			NoBid:  noBid,
			NoAsk:  noAsk,
		},
	}
}

func TestBuildSnapshotComputesEV(t *testing.T) {
	now, spotTs := 10000.0, 9995.0
	c := candidateWithQuote(f64(40), f64(45), f64(50), f64(56), now-10)
	snap, skip := buildSnapshot(c, now, 64000, spotTs, okSigma(), snapshotParams())
	if skip != "" {
		t.Fatalf("skip = %q", skip)
	}
	if snap.ProbYes == nil || snap.ProbYesRaw == nil {
		t.Fatalf("probabilities missing: %+v", snap)
	}
	if snap.HorizonSeconds != c.CloseTs-spotTs {
		t.Fatalf("horizon = %v", snap.HorizonSeconds)
	}
	if snap.SpotAgeSeconds != 5 {
		t.Fatalf("spot_age = %v", snap.SpotAgeSeconds)
	}
	if snap.QuoteAgeSeconds == nil || *snap.QuoteAgeSeconds != 10 {
		t.Fatalf("quote_age = %v", snap.QuoteAgeSeconds)
	}
	if snap.EvTakeYes == nil || snap.EvTakeNo == nil {
		t.Fatalf("both EVs should be defined: %+v", snap)
	}
	wantYes := *snap.ProbYes - 0.45 - TakerFee(45, 1)
	if math.Abs(*snap.EvTakeYes-wantYes) > 1e-12 {
		t.Fatalf("ev_take_yes = %v, want %v", *snap.EvTakeYes, wantYes)
	}
	wantNo := (1 - *snap.ProbYes) - 0.56 - TakerFee(56, 1)
	if math.Abs(*snap.EvTakeNo-wantNo) > 1e-12 {
		t.Fatalf("ev_take_no = %v, want %v", *snap.EvTakeNo, wantNo)
	}
}

func TestBuildSnapshotCrossedMarketSkipped(t *testing.T) {
	now := 10000.0
	c := candidateWithQuote(f64(40), f64(45), f64(50), f64(54), now-1)
	_, skip := buildSnapshot(c, now, 64000, now-1, okSigma(), snapshotParams())
	if skip != SkipCrossedMarket {
		t.Fatalf("yes_ask+no_ask=99 must skip as crossed, got %q", skip)
	}
}

func TestBuildSnapshotUntradableSideHasNoEV(t *testing.T) {
	now := 10000.0
	// yes_ask present but no bid: EV undefined on that side.
	c := candidateWithQuote(nil, f64(45), f64(40), f64(60), now-1)
	snap, skip := buildSnapshot(c, now, 64000, now-1, okSigma(), snapshotParams())
	if skip != "" {
		t.Fatalf("skip = %q", skip)
	}
	if snap.EvTakeYes != nil {
		t.Fatalf("ev_take_yes must be undefined without a bid")
	}
	if snap.EvTakeNo == nil {
		t.Fatalf("ev_take_no should be defined")
	}
}

func TestBuildSnapshotZeroHorizonClamped(t *testing.T) {
	now := 10000.0
	c := candidateWithQuote(f64(40), f64(45), f64(50), f64(60), now-1)
	c.CloseTs = now - 100 // close before spot ts
	snap, skip := buildSnapshot(c, now, 64000, now-1, okSigma(), snapshotParams())
	if skip != "" {
		t.Fatalf("skip = %q", skip)
	}
	if snap.HorizonSeconds != 0 {
		t.Fatalf("horizon must clamp at 0, got %v", snap.HorizonSeconds)
	}
	// Deterministic step: spot 64000 <= upper 65000, raw prob 1, clamped below 1.
	if snap.ProbYesRaw == nil || *snap.ProbYesRaw != 1 {
		t.Fatalf("raw prob = %v", snap.ProbYesRaw)
	}
	if snap.ProbYes == nil || *snap.ProbYes >= 1 {
		t.Fatalf("clamped prob = %v", snap.ProbYes)
	}
}

func TestBuildSnapshotMissingBoundsNoProb(t *testing.T) {
	now := 10000.0
	c := candidateWithQuote(f64(40), f64(45), f64(50), f64(60), now-1)
	c.Merged.Upper = nil
	snap, skip := buildSnapshot(c, now, 64000, now-1, okSigma(), snapshotParams())
	if skip != "" {
		t.Fatalf("skip = %q", skip)
	}
	if snap.ProbYes != nil || snap.EvTakeYes != nil || snap.EvTakeNo != nil {
		t.Fatalf("undefined prob must leave prob and EVs unset: %+v", snap)
	}
}
