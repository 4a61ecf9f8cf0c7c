package edge

import (
	"sort"
	"strings"

	"github.com/strikeline/strikeline/internal/livestate"
	"github.com/strikeline/strikeline/internal/schema"
)

// Universe exclusion reasons reported in the selection summary.
const (
	ExcludeStatus        = "status_not_active"
	ExcludePrefix        = "prefix_mismatch"
	ExcludeBounds        = "bounds_unresolved"
	ExcludeMissingClose  = "missing_close_ts"
	ExcludeExpired       = "expired"
	ExcludeBeyondHorizon = "beyond_horizon"
	ExcludeQuoteMissing  = "quote_missing"
	ExcludeQuoteStale    = "quote_stale"
	ExcludeNotTradable   = "no_tradable_side"
)

// Selection methods recorded in the summary.
const (
	MethodPctBand = "pct_band"
	MethodTopN    = "top_n"
)

// UniverseParams configure contract selection for one tick.
type UniverseParams struct {
	SeriesPrefix         string
	MaxHorizonSeconds    float64
	HorizonGraceSeconds  float64
	RequireQuotes        bool
	QuoteFreshnessSecs   float64
	MinAskCents          float64
	MaxAskCents          float64
	PctBand              float64
	TopN                 int
}

// Candidate is a contract that survived all universe gates.
type Candidate struct {
	Ticker      string
	Merged      livestate.MergedContract
	CloseTs     float64
	Quote       livestate.Quote
	HasQuote    bool
	DistancePct float64
}

// Summary describes how the universe was selected on one tick.
type Summary struct {
	Method        string
	Excluded      map[string]int
	SelectedCount int
	TotalExamined int
}

// SelectUniverse filters the store's contracts down to the tick's working set
// and ranks them by strike distance from spot.
func SelectUniverse(store *livestate.Store, now, spot float64, params UniverseParams) ([]Candidate, Summary) {
	summary := Summary{Excluded: make(map[string]int)}
	candidates := make([]Candidate, 0)

	for _, ticker := range store.Tickers() {
		if !strings.HasPrefix(ticker, params.SeriesPrefix) {
			continue
		}
		summary.TotalExamined++
		merged, ok := store.Merged(ticker)
		if !ok {
			continue
		}
		if !statusIsLive(merged.Status) {
			summary.Excluded[ExcludeStatus]++
			continue
		}
		ref, ok := priceRef(merged)
		if !ok {
			summary.Excluded[ExcludeBounds]++
			continue
		}
		closeTs, ok := resolveCloseTs(merged)
		if !ok {
			summary.Excluded[ExcludeMissingClose]++
			continue
		}
		if closeTs < now-5 {
			summary.Excluded[ExcludeExpired]++
			continue
		}
		if closeTs > now+params.MaxHorizonSeconds+params.HorizonGraceSeconds {
			summary.Excluded[ExcludeBeyondHorizon]++
			continue
		}
		quote, hasQuote := store.QuoteFor(ticker)
		if params.RequireQuotes {
			if !hasQuote {
				summary.Excluded[ExcludeQuoteMissing]++
				continue
			}
			if quote.Ts < now-params.QuoteFreshnessSecs {
				summary.Excluded[ExcludeQuoteStale]++
				continue
			}
			yesOK := askTradable(quote.YesAsk, quote.YesBid, params)
			noOK := askTradable(quote.NoAsk, quote.NoBid, params)
			if !yesOK && !noOK {
				summary.Excluded[ExcludeNotTradable]++
				continue
			}
		}
		candidates = append(candidates, Candidate{
			Ticker:      ticker,
			Merged:      merged,
			CloseTs:     closeTs,
			Quote:       quote,
			HasQuote:    hasQuote,
			DistancePct: distancePct(ref, spot),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].DistancePct != candidates[j].DistancePct {
			return candidates[i].DistancePct < candidates[j].DistancePct
		}
		return candidates[i].Ticker < candidates[j].Ticker
	})

	inBand := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.DistancePct <= params.PctBand {
			inBand = append(inBand, c)
		}
	}
	want := params.TopN
	if want > len(candidates) {
		want = len(candidates)
	}
	var selected []Candidate
	if len(inBand) >= want {
		summary.Method = MethodPctBand
		selected = inBand
	} else {
		summary.Method = MethodTopN
		selected = candidates
		if len(selected) > params.TopN {
			selected = selected[:params.TopN]
		}
	}
	summary.SelectedCount = len(selected)
	return selected, summary
}

// statusIsLive treats "active" and "open" as aliases for the live state; a
// contract without lifecycle info yet is considered live.
func statusIsLive(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "active", "open":
		return true
	default:
		return false
	}
}

// priceRef is the strike reference for distance ranking: upper (less),
// lower (greater), or band midpoint (between).
func priceRef(c livestate.MergedContract) (float64, bool) {
	switch c.StrikeType {
	case schema.StrikeLess:
		if c.Upper == nil {
			return 0, false
		}
		return *c.Upper, true
	case schema.StrikeGreater:
		if c.Lower == nil {
			return 0, false
		}
		return *c.Lower, true
	case schema.StrikeBetween:
		if c.Lower == nil || c.Upper == nil || !(*c.Lower < *c.Upper) {
			return 0, false
		}
		return (*c.Lower + *c.Upper) / 2, true
	default:
		return 0, false
	}
}

func resolveCloseTs(c livestate.MergedContract) (float64, bool) {
	for _, ts := range []*float64{c.CloseTs, c.ExpectedExpirationTs, c.SettledTs} {
		if ts != nil {
			return *ts, true
		}
	}
	return 0, false
}

func distancePct(ref, spot float64) float64 {
	d := (ref - spot) / spot * 100
	if d < 0 {
		return -d
	}
	return d
}

// askTradable reports whether an ask can be hit: inside the configured band
// (or a 0/100 boundary) with a present bid at non-negative spread.
func askTradable(ask, bid *float64, params UniverseParams) bool {
	if ask == nil {
		return false
	}
	boundary := *ask == 0 || *ask == 100
	if !boundary && (*ask < params.MinAskCents || *ask > params.MaxAskCents) {
		return false
	}
	return bid != nil && *bid <= *ask
}
