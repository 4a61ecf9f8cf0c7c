// Package livestate maintains the edge engine's in-memory projection of
// market events: bounded spot history, last-writer-wins quotes, and merged
// contract/lifecycle attributes with monotonic guards.
package livestate

import (
	"github.com/strikeline/strikeline/internal/observability"
	"github.com/strikeline/strikeline/internal/schema"
)

// SpotPoint is one (ts, price) observation in a product's history ring.
type SpotPoint struct {
	Ts    float64
	Price float64
}

// Quote is the latest top-of-book state for one market.
type Quote struct {
	Ts     float64
	YesBid *float64
	YesAsk *float64
	NoBid  *float64
	NoAsk  *float64
	YesMid *float64
	NoMid  *float64
	PMid   *float64
}

// Contract holds merged contract attributes accumulated across updates.
type Contract struct {
	Ticker               string
	Lower                *float64
	Upper                *float64
	StrikeType           schema.StrikeType
	CloseTs              *float64
	ExpectedExpirationTs *float64
	ExpirationTs         *float64
	SettledTs            *float64
	Outcome              *int
}

// Market holds merged lifecycle attributes for one market.
type Market struct {
	MarketID             string
	Status               string
	CloseTs              *float64
	ExpectedExpirationTs *float64
	ExpirationTs         *float64
	SettlementTs         *float64
}

// MergedContract is the edge-computation view: contract attributes overlaid
// with lifecycle fields, contract winning when both are present.
type MergedContract struct {
	Contract
	Status string
}

// Store is the single-owner in-memory projection. It is not safe for
// concurrent use: the edge engine worker owns it exclusively.
type Store struct {
	historyCap int

	history    map[string]*ring
	spotLatest map[string]SpotPoint
	quotes     map[string]Quote
	contracts  map[string]*Contract
	markets    map[string]*Market

	// last-applied ts_event per stream feed for monotonic guards
	lastLifecycleTs map[string]float64
	lastContractTs  map[string]float64
}

// New creates a store whose per-product spot history holds at most capacity
// points (default 20000).
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = 20000
	}
	return &Store{
		historyCap:      capacity,
		history:         make(map[string]*ring),
		spotLatest:      make(map[string]SpotPoint),
		quotes:          make(map[string]Quote),
		contracts:       make(map[string]*Contract),
		markets:         make(map[string]*Market),
		lastLifecycleTs: make(map[string]float64),
		lastContractTs:  make(map[string]float64),
	}
}

// ApplySpotTick appends to the product history and advances the latest
// pointer when the tick is not older than it.
func (s *Store) ApplySpotTick(tick *schema.SpotTick) {
	r, ok := s.history[tick.ProductID]
	if !ok {
		r = newRing(s.historyCap)
		s.history[tick.ProductID] = r
	}
	r.push(SpotPoint{Ts: tick.Ts, Price: tick.Price})
	latest, ok := s.spotLatest[tick.ProductID]
	if !ok || tick.Ts >= latest.Ts {
		s.spotLatest[tick.ProductID] = SpotPoint{Ts: tick.Ts, Price: tick.Price}
	}
}

// ApplyQuote replaces the market's quote unless the update is older than the
// stored one.
func (s *Store) ApplyQuote(q *schema.QuoteUpdate) bool {
	prev, ok := s.quotes[q.MarketID]
	if ok && q.Ts < prev.Ts {
		return false
	}
	s.quotes[q.MarketID] = Quote{
		Ts:     q.Ts,
		YesBid: q.YesBid,
		YesAsk: q.YesAsk,
		NoBid:  q.NoBid,
		NoAsk:  q.NoAsk,
		YesMid: q.YesMid,
		NoMid:  q.NoMid,
		PMid:   q.PMid,
	}
	return true
}

// ApplyLifecycle merges non-null lifecycle fields when the event is not older
// than the last applied one for the market.
func (s *Store) ApplyLifecycle(tsEvent float64, lc *schema.MarketLifecycle) bool {
	if last, ok := s.lastLifecycleTs[lc.MarketID]; ok && tsEvent < last {
		return false
	}
	s.lastLifecycleTs[lc.MarketID] = tsEvent
	m, ok := s.markets[lc.MarketID]
	if !ok {
		m = &Market{MarketID: lc.MarketID}
		s.markets[lc.MarketID] = m
	}
	if lc.Status != "" {
		m.Status = lc.Status
	}
	m.CloseTs = coalesce(lc.CloseTs, m.CloseTs)
	m.ExpectedExpirationTs = coalesce(lc.ExpectedExpirationTs, m.ExpectedExpirationTs)
	m.ExpirationTs = coalesce(lc.ExpirationTs, m.ExpirationTs)
	m.SettlementTs = coalesce(lc.SettlementTs, m.SettlementTs)
	return true
}

// ApplyContract merges non-null contract fields when the event is not older
// than the last applied one for the ticker. Outcome is monotone: once set, it
// only changes when the update carries the force flag.
func (s *Store) ApplyContract(tsEvent float64, cu *schema.ContractUpdate) bool {
	if last, ok := s.lastContractTs[cu.Ticker]; ok && tsEvent < last {
		return false
	}
	s.lastContractTs[cu.Ticker] = tsEvent
	c, ok := s.contracts[cu.Ticker]
	if !ok {
		c = &Contract{Ticker: cu.Ticker}
		s.contracts[cu.Ticker] = c
	}
	c.Lower = coalesce(cu.Lower, c.Lower)
	c.Upper = coalesce(cu.Upper, c.Upper)
	if cu.StrikeType != "" {
		c.StrikeType = cu.StrikeType
	}
	c.CloseTs = coalesce(cu.CloseTs, c.CloseTs)
	c.ExpectedExpirationTs = coalesce(cu.ExpectedExpirationTs, c.ExpectedExpirationTs)
	c.ExpirationTs = coalesce(cu.ExpirationTs, c.ExpirationTs)
	c.SettledTs = coalesce(cu.SettledTs, c.SettledTs)
	if cu.Outcome != nil {
		switch {
		case c.Outcome == nil:
			c.Outcome = cu.Outcome
		case *c.Outcome != *cu.Outcome && !cu.Force:
			observability.Log().Warn("dropping outcome change without force flag",
				observability.F("ticker", cu.Ticker),
				observability.F("stored", *c.Outcome),
				observability.F("incoming", *cu.Outcome))
		default:
			c.Outcome = cu.Outcome
		}
	}
	return true
}

// Apply routes a decoded payload to the matching apply rule.
func (s *Store) Apply(tsEvent float64, payload schema.Payload) {
	switch p := payload.(type) {
	case *schema.SpotTick:
		s.ApplySpotTick(p)
	case *schema.QuoteUpdate:
		s.ApplyQuote(p)
	case *schema.MarketLifecycle:
		s.ApplyLifecycle(tsEvent, p)
	case *schema.ContractUpdate:
		s.ApplyContract(tsEvent, p)
	}
}

// SpotLatest returns the newest spot point for the product.
func (s *Store) SpotLatest(productID string) (SpotPoint, bool) {
	p, ok := s.spotLatest[productID]
	return p, ok
}

// SpotHistory returns points with ts >= since, oldest first.
func (s *Store) SpotHistory(productID string, since float64) []SpotPoint {
	r, ok := s.history[productID]
	if !ok {
		return nil
	}
	return r.since(since)
}

// SpotHistoryLen reports the number of retained points for the product.
func (s *Store) SpotHistoryLen(productID string) int {
	r, ok := s.history[productID]
	if !ok {
		return 0
	}
	return r.len()
}

// QuoteFor returns the latest quote for the market.
func (s *Store) QuoteFor(marketID string) (Quote, bool) {
	q, ok := s.quotes[marketID]
	return q, ok
}

// MarketFor returns the merged lifecycle state for the market.
func (s *Store) MarketFor(marketID string) (Market, bool) {
	m, ok := s.markets[marketID]
	if !ok {
		return Market{}, false
	}
	return *m, true
}

// ContractFor returns the merged contract attributes for the ticker.
func (s *Store) ContractFor(ticker string) (Contract, bool) {
	c, ok := s.contracts[ticker]
	if !ok {
		return Contract{}, false
	}
	return *c, true
}

// Merged returns the edge-computation view of a ticker: contract attributes
// overlaid with lifecycle timestamps, the contract field winning when both
// sides carry a value.
func (s *Store) Merged(ticker string) (MergedContract, bool) {
	c, ok := s.contracts[ticker]
	if !ok {
		return MergedContract{}, false
	}
	out := MergedContract{Contract: *c}
	if m, ok := s.markets[ticker]; ok {
		out.Status = m.Status
		out.CloseTs = coalesce(out.CloseTs, m.CloseTs)
		out.ExpectedExpirationTs = coalesce(out.ExpectedExpirationTs, m.ExpectedExpirationTs)
		out.ExpirationTs = coalesce(out.ExpirationTs, m.ExpirationTs)
		out.SettledTs = coalesce(out.SettledTs, m.SettlementTs)
	}
	return out, true
}

// Tickers lists all known contract tickers.
func (s *Store) Tickers() []string {
	out := make([]string, 0, len(s.contracts))
	for ticker := range s.contracts {
		out = append(out, ticker)
	}
	return out
}

// coalesce prefers the incoming value, falling back to the stored one so a
// null never erases known state.
func coalesce(incoming, stored *float64) *float64 {
	if incoming != nil {
		return incoming
	}
	return stored
}
