package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/strikeline/strikeline/config"
	"github.com/strikeline/strikeline/errs"
	"github.com/strikeline/strikeline/internal/bus"
	"github.com/strikeline/strikeline/internal/observability"
	"github.com/strikeline/strikeline/internal/schema"
)

const (
	pollMaxAttempts = 4
	pollBackoffCap  = 30 * time.Second
)

// Poller polls the venue's REST market endpoint and publishes quote_update,
// market_lifecycle, and contract_update events for every market in the
// configured series.
type Poller struct {
	cfg    config.VenueSettings
	bus    bus.Bus
	client *resty.Client

	source string
	now    func() time.Time

	polls  metric.Int64Counter
	events metric.Int64Counter
}

// PollerOption configures optional poller collaborators.
type PollerOption func(*Poller)

// WithPollerClock overrides wall-clock time, for tests.
func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *Poller) { p.now = now }
}

// NewPoller wires a poller against the configured REST base URL.
func NewPoller(cfg config.VenueSettings, b bus.Bus, opts ...PollerOption) (*Poller, error) {
	if cfg.RESTBaseURL == "" {
		return nil, errs.New("ingest", errs.CodeConfig, errs.WithMessage("rest base url required"))
	}
	if cfg.SeriesPrefix == "" {
		return nil, errs.New("ingest", errs.CodeConfig, errs.WithMessage("series prefix required"))
	}

	client := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(cfg.HTTPTimeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	meter := otel.Meter("strikeline/ingest")
	polls, err := meter.Int64Counter("ingest.polls",
		metric.WithDescription("Completed market poll cycles"))
	if err != nil {
		return nil, err
	}
	events, err := meter.Int64Counter("ingest.poll_events",
		metric.WithDescription("Events published from market polling"))
	if err != nil {
		return nil, err
	}

	p := &Poller{
		cfg:    cfg,
		bus:    b,
		client: client,
		source: "market-poller",
		now:    time.Now,
		polls:  polls,
		events: events,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Run polls on the configured cadence until ctx is cancelled. auth_error is
// fatal; everything else is logged and retried next cycle.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.QuotePollEvery)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errs.IsCode(err, errs.CodeAuth) {
				observability.Log().Error("market poll auth failure",
					observability.F("error", err.Error()))
				return err
			}
			observability.Log().Warn("market poll failed",
				observability.F("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll fetches every market in the series and publishes the derived events.
func (p *Poller) Poll(ctx context.Context) error {
	markets, err := p.fetchMarkets(ctx)
	if err != nil {
		return err
	}

	ts := unixSeconds(p.now())
	published := 0
	for i := range markets {
		events := mapMarket(&markets[i], ts)
		for _, ev := range events {
			if err := publish(ctx, p.bus, ev.typ, p.source, ts, ev.payload); err != nil {
				if errs.IsCode(err, errs.CodeValidation) {
					observability.Log().Warn("market mapped to invalid event",
						observability.F("ticker", markets[i].Ticker),
						observability.F("error", err.Error()))
					continue
				}
				return err
			}
			published++
		}
	}
	p.polls.Add(ctx, 1)
	p.events.Add(ctx, int64(published))
	return nil
}

type marketsPage struct {
	Markets []venueMarket `json:"markets"`
	Cursor  string        `json:"cursor"`
}

// venueMarket is the venue's market resource. Prices are integer cents;
// zero means no resting order at that level.
type venueMarket struct {
	Ticker             string  `json:"ticker"`
	Status             string  `json:"status"`
	YesBid             float64 `json:"yes_bid"`
	YesAsk             float64 `json:"yes_ask"`
	NoBid              float64 `json:"no_bid"`
	NoAsk              float64 `json:"no_ask"`
	CloseTime          string  `json:"close_time"`
	ExpectedExpiration string  `json:"expected_expiration_time"`
	ExpirationTime     string  `json:"expiration_time"`
	SettledTime        string  `json:"settled_time"`
	Result             string  `json:"result"`
	FloorStrike        float64 `json:"floor_strike"`
	CapStrike          float64 `json:"cap_strike"`
	StrikeType         string  `json:"strike_type"`
	LastPrice          float64 `json:"last_price"`
}

func (p *Poller) fetchMarkets(ctx context.Context) ([]venueMarket, error) {
	var out []venueMarket
	cursor := ""
	for {
		page, err := p.fetchPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Markets...)
		if page.Cursor == "" || len(page.Markets) == 0 {
			return out, nil
		}
		cursor = page.Cursor
	}
}

// fetchPage performs one GET with bounded retries on transient_io and
// Retry-After-honoring waits on rate_limited.
func (p *Poller) fetchPage(ctx context.Context, cursor string) (*marketsPage, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = pollBackoffCap

	var lastErr error
	for attempt := 0; attempt < pollMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := policy.NextBackOff()
			if errs.IsCode(lastErr, errs.CodeRateLimited) {
				delay = retryAfterDelay(retryAfterOf(lastErr), delay)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		page, err := p.requestPage(ctx, cursor)
		if err == nil {
			return page, nil
		}
		if !errs.Retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (p *Poller) requestPage(ctx context.Context, cursor string) (*marketsPage, error) {
	var page marketsPage
	req := p.client.R().
		SetContext(ctx).
		SetQueryParam("series_ticker", p.cfg.SeriesPrefix).
		SetQueryParam("limit", "200").
		SetResult(&page)
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}

	resp, err := req.Get("/markets")
	if err != nil {
		return nil, errs.New("ingest", errs.CodeTransientIO,
			errs.WithMessage("fetch markets"), errs.WithCause(err))
	}
	if serr := classifyStatus(resp.StatusCode(), resp.Header().Get("Retry-After")); serr != nil {
		return nil, serr
	}
	return &page, nil
}

func retryAfterOf(err error) string {
	var e *errs.E
	if errors.As(err, &e) && e.Context != nil {
		return e.Context["retry_after"]
	}
	return ""
}

type mappedEvent struct {
	typ     schema.EventType
	payload schema.Payload
}

// mapMarket derives the bus events one market snapshot implies. A price of
// zero cents means the level is empty and is published as absent.
func mapMarket(m *venueMarket, ts float64) []mappedEvent {
	out := make([]mappedEvent, 0, 3)

	quote := &schema.QuoteUpdate{Ts: ts, MarketID: m.Ticker}
	quote.YesBid = centsOrNil(m.YesBid)
	quote.YesAsk = centsOrNil(m.YesAsk)
	quote.NoBid = centsOrNil(m.NoBid)
	quote.NoAsk = centsOrNil(m.NoAsk)
	if quote.YesBid != nil && quote.YesAsk != nil {
		mid := (*quote.YesBid + *quote.YesAsk) / 2
		quote.YesMid = &mid
		pMid := mid / 100
		quote.PMid = &pMid
	}
	if quote.NoBid != nil && quote.NoAsk != nil {
		mid := (*quote.NoBid + *quote.NoAsk) / 2
		quote.NoMid = &mid
	}
	out = append(out, mappedEvent{schema.EventTypeQuoteUpdate, quote})

	lifecycle := &schema.MarketLifecycle{
		MarketID:             m.Ticker,
		Status:               strings.ToLower(m.Status),
		CloseTs:              parseVenueTime(m.CloseTime),
		ExpectedExpirationTs: parseVenueTime(m.ExpectedExpiration),
		ExpirationTs:         parseVenueTime(m.ExpirationTime),
		SettlementTs:         parseVenueTime(m.SettledTime),
	}
	out = append(out, mappedEvent{schema.EventTypeMarketLifecycle, lifecycle})

	contract := &schema.ContractUpdate{
		Ticker:               m.Ticker,
		StrikeType:           mapStrikeType(m.StrikeType),
		CloseTs:              parseVenueTime(m.CloseTime),
		ExpectedExpirationTs: parseVenueTime(m.ExpectedExpiration),
		ExpirationTs:         parseVenueTime(m.ExpirationTime),
		SettledTs:            parseVenueTime(m.SettledTime),
	}
	switch contract.StrikeType {
	case schema.StrikeLess:
		contract.Upper = &m.CapStrike
	case schema.StrikeGreater:
		contract.Lower = &m.FloorStrike
	case schema.StrikeBetween:
		contract.Lower = &m.FloorStrike
		contract.Upper = &m.CapStrike
	}
	switch strings.ToLower(m.Result) {
	case "yes":
		one := 1
		contract.Outcome = &one
	case "no":
		zero := 0
		contract.Outcome = &zero
	}
	out = append(out, mappedEvent{schema.EventTypeContractUpdate, contract})

	return out
}

func mapStrikeType(raw string) schema.StrikeType {
	switch strings.ToLower(raw) {
	case "less", "less_or_equal":
		return schema.StrikeLess
	case "greater", "greater_or_equal":
		return schema.StrikeGreater
	case "between":
		return schema.StrikeBetween
	default:
		return ""
	}
}

func centsOrNil(cents float64) *float64 {
	if cents <= 0 || cents >= 100 {
		if cents == 100 {
			v := 100.0
			return &v
		}
		return nil
	}
	v := cents
	return &v
}

func parseVenueTime(raw string) *float64 {
	if raw == "" {
		return nil
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	ts := unixSeconds(at)
	return &ts
}
