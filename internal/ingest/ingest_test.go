package ingest

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/strikeline/strikeline/config"
	"github.com/strikeline/strikeline/errs"
	"github.com/strikeline/strikeline/internal/bus"
	"github.com/strikeline/strikeline/internal/schema"
)

func TestClassifyStatus(t *testing.T) {
	if err := classifyStatus(200, ""); err != nil {
		t.Fatalf("200 = %v", err)
	}
	if err := classifyStatus(401, ""); !errs.IsCode(err, errs.CodeAuth) {
		t.Fatalf("401 = %v", err)
	}
	if err := classifyStatus(403, ""); !errs.IsCode(err, errs.CodeAuth) {
		t.Fatalf("403 = %v", err)
	}
	if err := classifyStatus(429, "7"); !errs.IsCode(err, errs.CodeRateLimited) {
		t.Fatalf("429 = %v", err)
	}
	if err := classifyStatus(500, ""); !errs.IsCode(err, errs.CodeTransientIO) {
		t.Fatalf("500 = %v", err)
	}
	if err := classifyStatus(503, ""); !errs.Retryable(err) {
		t.Fatalf("5xx must be retryable: %v", err)
	}
}

func TestRetryAfterDelay(t *testing.T) {
	if got := retryAfterDelay("7", time.Second); got != 7*time.Second {
		t.Fatalf("seconds form = %v", got)
	}
	if got := retryAfterDelay("", 3*time.Second); got != 3*time.Second {
		t.Fatalf("empty header = %v", got)
	}
	if got := retryAfterDelay("garbage", 3*time.Second); got != 3*time.Second {
		t.Fatalf("garbage header = %v", got)
	}
}

func TestParseTickerMessage(t *testing.T) {
	frame := []byte(`{
		"type": "ticker",
		"product_id": "BTC-USD",
		"price": "65000.5",
		"best_bid": "65000.1",
		"best_ask": "65000.9",
		"best_bid_size": "0.5",
		"best_ask_size": "1.25",
		"sequence": 42,
		"time": "2026-08-26T12:00:00.000000Z"
	}`)
	tick, err := parseTickerMessage(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tick.ProductID != "BTC-USD" || tick.Price != 65000.5 {
		t.Fatalf("tick = %+v", tick)
	}
	if tick.BestBid == nil || *tick.BestBid != 65000.1 {
		t.Fatalf("best_bid = %v", tick.BestBid)
	}
	if tick.SequenceNum == nil || *tick.SequenceNum != 42 {
		t.Fatalf("sequence = %v", tick.SequenceNum)
	}
	want := float64(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC).Unix())
	if math.Abs(tick.Ts-want) > 1e-6 {
		t.Fatalf("ts = %v, want %v", tick.Ts, want)
	}
}

func TestParseTickerMessageSkipsNonTicker(t *testing.T) {
	tick, err := parseTickerMessage([]byte(`{"type":"subscriptions"}`))
	if err != nil || tick != nil {
		t.Fatalf("ack frame = %v %v", tick, err)
	}
}

func TestParseTickerMessageRejectsBadPrice(t *testing.T) {
	_, err := parseTickerMessage([]byte(`{"type":"ticker","product_id":"BTC-USD","price":"zero"}`))
	if !errs.IsCode(err, errs.CodeParse) {
		t.Fatalf("bad price = %v", err)
	}
}

func TestMapMarket(t *testing.T) {
	m := &venueMarket{
		Ticker:             "KXBTC-26AUG26-B65250",
		Status:             "Active",
		YesBid:             40,
		YesAsk:             44,
		NoBid:              56,
		NoAsk:              60,
		CloseTime:          "2026-08-26T17:00:00Z",
		ExpectedExpiration: "2026-08-26T17:00:00Z",
		FloorStrike:        65000,
		CapStrike:          65500,
		StrikeType:         "between",
	}
	events := mapMarket(m, 1000)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}

	quote := events[0].payload.(*schema.QuoteUpdate)
	if quote.YesMid == nil || *quote.YesMid != 42 {
		t.Fatalf("yes_mid = %v", quote.YesMid)
	}
	if quote.PMid == nil || math.Abs(*quote.PMid-0.42) > 1e-9 {
		t.Fatalf("p_mid = %v", quote.PMid)
	}

	lifecycle := events[1].payload.(*schema.MarketLifecycle)
	if lifecycle.Status != "active" {
		t.Fatalf("status = %q", lifecycle.Status)
	}
	if lifecycle.CloseTs == nil {
		t.Fatalf("close_ts missing")
	}

	contract := events[2].payload.(*schema.ContractUpdate)
	if contract.StrikeType != schema.StrikeBetween {
		t.Fatalf("strike_type = %q", contract.StrikeType)
	}
	if contract.Lower == nil || *contract.Lower != 65000 || contract.Upper == nil || *contract.Upper != 65500 {
		t.Fatalf("bounds = %v %v", contract.Lower, contract.Upper)
	}
	if contract.Outcome != nil {
		t.Fatalf("unsettled market must not carry outcome")
	}
}

func TestMapMarketSettled(t *testing.T) {
	m := &venueMarket{
		Ticker:      "KXBTC-T",
		Status:      "settled",
		SettledTime: "2026-08-26T18:00:00Z",
		Result:      "yes",
		StrikeType:  "greater",
		FloorStrike: 65000,
	}
	events := mapMarket(m, 2000)
	contract := events[2].payload.(*schema.ContractUpdate)
	if contract.Outcome == nil || *contract.Outcome != 1 {
		t.Fatalf("outcome = %v", contract.Outcome)
	}
	if contract.SettledTs == nil {
		t.Fatalf("settled_ts missing")
	}

	quote := events[0].payload.(*schema.QuoteUpdate)
	if quote.YesBid != nil || quote.YesAsk != nil {
		t.Fatalf("zero-cent levels must map to absent: %+v", quote)
	}
}

func TestPollerPublishesMarketEvents(t *testing.T) {
	markets := []venueMarket{{
		Ticker:      "KXBTC-T1",
		Status:      "active",
		YesBid:      40,
		YesAsk:      44,
		NoBid:       56,
		NoAsk:       60,
		CloseTime:   "2026-08-26T17:00:00Z",
		StrikeType:  "greater",
		FloorStrike: 65000,
	}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("series_ticker"); got != "KXBTC" {
			t.Errorf("series_ticker = %q", got)
		}
		_ = json.NewEncoder(w).Encode(marketsPage{Markets: markets})
	}))
	defer server.Close()

	b, err := bus.Open(bus.Config{Root: t.TempDir(), Environment: "test"})
	if err != nil {
		t.Fatalf("bus.Open: %v", err)
	}
	defer b.Close()

	poller, err := NewPoller(config.VenueSettings{
		RESTBaseURL:    server.URL,
		SeriesPrefix:   "KXBTC",
		QuotePollEvery: time.Minute,
		HTTPTimeout:    5 * time.Second,
	}, b)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	if err := poller.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	consumer, err := b.PullSubscribe(schema.StreamMarketEvents, "test-reader")
	if err != nil {
		t.Fatalf("PullSubscribe: %v", err)
	}
	msgs, err := consumer.Fetch(context.Background(), 100, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	byType := map[schema.EventType]int{}
	for _, msg := range msgs {
		env, err := schema.ParseEnvelope(msg.Data)
		if err != nil {
			t.Fatalf("ParseEnvelope: %v", err)
		}
		byType[env.EventType]++
	}
	if byType[schema.EventTypeQuoteUpdate] != 1 ||
		byType[schema.EventTypeMarketLifecycle] != 1 ||
		byType[schema.EventTypeContractUpdate] != 1 {
		t.Fatalf("events by type = %+v", byType)
	}
}

func TestPollerAuthErrorFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	b, err := bus.Open(bus.Config{Root: t.TempDir(), Environment: "test"})
	if err != nil {
		t.Fatalf("bus.Open: %v", err)
	}
	defer b.Close()

	poller, err := NewPoller(config.VenueSettings{
		RESTBaseURL:    server.URL,
		SeriesPrefix:   "KXBTC",
		QuotePollEvery: time.Minute,
		HTTPTimeout:    5 * time.Second,
	}, b)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	if err := poller.Poll(context.Background()); !errs.IsCode(err, errs.CodeAuth) {
		t.Fatalf("Poll = %v, want auth_error", err)
	}
}
