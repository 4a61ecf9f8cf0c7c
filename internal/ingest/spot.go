package ingest

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/strikeline/strikeline/config"
	"github.com/strikeline/strikeline/errs"
	"github.com/strikeline/strikeline/internal/bus"
	"github.com/strikeline/strikeline/internal/observability"
	"github.com/strikeline/strikeline/internal/schema"
)

// SpotCollector subscribes to the venue's websocket ticker feed and
// publishes spot_tick events. Disconnects are retried with exponential
// backoff; the collector only returns on context cancellation.
type SpotCollector struct {
	cfg config.VenueSettings
	bus bus.Bus

	source string
	ticks  metric.Int64Counter
}

// NewSpotCollector wires a collector for the configured product.
func NewSpotCollector(cfg config.VenueSettings, b bus.Bus) (*SpotCollector, error) {
	if cfg.SpotWSURL == "" {
		return nil, errs.New("ingest", errs.CodeConfig, errs.WithMessage("spot websocket url required"))
	}
	if cfg.ProductID == "" {
		return nil, errs.New("ingest", errs.CodeConfig, errs.WithMessage("product_id required"))
	}

	meter := otel.Meter("strikeline/ingest")
	ticks, err := meter.Int64Counter("ingest.spot_ticks",
		metric.WithDescription("Spot ticks published by the collector"))
	if err != nil {
		return nil, err
	}

	return &SpotCollector{
		cfg:    cfg,
		bus:    b,
		source: "spot-collector",
		ticks:  ticks,
	}, nil
}

// Run connects, subscribes, and pumps ticks until ctx is cancelled.
func (c *SpotCollector) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs.IsCode(err, errs.CodeAuth) {
			// 401/403 will not heal with a reconnect.
			return err
		}

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			delay = 30 * time.Second
		}
		observability.Log().Warn("spot feed disconnected, reconnecting",
			observability.F("error", err.Error()),
			observability.F("reconnect_in", delay.String()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *SpotCollector) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, resp, err := websocket.Dial(dialCtx, c.cfg.SpotWSURL, nil)
	cancel()
	if err != nil {
		if resp != nil {
			if serr := classifyStatus(resp.StatusCode, ""); serr != nil {
				return serr
			}
		}
		return errs.New("ingest", errs.CodeTransientIO,
			errs.WithMessage("dial spot feed"), errs.WithCause(err))
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")
	conn.SetReadLimit(1 << 20)

	sub := map[string]any{
		"type":        "subscribe",
		"product_ids": []string{c.cfg.ProductID},
		"channels":    []string{"ticker"},
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		return errs.New("ingest", errs.CodeTransientIO,
			errs.WithMessage("subscribe spot feed"), errs.WithCause(err))
	}
	observability.Log().Info("spot feed connected",
		observability.F("product_id", c.cfg.ProductID))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errs.New("ingest", errs.CodeTransientIO,
				errs.WithMessage("read spot feed"), errs.WithCause(err))
		}
		tick, err := parseTickerMessage(data)
		if err != nil {
			observability.Log().Warn("unparseable ticker message",
				observability.F("error", err.Error()))
			continue
		}
		if tick == nil || tick.ProductID != c.cfg.ProductID {
			continue
		}
		if err := publish(ctx, c.bus, schema.EventTypeSpotTick, c.source, tick.Ts, tick); err != nil {
			return err
		}
		c.ticks.Add(ctx, 1)
	}
}

// tickerMessage is the venue's ticker frame. Prices arrive as strings.
type tickerMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	BidSize   string `json:"best_bid_size"`
	AskSize   string `json:"best_ask_size"`
	Sequence  *int64 `json:"sequence"`
	Time      string `json:"time"`
}

// parseTickerMessage converts one feed frame into a SpotTick. Non-ticker
// frames (subscription acks, heartbeats) yield (nil, nil).
func parseTickerMessage(data []byte) (*schema.SpotTick, error) {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errs.New("ingest", errs.CodeParse,
			errs.WithMessage("decode ticker frame"), errs.WithCause(err))
	}
	if msg.Type != "ticker" {
		return nil, nil
	}

	price, err := strconv.ParseFloat(msg.Price, 64)
	if err != nil || !(price > 0) {
		return nil, errs.New("ingest", errs.CodeParse,
			errs.WithMessage("ticker price invalid"),
			errs.WithContext("price", msg.Price))
	}

	ts := unixSeconds(time.Now())
	if msg.Time != "" {
		if at, perr := time.Parse(time.RFC3339Nano, msg.Time); perr == nil {
			ts = unixSeconds(at)
		}
	}

	tick := &schema.SpotTick{
		Ts:          ts,
		ProductID:   msg.ProductID,
		Price:       price,
		SequenceNum: msg.Sequence,
	}
	if v, err := strconv.ParseFloat(msg.BestBid, 64); err == nil {
		tick.BestBid = &v
	}
	if v, err := strconv.ParseFloat(msg.BestAsk, 64); err == nil {
		tick.BestAsk = &v
	}
	if v, err := strconv.ParseFloat(msg.BidSize, 64); err == nil {
		tick.BidQty = &v
	}
	if v, err := strconv.ParseFloat(msg.AskSize, 64); err == nil {
		tick.AskQty = &v
	}
	return tick, nil
}
