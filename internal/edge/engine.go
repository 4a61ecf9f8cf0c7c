// Package edge computes probability and expected-value snapshots for the
// selected contract universe from live market state.
package edge

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/strikeline/strikeline/internal/bus"
	"github.com/strikeline/strikeline/internal/livestate"
	"github.com/strikeline/strikeline/internal/observability"
	"github.com/strikeline/strikeline/internal/schema"
	"github.com/strikeline/strikeline/internal/telemetry"
	"github.com/strikeline/strikeline/internal/vol"
)

// SnapshotSink receives emitted snapshots besides the bus, used by the
// legacy local-store mode.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, snap *schema.EdgeSnapshot) error
}

// Config wires one edge engine worker.
type Config struct {
	ProductID    string
	TickEvery    time.Duration
	BatchCap     int
	FetchTimeout time.Duration

	Universe UniverseParams
	Snapshot SnapshotParams
	Vol      vol.Params

	Source      string
	Environment string
}

// Engine owns the live state store and drives the tick loop: drain market
// events, estimate sigma, select the universe, emit snapshots.
type Engine struct {
	cfg       Config
	bus       bus.Bus
	consumer  bus.Consumer
	store     *livestate.Store
	estimator *vol.Estimator
	sink      SnapshotSink

	now func() time.Time

	ticks     metric.Int64Counter
	snapshots metric.Int64Counter
	skipped   metric.Int64Counter
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithSnapshotSink mirrors emitted snapshots into a local store.
func WithSnapshotSink(sink SnapshotSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithClock overrides wall-clock time, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New builds the engine and binds its durable consumer on MARKET_EVENTS.
func New(cfg Config, b bus.Bus, historyCap int, opts ...Option) (*Engine, error) {
	consumer, err := b.PullSubscribe(schema.StreamMarketEvents, "edge-engine")
	if err != nil {
		return nil, err
	}
	meter := otel.Meter("strikeline/edge")
	ticks, _ := meter.Int64Counter("edge.ticks",
		metric.WithDescription("Edge engine tick cycles"))
	snapshots, _ := meter.Int64Counter("edge.snapshots",
		metric.WithDescription("Edge snapshots emitted"))
	skipped, _ := meter.Int64Counter("edge.snapshots_skipped",
		metric.WithDescription("Selected contracts skipped during snapshot computation"))
	e := &Engine{
		cfg:       cfg,
		bus:       b,
		consumer:  consumer,
		store:     livestate.New(historyCap),
		estimator: vol.NewEstimator(cfg.Vol, cfg.Environment),
		now:       time.Now,
		ticks:     ticks,
		snapshots: snapshots,
		skipped:   skipped,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run drives the tick loop until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				observability.Log().Error("edge tick failed",
					observability.F("error", err.Error()))
			}
		}
	}
}

// Tick runs one full cycle: drain market events into live state, then
// compute and emit snapshots. Exposed for tests and event-driven callers.
func (e *Engine) Tick(ctx context.Context) error {
	if err := e.drain(ctx); err != nil {
		return err
	}
	now := float64(e.now().UnixNano()) / float64(time.Second)
	e.ticks.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(e.cfg.Environment, "edge-engine", "tick")...))

	spot, ok := e.store.SpotLatest(e.cfg.ProductID)
	if !ok {
		observability.Log().Warn("no spot price yet, skipping tick",
			observability.F("error", "spot_missing"),
			observability.F("product_id", e.cfg.ProductID))
		return nil
	}

	sigma := e.estimator.Estimate(ctx, func(lookbackSeconds int) []livestate.SpotPoint {
		return e.store.SpotHistory(e.cfg.ProductID, now-float64(lookbackSeconds))
	})

	selected, summary := SelectUniverse(e.store, now, spot.Price, e.cfg.Universe)
	observability.Log().Debug("universe selected",
		observability.F("method", summary.Method),
		observability.F("selected", summary.SelectedCount),
		observability.F("examined", summary.TotalExamined))

	for _, candidate := range selected {
		snap, skip := buildSnapshot(candidate, now, spot.Price, spot.Ts, sigma, e.cfg.Snapshot)
		if skip != "" {
			e.skipped.Add(ctx, 1, metric.WithAttributes(
				telemetry.DecisionAttributes(e.cfg.Environment, "", skip)...))
			continue
		}
		if err := e.emit(ctx, snap); err != nil {
			observability.Log().Error("snapshot emit failed",
				observability.F("market_id", snap.MarketID),
				observability.F("error", err.Error()))
			continue
		}
		e.snapshots.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(e.cfg.Environment, string(schema.EventTypeEdgeSnapshot), schema.SubjectEdgeSnapshots)...))
	}
	return nil
}

// drain applies MARKET_EVENTS to live state up to the batch cap; unparseable
// messages are dead-lettered and acknowledged so the stream never stalls.
func (e *Engine) drain(ctx context.Context) error {
	remaining := e.cfg.BatchCap
	for remaining > 0 {
		batch := remaining
		if batch > 100 {
			batch = 100
		}
		msgs, err := e.consumer.Fetch(ctx, batch, e.cfg.FetchTimeout)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, msg := range msgs {
			env, err := schema.ParseEnvelope(msg.Data)
			if err != nil {
				_ = bus.PublishInvalid(ctx, e.bus, msg.Subject, msg.Data, err)
				_ = e.consumer.Ack(msg)
				continue
			}
			payload, err := schema.DecodePayload(env)
			if err != nil {
				_ = bus.PublishInvalid(ctx, e.bus, msg.Subject, msg.Data, err)
				_ = e.consumer.Ack(msg)
				continue
			}
			e.store.Apply(env.TsEvent, payload)
			if err := e.consumer.Ack(msg); err != nil {
				return err
			}
		}
		remaining -= len(msgs)
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, snap *schema.EdgeSnapshot) error {
	env, err := schema.NewEnvelope(schema.EventTypeEdgeSnapshot, e.cfg.Source, snap.AsofTs, snap)
	if err != nil {
		return err
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	headers := map[string]string{bus.HeaderMsgID: env.IdempotencyKey}
	if err := e.bus.Publish(ctx, schema.SubjectEdgeSnapshots, env.IdempotencyKey, headers, raw); err != nil {
		return err
	}
	if e.sink != nil {
		if err := e.sink.SaveSnapshot(ctx, snap); err != nil {
			observability.Log().Warn("legacy snapshot sink failed",
				observability.F("market_id", snap.MarketID),
				observability.F("error", err.Error()))
		}
	}
	return nil
}

// Store exposes the engine's live state for health probes; callers must not
// mutate it and must only read from the engine's goroutine.
func (e *Engine) Store() *livestate.Store {
	return e.store
}
