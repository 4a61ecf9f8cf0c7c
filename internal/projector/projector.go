// Package projector drains every stream into the event store, keeping the
// raw event log and the latest-state projections current.
package projector

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/strikeline/strikeline/errs"
	"github.com/strikeline/strikeline/internal/bus"
	"github.com/strikeline/strikeline/internal/observability"
	"github.com/strikeline/strikeline/internal/schema"
	"github.com/strikeline/strikeline/internal/telemetry"
)

// EventStore is the projection target. ApplyEnvelope must be atomic and
// idempotent on (event_type, idempotency_key): a false return means the
// event was already stored and nothing changed.
type EventStore interface {
	ApplyEnvelope(ctx context.Context, env *schema.Envelope, payload schema.Payload) (bool, error)
}

// Config wires one projector worker.
type Config struct {
	Durable           string
	BatchCap          int
	FetchTimeout      time.Duration
	ReportEvery       time.Duration
	LagAlertThreshold int
	LagAlertCooldown  time.Duration
	Environment       string
}

func (c Config) normalize() Config {
	if c.Durable == "" {
		c.Durable = "projector"
	}
	if c.BatchCap <= 0 {
		c.BatchCap = 500
	}
	if c.FetchTimeout <= 0 || c.FetchTimeout > time.Second {
		c.FetchTimeout = time.Second
	}
	if c.ReportEvery <= 0 {
		c.ReportEvery = 30 * time.Second
	}
	if c.LagAlertCooldown <= 0 {
		c.LagAlertCooldown = 5 * time.Minute
	}
	return c
}

// Counters track projector progress since start.
type Counters struct {
	Processed     int64
	Inserted      int64
	Duplicates    int64
	ParseErrors   int64
	PersistErrors int64
	DLQPublished  int64
}

// Projector consumes all three event streams and applies each envelope to
// the store exactly once.
type Projector struct {
	cfg       Config
	bus       bus.Bus
	store     EventStore
	consumers map[string]bus.Consumer

	mu       sync.Mutex
	counters Counters

	lagAlerts *observability.Throttle

	processed metric.Int64Counter
	inserted  metric.Int64Counter
	failures  metric.Int64Counter
}

// New binds one durable consumer per stream.
func New(cfg Config, b bus.Bus, store EventStore) (*Projector, error) {
	cfg = cfg.normalize()
	if store == nil {
		return nil, errs.New("projector", errs.CodeConfig, errs.WithMessage("nil event store"))
	}

	streams := []string{
		schema.StreamMarketEvents,
		schema.StreamStrategyEvents,
		schema.StreamExecutionEvents,
	}
	consumers := make(map[string]bus.Consumer, len(streams))
	for _, stream := range streams {
		consumer, err := b.PullSubscribe(stream, cfg.Durable)
		if err != nil {
			return nil, err
		}
		consumers[stream] = consumer
	}

	meter := otel.Meter("strikeline/projector")
	processed, err := meter.Int64Counter("projector.processed",
		metric.WithDescription("Events drained from the bus by the projector"))
	if err != nil {
		return nil, err
	}
	inserted, err := meter.Int64Counter("projector.inserted",
		metric.WithDescription("New raw events persisted to the event store"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("projector.failures",
		metric.WithDescription("Events routed to the DLQ by failure class"))
	if err != nil {
		return nil, err
	}

	return &Projector{
		cfg:       cfg,
		bus:       b,
		store:     store,
		consumers: consumers,
		lagAlerts: observability.NewThrottle(cfg.LagAlertCooldown),
		processed: processed,
		inserted:  inserted,
		failures:  failures,
	}, nil
}

// Run drains the streams until ctx is cancelled, logging a progress report
// every ReportEvery.
func (p *Projector) Run(ctx context.Context) error {
	report := time.NewTicker(p.cfg.ReportEvery)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-report.C:
			p.report()
		default:
		}
		if err := p.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// Cycle fetches one batch from each stream and applies it. Safe to call
// directly in tests.
func (p *Projector) Cycle(ctx context.Context) error {
	for stream, consumer := range p.consumers {
		msgs, err := consumer.Fetch(ctx, p.cfg.BatchCap, p.cfg.FetchTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, msg := range msgs {
			p.apply(ctx, stream, consumer, msg)
		}
	}
	return nil
}

// apply persists one message and always acks it: malformed and unpersistable
// events are parked on the DLQ rather than blocking the stream.
func (p *Projector) apply(ctx context.Context, stream string, consumer bus.Consumer, msg bus.Msg) {
	p.mu.Lock()
	p.counters.Processed++
	p.mu.Unlock()
	p.processed.Add(ctx, 1,
		metric.WithAttributes(telemetry.ConsumerAttributes(p.cfg.Environment, stream, p.cfg.Durable)...))

	env, err := schema.ParseEnvelope(msg.Data)
	var payload schema.Payload
	if err == nil {
		payload, err = schema.DecodePayload(env)
	}
	if err != nil {
		p.mu.Lock()
		p.counters.ParseErrors++
		p.counters.DLQPublished++
		p.mu.Unlock()
		p.failures.Add(ctx, 1,
			metric.WithAttributes(telemetry.OperationResultAttributes(
				p.cfg.Environment, p.cfg.Durable, string(errs.CodeParse))...))
		if dlqErr := bus.PublishInvalid(ctx, p.bus, msg.Subject, msg.Data, err); dlqErr != nil {
			observability.Log().Error("projector dlq publish failed",
				observability.F("subject", msg.Subject),
				observability.F("error", dlqErr.Error()))
		}
		_ = consumer.Ack(msg)
		return
	}

	inserted, err := p.store.ApplyEnvelope(ctx, env, payload)
	if err != nil {
		p.mu.Lock()
		p.counters.PersistErrors++
		p.counters.DLQPublished++
		p.mu.Unlock()
		p.failures.Add(ctx, 1,
			metric.WithAttributes(telemetry.OperationResultAttributes(
				p.cfg.Environment, p.cfg.Durable, string(errs.CodePersist))...))
		observability.Log().Error("projection failed",
			observability.F("event_type", string(env.EventType)),
			observability.F("idempotency_key", env.IdempotencyKey),
			observability.F("error", err.Error()))
		if dlqErr := bus.PublishDead(ctx, p.bus, msg, err); dlqErr != nil {
			observability.Log().Error("projector dlq publish failed",
				observability.F("subject", msg.Subject),
				observability.F("error", dlqErr.Error()))
		}
		_ = consumer.Ack(msg)
		return
	}

	p.mu.Lock()
	if inserted {
		p.counters.Inserted++
	} else {
		p.counters.Duplicates++
	}
	p.mu.Unlock()
	if inserted {
		p.inserted.Add(ctx, 1,
			metric.WithAttributes(telemetry.EventAttributes(
				p.cfg.Environment, string(env.EventType), msg.Subject)...))
	}
	_ = consumer.Ack(msg)
}

func (p *Projector) report() {
	counters := p.Counters()
	var pending uint64
	for stream, consumer := range p.consumers {
		lag, err := consumer.Lag()
		if err != nil {
			continue
		}
		pending += lag
		if p.cfg.LagAlertThreshold > 0 && lag > uint64(p.cfg.LagAlertThreshold) {
			p.lagAlerts.Warn("lag:"+stream, "ALERT projector lag above threshold",
				observability.F("stream", stream),
				observability.F("lag", lag),
				observability.F("threshold", p.cfg.LagAlertThreshold))
		}
	}
	observability.Log().Info("projector progress",
		observability.F("processed", counters.Processed),
		observability.F("inserted", counters.Inserted),
		observability.F("duplicates", counters.Duplicates),
		observability.F("parse_errors", counters.ParseErrors),
		observability.F("persist_errors", counters.PersistErrors),
		observability.F("dlq_published", counters.DLQPublished),
		observability.F("num_pending", pending))
}

// Counters returns a copy of the progress counters.
func (p *Projector) Counters() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}
