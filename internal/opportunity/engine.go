package opportunity

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/strikeline/strikeline/internal/bus"
	"github.com/strikeline/strikeline/internal/observability"
	"github.com/strikeline/strikeline/internal/schema"
	"github.com/strikeline/strikeline/internal/telemetry"
)

// Config wires the opportunity worker.
type Config struct {
	Params       Params
	BatchCap     int
	FetchTimeout time.Duration
	HookPath     string
	Source       string
	Environment  string
}

// Engine consumes edge snapshots from STRATEGY_EVENTS and emits one decision
// per decided (market_id, side).
type Engine struct {
	cfg      Config
	bus      bus.Bus
	consumer bus.Consumer
	hook     *Hook

	decisions metric.Int64Counter
}

// New binds the durable consumer and loads the optional decision hook.
func New(cfg Config, b bus.Bus) (*Engine, error) {
	consumer, err := b.PullSubscribe(schema.StreamStrategyEvents, "opportunity")
	if err != nil {
		return nil, err
	}
	var hook *Hook
	if cfg.HookPath != "" {
		hook, err = LoadHook(cfg.HookPath)
		if err != nil {
			return nil, err
		}
	}
	meter := otel.Meter("strikeline/opportunity")
	decisions, _ := meter.Int64Counter("opportunity.decisions",
		metric.WithDescription("Opportunity decisions by side and reason"))
	return &Engine{
		cfg:       cfg,
		bus:       b,
		consumer:  consumer,
		hook:      hook,
		decisions: decisions,
	}, nil
}

// Run processes snapshot batches until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.Cycle(ctx); err != nil {
			observability.Log().Error("opportunity cycle failed",
				observability.F("error", err.Error()))
		}
	}
}

// Cycle fetches one batch, decides the newest snapshot set in it, and emits
// the decisions. Exposed for tests.
func (e *Engine) Cycle(ctx context.Context) error {
	msgs, err := e.consumer.Fetch(ctx, e.cfg.BatchCap, e.cfg.FetchTimeout)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	snapshots := make([]*schema.EdgeSnapshot, 0, len(msgs))
	var latestAsof float64
	for _, msg := range msgs {
		// The strategy stream also carries our own decisions; skip them.
		if msg.Subject != schema.SubjectEdgeSnapshots {
			if err := e.consumer.Ack(msg); err != nil {
				return err
			}
			continue
		}
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
		snap := payload.(*schema.EdgeSnapshot)
		snapshots = append(snapshots, snap)
		if snap.AsofTs > latestAsof {
			latestAsof = snap.AsofTs
		}
		if err := e.consumer.Ack(msg); err != nil {
			return err
		}
	}
	if len(snapshots) == 0 {
		return nil
	}

	// Only the newest snapshot set is decided; stale sets are superseded.
	current := snapshots[:0]
	for _, snap := range snapshots {
		if snap.AsofTs == latestAsof {
			current = append(current, snap)
		}
	}
	byMarket := make(map[string]*schema.EdgeSnapshot, len(current))
	for _, snap := range current {
		byMarket[snap.MarketID] = snap
	}

	decisions := Decide(current, e.cfg.Params)
	for _, decision := range decisions {
		if decision.WouldTrade && e.hook != nil {
			ok, hookErr := e.hook.Accept(decision, byMarket[decision.MarketID])
			if hookErr != nil {
				observability.Log().Warn("decision hook error, failing open",
					observability.F("market_id", decision.MarketID),
					observability.F("error", hookErr.Error()))
			}
			if !ok {
				decision.WouldTrade = false
				reason := ReasonHookRejected
				decision.ReasonNotEligible = &reason
			}
		}
		if err := e.emit(ctx, decision); err != nil {
			observability.Log().Error("decision emit failed",
				observability.F("market_id", decision.MarketID),
				observability.F("error", err.Error()))
		}
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, decision *schema.OpportunityDecision) error {
	env, err := schema.NewEnvelope(schema.EventTypeOpportunityDecision, e.cfg.Source, decision.TsEval, decision)
	if err != nil {
		return err
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	side, reason := "", ""
	if decision.Side != nil {
		side = string(*decision.Side)
	}
	if decision.ReasonNotEligible != nil {
		reason = *decision.ReasonNotEligible
	}
	e.decisions.Add(ctx, 1, metric.WithAttributes(
		telemetry.DecisionAttributes(e.cfg.Environment, side, reason)...))
	headers := map[string]string{bus.HeaderMsgID: env.IdempotencyKey}
	return e.bus.Publish(ctx, schema.SubjectOpportunityDecisions, env.IdempotencyKey, headers, raw)
}
