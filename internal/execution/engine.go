// Package execution simulates order and fill lifecycle for TAKE decisions
// under risk gates, cooldowns, and a file-based kill switch.
package execution

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/strikeline/strikeline/internal/bus"
	"github.com/strikeline/strikeline/internal/observability"
	"github.com/strikeline/strikeline/internal/schema"
	"github.com/strikeline/strikeline/internal/telemetry"
)

// Reject reasons in gate priority order.
const (
	RejectKillSwitch       = "kill_switch_active"
	RejectMissingSide      = "missing_side"
	RejectPositionOpen     = "position_open"
	RejectPositionOpposite = "position_open_opposite_side"
	RejectCooldown         = "cooldown_active"
	RejectMaxOpen          = "max_open_positions"
)

// CloseReasonSettled marks fills produced by contract settlement.
const CloseReasonSettled = "settled"

// Config wires the paper execution worker.
type Config struct {
	MaxOpenPositions int
	CooldownSeconds  float64
	KillSwitchPath   string
	Quantity         int

	BatchCap     int
	FetchTimeout time.Duration

	AlertRejectRate    float64
	AlertMinOrders     int
	AlertWindowSeconds float64
	AlertCooldown      time.Duration

	Source      string
	Environment string
}

// Position is one open paper position.
type Position struct {
	Side     schema.Side
	TsOpen   float64
	Quantity int
	OrderID  string
}

// Counters snapshot the engine's processing counts.
type Counters struct {
	Processed          int
	Accepted           int
	RejectedByReason   map[string]int
	DuplicateDecisions int
	ParseErrors        int
	Closed             int
}

// Engine consumes decisions and contract updates through its two durable
// consumers, decisions taking priority each cycle.
type Engine struct {
	cfg       Config
	bus       bus.Bus
	decisions bus.Consumer
	contracts bus.Consumer

	positions   map[string]Position
	recentTakes []float64
	seen        map[string]struct{}
	counters    Counters

	rejectWindow []rejectSample
	alerts       *observability.Throttle

	now func() time.Time

	orders  metric.Int64Counter
	fills   metric.Int64Counter
	rejects metric.Int64Counter
}

type rejectSample struct {
	ts       float64
	rejected bool
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithClock overrides wall-clock time, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New binds the worker's durable consumers.
func New(cfg Config, b bus.Bus, opts ...Option) (*Engine, error) {
	if cfg.Quantity <= 0 {
		cfg.Quantity = 1
	}
	decisions, err := b.PullSubscribe(schema.StreamStrategyEvents, "execution")
	if err != nil {
		return nil, err
	}
	contracts, err := b.PullSubscribe(schema.StreamMarketEvents, "execution-settlement")
	if err != nil {
		return nil, err
	}
	meter := otel.Meter("strikeline/execution")
	orders, _ := meter.Int64Counter("execution.orders",
		metric.WithDescription("Paper orders by status"))
	fills, _ := meter.Int64Counter("execution.fills",
		metric.WithDescription("Paper fills by action"))
	rejects, _ := meter.Int64Counter("execution.rejects",
		metric.WithDescription("Paper order rejections by reason"))
	e := &Engine{
		cfg:       cfg,
		bus:       b,
		decisions: decisions,
		contracts: contracts,
		positions: make(map[string]Position),
		seen:      make(map[string]struct{}),
		counters:  Counters{RejectedByReason: make(map[string]int)},
		alerts:    observability.NewThrottle(cfg.AlertCooldown),
		now:       time.Now,
		orders:    orders,
		fills:     fills,
		rejects:   rejects,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run processes cycles until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.Cycle(ctx); err != nil {
			observability.Log().Error("execution cycle failed",
				observability.F("error", err.Error()))
		}
	}
}

// Cycle drains one decisions batch, then one contract-updates batch.
// Decisions always go first so settlement never outruns entries.
func (e *Engine) Cycle(ctx context.Context) error {
	if err := e.drainDecisions(ctx); err != nil {
		return err
	}
	return e.drainContracts(ctx)
}

func (e *Engine) drainDecisions(ctx context.Context) error {
	msgs, err := e.decisions.Fetch(ctx, e.cfg.BatchCap, e.cfg.FetchTimeout)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg.Subject != schema.SubjectOpportunityDecisions {
			if err := e.decisions.Ack(msg); err != nil {
				return err
			}
			continue
		}
		env, decodeErr := schema.ParseEnvelope(msg.Data)
		var payload schema.Payload
		if decodeErr == nil {
			payload, decodeErr = schema.DecodePayload(env)
		}
		if decodeErr != nil {
			e.counters.ParseErrors++
			_ = bus.PublishInvalid(ctx, e.bus, msg.Subject, msg.Data, decodeErr)
			_ = e.decisions.Ack(msg)
			continue
		}
		e.handleDecision(ctx, env, payload.(*schema.OpportunityDecision))
		if err := e.decisions.Ack(msg); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) drainContracts(ctx context.Context) error {
	msgs, err := e.contracts.Fetch(ctx, e.cfg.BatchCap, e.cfg.FetchTimeout)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg.Subject != schema.SubjectContractUpdates {
			if err := e.contracts.Ack(msg); err != nil {
				return err
			}
			continue
		}
		env, decodeErr := schema.ParseEnvelope(msg.Data)
		var payload schema.Payload
		if decodeErr == nil {
			payload, decodeErr = schema.DecodePayload(env)
		}
		if decodeErr != nil {
			e.counters.ParseErrors++
			_ = bus.PublishInvalid(ctx, e.bus, msg.Subject, msg.Data, decodeErr)
			_ = e.contracts.Ack(msg)
			continue
		}
		e.handleContract(ctx, payload.(*schema.ContractUpdate))
		if err := e.contracts.Ack(msg); err != nil {
			return err
		}
	}
	return nil
}

// handleDecision applies risk gates to a TAKE and emits order/fill events.
func (e *Engine) handleDecision(ctx context.Context, env *schema.Envelope, decision *schema.OpportunityDecision) {
	if !decision.Eligible || !decision.WouldTrade {
		return
	}
	if _, dup := e.seen[env.IdempotencyKey]; dup {
		e.counters.DuplicateDecisions++
		return
	}
	e.seen[env.IdempotencyKey] = struct{}{}
	e.counters.Processed++
	now := e.unixNow()

	if reason := e.rejectReason(decision, now); reason != "" {
		e.counters.RejectedByReason[reason]++
		e.recordOutcome(now, true)
		e.rejects.Add(ctx, 1, metric.WithAttributes(
			telemetry.DecisionAttributes(e.cfg.Environment, sideString(decision.Side), reason)...))
		e.emitOrder(ctx, decision, now, schema.StatusRejected, &reason, env.IdempotencyKey)
		e.maybeAlert(now)
		return
	}

	e.counters.Accepted++
	e.recordOutcome(now, false)
	orderID := e.emitOrder(ctx, decision, now, schema.StatusFilled, nil, env.IdempotencyKey)
	e.emitOpenFill(ctx, decision, now, orderID, env.IdempotencyKey)

	e.positions[decision.MarketID] = Position{
		Side:     *decision.Side,
		TsOpen:   now,
		Quantity: e.cfg.Quantity,
		OrderID:  orderID,
	}
	e.recentTakes = append(e.recentTakes, now)
	e.maybeAlert(now)
}

// rejectReason evaluates the gates in priority order; empty means accepted.
func (e *Engine) rejectReason(decision *schema.OpportunityDecision, now float64) string {
	if e.killSwitchEngaged() {
		return RejectKillSwitch
	}
	if decision.Side == nil {
		return RejectMissingSide
	}
	if pos, open := e.positions[decision.MarketID]; open {
		if pos.Side == *decision.Side {
			return RejectPositionOpen
		}
		return RejectPositionOpposite
	}
	if e.cfg.CooldownSeconds > 0 {
		e.pruneTakes(now)
		if len(e.recentTakes) > 0 {
			return RejectCooldown
		}
	}
	if e.cfg.MaxOpenPositions > 0 && len(e.positions) >= e.cfg.MaxOpenPositions {
		return RejectMaxOpen
	}
	return ""
}

// handleContract closes an open position when its contract settles.
func (e *Engine) handleContract(ctx context.Context, cu *schema.ContractUpdate) {
	if cu.Outcome == nil && cu.SettledTs == nil {
		return
	}
	pos, open := e.positions[cu.Ticker]
	if !open {
		return
	}
	ts := e.unixNow()
	if cu.SettledTs != nil {
		ts = *cu.SettledTs
	}
	price := settlementPrice(cu.Outcome, pos.Side)
	reason := CloseReasonSettled
	fill := &schema.ExecutionFill{
		TsFill:     ts,
		FillID:     uuid.NewString(),
		OrderID:    pos.OrderID,
		MarketID:   cu.Ticker,
		Side:       pos.Side,
		Action:     schema.ActionClose,
		Quantity:   pos.Quantity,
		PriceCents: &price,
		Outcome:    cu.Outcome,
		Reason:     &reason,
		Paper:      true,
	}
	if err := e.publishFill(ctx, fill); err != nil {
		observability.Log().Error("close fill emit failed",
			observability.F("market_id", cu.Ticker),
			observability.F("error", err.Error()))
		return
	}
	delete(e.positions, cu.Ticker)
	e.counters.Closed++
	e.fills.Add(ctx, 1, metric.WithAttributes(
		telemetry.DecisionAttributes(e.cfg.Environment, string(pos.Side), CloseReasonSettled)...))
}

// settlementPrice pays 100 when the position side won, else 0.
func settlementPrice(outcome *int, side schema.Side) float64 {
	if outcome == nil {
		return 0
	}
	if (*outcome == 1 && side == schema.SideYes) || (*outcome == 0 && side == schema.SideNo) {
		return 100
	}
	return 0
}

func (e *Engine) emitOrder(ctx context.Context, decision *schema.OpportunityDecision, now float64, status string, reason *string, decisionKey string) string {
	orderID := uuid.NewString()
	order := &schema.ExecutionOrder{
		TsOrder:                now,
		OrderID:                orderID,
		MarketID:               decision.MarketID,
		Action:                 schema.ActionOpen,
		Quantity:               e.cfg.Quantity,
		Status:                 status,
		Reason:                 reason,
		OpportunityIdempotency: &decisionKey,
		Paper:                  true,
	}
	if decision.Side != nil {
		order.Side = *decision.Side
	}
	env, err := schema.NewEnvelope(schema.EventTypeExecutionOrder, e.cfg.Source, now, order)
	if err != nil {
		observability.Log().Error("order envelope failed",
			observability.F("market_id", decision.MarketID),
			observability.F("error", err.Error()))
		return orderID
	}
	raw, _ := env.Encode()
	headers := map[string]string{bus.HeaderMsgID: env.IdempotencyKey}
	if err := e.bus.Publish(ctx, schema.SubjectExecutionOrders, env.IdempotencyKey, headers, raw); err != nil {
		observability.Log().Error("order emit failed",
			observability.F("order_id", orderID),
			observability.F("error", err.Error()))
	}
	e.orders.Add(ctx, 1, metric.WithAttributes(
		telemetry.DecisionAttributes(e.cfg.Environment, sideString(decision.Side), status)...))
	return orderID
}

func (e *Engine) emitOpenFill(ctx context.Context, decision *schema.OpportunityDecision, now float64, orderID, decisionKey string) {
	fill := &schema.ExecutionFill{
		TsFill:                 now,
		FillID:                 uuid.NewString(),
		OrderID:                orderID,
		MarketID:               decision.MarketID,
		Side:                   *decision.Side,
		Action:                 schema.ActionOpen,
		Quantity:               e.cfg.Quantity,
		OpportunityIdempotency: &decisionKey,
		Paper:                  true,
	}
	if err := e.publishFill(ctx, fill); err != nil {
		observability.Log().Error("open fill emit failed",
			observability.F("order_id", orderID),
			observability.F("error", err.Error()))
		return
	}
	e.fills.Add(ctx, 1, metric.WithAttributes(
		telemetry.DecisionAttributes(e.cfg.Environment, string(fill.Side), schema.ActionOpen)...))
}

func (e *Engine) publishFill(ctx context.Context, fill *schema.ExecutionFill) error {
	env, err := schema.NewEnvelope(schema.EventTypeExecutionFill, e.cfg.Source, fill.TsFill, fill)
	if err != nil {
		return err
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	headers := map[string]string{bus.HeaderMsgID: env.IdempotencyKey}
	return e.bus.Publish(ctx, schema.SubjectExecutionFills, env.IdempotencyKey, headers, raw)
}

func (e *Engine) killSwitchEngaged() bool {
	if e.cfg.KillSwitchPath == "" {
		return false
	}
	_, err := os.Stat(e.cfg.KillSwitchPath)
	return err == nil
}

func (e *Engine) pruneTakes(now float64) {
	floor := now - e.cfg.CooldownSeconds
	kept := e.recentTakes[:0]
	for _, ts := range e.recentTakes {
		if ts > floor {
			kept = append(kept, ts)
		}
	}
	e.recentTakes = kept
}

func (e *Engine) recordOutcome(now float64, rejected bool) {
	e.rejectWindow = append(e.rejectWindow, rejectSample{ts: now, rejected: rejected})
	if e.cfg.AlertWindowSeconds > 0 {
		floor := now - e.cfg.AlertWindowSeconds
		kept := e.rejectWindow[:0]
		for _, s := range e.rejectWindow {
			if s.ts > floor {
				kept = append(kept, s)
			}
		}
		e.rejectWindow = kept
	}
}

// maybeAlert emits a rate-limited warning when the rolling reject rate
// crosses the configured threshold.
func (e *Engine) maybeAlert(now float64) {
	if e.cfg.AlertMinOrders <= 0 || e.cfg.AlertRejectRate <= 0 {
		return
	}
	processed := len(e.rejectWindow)
	if processed < e.cfg.AlertMinOrders {
		return
	}
	rejected := 0
	for _, s := range e.rejectWindow {
		if s.rejected {
			rejected++
		}
	}
	rate := float64(rejected) / float64(processed)
	if rate > e.cfg.AlertRejectRate {
		e.alerts.Warn("reject-rate", "ALERT reject rate above threshold",
			observability.F("rate", rate),
			observability.F("processed", processed),
			observability.F("rejected", rejected))
	}
}

// Snapshot returns a copy of the engine's counters and open positions for
// health reporting.
func (e *Engine) Snapshot() (Counters, map[string]Position) {
	counters := e.counters
	counters.RejectedByReason = make(map[string]int, len(e.counters.RejectedByReason))
	for k, v := range e.counters.RejectedByReason {
		counters.RejectedByReason[k] = v
	}
	positions := make(map[string]Position, len(e.positions))
	for k, v := range e.positions {
		positions[k] = v
	}
	return counters, positions
}

func (e *Engine) unixNow() float64 {
	return float64(e.now().UnixNano()) / float64(time.Second)
}

func sideString(side *schema.Side) string {
	if side == nil {
		return ""
	}
	return string(*side)
}
