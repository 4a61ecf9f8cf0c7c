// Package postgres persists raw pipeline events and their latest-state
// projections in a PostgreSQL event store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strikeline/strikeline/config"
	"github.com/strikeline/strikeline/errs"
	"github.com/strikeline/strikeline/internal/schema"
)

// Store writes envelopes to event_store.events_raw and maintains one
// latest-state projection row per entity. All writes for a single envelope
// happen in one transaction: either the raw row and its projection both
// land, or neither does.
type Store struct {
	pool *pgxpool.Pool
}

// NewPool opens a pgx connection pool configured from store settings.
func NewPool(ctx context.Context, cfg config.StoreSettings) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PGDSN)
	if err != nil {
		return nil, errs.New("persistence", errs.CodeConfig,
			errs.WithMessage("parse PG_DSN"), errs.WithCause(err))
	}
	if cfg.PoolMin > 0 {
		poolCfg.MinConns = int32(cfg.PoolMin)
	}
	if cfg.PoolMax > 0 {
		poolCfg.MaxConns = int32(cfg.PoolMax)
	}
	if cfg.StatementTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] =
			fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errs.New("persistence", errs.CodeTransientIO,
			errs.WithMessage("open pgx pool"), errs.WithCause(err))
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errs.New("persistence", errs.CodeTransientIO,
			errs.WithMessage("ping postgres"), errs.WithCause(err))
	}
	return pool, nil
}

// New constructs a Store backed by the provided pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const (
	rawInsertSQL = `
INSERT INTO event_store.events_raw (
    event_type,
    schema_version,
    idempotency_key,
    ts_event,
    source,
    payload_json,
    event_json,
    created_at
)
VALUES (
    @event_type,
    @schema_version,
    @idempotency_key,
    @ts_event,
    @source,
    @payload_json::jsonb,
    @event_json::jsonb,
    NOW()
)
ON CONFLICT (event_type, idempotency_key) DO NOTHING;
`

	spotUpsertSQL = `
INSERT INTO event_store.state_spot_latest (
    product_id, ts, price, best_bid, best_ask, bid_qty, ask_qty,
    sequence_num, ts_event, updated_at
)
VALUES (
    @product_id, @ts, @price, @best_bid, @best_ask, @bid_qty, @ask_qty,
    @sequence_num, @ts_event, NOW()
)
ON CONFLICT (product_id) DO UPDATE SET
    ts = EXCLUDED.ts,
    price = EXCLUDED.price,
    best_bid = EXCLUDED.best_bid,
    best_ask = EXCLUDED.best_ask,
    bid_qty = EXCLUDED.bid_qty,
    ask_qty = EXCLUDED.ask_qty,
    sequence_num = EXCLUDED.sequence_num,
    ts_event = EXCLUDED.ts_event,
    updated_at = NOW()
WHERE EXCLUDED.ts >= event_store.state_spot_latest.ts;
`

	quoteUpsertSQL = `
INSERT INTO event_store.state_quote_latest (
    market_id, ts, yes_bid, yes_ask, no_bid, no_ask, yes_mid, no_mid,
    p_mid, source_msg_id, ts_event, updated_at
)
VALUES (
    @market_id, @ts, @yes_bid, @yes_ask, @no_bid, @no_ask, @yes_mid, @no_mid,
    @p_mid, @source_msg_id, @ts_event, NOW()
)
ON CONFLICT (market_id) DO UPDATE SET
    ts = EXCLUDED.ts,
    yes_bid = EXCLUDED.yes_bid,
    yes_ask = EXCLUDED.yes_ask,
    no_bid = EXCLUDED.no_bid,
    no_ask = EXCLUDED.no_ask,
    yes_mid = EXCLUDED.yes_mid,
    no_mid = EXCLUDED.no_mid,
    p_mid = EXCLUDED.p_mid,
    source_msg_id = EXCLUDED.source_msg_id,
    ts_event = EXCLUDED.ts_event,
    updated_at = NOW()
WHERE EXCLUDED.ts >= event_store.state_quote_latest.ts;
`

	marketUpsertSQL = `
INSERT INTO event_store.state_market_latest (
    market_id, status, close_ts, expected_expiration_ts, expiration_ts,
    settlement_ts, ts_event, updated_at
)
VALUES (
    @market_id, @status, @close_ts, @expected_expiration_ts, @expiration_ts,
    @settlement_ts, @ts_event, NOW()
)
ON CONFLICT (market_id) DO UPDATE SET
    status = CASE WHEN EXCLUDED.status <> '' THEN EXCLUDED.status
                  ELSE event_store.state_market_latest.status END,
    close_ts = COALESCE(EXCLUDED.close_ts, event_store.state_market_latest.close_ts),
    expected_expiration_ts = COALESCE(EXCLUDED.expected_expiration_ts,
                                      event_store.state_market_latest.expected_expiration_ts),
    expiration_ts = COALESCE(EXCLUDED.expiration_ts, event_store.state_market_latest.expiration_ts),
    settlement_ts = COALESCE(EXCLUDED.settlement_ts, event_store.state_market_latest.settlement_ts),
    ts_event = EXCLUDED.ts_event,
    updated_at = NOW()
WHERE EXCLUDED.ts_event >= event_store.state_market_latest.ts_event;
`

	contractUpsertSQL = `
INSERT INTO event_store.state_contract_latest (
    ticker, lower_bound, upper_bound, strike_type, close_ts,
    expected_expiration_ts, expiration_ts, settled_ts, outcome,
    ts_event, updated_at
)
VALUES (
    @ticker, @lower_bound, @upper_bound, @strike_type, @close_ts,
    @expected_expiration_ts, @expiration_ts, @settled_ts, @outcome,
    @ts_event, NOW()
)
ON CONFLICT (ticker) DO UPDATE SET
    lower_bound = COALESCE(EXCLUDED.lower_bound, event_store.state_contract_latest.lower_bound),
    upper_bound = COALESCE(EXCLUDED.upper_bound, event_store.state_contract_latest.upper_bound),
    strike_type = COALESCE(EXCLUDED.strike_type, event_store.state_contract_latest.strike_type),
    close_ts = COALESCE(EXCLUDED.close_ts, event_store.state_contract_latest.close_ts),
    expected_expiration_ts = COALESCE(EXCLUDED.expected_expiration_ts,
                                      event_store.state_contract_latest.expected_expiration_ts),
    expiration_ts = COALESCE(EXCLUDED.expiration_ts, event_store.state_contract_latest.expiration_ts),
    settled_ts = COALESCE(EXCLUDED.settled_ts, event_store.state_contract_latest.settled_ts),
    outcome = COALESCE(EXCLUDED.outcome, event_store.state_contract_latest.outcome),
    ts_event = EXCLUDED.ts_event,
    updated_at = NOW()
WHERE EXCLUDED.ts_event >= event_store.state_contract_latest.ts_event;
`

	edgeUpsertSQL = `
INSERT INTO event_store.strategy_edge_latest (
    market_id, asof_ts, spot_ts, spot_price, sigma_annualized,
    prob_yes, prob_yes_raw, horizon_seconds, quote_ts,
    yes_bid, yes_ask, no_bid, no_ask, yes_mid, no_mid,
    ev_take_yes, ev_take_no, spot_age_seconds, quote_age_seconds,
    sigma_ok, sigma_source, sigma_reason, strategy_version,
    ts_event, updated_at
)
VALUES (
    @market_id, @asof_ts, @spot_ts, @spot_price, @sigma_annualized,
    @prob_yes, @prob_yes_raw, @horizon_seconds, @quote_ts,
    @yes_bid, @yes_ask, @no_bid, @no_ask, @yes_mid, @no_mid,
    @ev_take_yes, @ev_take_no, @spot_age_seconds, @quote_age_seconds,
    @sigma_ok, @sigma_source, @sigma_reason, @strategy_version,
    @ts_event, NOW()
)
ON CONFLICT (market_id) DO UPDATE SET
    asof_ts = EXCLUDED.asof_ts,
    spot_ts = EXCLUDED.spot_ts,
    spot_price = EXCLUDED.spot_price,
    sigma_annualized = EXCLUDED.sigma_annualized,
    prob_yes = EXCLUDED.prob_yes,
    prob_yes_raw = EXCLUDED.prob_yes_raw,
    horizon_seconds = EXCLUDED.horizon_seconds,
    quote_ts = EXCLUDED.quote_ts,
    yes_bid = EXCLUDED.yes_bid,
    yes_ask = EXCLUDED.yes_ask,
    no_bid = EXCLUDED.no_bid,
    no_ask = EXCLUDED.no_ask,
    yes_mid = EXCLUDED.yes_mid,
    no_mid = EXCLUDED.no_mid,
    ev_take_yes = EXCLUDED.ev_take_yes,
    ev_take_no = EXCLUDED.ev_take_no,
    spot_age_seconds = EXCLUDED.spot_age_seconds,
    quote_age_seconds = EXCLUDED.quote_age_seconds,
    sigma_ok = EXCLUDED.sigma_ok,
    sigma_source = EXCLUDED.sigma_source,
    sigma_reason = EXCLUDED.sigma_reason,
    strategy_version = EXCLUDED.strategy_version,
    ts_event = EXCLUDED.ts_event,
    updated_at = NOW()
WHERE EXCLUDED.asof_ts >= event_store.strategy_edge_latest.asof_ts;
`

	opportunityUpsertSQL = `
INSERT INTO event_store.strategy_opportunity_latest (
    market_id, ts_eval, eligible, would_trade, side, reason_not_eligible,
    ev_raw, ev_net, strategy_version, ts_event, updated_at
)
VALUES (
    @market_id, @ts_eval, @eligible, @would_trade, @side, @reason_not_eligible,
    @ev_raw, @ev_net, @strategy_version, @ts_event, NOW()
)
ON CONFLICT (market_id) DO UPDATE SET
    ts_eval = EXCLUDED.ts_eval,
    eligible = EXCLUDED.eligible,
    would_trade = EXCLUDED.would_trade,
    side = EXCLUDED.side,
    reason_not_eligible = EXCLUDED.reason_not_eligible,
    ev_raw = EXCLUDED.ev_raw,
    ev_net = EXCLUDED.ev_net,
    strategy_version = EXCLUDED.strategy_version,
    ts_event = EXCLUDED.ts_event,
    updated_at = NOW()
WHERE EXCLUDED.ts_eval >= event_store.strategy_opportunity_latest.ts_eval;
`

	orderUpsertSQL = `
INSERT INTO event_store.execution_order_latest (
    order_id, ts_order, market_id, side, action, quantity, price_cents,
    status, reason, opportunity_idempotency_key, paper, ts_event, updated_at
)
VALUES (
    @order_id, @ts_order, @market_id, @side, @action, @quantity, @price_cents,
    @status, @reason, @opportunity_idempotency_key, @paper, @ts_event, NOW()
)
ON CONFLICT (order_id) DO UPDATE SET
    ts_order = EXCLUDED.ts_order,
    market_id = EXCLUDED.market_id,
    side = EXCLUDED.side,
    action = EXCLUDED.action,
    quantity = EXCLUDED.quantity,
    price_cents = EXCLUDED.price_cents,
    status = EXCLUDED.status,
    reason = EXCLUDED.reason,
    opportunity_idempotency_key = EXCLUDED.opportunity_idempotency_key,
    paper = EXCLUDED.paper,
    ts_event = EXCLUDED.ts_event,
    updated_at = NOW();
`

	fillUpsertSQL = `
INSERT INTO event_store.execution_fill_latest (
    fill_id, order_id, ts_fill, market_id, side, action, quantity,
    price_cents, outcome, reason, opportunity_idempotency_key, paper,
    ts_event, updated_at
)
VALUES (
    @fill_id, @order_id, @ts_fill, @market_id, @side, @action, @quantity,
    @price_cents, @outcome, @reason, @opportunity_idempotency_key, @paper,
    @ts_event, NOW()
)
ON CONFLICT (fill_id) DO UPDATE SET
    order_id = EXCLUDED.order_id,
    ts_fill = EXCLUDED.ts_fill,
    market_id = EXCLUDED.market_id,
    side = EXCLUDED.side,
    action = EXCLUDED.action,
    quantity = EXCLUDED.quantity,
    price_cents = EXCLUDED.price_cents,
    outcome = EXCLUDED.outcome,
    reason = EXCLUDED.reason,
    opportunity_idempotency_key = EXCLUDED.opportunity_idempotency_key,
    paper = EXCLUDED.paper,
    ts_event = EXCLUDED.ts_event,
    updated_at = NOW();
`
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// ApplyEnvelope inserts the raw envelope and, when the raw row is new,
// applies the matching projection upsert. Returns false when the
// (event_type, idempotency_key) pair was already stored; the projection is
// then skipped and the call is a no-op.
func (s *Store) ApplyEnvelope(ctx context.Context, env *schema.Envelope, payload schema.Payload) (bool, error) {
	if s.pool == nil {
		return false, errs.New("persistence", errs.CodeConfig, errs.WithMessage("nil pool"))
	}

	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite

	tx, err := s.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return false, errs.New("persistence", errs.CodeTransientIO,
			errs.WithMessage("begin tx"), errs.WithCause(err))
	}

	inserted, err := s.applyWith(ctx, tx, env, payload)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return false, errs.New("persistence", errs.CodePersist,
				errs.WithMessage("rollback tx"), errs.WithCause(rbErr),
				errs.WithContext("original", err.Error()))
		}
		return false, err
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return false, errs.New("persistence", errs.CodePersist,
			errs.WithMessage("commit tx"), errs.WithCause(err))
	}
	return inserted, nil
}

func (s *Store) applyWith(ctx context.Context, exec execer, env *schema.Envelope, payload schema.Payload) (bool, error) {
	eventJSON, err := env.Encode()
	if err != nil {
		return false, err
	}
	args := pgx.NamedArgs{
		"event_type":      string(env.EventType),
		"schema_version":  env.SchemaVersion,
		"idempotency_key": env.IdempotencyKey,
		"ts_event":        env.TsEvent,
		"source":          env.Source,
		"payload_json":    []byte(env.Payload),
		"event_json":      eventJSON,
	}
	tag, err := exec.Exec(ctx, rawInsertSQL, args)
	if err != nil {
		return false, errs.New("persistence", errs.CodePersist,
			errs.WithMessage("insert raw event"), errs.WithCause(err),
			errs.WithContext("event_type", string(env.EventType)))
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := s.project(ctx, exec, env, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) project(ctx context.Context, exec execer, env *schema.Envelope, payload schema.Payload) error {
	var (
		sql  string
		args pgx.NamedArgs
	)
	switch p := payload.(type) {
	case *schema.SpotTick:
		sql = spotUpsertSQL
		args = pgx.NamedArgs{
			"product_id":   p.ProductID,
			"ts":           p.Ts,
			"price":        p.Price,
			"best_bid":     floatArg(p.BestBid),
			"best_ask":     floatArg(p.BestAsk),
			"bid_qty":      floatArg(p.BidQty),
			"ask_qty":      floatArg(p.AskQty),
			"sequence_num": int64Arg(p.SequenceNum),
			"ts_event":     env.TsEvent,
		}
	case *schema.QuoteUpdate:
		sql = quoteUpsertSQL
		args = pgx.NamedArgs{
			"market_id":     p.MarketID,
			"ts":            p.Ts,
			"yes_bid":       floatArg(p.YesBid),
			"yes_ask":       floatArg(p.YesAsk),
			"no_bid":        floatArg(p.NoBid),
			"no_ask":        floatArg(p.NoAsk),
			"yes_mid":       floatArg(p.YesMid),
			"no_mid":        floatArg(p.NoMid),
			"p_mid":         floatArg(p.PMid),
			"source_msg_id": stringArg(p.SourceMsgID),
			"ts_event":      env.TsEvent,
		}
	case *schema.MarketLifecycle:
		sql = marketUpsertSQL
		args = pgx.NamedArgs{
			"market_id":              p.MarketID,
			"status":                 p.Status,
			"close_ts":               floatArg(p.CloseTs),
			"expected_expiration_ts": floatArg(p.ExpectedExpirationTs),
			"expiration_ts":          floatArg(p.ExpirationTs),
			"settlement_ts":          floatArg(p.SettlementTs),
			"ts_event":               env.TsEvent,
		}
	case *schema.ContractUpdate:
		sql = contractUpsertSQL
		args = pgx.NamedArgs{
			"ticker":                 p.Ticker,
			"lower_bound":            floatArg(p.Lower),
			"upper_bound":            floatArg(p.Upper),
			"strike_type":            nullableStrikeType(p.StrikeType),
			"close_ts":               floatArg(p.CloseTs),
			"expected_expiration_ts": floatArg(p.ExpectedExpirationTs),
			"expiration_ts":          floatArg(p.ExpirationTs),
			"settled_ts":             floatArg(p.SettledTs),
			"outcome":                intArg(p.Outcome),
			"ts_event":               env.TsEvent,
		}
	case *schema.EdgeSnapshot:
		sql = edgeUpsertSQL
		args = pgx.NamedArgs{
			"market_id":         p.MarketID,
			"asof_ts":           p.AsofTs,
			"spot_ts":           p.SpotTs,
			"spot_price":        p.SpotPrice,
			"sigma_annualized":  p.SigmaAnnualized,
			"prob_yes":          floatArg(p.ProbYes),
			"prob_yes_raw":      floatArg(p.ProbYesRaw),
			"horizon_seconds":   p.HorizonSeconds,
			"quote_ts":          floatArg(p.QuoteTs),
			"yes_bid":           floatArg(p.YesBid),
			"yes_ask":           floatArg(p.YesAsk),
			"no_bid":            floatArg(p.NoBid),
			"no_ask":            floatArg(p.NoAsk),
			"yes_mid":           floatArg(p.YesMid),
			"no_mid":            floatArg(p.NoMid),
			"ev_take_yes":       floatArg(p.EvTakeYes),
			"ev_take_no":        floatArg(p.EvTakeNo),
			"spot_age_seconds":  p.SpotAgeSeconds,
			"quote_age_seconds": floatArg(p.QuoteAgeSeconds),
			"sigma_ok":          p.SigmaQuality.Ok,
			"sigma_source":      p.SigmaQuality.Source,
			"sigma_reason":      stringArg(p.SigmaQuality.Reason),
			"strategy_version":  p.StrategyVersion,
			"ts_event":          env.TsEvent,
		}
	case *schema.OpportunityDecision:
		sql = opportunityUpsertSQL
		args = pgx.NamedArgs{
			"market_id":           p.MarketID,
			"ts_eval":             p.TsEval,
			"eligible":            p.Eligible,
			"would_trade":         p.WouldTrade,
			"side":                sideArg(p.Side),
			"reason_not_eligible": stringArg(p.ReasonNotEligible),
			"ev_raw":              floatArg(p.EvRaw),
			"ev_net":              floatArg(p.EvNet),
			"strategy_version":    p.StrategyVersion,
			"ts_event":            env.TsEvent,
		}
	case *schema.ExecutionOrder:
		sql = orderUpsertSQL
		args = pgx.NamedArgs{
			"order_id":                    p.OrderID,
			"ts_order":                    p.TsOrder,
			"market_id":                   p.MarketID,
			"side":                        string(p.Side),
			"action":                      string(p.Action),
			"quantity":                    p.Quantity,
			"price_cents":                 floatArg(p.PriceCents),
			"status":                      string(p.Status),
			"reason":                      stringArg(p.Reason),
			"opportunity_idempotency_key": stringArg(p.OpportunityIdempotency),
			"paper":                       p.Paper,
			"ts_event":                    env.TsEvent,
		}
	case *schema.ExecutionFill:
		sql = fillUpsertSQL
		args = pgx.NamedArgs{
			"fill_id":                     p.FillID,
			"order_id":                    p.OrderID,
			"ts_fill":                     p.TsFill,
			"market_id":                   p.MarketID,
			"side":                        string(p.Side),
			"action":                      string(p.Action),
			"quantity":                    p.Quantity,
			"price_cents":                 floatArg(p.PriceCents),
			"outcome":                     intArg(p.Outcome),
			"reason":                      stringArg(p.Reason),
			"opportunity_idempotency_key": stringArg(p.OpportunityIdempotency),
			"paper":                       p.Paper,
			"ts_event":                    env.TsEvent,
		}
	default:
		return errs.New("persistence", errs.CodeValidation,
			errs.WithMessage("no projection for payload type"),
			errs.WithContext("event_type", string(env.EventType)))
	}

	if _, err := exec.Exec(ctx, sql, args); err != nil {
		return errs.New("persistence", errs.CodePersist,
			errs.WithMessage("apply projection"), errs.WithCause(err),
			errs.WithContext("event_type", string(env.EventType)))
	}
	return nil
}

func floatArg(ptr *float64) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

func int64Arg(ptr *int64) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

func intArg(ptr *int) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

func stringArg(ptr *string) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

func sideArg(side *schema.Side) any {
	if side == nil {
		return nil
	}
	return string(*side)
}

func nullableStrikeType(st schema.StrikeType) any {
	if st == "" {
		return nil
	}
	return string(st)
}
