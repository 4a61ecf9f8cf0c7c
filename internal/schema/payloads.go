package schema

import (
	"github.com/strikeline/strikeline/errs"
)

// Side of a binary contract a decision or order acts on.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// StrikeType describes the payout shape of a binary contract.
type StrikeType string

const (
	StrikeLess    StrikeType = "less"
	StrikeGreater StrikeType = "greater"
	StrikeBetween StrikeType = "between"
)

// Order lifecycle values.
const (
	ActionOpen  = "open"
	ActionClose = "close"

	StatusFilled   = "filled"
	StatusRejected = "rejected"
)

// SpotTick is a trade/quote observation on the underlying spot product.
type SpotTick struct {
	Ts          float64  `json:"ts"`
	ProductID   string   `json:"product_id"`
	Price       float64  `json:"price"`
	BestBid     *float64 `json:"best_bid,omitempty"`
	BestAsk     *float64 `json:"best_ask,omitempty"`
	BidQty      *float64 `json:"bid_qty,omitempty"`
	AskQty      *float64 `json:"ask_qty,omitempty"`
	SequenceNum *int64   `json:"sequence_num,omitempty"`
}

func (p *SpotTick) Validate() error {
	if p.ProductID == "" {
		return errs.New("schema/spot_tick", errs.CodeValidation, errs.WithMessage("product_id required"))
	}
	if !(p.Price > 0) {
		return errs.New("schema/spot_tick", errs.CodeValidation,
			errs.WithMessage("price must be positive"),
			errs.WithContext("product_id", p.ProductID))
	}
	return nil
}

// QuoteUpdate is the top-of-book state of a binary market.
type QuoteUpdate struct {
	Ts          float64  `json:"ts"`
	MarketID    string   `json:"market_id"`
	YesBid      *float64 `json:"yes_bid,omitempty"`
	YesAsk      *float64 `json:"yes_ask,omitempty"`
	NoBid       *float64 `json:"no_bid,omitempty"`
	NoAsk       *float64 `json:"no_ask,omitempty"`
	YesMid      *float64 `json:"yes_mid,omitempty"`
	NoMid       *float64 `json:"no_mid,omitempty"`
	PMid        *float64 `json:"p_mid,omitempty"`
	SourceMsgID *string  `json:"source_msg_id,omitempty"`
}

func (p *QuoteUpdate) Validate() error {
	if p.MarketID == "" {
		return errs.New("schema/quote_update", errs.CodeValidation, errs.WithMessage("market_id required"))
	}
	if p.YesBid != nil && p.YesAsk != nil && *p.YesBid > *p.YesAsk {
		return errs.New("schema/quote_update", errs.CodeValidation,
			errs.WithMessage("yes_bid exceeds yes_ask"),
			errs.WithContext("market_id", p.MarketID))
	}
	if p.NoBid != nil && p.NoAsk != nil && *p.NoBid > *p.NoAsk {
		return errs.New("schema/quote_update", errs.CodeValidation,
			errs.WithMessage("no_bid exceeds no_ask"),
			errs.WithContext("market_id", p.MarketID))
	}
	if p.PMid != nil && (*p.PMid < 0 || *p.PMid > 1) {
		return errs.New("schema/quote_update", errs.CodeValidation,
			errs.WithMessage("p_mid outside [0,1]"),
			errs.WithContext("market_id", p.MarketID))
	}
	return nil
}

// MarketLifecycle carries status and timestamp transitions for a market.
type MarketLifecycle struct {
	MarketID             string   `json:"market_id"`
	Status               string   `json:"status"`
	CloseTs              *float64 `json:"close_ts,omitempty"`
	ExpectedExpirationTs *float64 `json:"expected_expiration_ts,omitempty"`
	ExpirationTs         *float64 `json:"expiration_ts,omitempty"`
	SettlementTs         *float64 `json:"settlement_ts,omitempty"`
}

func (p *MarketLifecycle) Validate() error {
	if p.MarketID == "" {
		return errs.New("schema/market_lifecycle", errs.CodeValidation, errs.WithMessage("market_id required"))
	}
	return nil
}

// ContractUpdate carries contract attribute and settlement changes.
// Outcome transitions are monotone unless Force is set.
type ContractUpdate struct {
	Ticker               string     `json:"ticker"`
	Lower                *float64   `json:"lower,omitempty"`
	Upper                *float64   `json:"upper,omitempty"`
	StrikeType           StrikeType `json:"strike_type,omitempty"`
	CloseTs              *float64   `json:"close_ts,omitempty"`
	ExpectedExpirationTs *float64   `json:"expected_expiration_ts,omitempty"`
	ExpirationTs         *float64   `json:"expiration_ts,omitempty"`
	SettledTs            *float64   `json:"settled_ts,omitempty"`
	Outcome              *int       `json:"outcome,omitempty"`
	Force                bool       `json:"force,omitempty"`
}

func (p *ContractUpdate) Validate() error {
	if p.Ticker == "" {
		return errs.New("schema/contract_update", errs.CodeValidation, errs.WithMessage("ticker required"))
	}
	switch p.StrikeType {
	case "":
		// attribute-only update; bounds checked once merged
	case StrikeLess:
		if p.Upper == nil {
			return errs.New("schema/contract_update", errs.CodeValidation,
				errs.WithMessage("less contract requires upper bound"),
				errs.WithContext("ticker", p.Ticker))
		}
	case StrikeGreater:
		if p.Lower == nil {
			return errs.New("schema/contract_update", errs.CodeValidation,
				errs.WithMessage("greater contract requires lower bound"),
				errs.WithContext("ticker", p.Ticker))
		}
	case StrikeBetween:
		if p.Lower == nil || p.Upper == nil || !(*p.Lower < *p.Upper) {
			return errs.New("schema/contract_update", errs.CodeValidation,
				errs.WithMessage("between contract requires lower < upper"),
				errs.WithContext("ticker", p.Ticker))
		}
	default:
		return errs.New("schema/contract_update", errs.CodeValidation,
			errs.WithMessage("unknown strike_type"),
			errs.WithContext("strike_type", string(p.StrikeType)))
	}
	if p.Outcome != nil && *p.Outcome != 0 && *p.Outcome != 1 {
		return errs.New("schema/contract_update", errs.CodeValidation,
			errs.WithMessage("outcome must be 0 or 1"),
			errs.WithContext("ticker", p.Ticker))
	}
	return nil
}

// SigmaQuality records how the volatility estimate used by a snapshot was obtained.
type SigmaQuality struct {
	Ok                  bool    `json:"ok"`
	Source              string  `json:"source"`
	Reason              *string `json:"reason,omitempty"`
	PointsUsed          int     `json:"points_used"`
	LookbackSecondsUsed int     `json:"lookback_seconds_used"`
	StepSeconds         float64 `json:"step_seconds"`
}

// EdgeSnapshot is the model output for one contract at one evaluation instant.
type EdgeSnapshot struct {
	AsofTs          float64      `json:"asof_ts"`
	MarketID        string       `json:"market_id"`
	SpotTs          float64      `json:"spot_ts"`
	SpotPrice       float64      `json:"spot_price"`
	SigmaAnnualized float64      `json:"sigma_annualized"`
	ProbYes         *float64     `json:"prob_yes,omitempty"`
	ProbYesRaw      *float64     `json:"prob_yes_raw,omitempty"`
	HorizonSeconds  float64      `json:"horizon_seconds"`
	QuoteTs         *float64     `json:"quote_ts,omitempty"`
	YesBid          *float64     `json:"yes_bid,omitempty"`
	YesAsk          *float64     `json:"yes_ask,omitempty"`
	NoBid           *float64     `json:"no_bid,omitempty"`
	NoAsk           *float64     `json:"no_ask,omitempty"`
	YesMid          *float64     `json:"yes_mid,omitempty"`
	NoMid           *float64     `json:"no_mid,omitempty"`
	EvTakeYes       *float64     `json:"ev_take_yes,omitempty"`
	EvTakeNo        *float64     `json:"ev_take_no,omitempty"`
	SpotAgeSeconds  float64      `json:"spot_age_seconds"`
	QuoteAgeSeconds *float64     `json:"quote_age_seconds,omitempty"`
	SigmaQuality    SigmaQuality `json:"sigma_quality"`
	StrategyVersion string       `json:"strategy_version"`
}

func (p *EdgeSnapshot) Validate() error {
	if p.MarketID == "" {
		return errs.New("schema/edge_snapshot", errs.CodeValidation, errs.WithMessage("market_id required"))
	}
	if p.StrategyVersion == "" {
		return errs.New("schema/edge_snapshot", errs.CodeValidation,
			errs.WithMessage("strategy_version required"),
			errs.WithContext("market_id", p.MarketID))
	}
	return nil
}

// OpportunityDecision is a per-side TAKE/PASS verdict for one snapshot.
type OpportunityDecision struct {
	TsEval            float64  `json:"ts_eval"`
	MarketID          string   `json:"market_id"`
	Eligible          bool     `json:"eligible"`
	WouldTrade        bool     `json:"would_trade"`
	Side              *Side    `json:"side,omitempty"`
	ReasonNotEligible *string  `json:"reason_not_eligible,omitempty"`
	EvRaw             *float64 `json:"ev_raw,omitempty"`
	EvNet             *float64 `json:"ev_net,omitempty"`
	StrategyVersion   string   `json:"strategy_version"`
}

func (p *OpportunityDecision) Validate() error {
	if p.MarketID == "" {
		return errs.New("schema/opportunity_decision", errs.CodeValidation, errs.WithMessage("market_id required"))
	}
	if p.Side != nil && *p.Side != SideYes && *p.Side != SideNo {
		return errs.New("schema/opportunity_decision", errs.CodeValidation,
			errs.WithMessage("side must be YES or NO"),
			errs.WithContext("market_id", p.MarketID))
	}
	if p.WouldTrade && p.Side == nil {
		return errs.New("schema/opportunity_decision", errs.CodeValidation,
			errs.WithMessage("would_trade decision requires side"),
			errs.WithContext("market_id", p.MarketID))
	}
	return nil
}

// ExecutionOrder is a simulated order submission, append-only per order_id.
type ExecutionOrder struct {
	TsOrder                float64  `json:"ts_order"`
	OrderID                string   `json:"order_id"`
	MarketID               string   `json:"market_id"`
	Side                   Side     `json:"side"`
	Action                 string   `json:"action"`
	Quantity               int      `json:"quantity"`
	PriceCents             *float64 `json:"price_cents,omitempty"`
	Status                 string   `json:"status"`
	Reason                 *string  `json:"reason,omitempty"`
	OpportunityIdempotency *string  `json:"opportunity_idempotency_key,omitempty"`
	Paper                  bool     `json:"paper"`
}

func (p *ExecutionOrder) Validate() error {
	if p.OrderID == "" {
		return errs.New("schema/execution_order", errs.CodeValidation, errs.WithMessage("order_id required"))
	}
	if p.Action != ActionOpen && p.Action != ActionClose {
		return errs.New("schema/execution_order", errs.CodeValidation,
			errs.WithMessage("action must be open or close"),
			errs.WithContext("order_id", p.OrderID))
	}
	if p.Status != StatusFilled && p.Status != StatusRejected {
		return errs.New("schema/execution_order", errs.CodeValidation,
			errs.WithMessage("status must be filled or rejected"),
			errs.WithContext("order_id", p.OrderID))
	}
	if p.Status == StatusFilled && p.Quantity < 1 {
		return errs.New("schema/execution_order", errs.CodeValidation,
			errs.WithMessage("filled order requires quantity >= 1"),
			errs.WithContext("order_id", p.OrderID))
	}
	return nil
}

// ExecutionFill is a simulated fill, append-only per fill_id.
type ExecutionFill struct {
	TsFill                 float64  `json:"ts_fill"`
	FillID                 string   `json:"fill_id"`
	OrderID                string   `json:"order_id"`
	MarketID               string   `json:"market_id"`
	Side                   Side     `json:"side"`
	Action                 string   `json:"action"`
	Quantity               int      `json:"quantity"`
	PriceCents             *float64 `json:"price_cents,omitempty"`
	Outcome                *int     `json:"outcome,omitempty"`
	Reason                 *string  `json:"reason,omitempty"`
	OpportunityIdempotency *string  `json:"opportunity_idempotency_key,omitempty"`
	Paper                  bool     `json:"paper"`
}

func (p *ExecutionFill) Validate() error {
	if p.FillID == "" {
		return errs.New("schema/execution_fill", errs.CodeValidation, errs.WithMessage("fill_id required"))
	}
	if p.Quantity < 1 {
		return errs.New("schema/execution_fill", errs.CodeValidation,
			errs.WithMessage("fill requires quantity >= 1"),
			errs.WithContext("fill_id", p.FillID))
	}
	if p.Outcome != nil && *p.Outcome != 0 && *p.Outcome != 1 {
		return errs.New("schema/execution_fill", errs.CodeValidation,
			errs.WithMessage("outcome must be 0 or 1"),
			errs.WithContext("fill_id", p.FillID))
	}
	return nil
}
