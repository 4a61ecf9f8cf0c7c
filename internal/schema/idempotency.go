package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/strikeline/strikeline/errs"
)

// keyHexLen is the number of sha256 hex characters kept in an idempotency key.
const keyHexLen = 24

// IdempotencyKey derives the deterministic key for a typed payload:
// <event_type>:v<schema_version>:<24-hex-prefix-of-sha256(canonical-subset)>.
// The canonical subset per type is the business identity of the event; types
// whose identity is optional (spot_tick without sequence_num, quote_update
// without source_msg_id) fall back to the full canonical JSON of the payload.
func IdempotencyKey(typ EventType, payload any) (string, error) {
	subset, err := canonicalSubset(typ, payload)
	if err != nil {
		return "", err
	}
	raw, err := canonicalJSON(subset)
	if err != nil {
		return "", errs.New("schema/idempotency", errs.CodeParse,
			errs.WithMessage("canonicalize payload"),
			errs.WithCause(err),
			errs.WithContext("event_type", string(typ)))
	}
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])[:keyHexLen]
	return fmt.Sprintf("%s:v%d:%s", typ, typeToVersion[typ], digest), nil
}

func canonicalSubset(typ EventType, payload any) (any, error) {
	switch p := payload.(type) {
	case *SpotTick:
		if p.SequenceNum == nil {
			return p, nil
		}
		return map[string]any{
			"product_id":   p.ProductID,
			"ts":           p.Ts,
			"sequence_num": *p.SequenceNum,
		}, nil
	case *QuoteUpdate:
		if p.SourceMsgID == nil {
			return p, nil
		}
		return map[string]any{
			"market_id":     p.MarketID,
			"ts":            p.Ts,
			"source_msg_id": *p.SourceMsgID,
		}, nil
	case *MarketLifecycle:
		return map[string]any{
			"market_id":              p.MarketID,
			"status":                 p.Status,
			"close_ts":               floatOrNil(p.CloseTs),
			"expected_expiration_ts": floatOrNil(p.ExpectedExpirationTs),
			"expiration_ts":          floatOrNil(p.ExpirationTs),
			"settlement_ts":          floatOrNil(p.SettlementTs),
		}, nil
	case *ContractUpdate:
		return map[string]any{
			"ticker":                 p.Ticker,
			"close_ts":               floatOrNil(p.CloseTs),
			"expected_expiration_ts": floatOrNil(p.ExpectedExpirationTs),
			"expiration_ts":          floatOrNil(p.ExpirationTs),
			"settled_ts":             floatOrNil(p.SettledTs),
			"outcome":                intOrNil(p.Outcome),
		}, nil
	case *EdgeSnapshot:
		return map[string]any{
			"asof_ts":          p.AsofTs,
			"market_id":        p.MarketID,
			"strategy_version": p.StrategyVersion,
		}, nil
	case *OpportunityDecision:
		var side any
		if p.Side != nil {
			side = string(*p.Side)
		}
		return map[string]any{
			"ts_eval":          p.TsEval,
			"market_id":        p.MarketID,
			"side":             side,
			"strategy_version": p.StrategyVersion,
		}, nil
	case *ExecutionOrder:
		return map[string]any{"order_id": p.OrderID}, nil
	case *ExecutionFill:
		return map[string]any{"fill_id": p.FillID}, nil
	default:
		return nil, errs.New("schema/idempotency", errs.CodeParse,
			errs.WithMessage("unsupported payload type"),
			errs.WithContext("event_type", string(typ)))
	}
}

// canonicalJSON produces a deterministic compact encoding: the value is
// round-tripped through an untyped form so object keys serialize sorted.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func floatOrNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intOrNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
