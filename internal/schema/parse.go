package schema

import (
	"bytes"

	json "github.com/goccy/go-json"

	"github.com/strikeline/strikeline/errs"
)

// Payload is implemented by every typed event payload.
type Payload interface {
	Validate() error
}

// NewEnvelope wraps a typed payload in a wire envelope, deriving the
// idempotency key and stamping the current schema version.
func NewEnvelope(typ EventType, source string, tsEvent float64, payload Payload) (*Envelope, error) {
	if _, ok := typeToSubject[typ]; !ok {
		return nil, errs.New("schema/envelope", errs.CodeValidation,
			errs.WithMessage("unknown event_type"),
			errs.WithContext("event_type", string(typ)))
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	key, err := IdempotencyKey(typ, payload)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.New("schema/envelope", errs.CodeParse,
			errs.WithMessage("encode payload"),
			errs.WithCause(err),
			errs.WithContext("event_type", string(typ)))
	}
	return &Envelope{
		EventType:      typ,
		SchemaVersion:  typeToVersion[typ],
		TsEvent:        tsEvent,
		Source:         source,
		IdempotencyKey: key,
		Payload:        raw,
	}, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, errs.New("schema/envelope", errs.CodeParse,
			errs.WithMessage("encode envelope"),
			errs.WithCause(err))
	}
	return raw, nil
}

// ParseEnvelope decodes and validates a wire envelope. Unknown top-level
// fields are rejected; the payload stays raw until DecodePayload.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := strictUnmarshal(data, &env); err != nil {
		return nil, errs.New("schema/envelope", errs.CodeParse,
			errs.WithMessage("decode envelope"),
			errs.WithCause(err))
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodePayload decodes the envelope's raw payload into the typed struct for
// its event type, rejecting unknown fields and validating data invariants.
func DecodePayload(env *Envelope) (Payload, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	var payload Payload
	switch env.EventType {
	case EventTypeSpotTick:
		payload = &SpotTick{}
	case EventTypeQuoteUpdate:
		payload = &QuoteUpdate{}
	case EventTypeMarketLifecycle:
		payload = &MarketLifecycle{}
	case EventTypeContractUpdate:
		payload = &ContractUpdate{}
	case EventTypeEdgeSnapshot:
		payload = &EdgeSnapshot{}
	case EventTypeOpportunityDecision:
		payload = &OpportunityDecision{}
	case EventTypeExecutionOrder:
		payload = &ExecutionOrder{}
	case EventTypeExecutionFill:
		payload = &ExecutionFill{}
	default:
		return nil, errs.New("schema/payload", errs.CodeParse,
			errs.WithMessage("unknown event_type"),
			errs.WithContext("event_type", string(env.EventType)))
	}
	if err := strictUnmarshal(env.Payload, payload); err != nil {
		return nil, errs.New("schema/payload", errs.CodeParse,
			errs.WithMessage("decode payload"),
			errs.WithCause(err),
			errs.WithContext("event_type", string(env.EventType)))
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
