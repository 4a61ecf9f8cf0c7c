// Package schema defines the typed event contracts carried on the bus.
package schema

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/strikeline/strikeline/errs"
)

// EventType enumerates the fixed set of event categories.
type EventType string

const (
	// EventTypeSpotTick identifies underlying spot trades/quotes from the venue feed.
	EventTypeSpotTick EventType = "spot_tick"
	// EventTypeQuoteUpdate identifies prediction-market order book top updates.
	EventTypeQuoteUpdate EventType = "quote_update"
	// EventTypeMarketLifecycle identifies market status/timestamp transitions.
	EventTypeMarketLifecycle EventType = "market_lifecycle"
	// EventTypeContractUpdate identifies contract attribute/settlement updates.
	EventTypeContractUpdate EventType = "contract_update"
	// EventTypeEdgeSnapshot identifies per-contract model output snapshots.
	EventTypeEdgeSnapshot EventType = "edge_snapshot"
	// EventTypeOpportunityDecision identifies per-side TAKE/PASS verdicts.
	EventTypeOpportunityDecision EventType = "opportunity_decision"
	// EventTypeExecutionOrder identifies simulated order submissions.
	EventTypeExecutionOrder EventType = "execution_order"
	// EventTypeExecutionFill identifies simulated fills.
	EventTypeExecutionFill EventType = "execution_fill"
)

// Subject names for the durable streams.
const (
	SubjectSpotTicks            = "market.spot_ticks"
	SubjectQuoteUpdates         = "market.quote_updates"
	SubjectMarketLifecycle      = "market.lifecycle"
	SubjectContractUpdates      = "market.contract_updates"
	SubjectEdgeSnapshots        = "strategy.edge_snapshots"
	SubjectOpportunityDecisions = "strategy.opportunity_decisions"
	SubjectExecutionOrders      = "execution.orders"
	SubjectExecutionFills       = "execution.fills"

	// SubjectInvalidEvent is the broadcast DLQ subject for unparseable payloads.
	SubjectInvalidEvent = "dlq.invalid_event"
)

// Stream names grouping subjects for retention and consumer scaling.
const (
	StreamMarketEvents    = "MARKET_EVENTS"
	StreamStrategyEvents  = "STRATEGY_EVENTS"
	StreamExecutionEvents = "EXECUTION_EVENTS"
	StreamDeadLetter      = "DEAD_LETTER"
)

var typeToSubject = map[EventType]string{
	EventTypeSpotTick:            SubjectSpotTicks,
	EventTypeQuoteUpdate:         SubjectQuoteUpdates,
	EventTypeMarketLifecycle:     SubjectMarketLifecycle,
	EventTypeContractUpdate:      SubjectContractUpdates,
	EventTypeEdgeSnapshot:        SubjectEdgeSnapshots,
	EventTypeOpportunityDecision: SubjectOpportunityDecisions,
	EventTypeExecutionOrder:      SubjectExecutionOrders,
	EventTypeExecutionFill:       SubjectExecutionFills,
}

var subjectToType = func() map[string]EventType {
	out := make(map[string]EventType, len(typeToSubject))
	for typ, subject := range typeToSubject {
		out[subject] = typ
	}
	return out
}()

var typeToVersion = map[EventType]int{
	EventTypeSpotTick:            1,
	EventTypeQuoteUpdate:         1,
	EventTypeMarketLifecycle:     1,
	EventTypeContractUpdate:      1,
	EventTypeEdgeSnapshot:        1,
	EventTypeOpportunityDecision: 1,
	EventTypeExecutionOrder:      1,
	EventTypeExecutionFill:       1,
}

var streamSubjects = map[string][]string{
	StreamMarketEvents: {
		SubjectSpotTicks,
		SubjectQuoteUpdates,
		SubjectMarketLifecycle,
		SubjectContractUpdates,
	},
	StreamStrategyEvents: {
		SubjectEdgeSnapshots,
		SubjectOpportunityDecisions,
	},
	StreamExecutionEvents: {
		SubjectExecutionOrders,
		SubjectExecutionFills,
	},
	StreamDeadLetter: {"dlq.>"},
}

// SubjectFor resolves the bus subject carrying events of the given type.
func SubjectFor(typ EventType) (string, bool) {
	subject, ok := typeToSubject[typ]
	return subject, ok
}

// TypeForSubject resolves the event type carried on a subject.
func TypeForSubject(subject string) (EventType, bool) {
	typ, ok := subjectToType[strings.TrimSpace(subject)]
	return typ, ok
}

// SchemaVersion returns the current schema version for the event type.
func SchemaVersion(typ EventType) int {
	return typeToVersion[typ]
}

// StreamSubjects returns the subjects grouped under the named stream.
func StreamSubjects(stream string) []string {
	subjects := streamSubjects[stream]
	out := make([]string, len(subjects))
	copy(out, subjects)
	return out
}

// StreamForSubject resolves the durable stream that retains a subject.
func StreamForSubject(subject string) (string, bool) {
	if strings.HasPrefix(subject, "dlq.") {
		return StreamDeadLetter, true
	}
	for stream, subjects := range streamSubjects {
		if stream == StreamDeadLetter {
			continue
		}
		for _, s := range subjects {
			if s == subject {
				return stream, true
			}
		}
	}
	return "", false
}

// DLQSubject returns the dead-letter subject for the given original subject.
func DLQSubject(subject string) string {
	return "dlq." + strings.TrimSpace(subject)
}

// Envelope is the wire representation of every bus event.
type Envelope struct {
	EventType      EventType       `json:"event_type"`
	SchemaVersion  int             `json:"schema_version"`
	TsEvent        float64         `json:"ts_event"`
	Source         string          `json:"source"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

// Validate checks envelope-level invariants.
func (e *Envelope) Validate() error {
	if e == nil {
		return errs.New("schema/envelope", errs.CodeParse, errs.WithMessage("nil envelope"))
	}
	if _, ok := typeToSubject[e.EventType]; !ok {
		return errs.New("schema/envelope", errs.CodeParse,
			errs.WithMessage("unknown event_type"),
			errs.WithContext("event_type", string(e.EventType)))
	}
	if e.SchemaVersion != typeToVersion[e.EventType] {
		return errs.New("schema/envelope", errs.CodeParse,
			errs.WithMessage("unsupported schema_version"),
			errs.WithContext("event_type", string(e.EventType)))
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return errs.New("schema/envelope", errs.CodeParse, errs.WithMessage("idempotency_key required"))
	}
	if len(e.Payload) == 0 {
		return errs.New("schema/envelope", errs.CodeParse, errs.WithMessage("payload required"))
	}
	return nil
}

// Subject returns the bus subject for the envelope's event type.
func (e *Envelope) Subject() string {
	subject, _ := typeToSubject[e.EventType]
	return subject
}
