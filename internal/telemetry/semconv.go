package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for strikeline telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventType annotates counters with the bus event classification (spot_tick, edge_snapshot, ...).
	AttrEventType = attribute.Key("event.type")
	// AttrSubject identifies the bus subject a message was routed on.
	AttrSubject = attribute.Key("bus.subject")
	// AttrStream identifies the durable stream carrying the subject.
	AttrStream = attribute.Key("bus.stream")
	// AttrConsumer names the durable consumer processing the message.
	AttrConsumer = attribute.Key("bus.consumer")
	// AttrMarket captures the prediction-market identifier (contract ticker).
	AttrMarket = attribute.Key("market.id")
	// AttrProduct captures the underlying spot product identifier (e.g. BTC-USD).
	AttrProduct = attribute.Key("product.id")
	// AttrSide labels decision/order telemetry with YES/NO intent.
	AttrSide = attribute.Key("order.side")
	// AttrReason provides gate/reject classification for decisions and orders.
	AttrReason = attribute.Key("reason")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrSigmaSource labels volatility telemetry by quality tier (ewma, history, default).
	AttrSigmaSource = attribute.Key("sigma.source")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrWorker names the supervised worker emitting lifecycle metrics.
	AttrWorker = attribute.Key("worker")
)

// EventAttributes returns common attributes for bus event metrics.
func EventAttributes(environment, eventType, subject string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrSubject.String(subject),
	}
}

// ConsumerAttributes returns attributes for durable consumer metrics.
func ConsumerAttributes(environment, stream, consumer string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStream.String(stream),
		AttrConsumer.String(consumer),
	}
}

// DecisionAttributes returns attributes for opportunity decision metrics.
func DecisionAttributes(environment, side, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
	}
	if side != "" {
		attrs = append(attrs, AttrSide.String(side))
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, worker, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrWorker.String(worker),
		AttrResult.String(result),
	}
}

// SigmaAttributes returns attributes for volatility estimator metrics.
func SigmaAttributes(environment, source, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSigmaSource.String(source),
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}
