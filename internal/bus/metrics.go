package bus

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the bus's OpenTelemetry instruments. It is optional: a nil
// *Metrics on Config disables instrumentation entirely, the same idiom the
// rest of this runtime uses for its otel wiring.
type Metrics struct {
	Published  metric.Int64Counter
	Subscribed metric.Int64Counter
}

// NewMetrics creates the bus's metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Published, err = meter.Int64Counter("loom.bus.published",
		metric.WithDescription("Total envelopes accepted by Publish, by topic"),
	)
	if err != nil {
		return nil, err
	}

	m.Subscribed, err = meter.Int64Counter("loom.bus.subscribed",
		metric.WithDescription("Total subscriptions created, by QoS class"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordPublish(topic string) {
	if m == nil {
		return
	}
	m.Published.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *Metrics) recordSubscribe(qos QoS) {
	if m == nil {
		return
	}
	m.Subscribed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("qos", qos.String())))
}
