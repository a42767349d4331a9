package broker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/chunkbus/internal/capro"
	"github.com/coachpo/chunkbus/internal/telemetry"
)

type brokerMetrics struct {
	discovery metric.Float64Histogram
	messages  metric.Int64Counter
	env       string
}

func newBrokerMetrics(meter metric.Meter) *brokerMetrics {
	if meter == nil {
		meter = otel.Meter("broker")
	}
	bm := &brokerMetrics{env: telemetry.Environment()}
	bm.discovery, _ = meter.Float64Histogram("broker.discovery.duration",
		metric.WithDescription("Duration of one discovery pass"),
		metric.WithUnit("ms"))
	bm.messages, _ = meter.Int64Counter("broker.messages",
		metric.WithDescription("Connection protocol messages handled by the broker"),
		metric.WithUnit("{message}"))
	return bm
}

func (bm *brokerMetrics) recordDiscovery(d time.Duration) {
	if bm.discovery == nil {
		return
	}
	bm.discovery.Record(context.Background(), float64(d.Microseconds())/1000,
		metric.WithAttributes(telemetry.AttrEnvironment.String(bm.env)))
}

func (bm *brokerMetrics) recordMessage(typ capro.MessageType, result string) {
	if bm.messages == nil {
		return
	}
	bm.messages.Add(context.Background(), 1,
		metric.WithAttributeSet(attribute.NewSet(telemetry.MessageAttributes(bm.env, typ.String(), result)...)))
}
