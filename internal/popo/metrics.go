package popo

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/chunkbus/internal/telemetry"
)

// portMetrics records data-path counters for one port. Attribute sets are
// built once at construction.
type portMetrics struct {
	chunks metric.Int64Counter
	lost   metric.Int64Counter
	fanout metric.Int64Histogram
	attrs  metric.MeasurementOption
}

func newPortMetrics(meter metric.Meter, service, kind string) *portMetrics {
	if meter == nil {
		meter = otel.Meter("popo")
	}
	pm := new(portMetrics)
	pm.attrs = metric.WithAttributeSet(attribute.NewSet(telemetry.PortAttributes(telemetry.Environment(), service, kind)...))

	switch kind {
	case telemetry.PortKindPublisher:
		pm.chunks, _ = meter.Int64Counter("popo.chunks.sent",
			metric.WithDescription("Number of chunks sent by publishers"),
			metric.WithUnit("{chunk}"))
		pm.fanout, _ = meter.Int64Histogram("popo.fanout.size",
			metric.WithDescription("Number of subscriber queues a chunk was delivered to"),
			metric.WithUnit("{queue}"))
	default:
		pm.chunks, _ = meter.Int64Counter("popo.chunks.received",
			metric.WithDescription("Number of chunks taken by subscribers"),
			metric.WithUnit("{chunk}"))
		pm.lost, _ = meter.Int64Counter("popo.chunks.lost",
			metric.WithDescription("Number of chunks evicted from full subscriber queues"),
			metric.WithUnit("{chunk}"))
	}
	return pm
}

func (pm *portMetrics) recordChunk() {
	if pm == nil || pm.chunks == nil {
		return
	}
	pm.chunks.Add(context.Background(), 1, pm.attrs)
}

func (pm *portMetrics) recordFanout(width int) {
	if pm == nil || pm.fanout == nil {
		return
	}
	pm.fanout.Record(context.Background(), int64(width), pm.attrs)
}

func (pm *portMetrics) recordLost(n uint64) {
	if pm == nil || pm.lost == nil || n == 0 {
		return
	}
	pm.lost.Add(context.Background(), int64(n), pm.attrs)
}
