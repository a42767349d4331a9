package mepoo

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/chunkbus/errs"
	"github.com/coachpo/chunkbus/internal/telemetry"
)

// managerMetrics holds pre-built attribute sets so that recording on the
// allocation path does not allocate.
type managerMetrics struct {
	allocated metric.Int64Counter
	released  metric.Int64Counter
	failures  metric.Int64Counter

	poolAttrs    []metric.AddOption
	tooLarge     metric.AddOption
	exhausted    metric.AddOption
	registration metric.Registration
}

func poolName(mp *MemPool) string {
	return strconv.FormatUint(uint64(mp.capacity), 10) + "B"
}

func newManagerMetrics(meter metric.Meter, pools []*MemPool) *managerMetrics {
	if meter == nil {
		meter = otel.Meter("mepoo")
	}
	env := telemetry.Environment()
	mm := new(managerMetrics)
	mm.allocated, _ = meter.Int64Counter("mepoo.chunks.allocated",
		metric.WithDescription("Number of chunks handed out by the memory manager"),
		metric.WithUnit("{chunk}"))
	mm.released, _ = meter.Int64Counter("mepoo.chunks.released",
		metric.WithDescription("Number of chunks returned to their pool"),
		metric.WithUnit("{chunk}"))
	mm.failures, _ = meter.Int64Counter("mepoo.allocation.failures",
		metric.WithDescription("Number of failed chunk allocations"),
		metric.WithUnit("{error}"))

	mm.poolAttrs = make([]metric.AddOption, len(pools))
	for i, mp := range pools {
		mm.poolAttrs[i] = metric.WithAttributeSet(attribute.NewSet(telemetry.PoolAttributes(env, poolName(mp))...))
	}
	mm.tooLarge = metric.WithAttributeSet(attribute.NewSet(
		telemetry.AttrEnvironment.String(env),
		telemetry.AttrReason.String(string(errs.CanonicalChunkTooLarge))))
	mm.exhausted = metric.WithAttributeSet(attribute.NewSet(
		telemetry.AttrEnvironment.String(env),
		telemetry.AttrReason.String(string(errs.CanonicalPoolExhausted))))

	used, err := meter.Int64ObservableGauge("mepoo.pool.used",
		metric.WithDescription("Chunks currently in use per pool"),
		metric.WithUnit("{chunk}"))
	if err == nil {
		observeAttrs := make([]metric.ObserveOption, len(pools))
		for i, mp := range pools {
			observeAttrs[i] = metric.WithAttributeSet(attribute.NewSet(telemetry.PoolAttributes(env, poolName(mp))...))
		}
		mm.registration, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			for i, mp := range pools {
				o.ObserveInt64(used, mp.used.Load(), observeAttrs[i])
			}
			return nil
		}, used)
	}
	return mm
}

func (mm *managerMetrics) recordAllocated(pool uint32) {
	if mm == nil || mm.allocated == nil {
		return
	}
	mm.allocated.Add(context.Background(), 1, mm.poolAttrs[pool])
}

func (mm *managerMetrics) recordReleased(pool uint32) {
	if mm == nil || mm.released == nil {
		return
	}
	mm.released.Add(context.Background(), 1, mm.poolAttrs[pool])
}

func (mm *managerMetrics) recordFailure(reason errs.CanonicalCode) {
	if mm == nil || mm.failures == nil {
		return
	}
	opt := mm.exhausted
	if reason == errs.CanonicalChunkTooLarge {
		opt = mm.tooLarge
	}
	mm.failures.Add(context.Background(), 1, opt)
}
