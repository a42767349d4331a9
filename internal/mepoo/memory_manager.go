package mepoo

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/chunkbus/errs"
)

// MemoryManager selects a size class for each allocation and reclaims chunks
// once their reference count drops to zero. Configure must be called once
// before first use; afterwards every method is safe for concurrent use and
// none of them blocks.
type MemoryManager struct {
	mu         sync.Mutex
	configured atomic.Bool
	shutdown   atomic.Bool
	pools      []*MemPool
	meter      metric.Meter
	metrics    *managerMetrics
}

// Option customises a MemoryManager.
type Option func(*MemoryManager)

// WithMeter overrides the meter used for allocation metrics.
func WithMeter(meter metric.Meter) Option {
	return func(m *MemoryManager) {
		m.meter = meter
	}
}

// NewMemoryManager constructs an unconfigured manager.
func NewMemoryManager(opts ...Option) *MemoryManager {
	m := new(MemoryManager)
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Configure lays out every pool of cfg using management memory for the free
// lists and chunk memory for headers and payloads. Both allocators may wrap the
// same region. Configuration is immutable once it succeeds.
func (m *MemoryManager) Configure(cfg Config, management, chunks *Allocator) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if management == nil || chunks == nil {
		return errs.New("mepoo/configure", errs.CodeInvalid, errs.WithMessage("management and chunk allocators required"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.configured.Load() {
		return errs.New("mepoo/configure", errs.CodeInvalid, errs.WithMessage("memory manager already configured"))
	}

	pools := make([]*MemPool, 0, len(cfg.Pools))
	for i, entry := range cfg.Pools {
		mp, err := newMemPool(uint32(i), entry, management, chunks)
		if err != nil {
			return fmt.Errorf("mepoo/configure: pool %d (%d x %dB): %w", i, entry.ChunkCount, entry.PayloadSize, err)
		}
		pools = append(pools, mp)
	}
	m.pools = pools
	m.metrics = newManagerMetrics(m.meter, pools)
	m.configured.Store(true)
	return nil
}

// ConfigureHeap is a convenience for single-process use: it allocates heap
// memory sized for cfg and configures the manager on it.
func (m *MemoryManager) ConfigureHeap(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	mgmt := NewAllocator(make([]byte, RequiredManagementMemorySize(cfg)))
	chunks := NewAllocator(make([]byte, RequiredChunkMemorySize(cfg)))
	return m.Configure(cfg, mgmt, chunks)
}

// Allocate hands out a chunk from the smallest pool whose payload size fits
// size. The returned chunk carries one reference owned by the caller. It fails
// with an allocation error when no pool fits or the selected pool is exhausted.
func (m *MemoryManager) Allocate(size uint32) (*ChunkHeader, error) {
	if !m.configured.Load() {
		return nil, errs.New("mepoo/allocate", errs.CodeAllocation,
			errs.WithMessage("memory manager not configured"),
			errs.WithCanonicalCode(errs.CanonicalNotConfigured))
	}

	if m.shutdown.Load() {
		return nil, errs.New("mepoo/allocate", errs.CodeUnavailable, errs.WithMessage("memory manager shut down"))
	}

	mp := m.selectPool(size)
	if mp == nil {
		m.metrics.recordFailure(errs.CanonicalChunkTooLarge)
		largest := m.pools[len(m.pools)-1].capacity
		return nil, errs.New("mepoo/allocate", errs.CodeAllocation,
			errs.WithMessage(fmt.Sprintf("requested %d bytes exceeds largest pool payload of %d bytes", size, largest)),
			errs.WithCanonicalCode(errs.CanonicalChunkTooLarge),
			errs.WithRemediation("add a larger pool to the mempool configuration"))
	}

	idx, ok := mp.pop()
	if !ok {
		m.metrics.recordFailure(errs.CanonicalPoolExhausted)
		return nil, errs.New("mepoo/allocate", errs.CodeAllocation,
			errs.WithMessage(fmt.Sprintf("pool of %dB chunks exhausted", mp.capacity)),
			errs.WithCanonicalCode(errs.CanonicalPoolExhausted),
			errs.WithField("pool", strconv.FormatUint(uint64(mp.index), 10)))
	}

	h := mp.header(idx)
	h.reset(size)
	m.metrics.recordAllocated(mp.index)
	return h, nil
}

func (m *MemoryManager) selectPool(size uint32) *MemPool {
	for _, mp := range m.pools {
		if size <= mp.capacity {
			return mp
		}
	}
	return nil
}

// AcquireReference adds one reference to the chunk.
func (m *MemoryManager) AcquireReference(h *ChunkHeader) {
	m.validate(h)
	if h.refCount.Add(1) <= 1 {
		panic(fmt.Sprintf("mepoo: reference acquired on released chunk %d/%d", h.poolIndex, h.chunkIndex))
	}
}

// Release drops one reference and returns the chunk to its pool when the
// count reaches zero. Releasing a chunk that holds no reference panics.
func (m *MemoryManager) Release(h *ChunkHeader) {
	m.validate(h)
	remaining := h.refCount.Add(-1)
	if remaining > 0 {
		return
	}
	if remaining < 0 {
		panic(fmt.Sprintf("mepoo: double release of chunk %d/%d", h.poolIndex, h.chunkIndex))
	}
	m.pools[h.poolIndex].push(h.chunkIndex)
	m.metrics.recordReleased(h.poolIndex)
}

// ReleaseRef releases by reference; a nil reference is ignored.
func (m *MemoryManager) ReleaseRef(ref ChunkRef) {
	if ref.IsNil() {
		return
	}
	m.Release(m.Header(ref))
}

// Header resolves a reference to its chunk header. It panics on references
// that do not belong to this manager.
func (m *MemoryManager) Header(ref ChunkRef) *ChunkHeader {
	if ref.IsNil() {
		return nil
	}
	pool := ref.Pool()
	if int(pool) >= len(m.pools) || ref.Chunk() >= m.pools[pool].count {
		panic(fmt.Sprintf("mepoo: chunk reference %#x out of range", uint64(ref)))
	}
	return m.pools[pool].header(ref.Chunk())
}

// Owns reports whether h points into one of this manager's pools.
func (m *MemoryManager) Owns(h *ChunkHeader) bool {
	if h == nil || !m.configured.Load() {
		return false
	}
	if int(h.poolIndex) >= len(m.pools) {
		return false
	}
	mp := m.pools[h.poolIndex]
	return h.chunkIndex < mp.count && mp.header(h.chunkIndex) == h
}

func (m *MemoryManager) validate(h *ChunkHeader) {
	if !m.Owns(h) {
		panic(fmt.Sprintf("mepoo: chunk %p does not belong to this memory manager", h))
	}
}

// PoolCount returns the number of configured size classes.
func (m *MemoryManager) PoolCount() int {
	if !m.configured.Load() {
		return 0
	}
	return len(m.pools)
}

// Stats returns a snapshot of every pool.
func (m *MemoryManager) Stats() []PoolStats {
	if !m.configured.Load() {
		return nil
	}
	out := make([]PoolStats, 0, len(m.pools))
	for _, mp := range m.pools {
		out = append(out, mp.stats())
	}
	return out
}

const shutdownPollInterval = time.Millisecond

// Shutdown refuses further allocations and waits until every chunk is back in
// its pool. Without a deadline on ctx it gives up after five seconds and
// reports the pools that still have chunks in use.
func (m *MemoryManager) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
	}
	if cancel != nil {
		defer cancel()
	}

	m.shutdown.Store(true)
	if !m.configured.Load() {
		return nil
	}

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
	for {
		outstanding := m.inUse()
		if outstanding == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			m.logOutstanding()
			return errs.New("mepoo/shutdown", errs.CodeUnavailable,
				errs.WithMessage(fmt.Sprintf("shutdown timeout: %d chunks unreleased", outstanding)),
				errs.WithCause(ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (m *MemoryManager) inUse() uint64 {
	var used uint64
	for _, st := range m.Stats() {
		used += uint64(st.Used)
	}
	return used
}

func (m *MemoryManager) logOutstanding() {
	for _, st := range m.Stats() {
		if st.Used == 0 {
			continue
		}
		log.Printf("mepoo: pool %d (%dB) has %d of %d chunks in use at shutdown", st.Index, st.PayloadSize, st.Used, st.ChunkCount)
	}
}
