package mepoo

import (
	"math"
	"sync/atomic"
	"unsafe"
)

const (
	tagMask      = uint64(math.MaxUint32) << 32
	tagIncrement = uint64(1) << 32
)

// MemPool is one size class: a contiguous run of equally sized chunks and a
// lock-free free list of their indices. The free list is a Treiber stack whose
// head word carries an ABA tag in the upper 32 bits and the top index plus one
// in the lower 32 bits; links live in management memory next to the head.
type MemPool struct {
	index       uint32
	capacity    uint32
	count       uint32
	stride      uintptr
	chunks      unsafe.Pointer
	head        *uint64
	links       []uint32
	used        atomic.Int64
	minFree     atomic.Int64
	chunkMemory []byte
}

func newMemPool(index uint32, entry PoolEntry, management, chunks *Allocator) (*MemPool, error) {
	stride := uintptr(chunkStride(entry.PayloadSize))
	mgmt, err := management.Allocate(managementSize(entry.ChunkCount), 8)
	if err != nil {
		return nil, err
	}
	mem, err := chunks.Allocate(stride*uintptr(entry.ChunkCount), payloadAlignment)
	if err != nil {
		return nil, err
	}

	mp := &MemPool{
		index:       index,
		capacity:    alignedPayload(entry.PayloadSize),
		count:       entry.ChunkCount,
		stride:      stride,
		chunks:      unsafe.Pointer(&mem[0]),
		head:        (*uint64)(unsafe.Pointer(&mgmt[0])),
		links:       unsafe.Slice((*uint32)(unsafe.Pointer(&mgmt[8])), entry.ChunkCount),
		chunkMemory: mem,
	}

	for i := uint32(0); i < mp.count; i++ {
		h := mp.header(i)
		h.refCount.Store(0)
		h.sequence = 0
		h.originID = 0
		h.payloadSize = 0
		h.poolIndex = index
		h.chunkIndex = i
		h.capacity = mp.capacity
		if i+1 < mp.count {
			mp.links[i] = i + 2
		} else {
			mp.links[i] = 0
		}
	}
	atomic.StoreUint64(mp.head, 1)
	mp.minFree.Store(int64(mp.count))
	return mp, nil
}

func (mp *MemPool) header(chunk uint32) *ChunkHeader {
	return (*ChunkHeader)(unsafe.Add(mp.chunks, uintptr(chunk)*mp.stride))
}

// pop takes a free chunk index; false when the pool is exhausted.
func (mp *MemPool) pop() (uint32, bool) {
	for {
		old := atomic.LoadUint64(mp.head)
		top := uint32(old)
		if top == 0 {
			return 0, false
		}
		next := atomic.LoadUint32(&mp.links[top-1])
		updated := (old&tagMask + tagIncrement) | uint64(next)
		if atomic.CompareAndSwapUint64(mp.head, old, updated) {
			mp.trackUse()
			return top - 1, true
		}
	}
}

// push returns a chunk index to the free list.
func (mp *MemPool) push(chunk uint32) {
	for {
		old := atomic.LoadUint64(mp.head)
		atomic.StoreUint32(&mp.links[chunk], uint32(old))
		updated := (old&tagMask + tagIncrement) | uint64(chunk+1)
		if atomic.CompareAndSwapUint64(mp.head, old, updated) {
			mp.used.Add(-1)
			return
		}
	}
}

func (mp *MemPool) trackUse() {
	free := int64(mp.count) - mp.used.Add(1)
	for {
		low := mp.minFree.Load()
		if free >= low || mp.minFree.CompareAndSwap(low, free) {
			return
		}
	}
}

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	Index       uint32 `json:"index"`
	PayloadSize uint32 `json:"payload_size"`
	ChunkCount  uint32 `json:"chunk_count"`
	Used        uint32 `json:"used"`
	MinFree     uint32 `json:"min_free"`
}

// Free returns the number of chunks available in the pool.
func (s PoolStats) Free() uint32 { return s.ChunkCount - s.Used }

func (mp *MemPool) stats() PoolStats {
	return PoolStats{
		Index:       mp.index,
		PayloadSize: mp.capacity,
		ChunkCount:  mp.count,
		Used:        uint32(mp.used.Load()),
		MinFree:     uint32(mp.minFree.Load()),
	}
}
