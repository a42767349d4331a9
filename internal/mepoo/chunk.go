package mepoo

import (
	"sync/atomic"
	"unsafe"
)

// ChunkRef is a position-independent reference to a chunk: the pool index in
// the upper 32 bits and the chunk index plus one in the lower 32 bits. The zero
// value references nothing. Queues store ChunkRefs so they never hold pointers
// into another process's address space.
type ChunkRef uint64

// NilChunkRef references no chunk.
const NilChunkRef ChunkRef = 0

func newChunkRef(pool, chunk uint32) ChunkRef {
	return ChunkRef(uint64(pool)<<32 | uint64(chunk+1))
}

// IsNil reports whether the reference is empty.
func (r ChunkRef) IsNil() bool { return r == NilChunkRef }

// Pool returns the pool index.
func (r ChunkRef) Pool() uint32 { return uint32(r >> 32) }

// Chunk returns the chunk index within the pool.
func (r ChunkRef) Chunk() uint32 { return uint32(r) - 1 }

// ChunkHeader sits in front of every payload in chunk memory.
type ChunkHeader struct {
	refCount    atomic.Int64
	sequence    uint64
	originID    uint64
	payloadSize uint32
	poolIndex   uint32
	chunkIndex  uint32
	capacity    uint32
}

// compile-time guard: the header must fit its reserved space.
var _ [ChunkHeaderSize - int(unsafe.Sizeof(ChunkHeader{}))]struct{}

// Ref returns the position-independent reference of this chunk.
func (h *ChunkHeader) Ref() ChunkRef {
	return newChunkRef(h.poolIndex, h.chunkIndex)
}

// PayloadSize returns the size requested at allocation.
func (h *ChunkHeader) PayloadSize() uint32 { return h.payloadSize }

// Capacity returns the usable payload bytes of the chunk's size class.
func (h *ChunkHeader) Capacity() uint32 { return h.capacity }

// Payload returns the payload bytes, sized to the requested payload size.
func (h *ChunkHeader) Payload() []byte {
	if h.payloadSize == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(h), ChunkHeaderSize)), h.payloadSize)
}

// Sequence returns the sequence number stamped by the sending publisher.
func (h *ChunkHeader) Sequence() uint64 { return h.sequence }

// OriginID returns the unique id of the publisher that sent the chunk.
func (h *ChunkHeader) OriginID() uint64 { return h.originID }

// Stamp records the sender identity and sequence number. It must only be
// called by the owner of the single reference, before the chunk is shared.
func (h *ChunkHeader) Stamp(originID, sequence uint64) {
	h.originID = originID
	h.sequence = sequence
}

// References returns the current reference count.
func (h *ChunkHeader) References() int64 {
	return h.refCount.Load()
}

func (h *ChunkHeader) reset(payloadSize uint32) {
	h.payloadSize = payloadSize
	h.sequence = 0
	h.originID = 0
	h.refCount.Store(1)
}
