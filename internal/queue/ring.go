package queue

import (
	"runtime"
	"sync/atomic"

	"github.com/coachpo/chunkbus/internal/mepoo"
)

// minSlots keeps "writable at p" (seq == p) distinct from "readable at p-1"
// (seq == p) which would coincide on a one-slot array.
const minSlots = 2

type slot struct {
	seq atomic.Uint64
	ref atomic.Uint64
}

// ring is a sequence-numbered slot array. A slot at position p is writable
// when seq == p and readable when seq == p+1; reading hands it to the next lap
// by storing p+len(slots). The head is always claimed with CAS: besides the
// consumer, a producer that finds the ring full claims the oldest entry to
// evict it, and the CAS decides which of them owns the reference.
//
// capacity is the logical bound on queued entries; the slot array may be
// larger and producers enforce the bound against head before claiming a slot.
type ring struct {
	head atomic.Uint64
	_    [56]byte
	tail atomic.Uint64
	_    [56]byte

	capacity uint64
	size     uint64
	slots    []slot
}

func (r *ring) setup(capacity int) {
	r.capacity = uint64(capacity)
	r.size = uint64(max(capacity, minSlots))
	r.slots = make([]slot, r.size)
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
}

func (r *ring) slotAt(pos uint64) *slot {
	return &r.slots[pos%r.size]
}

// full reports whether tail position pos would exceed the logical capacity.
func (r *ring) full(pos uint64) bool {
	return pos-r.head.Load() >= r.capacity
}

// tryPop claims the oldest readable entry.
func (r *ring) tryPop() (mepoo.ChunkRef, bool) {
	for {
		pos := r.head.Load()
		s := r.slotAt(pos)
		diff := int64(s.seq.Load() - (pos + 1))
		switch {
		case diff == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				ref := mepoo.ChunkRef(s.ref.Load())
				s.seq.Store(pos + r.size)
				return ref, true
			}
		case diff < 0:
			return mepoo.NilChunkRef, false
		}
		// diff > 0: another popper took pos and the slot moved to the next
		// lap; reload head.
	}
}

// evictOldest claims the oldest entry only while the ring is at capacity, so a
// consumer pop racing the producer never causes a second eviction.
func (r *ring) evictOldest() (mepoo.ChunkRef, bool) {
	for {
		pos := r.head.Load()
		if r.tail.Load()-pos < r.capacity {
			return mepoo.NilChunkRef, false
		}
		s := r.slotAt(pos)
		diff := int64(s.seq.Load() - (pos + 1))
		switch {
		case diff == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				ref := mepoo.ChunkRef(s.ref.Load())
				s.seq.Store(pos + r.size)
				return ref, true
			}
		case diff < 0:
			// claimed by a producer that has not published yet
			return mepoo.NilChunkRef, false
		}
	}
}

// push retries tryPush, evicting the oldest entry whenever the ring is full.
// A failed attempt while a pop or a concurrent push is still completing only
// yields.
func (r *ring) push(tryPush func(mepoo.ChunkRef) bool, ref mepoo.ChunkRef, evict func(mepoo.ChunkRef)) int {
	evicted := 0
	for !tryPush(ref) {
		old, ok := r.evictOldest()
		if !ok {
			runtime.Gosched()
			continue
		}
		evicted++
		if evict != nil {
			evict(old)
		}
	}
	return evicted
}

func (r *ring) length() int {
	head := r.head.Load()
	n := r.tail.Load() - head
	if n > r.capacity {
		n = r.capacity
	}
	return int(n)
}
