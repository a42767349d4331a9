package popo

import (
	"sync/atomic"

	"github.com/coachpo/chunkbus/internal/mepoo"
)

// usedChunkList records the chunks a port currently owns so that teardown can
// release them. Slots are claimed and cleared with CAS, so a user-side remove
// racing a broker-side releaseAll releases every chunk exactly once.
type usedChunkList struct {
	slots []atomic.Uint64
	count atomic.Int64
}

func newUsedChunkList(capacity int) *usedChunkList {
	return &usedChunkList{slots: make([]atomic.Uint64, capacity)}
}

func (l *usedChunkList) full() bool {
	return l.count.Load() >= int64(len(l.slots))
}

func (l *usedChunkList) len() int { return int(l.count.Load()) }

func (l *usedChunkList) insert(ref mepoo.ChunkRef) bool {
	for i := range l.slots {
		if l.slots[i].CompareAndSwap(0, uint64(ref)) {
			l.count.Add(1)
			return true
		}
	}
	return false
}

func (l *usedChunkList) remove(ref mepoo.ChunkRef) bool {
	if ref.IsNil() {
		return false
	}
	for i := range l.slots {
		if l.slots[i].Load() == uint64(ref) && l.slots[i].CompareAndSwap(uint64(ref), 0) {
			l.count.Add(-1)
			return true
		}
	}
	return false
}

func (l *usedChunkList) releaseAll(release func(mepoo.ChunkRef)) int {
	n := 0
	for i := range l.slots {
		if ref := l.slots[i].Swap(0); ref != 0 {
			l.count.Add(-1)
			release(mepoo.ChunkRef(ref))
			n++
		}
	}
	return n
}
