package queue

import "github.com/coachpo/chunkbus/internal/mepoo"

// multiProducer claims tail positions with CAS so any number of producers can
// push concurrently. Each producer's entries keep their relative order; entries
// of different producers are ordered by tail claim.
type multiProducer struct {
	ring
}

func newMultiProducer(capacity int) *multiProducer {
	q := new(multiProducer)
	q.setup(capacity)
	return q
}

func (q *multiProducer) tryPush(ref mepoo.ChunkRef) bool {
	for {
		pos := q.tail.Load()
		if q.full(pos) {
			return false
		}
		s := q.slotAt(pos)
		diff := int64(s.seq.Load() - pos)
		switch {
		case diff == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				s.ref.Store(uint64(ref))
				s.seq.Store(pos + 1)
				return true
			}
		case diff < 0:
			return false
		}
	}
}

func (q *multiProducer) Push(ref mepoo.ChunkRef, evict func(mepoo.ChunkRef)) int {
	return q.push(q.tryPush, ref, evict)
}

func (q *multiProducer) Pop() (mepoo.ChunkRef, bool) { return q.tryPop() }

func (q *multiProducer) Len() int { return q.length() }

func (q *multiProducer) Capacity() int { return int(q.capacity) }

func (q *multiProducer) Kind() Kind { return MultiProducer }
