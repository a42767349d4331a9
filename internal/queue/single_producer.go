package queue

import "github.com/coachpo/chunkbus/internal/mepoo"

// singleProducer is the one-writer variant: the producer owns the tail and
// advances it with a plain store.
type singleProducer struct {
	ring
}

func newSingleProducer(capacity int) *singleProducer {
	q := new(singleProducer)
	q.setup(capacity)
	return q
}

func (q *singleProducer) tryPush(ref mepoo.ChunkRef) bool {
	pos := q.tail.Load()
	if q.full(pos) {
		return false
	}
	s := q.slotAt(pos)
	if s.seq.Load() != pos {
		return false
	}
	s.ref.Store(uint64(ref))
	s.seq.Store(pos + 1)
	q.tail.Store(pos + 1)
	return true
}

func (q *singleProducer) Push(ref mepoo.ChunkRef, evict func(mepoo.ChunkRef)) int {
	return q.push(q.tryPush, ref, evict)
}

func (q *singleProducer) Pop() (mepoo.ChunkRef, bool) { return q.tryPop() }

func (q *singleProducer) Len() int { return q.length() }

func (q *singleProducer) Capacity() int { return int(q.capacity) }

func (q *singleProducer) Kind() Kind { return SingleProducer }
