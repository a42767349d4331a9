package queue

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/chunkbus/errs"
	"github.com/coachpo/chunkbus/internal/mepoo"
)

func kinds() []Kind { return []Kind{SingleProducer, MultiProducer} }

func TestNewChunkQueueRejectsBadArguments(t *testing.T) {
	if _, err := NewChunkQueue(SingleProducer, 0); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for zero capacity, got %v", err)
	}
	if _, err := NewChunkQueue(Kind(9), 4); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for unknown kind, got %v", err)
	}
}

func TestQueueFIFO(t *testing.T) {
	for _, kind := range kinds() {
		t.Run(kind.String(), func(t *testing.T) {
			q, err := NewChunkQueue(kind, 5)
			if err != nil {
				t.Fatalf("new queue: %v", err)
			}
			if q.Kind() != kind || q.Capacity() != 5 {
				t.Fatalf("unexpected queue shape kind=%s capacity=%d", q.Kind(), q.Capacity())
			}
			if _, ok := q.Pop(); ok {
				t.Fatal("expected empty queue")
			}
			for round := 0; round < 3; round++ {
				for i := 1; i <= 5; i++ {
					if n := q.Push(mepoo.ChunkRef(i), nil); n != 0 {
						t.Fatalf("unexpected eviction on push %d", i)
					}
				}
				if q.Len() != 5 {
					t.Fatalf("expected len 5, got %d", q.Len())
				}
				for i := 1; i <= 5; i++ {
					ref, ok := q.Pop()
					if !ok || ref != mepoo.ChunkRef(i) {
						t.Fatalf("round %d: expected %d, got %d (ok=%v)", round, i, ref, ok)
					}
				}
			}
		})
	}
}

func TestQueueOverflowEvictsOldest(t *testing.T) {
	for _, kind := range kinds() {
		t.Run(kind.String(), func(t *testing.T) {
			q, _ := NewChunkQueue(kind, 3)
			var evicted []mepoo.ChunkRef
			evict := func(ref mepoo.ChunkRef) { evicted = append(evicted, ref) }
			for i := 1; i <= 5; i++ {
				q.Push(mepoo.ChunkRef(i), evict)
			}
			if len(evicted) != 2 || evicted[0] != 1 || evicted[1] != 2 {
				t.Fatalf("expected refs 1 and 2 evicted, got %v", evicted)
			}
			for want := 3; want <= 5; want++ {
				ref, ok := q.Pop()
				if !ok || ref != mepoo.ChunkRef(want) {
					t.Fatalf("expected %d, got %d", want, ref)
				}
			}
		})
	}
}

func TestMultiProducerConcurrentPushKeepsPerProducerOrder(t *testing.T) {
	const producers = 8
	const perProducer = 2000
	q, _ := NewChunkQueue(MultiProducer, producers*perProducer)

	var wg conc.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Go(func() {
			for i := 0; i < perProducer; i++ {
				q.Push(mepoo.ChunkRef(uint64(p)<<32|uint64(i+1)), nil)
			}
		})
	}
	wg.Wait()

	last := make([]int64, producers)
	total := 0
	for {
		ref, ok := q.Pop()
		if !ok {
			break
		}
		total++
		p, seq := ref.Pool(), int64(uint32(ref))
		if seq <= last[p] {
			t.Fatalf("producer %d out of order: %d after %d", p, seq, last[p])
		}
		last[p] = seq
	}
	if total != producers*perProducer {
		t.Fatalf("expected %d refs, got %d", producers*perProducer, total)
	}
}

// Every pushed reference is popped by the consumer or evicted exactly once.
func TestConcurrentEvictionConservesReferences(t *testing.T) {
	for _, kind := range kinds() {
		for _, capacity := range []int{1, 2, 4} {
			t.Run(fmt.Sprintf("%s/capacity_%d", kind, capacity), func(t *testing.T) {
				testEvictionConservesReferences(t, kind, capacity)
			})
		}
	}
}

func testEvictionConservesReferences(t *testing.T, kind Kind, capacity int) {
	producers := 4
	if kind == SingleProducer {
		producers = 1
	}
	const perProducer = 20000
	q, _ := NewChunkQueue(kind, capacity)

	var evicted, popped atomic.Int64
	var done atomic.Bool
	var wg conc.WaitGroup
	wg.Go(func() {
		for {
			if _, ok := q.Pop(); ok {
				popped.Add(1)
				continue
			}
			if done.Load() {
				for {
					if _, ok := q.Pop(); !ok {
						return
					}
					popped.Add(1)
				}
			}
		}
	})
	var producersWG conc.WaitGroup
	for p := 0; p < producers; p++ {
		producersWG.Go(func() {
			for i := 0; i < perProducer; i++ {
				q.Push(mepoo.ChunkRef(i+1), func(mepoo.ChunkRef) { evicted.Add(1) })
			}
		})
	}
	producersWG.Wait()
	done.Store(true)
	wg.Wait()

	if got := evicted.Load() + popped.Load(); got != int64(producers*perProducer) {
		t.Fatalf("expected %d refs accounted for, got %d (evicted=%d popped=%d)",
			producers*perProducer, got, evicted.Load(), popped.Load())
	}
}

func TestSmallestCapacityOverflowEvictsOldest(t *testing.T) {
	for _, kind := range kinds() {
		for _, capacity := range []int{1, 2} {
			t.Run(fmt.Sprintf("%s/capacity_%d", kind, capacity), func(t *testing.T) {
				q, err := NewChunkQueue(kind, capacity)
				if err != nil {
					t.Fatalf("new queue: %v", err)
				}
				var evicted []mepoo.ChunkRef
				evict := func(ref mepoo.ChunkRef) { evicted = append(evicted, ref) }
				const pushes = 7
				for i := 1; i <= pushes; i++ {
					q.Push(mepoo.ChunkRef(i), evict)
					if q.Len() > capacity {
						t.Fatalf("len %d exceeds capacity %d", q.Len(), capacity)
					}
				}
				if len(evicted) != pushes-capacity {
					t.Fatalf("expected %d evictions, got %v", pushes-capacity, evicted)
				}
				for i, ref := range evicted {
					if ref != mepoo.ChunkRef(i+1) {
						t.Fatalf("expected oldest refs evicted in order, got %v", evicted)
					}
				}
				for want := pushes - capacity + 1; want <= pushes; want++ {
					ref, ok := q.Pop()
					if !ok || ref != mepoo.ChunkRef(want) {
						t.Fatalf("expected %d, got %d (ok=%v)", want, ref, ok)
					}
				}
				if _, ok := q.Pop(); ok {
					t.Fatal("expected empty queue")
				}

				// interleaved push and pop keeps working across laps
				for i := 1; i <= 10; i++ {
					if n := q.Push(mepoo.ChunkRef(i), evict); n != 0 {
						t.Fatalf("unexpected eviction on lap %d", i)
					}
					if ref, ok := q.Pop(); !ok || ref != mepoo.ChunkRef(i) {
						t.Fatalf("lap %d: expected %d, got %d (ok=%v)", i, i, ref, ok)
					}
				}
			})
		}
	}
}

func TestCapacityOneDeliverMarksLoss(t *testing.T) {
	for _, kind := range kinds() {
		t.Run(kind.String(), func(t *testing.T) {
			d, err := NewChunkQueueData(1, kind, 1)
			if err != nil {
				t.Fatalf("new queue data: %v", err)
			}
			var released []mepoo.ChunkRef
			release := func(ref mepoo.ChunkRef) { released = append(released, ref) }
			d.Deliver(1, release)
			d.Deliver(2, release)
			if !d.HasLostChunks(false) || d.LostChunks() != 1 {
				t.Fatalf("expected one lost chunk, got %d", d.LostChunks())
			}
			if len(released) != 1 || released[0] != 1 {
				t.Fatalf("expected ref 1 released, got %v", released)
			}
			if ref, ok := d.Pop(); !ok || ref != 2 {
				t.Fatalf("expected ref 2, got %d (ok=%v)", ref, ok)
			}
		})
	}
}
