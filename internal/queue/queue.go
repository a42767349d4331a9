// Package queue implements the bounded, single-consumer chunk reference queues
// that carry chunks from publishers to a subscriber.
package queue

import (
	"fmt"

	"github.com/coachpo/chunkbus/errs"
	"github.com/coachpo/chunkbus/internal/mepoo"
)

// Kind selects the producer-side concurrency of a queue.
type Kind uint8

const (
	// SingleProducer allows exactly one pushing goroutine.
	SingleProducer Kind = iota + 1
	// MultiProducer allows any number of concurrently pushing goroutines.
	MultiProducer
)

func (k Kind) String() string {
	switch k {
	case SingleProducer:
		return "single_producer"
	case MultiProducer:
		return "multi_producer"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ChunkQueue is a bounded FIFO of chunk references with one consumer. Push
// never blocks and never rejects: when the queue is full the oldest entry is
// evicted and handed to evict, once per evicted entry. Pop returns false when
// the queue is empty.
type ChunkQueue interface {
	Push(ref mepoo.ChunkRef, evict func(mepoo.ChunkRef)) int
	Pop() (mepoo.ChunkRef, bool)
	Len() int
	Capacity() int
	Kind() Kind
}

// NewChunkQueue constructs a queue of the given kind and capacity.
func NewChunkQueue(kind Kind, capacity int) (ChunkQueue, error) {
	if capacity <= 0 {
		return nil, errs.New("queue/new", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("capacity must be > 0, got %d", capacity)))
	}
	switch kind {
	case SingleProducer:
		return newSingleProducer(capacity), nil
	case MultiProducer:
		return newMultiProducer(capacity), nil
	default:
		return nil, errs.New("queue/new", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown queue kind %d", uint8(kind))))
	}
}
