package queue

import (
	"runtime"
	"sync/atomic"

	"github.com/coachpo/chunkbus/internal/mepoo"
)

type notifierHolder struct {
	n Notifier
}

// ChunkQueueData is the subscriber-owned delivery endpoint that publishers
// push into. Besides the queue it carries the sticky lost-chunk flag, an
// optional notifier and a teardown gate: once Close returns no push can land,
// so a following Drain observes every reference ever delivered.
type ChunkQueueData struct {
	owner uint64
	queue ChunkQueue

	lost      atomic.Bool
	lostCount atomic.Uint64
	notifier  atomic.Pointer[notifierHolder]

	closed  atomic.Bool
	pushers atomic.Int64
}

// NewChunkQueueData builds the endpoint for the port identified by owner.
func NewChunkQueueData(owner uint64, kind Kind, capacity int) (*ChunkQueueData, error) {
	q, err := NewChunkQueue(kind, capacity)
	if err != nil {
		return nil, err
	}
	return &ChunkQueueData{owner: owner, queue: q}, nil
}

// Owner returns the unique id of the subscriber port owning the queue.
func (d *ChunkQueueData) Owner() uint64 { return d.owner }

// Kind reports the producer mode of the underlying queue.
func (d *ChunkQueueData) Kind() Kind { return d.queue.Kind() }

// Capacity reports the queue capacity.
func (d *ChunkQueueData) Capacity() int { return d.queue.Capacity() }

// Len reports the number of queued references.
func (d *ChunkQueueData) Len() int { return d.queue.Len() }

// SetNotifier installs n; nil removes the current notifier.
func (d *ChunkQueueData) SetNotifier(n Notifier) {
	if n == nil {
		d.notifier.Store(nil)
		return
	}
	d.notifier.Store(&notifierHolder{n: n})
}

// Deliver pushes ref, handing every evicted reference to release and raising
// the lost flag. It returns false when the queue is closed; ownership of ref
// then stays with the caller.
func (d *ChunkQueueData) Deliver(ref mepoo.ChunkRef, release func(mepoo.ChunkRef)) bool {
	d.pushers.Add(1)
	defer d.pushers.Add(-1)
	if d.closed.Load() {
		return false
	}

	evicted := d.queue.Push(ref, release)
	holder := d.notifier.Load()
	if evicted > 0 {
		d.lostCount.Add(uint64(evicted))
		d.lost.Store(true)
		if holder != nil {
			holder.n.NotifyOverflow()
		}
	}
	if holder != nil {
		holder.n.NotifyChunkArrival()
	}
	return true
}

// Pop removes the oldest reference.
func (d *ChunkQueueData) Pop() (mepoo.ChunkRef, bool) {
	return d.queue.Pop()
}

// HasLostChunks reports whether any chunk was evicted since the flag was last
// cleared. clear resets the flag atomically with the read.
func (d *ChunkQueueData) HasLostChunks(clear bool) bool {
	if clear {
		return d.lost.Swap(false)
	}
	return d.lost.Load()
}

// LostChunks returns the total number of evicted chunks.
func (d *ChunkQueueData) LostChunks() uint64 { return d.lostCount.Load() }

// Close refuses further pushes and waits for in-flight pushers to finish.
func (d *ChunkQueueData) Close() {
	d.closed.Store(true)
	for d.pushers.Load() != 0 {
		runtime.Gosched()
	}
}

// Closed reports whether Close was called.
func (d *ChunkQueueData) Closed() bool { return d.closed.Load() }

// Drain pops every queued reference into release and returns how many there
// were.
func (d *ChunkQueueData) Drain(release func(mepoo.ChunkRef)) int {
	n := 0
	for {
		ref, ok := d.queue.Pop()
		if !ok {
			return n
		}
		n++
		if release != nil {
			release(ref)
		}
	}
}
