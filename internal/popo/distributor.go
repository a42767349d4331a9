package popo

import (
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/coachpo/chunkbus/internal/mepoo"
	"github.com/coachpo/chunkbus/internal/queue"
)

type registration int

const (
	registrationAdded registration = iota
	registrationPresent
	registrationFull
)

// ChunkDistributor holds a publisher's registration set and fans chunks out
// to it. The set is an immutable slice swapped by copy-on-write so that send
// reads a consistent snapshot without locking. Every delivery pins the set it
// read; a mutation returns only after the set it replaced is unpinned, so a
// removed queue receives no further pushes from this publisher.
type ChunkDistributor struct {
	mu      sync.Mutex
	current atomic.Pointer[registrationSet]
	max     int
	memory  *mepoo.MemoryManager

	release func(mepoo.ChunkRef)
}

type registrationSet struct {
	queues   []*queue.ChunkQueueData
	inflight atomic.Int64
}

func newChunkDistributor(memory *mepoo.MemoryManager, maxQueues int) *ChunkDistributor {
	d := &ChunkDistributor{max: maxQueues, memory: memory, release: memory.ReleaseRef}
	d.current.Store(&registrationSet{queues: make([]*queue.ChunkQueueData, 0)})
	return d
}

func (d *ChunkDistributor) snapshot() []*queue.ChunkQueueData {
	return d.current.Load().queues
}

// Len returns the number of registered queues.
func (d *ChunkDistributor) Len() int { return len(d.snapshot()) }

// Contains reports whether q is registered.
func (d *ChunkDistributor) Contains(q *queue.ChunkQueueData) bool {
	return slices.Contains(d.snapshot(), q)
}

// pin marks the current set as in use by one delivery. A set retired between
// the load and the increment is never pinned.
func (d *ChunkDistributor) pin() *registrationSet {
	for {
		set := d.current.Load()
		set.inflight.Add(1)
		if d.current.Load() == set {
			return set
		}
		set.inflight.Add(-1)
	}
}

// replace installs queues and waits until no delivery still uses the retired
// set. Callers hold mu.
func (d *ChunkDistributor) replace(queues []*queue.ChunkQueueData) []*queue.ChunkQueueData {
	old := d.current.Swap(&registrationSet{queues: queues})
	for old.inflight.Load() != 0 {
		runtime.Gosched()
	}
	return old.queues
}

func (d *ChunkDistributor) add(q *queue.ChunkQueueData) registration {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := d.snapshot()
	if slices.Contains(cur, q) {
		return registrationPresent
	}
	if len(cur) >= d.max {
		return registrationFull
	}
	next := make([]*queue.ChunkQueueData, len(cur), len(cur)+1)
	copy(next, cur)
	d.replace(append(next, q))
	return registrationAdded
}

func (d *ChunkDistributor) remove(q *queue.ChunkQueueData) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := d.snapshot()
	idx := slices.Index(cur, q)
	if idx < 0 {
		return false
	}
	next := make([]*queue.ChunkQueueData, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	d.replace(next)
	return true
}

func (d *ChunkDistributor) clear() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.replace(make([]*queue.ChunkQueueData, 0)))
}

// deliver pushes h into every registered queue, taking one reference per
// accepted push before it becomes visible. The caller keeps its own
// reference.
func (d *ChunkDistributor) deliver(h *mepoo.ChunkHeader) int {
	set := d.pin()
	defer set.inflight.Add(-1)

	ref := h.Ref()
	delivered := 0
	for _, q := range set.queues {
		d.memory.AcquireReference(h)
		if !q.Deliver(ref, d.release) {
			d.memory.Release(h)
			continue
		}
		delivered++
	}
	return delivered
}
