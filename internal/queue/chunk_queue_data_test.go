package queue

import (
	"testing"

	"github.com/coachpo/chunkbus/internal/mepoo"
)

type countingNotifier struct {
	arrivals  int
	overflows int
}

func (n *countingNotifier) NotifyChunkArrival() { n.arrivals++ }
func (n *countingNotifier) NotifyOverflow()     { n.overflows++ }

func TestDeliverRaisesStickyLostFlag(t *testing.T) {
	d, err := NewChunkQueueData(7, SingleProducer, 2)
	if err != nil {
		t.Fatalf("new queue data: %v", err)
	}
	if d.Owner() != 7 || d.Kind() != SingleProducer || d.Capacity() != 2 {
		t.Fatalf("unexpected queue data shape")
	}
	n := new(countingNotifier)
	d.SetNotifier(n)

	var released []mepoo.ChunkRef
	release := func(ref mepoo.ChunkRef) { released = append(released, ref) }
	for i := 1; i <= 3; i++ {
		if !d.Deliver(mepoo.ChunkRef(i), release) {
			t.Fatalf("deliver %d refused", i)
		}
	}
	if len(released) != 1 || released[0] != 1 {
		t.Fatalf("expected oldest ref released, got %v", released)
	}
	if n.arrivals != 3 || n.overflows != 1 {
		t.Fatalf("unexpected notifications arrivals=%d overflows=%d", n.arrivals, n.overflows)
	}
	if !d.HasLostChunks(false) {
		t.Fatal("expected lost flag")
	}
	if !d.HasLostChunks(true) {
		t.Fatal("expected lost flag on clearing read")
	}
	if d.HasLostChunks(false) {
		t.Fatal("expected lost flag cleared")
	}
	if d.LostChunks() != 1 {
		t.Fatalf("expected one lost chunk, got %d", d.LostChunks())
	}
}

func TestCloseRefusesPushesAndDrainReturnsQueued(t *testing.T) {
	d, _ := NewChunkQueueData(1, MultiProducer, 4)
	d.Deliver(10, nil)
	d.Deliver(11, nil)
	d.Close()
	if !d.Closed() {
		t.Fatal("expected closed")
	}
	if d.Deliver(12, nil) {
		t.Fatal("expected deliver after close to be refused")
	}

	var drained []mepoo.ChunkRef
	if n := d.Drain(func(ref mepoo.ChunkRef) { drained = append(drained, ref) }); n != 2 {
		t.Fatalf("expected 2 drained, got %d", n)
	}
	if len(drained) != 2 || drained[0] != 10 || drained[1] != 11 {
		t.Fatalf("unexpected drain order %v", drained)
	}
	if d.Len() != 0 {
		t.Fatalf("expected empty queue after drain")
	}
}

func TestSignalNotifierCoalesces(t *testing.T) {
	n := NewSignalNotifier()
	n.NotifyChunkArrival()
	n.NotifyChunkArrival()
	n.NotifyOverflow()

	select {
	case <-n.Arrivals():
	default:
		t.Fatal("expected arrival signal")
	}
	select {
	case <-n.Arrivals():
		t.Fatal("expected arrivals to coalesce")
	default:
	}
	select {
	case <-n.Overflows():
	default:
		t.Fatal("expected overflow signal")
	}
}

func TestSetNotifierNilRemoves(t *testing.T) {
	d, _ := NewChunkQueueData(1, SingleProducer, 1)
	n := new(countingNotifier)
	d.SetNotifier(n)
	d.SetNotifier(nil)
	d.Deliver(1, nil)
	if n.arrivals != 0 {
		t.Fatal("expected no notification after removal")
	}
}
