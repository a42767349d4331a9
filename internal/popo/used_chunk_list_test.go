package popo

import (
	"testing"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/chunkbus/internal/mepoo"
)

func TestUsedChunkList(t *testing.T) {
	l := newUsedChunkList(2)
	if !l.insert(1) || !l.insert(2) {
		t.Fatal("expected inserts to succeed")
	}
	if !l.full() || l.insert(3) {
		t.Fatal("expected list to be full")
	}
	if l.remove(3) || l.remove(mepoo.NilChunkRef) {
		t.Fatal("expected unknown refs to be rejected")
	}
	if !l.remove(1) || l.remove(1) {
		t.Fatal("expected ref 1 removed exactly once")
	}
	var released []mepoo.ChunkRef
	if n := l.releaseAll(func(ref mepoo.ChunkRef) { released = append(released, ref) }); n != 1 || released[0] != 2 {
		t.Fatalf("expected ref 2 released, got %v", released)
	}
	if l.len() != 0 {
		t.Fatalf("expected empty list, got %d", l.len())
	}
}

// A remove racing releaseAll must hand each ref to exactly one side.
func TestUsedChunkListRemoveRacesReleaseAll(t *testing.T) {
	const n = 256
	for round := 0; round < 20; round++ {
		l := newUsedChunkList(n)
		for i := 1; i <= n; i++ {
			l.insert(mepoo.ChunkRef(i))
		}
		var removed, released [n + 1]int
		var wg conc.WaitGroup
		wg.Go(func() {
			for i := 1; i <= n; i++ {
				if l.remove(mepoo.ChunkRef(i)) {
					removed[i]++
				}
			}
		})
		wg.Go(func() {
			l.releaseAll(func(ref mepoo.ChunkRef) { released[ref]++ })
		})
		wg.Wait()
		for i := 1; i <= n; i++ {
			if removed[i]+released[i] != 1 {
				t.Fatalf("round %d: ref %d handled %d times", round, i, removed[i]+released[i])
			}
		}
	}
}
