package mepoo

import (
	"testing"
	"unsafe"

	"github.com/coachpo/chunkbus/errs"
)

func TestAllocatorAlignsAndExhausts(t *testing.T) {
	a := NewAllocator(make([]byte, 64))

	first, err := a.Allocate(3, 1)
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if len(first) != 3 || cap(first) != 3 {
		t.Fatalf("unexpected slice shape len=%d cap=%d", len(first), cap(first))
	}

	second, err := a.Allocate(8, 8)
	if err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if uintptr(unsafe.Pointer(&second[0]))%8 != 0 {
		t.Fatal("second allocation is not 8-byte aligned")
	}

	if _, err := a.Allocate(128, 8); !errs.Is(err, errs.CodeAllocation) {
		t.Fatalf("expected allocation error on exhaustion, got %v", err)
	}
}

func TestAllocatorRejectsBadArguments(t *testing.T) {
	a := NewAllocator(make([]byte, 64))
	if _, err := a.Allocate(0, 8); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for zero size, got %v", err)
	}
	if _, err := a.Allocate(8, 3); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for non power of two alignment, got %v", err)
	}
}

func TestChunkRefRoundTrip(t *testing.T) {
	ref := newChunkRef(3, 41)
	if ref.Pool() != 3 || ref.Chunk() != 41 {
		t.Fatalf("unexpected decode pool=%d chunk=%d", ref.Pool(), ref.Chunk())
	}
	if ref.IsNil() {
		t.Fatal("chunk 0 of pool 0 must still be a valid reference")
	}
	if !NilChunkRef.IsNil() {
		t.Fatal("nil reference must report nil")
	}
	if newChunkRef(0, 0).IsNil() {
		t.Fatal("first chunk must not collide with the nil reference")
	}
}
