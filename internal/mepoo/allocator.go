package mepoo

import (
	"fmt"
	"unsafe"

	"github.com/coachpo/chunkbus/errs"
)

// Allocator is a bump allocator over a caller-owned memory region, which may be
// heap memory or a mapped shared-memory segment. It is used at configuration
// time only and is not safe for concurrent use.
type Allocator struct {
	mem    []byte
	offset uintptr
}

// NewAllocator wraps the region.
func NewAllocator(mem []byte) *Allocator {
	return &Allocator{mem: mem}
}

// Allocate carves size bytes aligned to alignment (a power of two) out of the region.
func (a *Allocator) Allocate(size, alignment uintptr) ([]byte, error) {
	if size == 0 {
		return nil, errs.New("mepoo/allocator", errs.CodeInvalid, errs.WithMessage("size must be > 0"))
	}
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil, errs.New("mepoo/allocator", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("alignment %d is not a power of two", alignment)))
	}
	if len(a.mem) == 0 {
		return nil, a.exhausted(size)
	}
	base := uintptr(unsafe.Pointer(&a.mem[0]))
	start := alignUp(base+a.offset, alignment) - base
	end := start + size
	if end > uintptr(len(a.mem)) {
		return nil, a.exhausted(size)
	}
	a.offset = end
	return a.mem[start:end:end], nil
}

// Remaining returns the bytes not yet handed out.
func (a *Allocator) Remaining() uintptr {
	return uintptr(len(a.mem)) - a.offset
}

func (a *Allocator) exhausted(size uintptr) error {
	return errs.New("mepoo/allocator", errs.CodeAllocation,
		errs.WithMessage(fmt.Sprintf("region exhausted: requested %d bytes, %d remaining", size, a.Remaining())),
		errs.WithCanonicalCode(errs.CanonicalPoolExhausted))
}
