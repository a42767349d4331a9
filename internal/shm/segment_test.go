//go:build unix

package shm

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/coachpo/chunkbus/errs"
	"github.com/coachpo/chunkbus/internal/mepoo"
)

func uniqueName(t *testing.T) string {
	t.Helper()
	return "test_" + uuid.NewString()
}

func TestCreateOpenShareMemory(t *testing.T) {
	name := uniqueName(t)
	seg, err := Create(name, 4096)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer func() {
		_ = seg.Unlink()
		_ = seg.Close()
	}()
	if !seg.Owner() || seg.Name() != name || len(seg.Payload()) != 4096 {
		t.Fatalf("unexpected segment owner=%v name=%q payload=%d", seg.Owner(), seg.Name(), len(seg.Payload()))
	}
	if seg.CreatorPID() != os.Getpid() {
		t.Fatalf("expected creator pid %d, got %d", os.Getpid(), seg.CreatorPID())
	}

	seg.Payload()[10] = 42
	other, err := Open(name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer other.Close()
	if other.Owner() {
		t.Fatal("opened segment must not be owner")
	}
	if other.Payload()[10] != 42 {
		t.Fatal("expected write to be visible through second mapping")
	}

	if _, err := Create(name, 4096); !errs.Is(err, errs.CodeSystem) {
		t.Fatalf("expected exclusive create to fail, got %v", err)
	}
}

func TestOpenRejectsBadHeader(t *testing.T) {
	name := uniqueName(t)
	seg, err := Create(name, 256)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer func() {
		_ = seg.Unlink()
		_ = seg.Close()
	}()

	binary.LittleEndian.PutUint32(seg.mem[8:12], 99)
	if _, err := Open(name); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
	binary.LittleEndian.PutUint32(seg.mem[8:12], Version)
	seg.mem[0] = 'X'
	if _, err := Open(name); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected bad magic, got %v", err)
	}
}

func TestCreateValidatesArguments(t *testing.T) {
	if _, err := Create("a/b", 16); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid name error, got %v", err)
	}
	if _, err := Create(uniqueName(t), 0); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid size error, got %v", err)
	}
	if _, err := Open(uniqueName(t)); !errs.Is(err, errs.CodeSystem) {
		t.Fatalf("expected missing segment error, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	seg, err := Create(uniqueName(t), 64)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_ = seg.Unlink()
	if err := seg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if seg.Payload() != nil {
		t.Fatal("expected nil payload after close")
	}
}

func TestSegmentBacksMemoryManager(t *testing.T) {
	var cfg mepoo.Config
	cfg.Add(64, 16)
	mgmt := mepoo.RequiredManagementMemorySize(cfg)
	seg, err := Create(uniqueName(t), mepoo.RequiredFullMemorySize(cfg))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer func() {
		_ = seg.Unlink()
		_ = seg.Close()
	}()

	payload := seg.Payload()
	mem := mepoo.NewMemoryManager()
	if err := mem.Configure(cfg, mepoo.NewAllocator(payload[:mgmt]), mepoo.NewAllocator(payload[mgmt:])); err != nil {
		t.Fatalf("Configure on segment failed: %v", err)
	}
	h, err := mem.Allocate(32)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	copy(h.Payload(), "chunk in shared memory")
	mem.Release(h)
	if mem.Stats()[0].Used != 0 {
		t.Fatal("expected chunk released")
	}
}
