package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndMetadata(t *testing.T) {
	err := New(
		"mepoo/allocate",
		CodeAllocation,
		WithMessage("no pool fits the requested size"),
		WithCanonicalCode(CanonicalChunkTooLarge),
		WithMetadata(map[string]string{
			"requested": "4096",
			"largest":   "128",
		}),
		WithField("pool", "none"),
		WithRemediation("add a larger pool to the mempool configuration"),
		WithCause(errors.New("size class lookup failed")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=mepoo/allocate") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=allocation") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=chunk_too_large") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	expectedMeta := "meta=largest=\"128\",pool=\"none\",requested=\"4096\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "remediation=\"add a larger pool to the mempool configuration\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"size class lookup failed\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("popo", CodeInvalid, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestWithFieldIgnoresBlankKey(t *testing.T) {
	err := New("popo", CodeInvalid, WithField("  ", "value"))
	if len(err.Metadata) != 0 {
		t.Fatalf("expected blank key to be ignored, got %v", err.Metadata)
	}
}

func TestIsMatchesWrappedEnvelope(t *testing.T) {
	base := New("popo/get_chunk", CodeReceive, WithCanonicalCode(CanonicalNotSubscribed))
	wrapped := fmt.Errorf("receive loop: %w", base)

	if !Is(wrapped, CodeReceive) {
		t.Fatal("expected wrapped error to match receive code")
	}
	if Is(wrapped, CodeAllocation) {
		t.Fatal("did not expect allocation code to match")
	}
	if !IsCanonical(wrapped, CanonicalNotSubscribed) {
		t.Fatal("expected canonical code to match")
	}
	if Is(errors.New("plain"), CodeReceive) {
		t.Fatal("plain errors never match")
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("mmap failed")
	err := New("shm/create", CodeSystem, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the cause")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
