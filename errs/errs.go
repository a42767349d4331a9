// Package errs provides structured error types and helpers for chunkbus components.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeAllocation indicates a chunk could not be allocated.
	CodeAllocation Code = "allocation"
	// CodeReceive indicates misuse of the subscriber receive path.
	CodeReceive Code = "chunk_receive"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the resource is closed or not ready.
	CodeUnavailable Code = "unavailable"
	// CodeSystem indicates an operating system failure.
	CodeSystem Code = "system"
)

// CanonicalCode captures the precise reason behind an error category.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalChunkTooLarge indicates no configured pool can hold the requested payload.
	CanonicalChunkTooLarge CanonicalCode = "chunk_too_large"
	// CanonicalPoolExhausted indicates the selected pool has no free chunk.
	CanonicalPoolExhausted CanonicalCode = "pool_exhausted"
	// CanonicalNotConfigured indicates the memory manager has not been configured.
	CanonicalNotConfigured CanonicalCode = "not_configured"
	// CanonicalTooManyChunksAllocated indicates the publisher holds too many unsent chunks.
	CanonicalTooManyChunksAllocated CanonicalCode = "too_many_chunks_allocated_in_parallel"
	// CanonicalNotSubscribed indicates a receive was attempted while not subscribed.
	CanonicalNotSubscribed CanonicalCode = "not_subscribed"
	// CanonicalTooManyChunksHeld indicates the subscriber holds too many chunks.
	CanonicalTooManyChunksHeld CanonicalCode = "too_many_chunks_held_in_parallel"
	// CanonicalUnknownChunk indicates the chunk is not held by the port.
	CanonicalUnknownChunk CanonicalCode = "unknown_chunk"
)

// E captures structured error information produced across the chunkbus stack.
type E struct {
	Component   string
	Code        Code
	Message     string
	Canonical   CanonicalCode
	Metadata    map[string]string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Code:        code,
		Message:     "",
		Canonical:   CanonicalUnknown,
		Metadata:    nil,
		Remediation: "",
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical code describing the failure reason.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		for k, v := range meta {
			WithField(k, v)(e)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := e.Component
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err carries an envelope with the given code.
func Is(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// IsCanonical reports whether err carries an envelope with the given canonical code.
func IsCanonical(err error, code CanonicalCode) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Canonical == code
}
