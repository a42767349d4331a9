//go:build !unix

package shm

import "github.com/coachpo/chunkbus/errs"

func unsupported(component string) error {
	return errs.New(component, errs.CodeUnavailable,
		errs.WithMessage("shared-memory segments require a unix platform"),
		errs.WithRemediation("disable segment in the configuration to use heap memory"))
}

// Create is unavailable on this platform.
func Create(name string, size uint64) (*Segment, error) { return nil, unsupported("shm/create") }

// Open is unavailable on this platform.
func Open(name string) (*Segment, error) { return nil, unsupported("shm/open") }

// Close is a no-op on this platform.
func (s *Segment) Close() error { return nil }
