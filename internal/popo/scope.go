// Package popo implements publisher and subscriber ports. Each port is one
// Port Data object shared by two facades: the user facade driven by the
// application and the broker facade driven by the broker's discovery loop.
package popo

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/coachpo/chunkbus/errs"
	"github.com/coachpo/chunkbus/internal/mepoo"
)

// Scope binds ports to one broker and the memory manager it serves. Port ids
// are unique within a scope and carry the broker id in their top 16 bits.
type Scope struct {
	brokerID uint16
	memory   *mepoo.MemoryManager
	runID    uuid.UUID
	nextPort atomic.Uint64
}

// ScopeOption customises a Scope.
type ScopeOption func(*Scope)

// WithRunID reuses an existing run id instead of generating one.
func WithRunID(id uuid.UUID) ScopeOption {
	return func(s *Scope) {
		if id != uuid.Nil {
			s.runID = id
		}
	}
}

// NewScope creates a scope for brokerID over memory.
func NewScope(brokerID uint16, memory *mepoo.MemoryManager, opts ...ScopeOption) (*Scope, error) {
	if memory == nil {
		return nil, errs.New("popo/scope", errs.CodeInvalid, errs.WithMessage("memory manager required"))
	}
	s := &Scope{brokerID: brokerID, memory: memory, runID: uuid.New()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// BrokerID returns the broker id.
func (s *Scope) BrokerID() uint16 { return s.brokerID }

// Memory returns the memory manager shared by every port of the scope.
func (s *Scope) Memory() *mepoo.MemoryManager { return s.memory }

// RunID identifies this scope instance in logs and telemetry.
func (s *Scope) RunID() uuid.UUID { return s.runID }

// NewPortID returns the next unique port id.
func (s *Scope) NewPortID() uint64 {
	return uint64(s.brokerID)<<48 | s.nextPort.Add(1)
}

// BrokerOf extracts the broker id from a port id.
func BrokerOf(portID uint64) uint16 { return uint16(portID >> 48) }
