// Package mepoo implements the chunk pool allocator: fixed-size chunks in one
// or more size classes, handed out lock-free and reclaimed by reference count.
package mepoo

import (
	"fmt"

	"github.com/coachpo/chunkbus/errs"
)

const (
	// ChunkHeaderSize is the fixed per-chunk overhead in front of the payload.
	ChunkHeaderSize = 64
	// MaxPools bounds the number of size classes a manager accepts.
	MaxPools = 32
	// payloadAlignment keeps every chunk header 8-byte aligned for atomics.
	payloadAlignment = 8
)

// PoolEntry configures one size class.
type PoolEntry struct {
	PayloadSize uint32
	ChunkCount  uint32
}

// Config is the ordered list of size classes, smallest first.
type Config struct {
	Pools []PoolEntry
}

// Add appends a size class and returns the config for chaining.
func (c *Config) Add(payloadSize, chunkCount uint32) *Config {
	c.Pools = append(c.Pools, PoolEntry{PayloadSize: payloadSize, ChunkCount: chunkCount})
	return c
}

// Validate checks that the pools are usable and strictly ascending.
func (c Config) Validate() error {
	if len(c.Pools) == 0 {
		return invalidConfig("at least one pool required")
	}
	if len(c.Pools) > MaxPools {
		return invalidConfig(fmt.Sprintf("at most %d pools supported, got %d", MaxPools, len(c.Pools)))
	}
	var previous uint32
	for i, entry := range c.Pools {
		if entry.PayloadSize == 0 {
			return invalidConfig(fmt.Sprintf("pool %d: payload size must be > 0", i))
		}
		if entry.ChunkCount == 0 {
			return invalidConfig(fmt.Sprintf("pool %d: chunk count must be > 0", i))
		}
		size := alignedPayload(entry.PayloadSize)
		if i > 0 && size <= previous {
			return invalidConfig(fmt.Sprintf("pool %d: payload sizes must be strictly ascending", i))
		}
		previous = size
	}
	return nil
}

// RequiredChunkMemorySize returns the bytes needed for all chunks, headers included.
func RequiredChunkMemorySize(cfg Config) uint64 {
	var total uint64
	for _, entry := range cfg.Pools {
		total += uint64(entry.ChunkCount) * chunkStride(entry.PayloadSize)
	}
	return total
}

// RequiredManagementMemorySize returns the bytes needed for the free lists.
func RequiredManagementMemorySize(cfg Config) uint64 {
	var total uint64
	for _, entry := range cfg.Pools {
		total += uint64(managementSize(entry.ChunkCount))
	}
	return total
}

// RequiredFullMemorySize returns the management and chunk memory combined.
func RequiredFullMemorySize(cfg Config) uint64 {
	return RequiredManagementMemorySize(cfg) + RequiredChunkMemorySize(cfg)
}

func alignedPayload(size uint32) uint32 {
	return uint32(alignUp(uintptr(size), payloadAlignment))
}

func chunkStride(payloadSize uint32) uint64 {
	return ChunkHeaderSize + uint64(alignedPayload(payloadSize))
}

// managementSize covers the 8-byte free-list head and one 4-byte link per chunk.
func managementSize(chunkCount uint32) uintptr {
	return alignUp(8+4*uintptr(chunkCount), 8)
}

func alignUp(v, alignment uintptr) uintptr {
	return (v + alignment - 1) &^ (alignment - 1)
}

func invalidConfig(msg string) error {
	return errs.New("mepoo/config", errs.CodeInvalid, errs.WithMessage(msg))
}
