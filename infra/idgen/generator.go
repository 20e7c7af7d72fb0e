// Package idgen issues globally unique 64-bit identifiers.
//
// ID layout: [41-bit ms timestamp since epoch][5-bit node][12-bit sequence].
// One Generator per ID category so exhausting the per-millisecond sequence
// of one category never stalls another.
package idgen

import (
	"sync/atomic"
	"time"
)

const (
	nodeIDBits   = 5
	sequenceBits = 12

	// MaxNodeID is the largest configurable node identity (31).
	MaxNodeID uint8 = 1<<nodeIDBits - 1

	maxSequence uint64 = 1<<sequenceBits - 1

	// epochMillis is 2024-01-01 00:00:00 UTC.
	epochMillis int64 = 1704067200000
)

// Generator is a lock-free snowflake counter. The combined word packs the
// last issued millisecond timestamp in the high 48 bits and the intra-ms
// sequence in the low 16, advanced by CAS so concurrent callers never
// observe a duplicate.
type Generator struct {
	tsAndSeq atomic.Uint64
	nodeID   uint8
}

// New creates a generator bound to the given node identity.
func New(nodeID uint8) *Generator {
	return &Generator{nodeID: nodeID & MaxNodeID}
}

// Next returns the next ID. Values from one generator are strictly
// increasing; when a millisecond's 4096-ID sequence is exhausted the call
// spins to the next millisecond.
func (g *Generator) Next() uint64 {
	for {
		now := time.Now().UnixMilli()
		current := g.tsAndSeq.Load()
		lastTS := int64(current >> 16)
		lastSeq := current & 0xFFFF

		var seq uint64
		switch {
		case now < lastTS:
			// Clock went backwards; keep issuing against the last
			// observed millisecond so monotonicity holds.
			now = lastTS
			fallthrough
		case now == lastTS:
			seq = lastSeq + 1
			if seq > maxSequence {
				continue
			}
		default:
			seq = 0
		}

		next := uint64(now)<<16 | seq
		if g.tsAndSeq.CompareAndSwap(current, next) {
			ts := uint64(now - epochMillis)
			return ts<<(nodeIDBits+sequenceBits) |
				uint64(g.nodeID)<<sequenceBits |
				seq
		}
	}
}

// Timestamp extracts the Unix millisecond timestamp embedded in id.
func Timestamp(id uint64) int64 {
	return int64(id>>(nodeIDBits+sequenceBits)) + epochMillis
}

// NodeID extracts the node identity embedded in id.
func NodeID(id uint64) uint8 {
	return uint8(id >> sequenceBits & uint64(MaxNodeID))
}

// Sequence extracts the intra-millisecond sequence embedded in id.
func Sequence(id uint64) uint16 {
	return uint16(id & maxSequence)
}

// Generators bundles one generator per ID category. Constructed once at the
// composition root and injected; nothing in the engine reaches for a global.
type Generators struct {
	Order       *Generator
	Trade       *Generator
	Event       *Generator
	Transaction *Generator
}

// NewGenerators builds the full bundle for one node identity.
func NewGenerators(nodeID uint8) *Generators {
	return &Generators{
		Order:       New(nodeID),
		Trade:       New(nodeID),
		Event:       New(nodeID),
		Transaction: New(nodeID),
	}
}
