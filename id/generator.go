// Package id generates run identifiers that are unique across instances and
// ordered by creation time.
package id

import (
	"strconv"
	"sync"
	"time"
)

// Bit layout: (physical_ms << 22) | (instance << 16) | logical
const (
	logicalBits  = 16
	instanceBits = 6
	logicalMask  = 1<<logicalBits - 1
	instanceMask = 1<<instanceBits - 1
)

// Generator hands out 64-bit ids from a millisecond clock with a per
// millisecond logical counter. Safe for concurrent use.
type Generator struct {
	instance uint64
	mu       sync.Mutex
	lastMS   int64
	logical  uint64
	now      func() time.Time
}

// NewGenerator creates a generator stamping the low bits of instance into
// every id.
func NewGenerator(instance uint64) *Generator {
	return &Generator{instance: instance & instanceMask, now: time.Now}
}

// NextID returns a unique id, greater than every id returned before.
func (g *Generator) NextID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms > g.lastMS {
		g.lastMS = ms
		g.logical = 0
	}

	// Exhausted this millisecond: borrow the next one.
	if g.logical >= logicalMask {
		g.lastMS++
		g.logical = 0
	}
	g.logical++

	return uint64(g.lastMS)<<(logicalBits+instanceBits) | g.instance<<logicalBits | g.logical
}

// NextRunID renders NextID in base 36.
func (g *Generator) NextRunID() string {
	return strconv.FormatUint(g.NextID(), 36)
}

// Time recovers the creation millisecond of an id.
func Time(id uint64) time.Time {
	return time.UnixMilli(int64(id >> (logicalBits + instanceBits)))
}
