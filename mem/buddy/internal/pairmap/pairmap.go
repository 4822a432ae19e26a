// Package pairmap provides the per-order bitmap the buddy allocator uses to
// detect coalescing opportunities.
//
// Each bit covers one sibling pair of blocks. The bit is set when exactly one
// of the two siblings is free, so toggling it on a free and reading the old
// value tells whether the sibling is free as well.
package pairmap

import "sync/atomic"

// A Map holds one bit per sibling pair.
type Map struct {
	words []uint64
	bits  uint64
}

// New creates a map that covers n sibling pairs, all bits clear.
func New(n uint64) *Map {
	return &Map{
		words: make([]uint64, (n+63)/64),
		bits:  n,
	}
}

// Len returns the number of pairs covered.
func (m *Map) Len() uint64 {
	return m.bits
}

// Test returns the bit of pair i.
func (m *Map) Test(i uint64) bool {
	w := atomic.LoadUint64(&m.words[i/64])
	return w&(1<<(i%64)) != 0
}

// ToggleAndTest flips the bit of pair i and returns its value before the flip.
func (m *Map) ToggleAndTest(i uint64) bool {
	addr := &m.words[i/64]
	mask := uint64(1) << (i % 64)

	for {
		old := atomic.LoadUint64(addr)
		if atomic.CompareAndSwapUint64(addr, old, old^mask) {
			return old&mask != 0
		}
	}
}

// Snapshot returns a copy of the raw words.
func (m *Map) Snapshot() []uint64 {
	out := make([]uint64, len(m.words))
	for i := range m.words {
		out[i] = atomic.LoadUint64(&m.words[i])
	}

	return out
}

// Count returns the number of set bits.
func (m *Map) Count() int {
	n := 0
	for i := uint64(0); i < m.bits; i++ {
		if m.Test(i) {
			n++
		}
	}

	return n
}
