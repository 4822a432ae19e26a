package phys

import "sync"

// A FrameTable tracks the reference count and the reserved flag of every
// physical frame. A frame with a zero count is either sitting on a free list
// or has never been handed out.
//
// The table can be touched from any control path, including frees that happen
// while a fault is being served, so every access goes through the lock.
type FrameTable struct {
	sync.Mutex
	count    []uint32
	reserved []bool
}

// NewFrameTable creates a table for n frames. All frames start with a count
// of one, and are handed to the page allocator at boot by freeing them.
func NewFrameTable(n uint64) *FrameTable {
	t := &FrameTable{
		count:    make([]uint32, n),
		reserved: make([]bool, n),
	}

	for i := range t.count {
		t.count[i] = 1
	}

	return t
}

// Len returns the number of frames tracked.
func (t *FrameTable) Len() uint64 {
	return uint64(len(t.count))
}

// Contains tells if f is tracked by the table.
func (t *FrameTable) Contains(f Frame) bool {
	return uint64(f) < uint64(len(t.count))
}

// Count returns the reference count of f.
func (t *FrameTable) Count(f Frame) uint32 {
	t.Lock()
	defer t.Unlock()

	return t.count[f]
}

// Set overwrites the reference count of f.
func (t *FrameTable) Set(f Frame, count uint32) {
	t.Lock()
	t.count[f] = count
	t.Unlock()
}

// Get adds a reference to f and returns the new count.
func (t *FrameTable) Get(f Frame) uint32 {
	t.Lock()
	defer t.Unlock()

	t.count[f]++

	return t.count[f]
}

// Put drops a reference to f and returns the remaining count. Dropping a
// reference of a frame that has none is reported by ok being false.
func (t *FrameTable) Put(f Frame) (remaining uint32, ok bool) {
	t.Lock()
	defer t.Unlock()

	if t.count[f] == 0 {
		return 0, false
	}

	t.count[f]--

	return t.count[f], true
}

// Reserve marks f as reserved. Reserved frames never enter the free lists and
// are never reclaimed.
func (t *FrameTable) Reserve(f Frame) {
	t.Lock()
	t.reserved[f] = true
	t.Unlock()
}

// IsReserved tells if f is reserved.
func (t *FrameTable) IsReserved(f Frame) bool {
	t.Lock()
	defer t.Unlock()

	return t.reserved[f]
}
