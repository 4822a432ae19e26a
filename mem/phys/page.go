// Package phys models physical memory: page frame arithmetic, the content of
// every frame, and the global frame table.
package phys

import "math"

const (
	// PageShift is log2 of the page size.
	PageShift = 12

	// PageSize is the size of one page frame in bytes.
	PageSize = 1 << PageShift

	// PageMask clears the in-page offset of an address.
	PageMask = ^uint64(PageSize - 1)
)

// Frame is a physical page frame number.
type Frame uint64

// InvalidFrame is returned by allocators when no frame can be granted.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Addr returns the physical address of the first byte of the frame.
func (f Frame) Addr() uint64 {
	return uint64(f) << PageShift
}

// FrameOf returns the frame that contains the given physical address.
func FrameOf(addr uint64) Frame {
	return Frame(addr >> PageShift)
}

// PageAlign rounds addr up to the next page boundary.
func PageAlign(addr uint64) uint64 {
	return (addr + PageSize - 1) & PageMask
}

// PageAlignDown rounds addr down to the page that contains it.
func PageAlignDown(addr uint64) uint64 {
	return addr & PageMask
}

// IsPageAligned tells if addr sits on a page boundary.
func IsPageAligned(addr uint64) bool {
	return addr&(PageSize-1) == 0
}
