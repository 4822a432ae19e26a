package vm

import "github.com/sarchlab/vmcore/mem/phys"

// A SwapEntry names a swap slot. It is stored in a page table entry in place
// of a frame while the page is out. The zero value names no slot.
type SwapEntry uint64

// MakeSwapEntry packs a device index and a slot number.
func MakeSwapEntry(device int, slot uint64) SwapEntry {
	return SwapEntry(slot<<8 | uint64(device&0x7f)<<1)
}

// Device returns the index of the swap device.
func (e SwapEntry) Device() int {
	return int(e>>1) & 0x7f
}

// Slot returns the slot number on the device.
func (e SwapEntry) Slot() uint64 {
	return uint64(e >> 8)
}

// A PTE is a page table entry. A present entry maps a frame; an entry that
// is not present either names a swap slot or is empty.
type PTE struct {
	Frame    phys.Frame
	Present  bool
	Writable bool
	Dirty    bool
	Accessed bool
	Swap     SwapEntry
}

// None tells if the entry maps nothing at all.
func (p PTE) None() bool {
	return !p.Present && p.Swap == 0
}

// MkOld clears the accessed bit.
func (p PTE) MkOld() PTE {
	p.Accessed = false
	return p
}

// MkDirty sets the dirty bit.
func (p PTE) MkDirty() PTE {
	p.Dirty = true
	return p
}

// WrProtect clears the writable bit.
func (p PTE) WrProtect() PTE {
	p.Writable = false
	return p
}

// SwapPTE returns an entry that points at a swap slot.
func SwapPTE(e SwapEntry) PTE {
	return PTE{Swap: e}
}
