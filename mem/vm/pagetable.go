package vm

import (
	"sort"

	"github.com/sarchlab/vmcore/mem/phys"
)

// PID stands for Process ID.
type PID uint32

// A PageTable holds the entries of one address space, indexed by virtual
// page. It is not safe for concurrent use; the owning AddressSpace lock
// guards it.
type PageTable struct {
	entries map[uint64]PTE
}

// NewPageTable creates an empty page table.
func NewPageTable() *PageTable {
	return &PageTable{entries: make(map[uint64]PTE)}
}

func vpn(addr uint64) uint64 {
	return addr >> phys.PageShift
}

// Find returns the entry that maps the page containing addr.
func (t *PageTable) Find(addr uint64) (PTE, bool) {
	pte, found := t.entries[vpn(addr)]
	return pte, found
}

// Lookup returns the entry for addr, or an empty entry.
func (t *PageTable) Lookup(addr uint64) PTE {
	return t.entries[vpn(addr)]
}

// Set installs the entry for the page containing addr. Setting an empty
// entry removes it.
func (t *PageTable) Set(addr uint64, pte PTE) {
	if pte.None() {
		delete(t.entries, vpn(addr))
		return
	}

	t.entries[vpn(addr)] = pte
}

// Update changes an existing entry.
func (t *PageTable) Update(addr uint64, pte PTE) {
	t.pageMustExist(addr)
	t.Set(addr, pte)
}

// Remove deletes the entry of the page containing addr and returns it.
func (t *PageTable) Remove(addr uint64) PTE {
	pte := t.entries[vpn(addr)]
	delete(t.entries, vpn(addr))

	return pte
}

// Len returns the number of non-empty entries.
func (t *PageTable) Len() int {
	return len(t.entries)
}

// Pages returns the addresses of every non-empty entry in the range
// [start, end), in address order.
func (t *PageTable) Pages(start, end uint64) []uint64 {
	res := []uint64{}

	if (end-start)>>phys.PageShift < uint64(len(t.entries)) {
		for a := phys.PageAlignDown(start); a < end; a += phys.PageSize {
			if _, ok := t.entries[vpn(a)]; ok {
				res = append(res, a)
			}
		}

		return res
	}

	for v := range t.entries {
		a := v << phys.PageShift
		if a >= phys.PageAlignDown(start) && a < end {
			res = append(res, a)
		}
	}

	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })

	return res
}

func (t *PageTable) pageMustExist(addr uint64) {
	if _, found := t.entries[vpn(addr)]; !found {
		panic("page does not exist")
	}
}
