package vm

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// SwapState is the per-process state of the swap-out scan. It is guarded by
// the address space lock.
type SwapState struct {
	// Address is where the next scan resumes.
	Address uint64

	// Count is the number of pages still to be taken in this round.
	Count int

	// DecayedFaults estimates the recent major fault rate.
	DecayedFaults uint64

	// OldMajorFaults is the major fault count seen by the last round.
	OldMajorFaults uint64
}

// An AddressSpace is the set of regions and the page table of one process.
//
// The embedded lock guards the region index, the page table and the swap
// state. Code that holds it must not allocate frames, since the allocator
// may reclaim from this very address space.
type AddressSpace struct {
	sync.Mutex

	pid     PID
	manager *Manager
	vmas    *btree.BTreeG[*VMA]
	table   *PageTable

	rss       atomic.Int64
	minFlt    atomic.Uint64
	majFlt    atomic.Uint64
	swappable atomic.Bool
	released  bool

	// Swap is the swap-out cursor and quota.
	Swap SwapState
}

func vmaLess(a, b *VMA) bool {
	return a.End < b.End
}

func newAddressSpace(m *Manager, pid PID) *AddressSpace {
	as := &AddressSpace{
		pid:     pid,
		manager: m,
		vmas:    btree.NewG(8, vmaLess),
		table:   NewPageTable(),
	}
	as.swappable.Store(true)

	return as
}

// PID returns the id of the owning process.
func (as *AddressSpace) PID() PID {
	return as.pid
}

// Manager returns the manager that created the address space.
func (as *AddressSpace) Manager() *Manager {
	return as.manager
}

// RSS returns the number of resident pages.
func (as *AddressSpace) RSS() int64 {
	return as.rss.Load()
}

// AddRSS changes the resident page count.
func (as *AddressSpace) AddRSS(delta int64) {
	as.rss.Add(delta)
}

// MinorFaults returns the number of faults served without I/O.
func (as *AddressSpace) MinorFaults() uint64 {
	return as.minFlt.Load()
}

// MajorFaults returns the number of faults that read from swap.
func (as *AddressSpace) MajorFaults() uint64 {
	return as.majFlt.Load()
}

// CountFault records a served fault.
func (as *AddressSpace) CountFault(major bool) {
	if major {
		as.majFlt.Add(1)
		return
	}

	as.minFlt.Add(1)
}

// Swappable tells if the swap-out scan may take pages from this process.
func (as *AddressSpace) Swappable() bool {
	return as.swappable.Load()
}

// SetSwappable changes whether pages may be taken from this process.
func (as *AddressSpace) SetSwappable(s bool) {
	as.swappable.Store(s)
}

// PageTable returns the page table. The caller must hold the lock.
func (as *AddressSpace) PageTable() *PageTable {
	return as.table
}

// FindVMA returns the first region that ends above addr. The region may
// start above addr.
func (as *AddressSpace) FindVMA(addr uint64) *VMA {
	as.Lock()
	defer as.Unlock()

	return as.findVMA(addr)
}

// FindVMAIntersection returns the first region that overlaps [start, end).
func (as *AddressSpace) FindVMAIntersection(start, end uint64) *VMA {
	as.Lock()
	defer as.Unlock()

	return as.findVMAIntersection(start, end)
}

// VMAs returns copies of all regions, in address order.
func (as *AddressSpace) VMAs() []VMA {
	as.Lock()
	defer as.Unlock()

	res := make([]VMA, 0, as.vmas.Len())
	as.vmas.Ascend(func(v *VMA) bool {
		res = append(res, *v)
		return true
	})

	return res
}

// NumVMAs returns the number of regions.
func (as *AddressSpace) NumVMAs() int {
	as.Lock()
	defer as.Unlock()

	return as.vmas.Len()
}

// Walk calls fn on every region that ends above from, in address order,
// until fn returns false. The caller must hold the lock and must not add or
// remove regions from fn.
func (as *AddressSpace) Walk(from uint64, fn func(v *VMA) bool) {
	as.vmas.AscendGreaterOrEqual(&VMA{End: from + 1}, fn)
}

func (as *AddressSpace) findVMA(addr uint64) *VMA {
	var found *VMA

	as.vmas.AscendGreaterOrEqual(&VMA{End: addr + 1}, func(v *VMA) bool {
		found = v
		return false
	})

	return found
}

func (as *AddressSpace) findVMAIntersection(start, end uint64) *VMA {
	v := as.findVMA(start)
	if v != nil && v.Start < end {
		return v
	}

	return nil
}

// prevVMA returns the region right below v.
func (as *AddressSpace) prevVMA(v *VMA) *VMA {
	var prev *VMA

	as.vmas.DescendLessOrEqual(&VMA{End: v.Start}, func(p *VMA) bool {
		prev = p
		return false
	})

	return prev
}

// nextVMA returns the region right above v.
func (as *AddressSpace) nextVMA(v *VMA) *VMA {
	var next *VMA

	as.vmas.AscendGreaterOrEqual(&VMA{End: v.End + 1}, func(n *VMA) bool {
		next = n
		return false
	})

	return next
}

func (as *AddressSpace) insertVMA(v *VMA) {
	v.space = as
	as.vmas.ReplaceOrInsert(v)

	if v.Object != nil {
		as.manager.share(v)
	}
}

func (as *AddressSpace) removeVMA(v *VMA) {
	as.vmas.Delete(v)

	if v.Object != nil {
		as.manager.unshare(v)
	}
}

// setEnd moves the end of an indexed region.
func (as *AddressSpace) setEnd(v *VMA, end uint64) {
	as.vmas.Delete(v)
	v.End = end
	as.vmas.ReplaceOrInsert(v)
}

// Release tears down every region and page of the address space.
func (as *AddressSpace) Release() {
	as.Lock()

	if as.released {
		as.Unlock()
		return
	}

	as.released = true

	all := []*VMA{}
	as.vmas.Ascend(func(v *VMA) bool {
		all = append(all, v)
		return true
	})

	for _, v := range all {
		as.removeVMA(v)
		as.zapRange(v.Start, v.End)
		v.close()

		if v.Object != nil {
			v.Object.Put()
		}
	}

	as.Unlock()

	as.manager.forget(as)
}

// Released tells if the address space has been torn down.
func (as *AddressSpace) Released() bool {
	as.Lock()
	defer as.Unlock()

	return as.released
}
