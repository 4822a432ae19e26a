package swap

import (
	"github.com/sarchlab/vmcore/hooking"
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
)

// Tuning of the per-process eviction quota. A process that faulted a lot
// recently gives up fewer pages per round.
const (
	SwapMin   = 4
	SwapMax   = 64
	SwapRatio = 128
)

// refreshQuota decays the major fault estimate of a process and derives how
// many pages the next round may take from it.
func refreshQuota(s *vm.SwapState, majorFaults uint64) {
	s.DecayedFaults = s.DecayedFaults*3/4 + majorFaults - s.OldMajorFaults
	s.OldMajorFaults = majorFaults

	switch {
	case s.DecayedFaults >= SwapRatio/SwapMin:
		s.DecayedFaults = SwapRatio / SwapMin
		s.Count = SwapMin
	case s.DecayedFaults <= SwapRatio/SwapMax:
		s.Count = SwapMax
	default:
		s.Count = int(SwapRatio / s.DecayedFaults)
	}
}

// SwapOut frees one frame by taking a page from some process. Processes are
// visited in turn, each giving up at most its quota before the scan moves
// on. Higher prio values scan fewer processes. It returns false when no
// page could be taken.
func (m *Manager) SwapOut(prio int) bool {
	if m.tasks == nil {
		return false
	}

	m.scanLock.Lock()
	defer m.scanLock.Unlock()

	tasks := m.tasks.AddressSpaces()
	if len(tasks) == 0 {
		return false
	}

	for counter := (6 * len(tasks)) >> prio; counter >= 0; counter-- {
		as := m.nextTask(tasks)
		if as == nil {
			return false
		}

		if !as.TryLock() {
			m.swapTask++
			continue
		}

		if as.Swap.Count == 0 {
			refreshQuota(&as.Swap, as.MajorFaults())
		}

		as.Swap.Count--
		if as.Swap.Count == 0 {
			m.swapTask++
		}

		done := m.swapOutProcess(as)
		more := as.Swap.Count != 0
		as.Unlock()

		if done {
			return true
		}

		if more {
			m.swapTask++
		}
	}

	return false
}

// nextTask returns the next process with resident pages, wrapping around
// the task list once.
func (m *Manager) nextTask(tasks []*vm.AddressSpace) *vm.AddressSpace {
	wrapped := false

	for {
		if m.swapTask >= len(tasks) {
			if wrapped {
				return nil
			}

			m.swapTask = 0
			wrapped = true
		}

		as := tasks[m.swapTask]
		if as.Swappable() && as.RSS() > 0 {
			return as
		}

		m.swapTask++
	}
}

// swapOutProcess scans as from its cursor and takes the first page it can.
// The address space lock must be held.
func (m *Manager) swapOutProcess(as *vm.AddressSpace) bool {
	from := as.Swap.Address
	as.Swap.Address = 0

	done := false
	t := as.PageTable()

	as.Walk(from, func(v *vm.VMA) bool {
		start := max(from, v.Start)

		for _, addr := range t.Pages(start, v.End) {
			as.Swap.Address = addr + phys.PageSize

			if m.tryToSwapOut(as, v, addr) {
				done = true
				return false
			}
		}

		return true
	})

	if !done {
		as.Swap.Address = 0
	}

	return done
}

// tryToSwapOut applies the clock discipline to one page. Recently used
// pages only lose their accessed bit. The address space lock must be held.
func (m *Manager) tryToSwapOut(as *vm.AddressSpace, v *vm.VMA, addr uint64) bool {
	t := as.PageTable()
	pte := t.Lookup(addr)

	if !pte.Present || m.frames.IsReserved(pte.Frame) {
		return false
	}

	f := pte.Frame

	// Other mappers of a shared anonymous frame write through their own
	// entries, so this entry's dirty bit says nothing about the content.
	dirty := pte.Dirty || (v.Object == nil && v.Shared())

	if (dirty && m.cache.Delete(f)) || pte.Accessed {
		t.Set(addr, pte.MkOld())
		return false
	}

	if dirty {
		return m.evictDirty(as, v, addr, pte)
	}

	if e, ok := m.cache.Take(f); ok {
		if m.frames.RefCount(f) != 1 {
			m.logger.Error("duplicated cached swap-cache entry",
				"pid", as.PID(), "addr", addr, "entry", uint64(e))
			t.Set(addr, pte.MkDirty())
			m.releaseSlot(e, "duplicated cache entry")

			return false
		}

		as.AddRSS(-1)
		t.Set(addr, vm.SwapPTE(e))
		m.freeFrame(f)
		m.pageGone(as, addr, e)

		return true
	}

	as.AddRSS(-1)
	t.Set(addr, vm.PTE{})
	m.freeFrame(f)
	m.pageGone(as, addr, 0)

	return true
}

func (m *Manager) evictDirty(
	as *vm.AddressSpace,
	v *vm.VMA,
	addr uint64,
	pte vm.PTE,
) bool {
	f := pte.Frame
	t := as.PageTable()

	if m.frames.RefCount(f) != 1 {
		return false
	}

	buf := make([]byte, phys.PageSize)
	if err := m.memory.ReadPage(f, buf); err != nil {
		m.logger.Error("reading evicted frame", "frame", uint64(f), "error", err)
		return false
	}

	if ev, ok := v.Ops.(vm.Evicter); ok {
		if err := ev.Evict(v, addr, buf); err != nil {
			m.logger.Error("writing back evicted page",
				"pid", as.PID(), "addr", addr, "error", err)
			return false
		}

		as.AddRSS(-1)
		t.Set(addr, vm.PTE{})
		m.freeFrame(f)
		m.pageGone(as, addr, 0)

		return true
	}

	e, err := m.AllocSlot()
	if err != nil {
		return false
	}

	as.AddRSS(-1)
	t.Set(addr, vm.SwapPTE(e))

	if err := m.WriteSlot(e, buf); err != nil {
		t.Set(addr, pte)
		as.AddRSS(1)
		m.releaseSlot(e, "failed swap write")

		return false
	}

	m.freeFrame(f)
	m.pageGone(as, addr, e)

	return true
}

func (m *Manager) pageGone(as *vm.AddressSpace, addr uint64, e vm.SwapEntry) {
	m.InvokeHook(hooking.HookCtx{
		Domain: m,
		Pos:    hooking.HookPosSwapOut,
		Item:   SwapEvent{PID: as.PID(), Addr: addr, Entry: e},
	})
}
