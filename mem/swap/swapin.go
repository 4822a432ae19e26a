package swap

import (
	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/hooking"
	"github.com/sarchlab/vmcore/mem/buddy"
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
)

// SwapIn reads back the page at addr whose entry names e. A read fault
// leaves the page clean and cached so that it can be dropped again for
// free; a write fault, or a page the cache refuses, owns the frame alone and
// releases the slot.
func (m *Manager) SwapIn(
	as *vm.AddressSpace,
	v *vm.VMA,
	addr uint64,
	e vm.SwapEntry,
	write bool,
) error {
	f, allocErr := m.frames.AllocPage(buddy.PriorityUser)

	as.Lock()
	changed := as.PageTable().Lookup(addr) != vm.SwapPTE(e)
	as.Unlock()

	if changed {
		if allocErr == nil {
			m.freeFrame(f)
		}

		return vm.ErrRetry
	}

	if allocErr != nil {
		return errors.Mark(
			errors.Wrapf(allocErr, "swapping in 0x%x", addr), vm.ErrNoMemory)
	}

	buf := make([]byte, phys.PageSize)
	if err := m.ReadSlot(e, buf); err != nil {
		m.freeFrame(f)
		return errors.Mark(err, vm.ErrIO)
	}

	if err := m.memory.WritePage(f, buf); err != nil {
		m.freeFrame(f)
		return err
	}

	as.Lock()
	defer as.Unlock()

	if as.PageTable().Lookup(addr) != vm.SwapPTE(e) {
		m.freeFrame(f)
		return vm.ErrRetry
	}

	as.AddRSS(1)
	as.CountFault(true)

	pte := vm.PTE{Frame: f, Present: true, Accessed: true}
	if !write && m.cache.Add(f, e) {
		as.PageTable().Set(addr, pte)
	} else {
		pte.Writable = v.Prot&vm.ProtWrite != 0
		pte.Dirty = true
		as.PageTable().Set(addr, pte)

		m.releaseSlot(e, "swap in for write")
	}

	m.InvokeHook(hooking.HookCtx{
		Domain: m,
		Pos:    hooking.HookPosSwapIn,
		Item:   SwapEvent{PID: as.PID(), Addr: addr, Entry: e, Write: write},
	})

	return nil
}

// FreeSwap drops one reference to the slot of e.
func (m *Manager) FreeSwap(e vm.SwapEntry) {
	m.releaseSlot(e, "swap entry unmapped")
}

// DuplicateSwap adds one reference to the slot of e.
func (m *Manager) DuplicateSwap(e vm.SwapEntry) error {
	return m.Duplicate(e)
}

// Uncache forgets the slot that f duplicates, freeing it.
func (m *Manager) Uncache(f phys.Frame) bool {
	return m.cache.Delete(f)
}

func (m *Manager) freeFrame(f phys.Frame) {
	if err := m.frames.FreePage(f); err != nil {
		m.logger.Error("freeing frame", "frame", uint64(f), "error", err)
	}
}
