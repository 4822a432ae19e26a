package vm

import (
	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/mem/buddy"
	"github.com/sarchlab/vmcore/mem/phys"
)

// ErrIO is returned when a region's backing object cannot provide a page.
var ErrIO = errors.New("backing store I/O failed")

// ResolveFault makes the page at addr accessible for a read or, when write
// is set, a write. Faults are resolved again from scratch while a path that
// slept reports that the entry changed.
func (m *Manager) ResolveFault(as *AddressSpace, addr uint64, write bool) error {
	for attempt := 0; ; attempt++ {
		err := m.resolveOnce(as, addr, write)
		if !errors.Is(err, ErrRetry) {
			return err
		}

		if attempt >= m.maxRetries {
			return errors.Wrapf(err, "fault at 0x%x retried %d times", addr, attempt)
		}
	}
}

func (m *Manager) resolveOnce(as *AddressSpace, addr uint64, write bool) error {
	page := phys.PageAlignDown(addr)

	as.Lock()

	if as.released {
		as.Unlock()
		return errors.Wrapf(ErrSegv, "pid %d exited", as.pid)
	}

	v, err := as.faultRegion(addr, write)
	if err != nil {
		as.Unlock()
		return err
	}

	pte := as.table.Lookup(page)

	switch {
	case pte.Present && write && !pte.Writable:
		return m.writeProtectFault(as, v, page, pte)
	case pte.Present:
		pte.Accessed = true
		pte.Dirty = pte.Dirty || write
		as.table.Set(page, pte)
		as.Unlock()

		return nil
	case pte.Swap != 0:
		as.Unlock()

		if m.pager == nil {
			m.logger.Error("swap entry without a pager",
				"pid", as.pid, "addr", page, "entry", uint64(pte.Swap))
			return errors.Wrapf(ErrSegv, "no pager for entry 0x%x", pte.Swap)
		}

		return m.pager.SwapIn(as, v, page, pte.Swap, write)
	default:
		as.Unlock()
		return m.noPage(as, v, page, write)
	}
}

// faultRegion finds the region for addr and checks the access against it.
// A stack region is grown down to addr only once the access is allowed.
func (as *AddressSpace) faultRegion(addr uint64, write bool) (*VMA, error) {
	v := as.findVMA(addr)
	if v == nil {
		return nil, errors.Wrapf(ErrSegv, "0x%x not mapped", addr)
	}

	if addr < v.Start && v.Flags&MapGrowsDown == 0 {
		return nil, errors.Wrapf(ErrSegv, "0x%x not mapped", addr)
	}

	if err := checkAccess(v, addr, write); err != nil {
		return nil, err
	}

	if addr >= v.Start {
		return v, nil
	}

	page := phys.PageAlignDown(addr)
	if v.End-page > as.manager.stackLimit {
		return nil, errors.Wrapf(ErrSegv, "stack growth to 0x%x beyond limit", addr)
	}

	if prev := as.prevVMA(v); prev != nil && prev.End > page {
		return nil, errors.Wrapf(ErrSegv, "stack growth to 0x%x hits %s", addr, prev)
	}

	grow := v.Start - page
	if v.Object != nil {
		if v.Offset < grow {
			return nil, errors.Wrapf(ErrSegv, "stack growth to 0x%x below object start", addr)
		}

		v.Offset -= grow
	}

	v.Start = page

	return v, nil
}

func checkAccess(v *VMA, addr uint64, write bool) error {
	if write && v.Prot&ProtWrite == 0 {
		return errors.Wrapf(ErrSegv, "write to read-only 0x%x", addr)
	}

	if !write && v.Prot&(ProtRead|ProtExec) == 0 {
		return errors.Wrapf(ErrSegv, "read of protected 0x%x", addr)
	}

	return nil
}

func (m *Manager) allocUserPage() (phys.Frame, error) {
	f, err := m.frames.AllocPage(buddy.PriorityUser)
	if err != nil {
		return phys.InvalidFrame, errors.Mark(
			errors.Wrap(err, "allocating user page"), ErrNoMemory)
	}

	return f, nil
}

// noPage backs an empty entry with a fresh frame, filled by the region's
// populate hook or with zeros.
func (m *Manager) noPage(as *AddressSpace, v *VMA, page uint64, write bool) error {
	f, err := m.allocUserPage()
	if err != nil {
		return err
	}

	if err := m.fillPage(v, page, f); err != nil {
		m.freeFrame(f)
		return err
	}

	as.Lock()
	defer as.Unlock()

	if as.released || !as.table.Lookup(page).None() || !stillMapped(as, v, page) {
		m.freeFrame(f)
		return ErrRetry
	}

	as.table.Set(page, PTE{
		Frame:    f,
		Present:  true,
		Writable: v.Prot&ProtWrite != 0,
		Dirty:    write,
		Accessed: true,
	})
	as.AddRSS(1)
	as.CountFault(false)

	return nil
}

func stillMapped(as *AddressSpace, v *VMA, page uint64) bool {
	curr := as.findVMA(page)
	return curr == v && curr.Contains(page)
}

func (m *Manager) fillPage(v *VMA, page uint64, f phys.Frame) error {
	p, ok := v.Ops.(Populater)
	if !ok {
		return m.memory.ZeroPage(f)
	}

	buf := make([]byte, phys.PageSize)
	if err := p.Populate(v, page, buf); err != nil {
		return errors.Mark(errors.Wrapf(err, "populating 0x%x", page), ErrIO)
	}

	return m.memory.WritePage(f, buf)
}

// writeProtectFault serves a write to a present, write-protected page. A
// frame nobody else maps is simply made writable; a shared one is copied.
func (m *Manager) writeProtectFault(
	as *AddressSpace,
	v *VMA,
	page uint64,
	pte PTE,
) error {
	old := pte.Frame

	if m.exclusive(old) {
		m.makeWritable(as, page, pte)
		as.Unlock()

		return nil
	}

	as.Unlock()

	f, err := m.allocUserPage()
	if err != nil {
		return err
	}

	as.Lock()
	defer as.Unlock()

	curr := as.table.Lookup(page)
	if as.released || !curr.Present || curr.Frame != old || curr.Writable ||
		!stillMapped(as, v, page) {
		m.freeFrame(f)
		return ErrRetry
	}

	if m.exclusive(old) {
		m.makeWritable(as, page, curr)
		m.freeFrame(f)

		return nil
	}

	if err := m.memory.CopyPage(f, old); err != nil {
		m.freeFrame(f)
		return err
	}

	as.table.Set(page, PTE{
		Frame:    f,
		Present:  true,
		Writable: true,
		Dirty:    true,
		Accessed: true,
	})
	as.CountFault(false)

	if m.frames.IsReserved(old) {
		as.AddRSS(1)
	} else {
		m.freeFrame(old)
	}

	return nil
}

func (m *Manager) exclusive(f phys.Frame) bool {
	return !m.frames.IsReserved(f) && m.frames.RefCount(f) == 1
}

func (m *Manager) makeWritable(as *AddressSpace, page uint64, pte PTE) {
	if m.pager != nil {
		m.pager.Uncache(pte.Frame)
	}

	pte.Writable = true
	pte.Dirty = true
	pte.Accessed = true
	as.table.Set(page, pte)
	as.CountFault(false)
}

func (m *Manager) freeFrame(f phys.Frame) {
	if err := m.frames.FreePage(f); err != nil {
		m.logger.Error("freeing frame", "frame", uint64(f), "error", err)
	}
}

// AccessPage runs fn on the frame that backs addr if the page table already
// permits the access, setting the accessed bit and, for writes, the dirty
// bit, the way the MMU would. It returns false if a fault is needed first.
func (as *AddressSpace) AccessPage(
	addr uint64,
	write bool,
	fn func(f phys.Frame) error,
) (bool, error) {
	as.Lock()
	defer as.Unlock()

	page := phys.PageAlignDown(addr)
	pte := as.table.Lookup(page)

	if !pte.Present || (write && !pte.Writable) {
		return false, nil
	}

	pte.Accessed = true
	pte.Dirty = pte.Dirty || write
	as.table.Set(page, pte)

	return true, fn(pte.Frame)
}
