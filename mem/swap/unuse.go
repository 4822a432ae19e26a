package swap

import (
	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/mem/buddy"
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
)

type swappedPage struct {
	addr  uint64
	entry vm.SwapEntry
}

// unuse brings back every page that lives on device idx. Whole-system
// sweeps repeat until one finds no reference left, since a sweep can race
// with processes that fork or fault meanwhile.
func (m *Manager) unuse(idx int) error {
	for {
		found := 0

		if m.tasks != nil {
			for _, as := range m.tasks.AddressSpaces() {
				n, err := m.unuseProcess(as, idx)
				if err != nil {
					return err
				}

				found += n
			}
		}

		found += m.cache.dropDevice(idx)

		if found == 0 {
			return nil
		}
	}
}

// unuseProcess uncaches the resident pages of as that duplicate slots on
// device idx and reads back the pages that live there. It returns how many
// pages it touched.
func (m *Manager) unuseProcess(as *vm.AddressSpace, idx int) (int, error) {
	as.Lock()
	n, out := m.scanForDevice(as, idx)
	as.Unlock()

	for _, p := range out {
		if err := m.unusePage(as, p); err != nil {
			return n, err
		}

		n++
	}

	return n, nil
}

func (m *Manager) scanForDevice(as *vm.AddressSpace, idx int) (int, []swappedPage) {
	t := as.PageTable()
	n := 0

	var out []swappedPage

	for _, addr := range t.Pages(0, ^uint64(0)) {
		pte := t.Lookup(addr)

		if pte.Present {
			e, ok := m.cache.Lookup(pte.Frame)
			if ok && e.Device() == idx && m.cache.Delete(pte.Frame) {
				t.Set(addr, pte.MkDirty())
				n++
			}

			continue
		}

		if pte.Swap != 0 && pte.Swap.Device() == idx {
			out = append(out, swappedPage{addr: addr, entry: pte.Swap})
		}
	}

	return n, out
}

func (m *Manager) unusePage(as *vm.AddressSpace, p swappedPage) error {
	f, err := m.frames.AllocPage(buddy.PriorityKernel)
	if err != nil {
		return errors.Mark(
			errors.Wrapf(err, "reading back 0x%x of pid %d", p.addr, as.PID()),
			vm.ErrNoMemory)
	}

	buf := make([]byte, phys.PageSize)
	if err := m.ReadSlot(p.entry, buf); err != nil {
		m.freeFrame(f)
		return err
	}

	if err := m.memory.WritePage(f, buf); err != nil {
		m.freeFrame(f)
		return err
	}

	as.Lock()
	defer as.Unlock()

	t := as.PageTable()
	if t.Lookup(p.addr) != vm.SwapPTE(p.entry) {
		m.freeFrame(f)
		return nil
	}

	writable := false

	as.Walk(p.addr, func(v *vm.VMA) bool {
		writable = v.Contains(p.addr) && v.Prot&vm.ProtWrite != 0
		return false
	})

	t.Set(p.addr, vm.PTE{
		Frame:    f,
		Present:  true,
		Writable: writable,
		Dirty:    true,
	})
	as.AddRSS(1)

	m.releaseSlot(p.entry, "unuse")

	return nil
}
