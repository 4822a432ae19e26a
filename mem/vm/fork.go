package vm

import (
	"github.com/cockroachdb/errors"
)

// Clone creates the address space of a child process. Every region is
// copied. Private writable pages become copy-on-write in both processes,
// swapped-out pages gain a slot reference and shared pages stay shared.
func (as *AddressSpace) Clone(pid PID) (*AddressSpace, error) {
	child, err := as.manager.NewAddressSpace(pid)
	if err != nil {
		return nil, err
	}

	child.SetSwappable(as.Swappable())

	if err := as.copyInto(child); err != nil {
		child.Release()
		return nil, err
	}

	return child, nil
}

func (as *AddressSpace) copyInto(child *AddressSpace) error {
	as.Lock()
	defer as.Unlock()

	child.Lock()
	defer child.Unlock()

	if as.released {
		return errors.Wrapf(ErrInvalid, "pid %d exited", as.pid)
	}

	all := []*VMA{}
	as.vmas.Ascend(func(v *VMA) bool {
		all = append(all, v)
		return true
	})

	for _, v := range all {
		c := *v
		if c.Object != nil {
			c.Object.Get()
		}

		child.insertVMA(&c)
		c.open()

		if err := as.copyPages(child, v); err != nil {
			return err
		}
	}

	return nil
}

func (as *AddressSpace) copyPages(child *AddressSpace, v *VMA) error {
	m := as.manager

	for _, addr := range as.table.Pages(v.Start, v.End) {
		pte := as.table.Lookup(addr)

		if !pte.Present {
			if m.pager == nil {
				return errors.Wrapf(ErrInvalid, "swap entry at 0x%x without a pager", addr)
			}

			if err := m.pager.DuplicateSwap(pte.Swap); err != nil {
				return err
			}

			child.table.Set(addr, pte)

			continue
		}

		child.AddRSS(1)

		if m.frames.IsReserved(pte.Frame) {
			child.table.Set(addr, pte)
			continue
		}

		if v.copyOnWrite() {
			pte = pte.WrProtect()
		}

		if m.pager != nil && m.pager.Uncache(pte.Frame) {
			pte = pte.MkDirty()
		}

		m.frames.Share(pte.Frame)
		as.table.Set(addr, pte)
		child.table.Set(addr, pte.MkOld())
	}

	return nil
}
