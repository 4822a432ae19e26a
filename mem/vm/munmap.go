package vm

import (
	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/mem/phys"
)

// Unmap removes [addr, addr+length) from the address space. Regions that are
// only partly covered are truncated or split around the hole.
func (as *AddressSpace) Unmap(addr, length uint64) error {
	if !phys.IsPageAligned(addr) {
		return errors.Wrapf(ErrInvalid, "address 0x%x not page aligned", addr)
	}

	if length == 0 {
		return nil
	}

	as.Lock()
	defer as.Unlock()

	as.unmap(addr, phys.PageAlign(length))

	return nil
}

func (as *AddressSpace) unmap(addr, length uint64) {
	end := addr + length

	hit := []*VMA{}
	as.Walk(addr, func(v *VMA) bool {
		if v.Start >= end {
			return false
		}

		hit = append(hit, v)

		return true
	})

	if len(hit) == 0 {
		return
	}

	for _, v := range hit {
		as.removeVMA(v)
	}

	for _, v := range hit {
		st := max(addr, v.Start)
		e := min(end, v.End)
		as.unmapFixup(v, st, e)
	}

	as.zapRange(addr, end)
}

// unmapFixup finishes the removal of [addr, end) from the unindexed region
// area. The parts of area that survive are indexed again as fresh regions,
// and area itself is closed.
func (as *AddressSpace) unmapFixup(area *VMA, addr, end uint64) {
	if addr == area.Start && end == area.End {
		area.close()

		if area.Object != nil {
			area.Object.Put()
		}

		return
	}

	switch {
	case end == area.End:
		area.End = addr
	case addr == area.Start:
		area.Offset += end - area.Start
		area.Start = end
	default:
		upper := *area
		upper.Offset += end - area.Start
		upper.Start = end

		if upper.Object != nil {
			upper.Object.Get()
		}

		upper.open()
		area.End = addr
		as.insertVMA(&upper)
	}

	rest := *area
	rest.open()

	if _, ok := area.Ops.(Closer); ok {
		area.End = area.Start
		area.close()
	}

	as.insertVMA(&rest)
}

// zapRange drops every page table entry in [start, end), releasing frames
// and swap slots. The caller holds the lock.
func (as *AddressSpace) zapRange(start, end uint64) {
	m := as.manager

	for _, addr := range as.table.Pages(start, end) {
		pte := as.table.Remove(addr)

		switch {
		case pte.Present:
			as.AddRSS(-1)
			if m.frames.IsReserved(pte.Frame) {
				continue
			}

			if err := m.frames.FreePage(pte.Frame); err != nil {
				m.logger.Error("freeing unmapped page",
					"pid", as.pid, "addr", addr, "error", err)
			}
		case pte.Swap != 0:
			if m.pager != nil {
				m.pager.FreeSwap(pte.Swap)
			}
		}
	}
}
