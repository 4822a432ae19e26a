package vm

import (
	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/mem/phys"
)

// A MapRequest describes a new mapping.
type MapRequest struct {
	// Addr is the placement hint, or the exact address with MapFixed.
	Addr   uint64
	Length uint64
	Prot   Prot
	Flags  MapFlags

	// Object backs the mapping. A nil Object maps zero-filled memory.
	Object Object
	Offset uint64
}

// Map creates a region and returns its start address. Anonymous regions are
// filled with zeros on first touch. Object-backed regions get their
// operation set from the object.
func (as *AddressSpace) Map(r MapRequest) (uint64, error) {
	if r.Length == 0 {
		return 0, errors.Wrap(ErrInvalid, "zero-length mapping")
	}

	if !phys.IsPageAligned(r.Offset) {
		return 0, errors.Wrapf(ErrInvalid, "offset 0x%x not page aligned", r.Offset)
	}

	length := phys.PageAlign(r.Length)

	as.Lock()
	defer as.Unlock()

	if as.released {
		return 0, errors.Wrap(ErrInvalid, "address space released")
	}

	addr, err := as.placeMapping(r.Addr, length, r.Flags)
	if err != nil {
		return 0, err
	}

	v := &VMA{
		Start:  addr,
		End:    addr + length,
		Prot:   r.Prot,
		Flags:  r.Flags &^ placementFlags,
		Object: r.Object,
		Offset: r.Offset,
		space:  as,
	}

	if v.Object != nil {
		v.Object.Get()

		if err := v.Object.Mmap(v); err != nil {
			v.Object.Put()
			return 0, err
		}
	}

	as.insertVMA(v)
	as.merge(v.Start, v.End)

	return addr, nil
}

func (as *AddressSpace) placeMapping(
	hint, length uint64,
	flags MapFlags,
) (uint64, error) {
	m := as.manager

	if flags&MapFixed == 0 {
		return as.unmappedArea(hint, length)
	}

	if !phys.IsPageAligned(hint) {
		return 0, errors.Wrapf(ErrInvalid, "fixed address 0x%x not page aligned", hint)
	}

	if hint+length < hint || hint+length > m.mapLimit {
		return 0, errors.Wrapf(ErrInvalid,
			"fixed mapping 0x%x+0x%x beyond the address space", hint, length)
	}

	if as.findVMAIntersection(hint, hint+length) != nil {
		if flags&MapReplace == 0 {
			return 0, errors.Wrapf(ErrExists,
				"0x%x-0x%x", hint, hint+length)
		}

		as.unmap(hint, length)
	}

	return hint, nil
}

// unmappedArea returns the lowest gap of at least length bytes at or above
// the hint, never below the base of the mapping range.
func (as *AddressSpace) unmappedArea(hint, length uint64) (uint64, error) {
	base, limit := as.manager.mapBase, as.manager.mapLimit

	if length > limit-base {
		return 0, errors.Wrapf(ErrNoMemory, "no room for 0x%x bytes", length)
	}

	addr := max(phys.PageAlign(hint), base)

	for {
		if addr > limit-length {
			return 0, errors.Wrapf(ErrNoMemory, "no room for 0x%x bytes", length)
		}

		v := as.findVMA(addr)
		if v == nil || addr+length <= v.Start {
			return addr, nil
		}

		addr = v.End
	}
}

// Merge folds adjacent, identical regions that touch [start, end) into one.
func (as *AddressSpace) Merge(start, end uint64) {
	as.Lock()
	defer as.Unlock()

	as.merge(start, end)
}

func (as *AddressSpace) merge(start, end uint64) {
	curr := as.findVMA(start)
	if curr == nil {
		return
	}

	prev := as.prevVMA(curr)
	if prev == nil {
		prev = curr
		curr = as.nextVMA(prev)
	}

	for curr != nil && prev.Start < end {
		next := as.nextVMA(curr)

		if !prev.mergeable(curr) {
			prev = curr
			curr = next

			continue
		}

		as.removeVMA(curr)
		as.setEnd(prev, curr.End)

		if _, ok := curr.Ops.(Closer); ok {
			curr.Offset += curr.Len()
			curr.Start = curr.End
			curr.close()
		}

		if curr.Object != nil {
			curr.Object.Put()
		}

		curr = next
	}
}
