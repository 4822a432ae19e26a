package swap

import (
	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/mem/blockio"
	"github.com/sarchlab/vmcore/mem/swap/internal/slotlock"
	"github.com/sarchlab/vmcore/mem/vm"
)

// ReadSlot reads the page stored in the slot of e.
func (m *Manager) ReadSlot(e vm.SwapEntry, buf []byte) error {
	return m.transfer(e, buf, false)
}

// WriteSlot writes a page into the slot of e.
func (m *Manager) WriteSlot(e vm.SwapEntry, buf []byte) error {
	return m.transfer(e, buf, true)
}

// transfer holds the slot busy while the page moves. Devices that only map
// sectors are served sector by sector.
func (m *Manager) transfer(e vm.SwapEntry, buf []byte, write bool) error {
	m.Lock()

	d, slot, err := m.lookup(e)
	if err != nil {
		m.Unlock()
		m.logger.Error("trying to swap to nonexistent swap-page", "entry", uint64(e))

		return err
	}

	if c := d.slots[slot]; c == 0 || c == slotBad {
		m.Unlock()
		m.logger.Error("trying to swap to unallocated swap-page", "entry", uint64(e))

		return errors.Wrapf(ErrCorrupt, "entry 0x%x", uint64(e))
	}

	h := d.handle
	m.Unlock()

	state := slotlock.Locked
	if write {
		state = slotlock.Writeback
	}

	d.locks.Acquire(slot, state)
	defer d.locks.Release(slot)

	if write {
		err = blockio.WritePage(h, slot, buf)
	} else {
		err = blockio.ReadPage(h, slot, buf)
	}

	if err != nil {
		m.logger.Error("swap I/O failed",
			"entry", uint64(e), "write", write, "error", err)

		return errors.Mark(errors.Wrapf(err, "entry 0x%x", uint64(e)), ErrIO)
	}

	if write {
		m.pagesOut.Add(1)
	} else {
		m.pagesIn.Add(1)
	}

	return nil
}
