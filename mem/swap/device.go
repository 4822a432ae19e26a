package swap

import (
	"github.com/sarchlab/vmcore/mem/blockio"
	"github.com/sarchlab/vmcore/mem/swap/internal/slotlock"
)

// On-device slot map values. A slot count saturates below slotBad.
const (
	slotBad    = 0x80
	slotMaxRef = 0x7f
)

type deviceState int

const (
	stateUnused deviceState = iota

	// stateOpening claims a table entry while the header is read.
	stateOpening
	stateWritable
	stateDeactivating
)

func (s deviceState) String() string {
	switch s {
	case stateUnused:
		return "unused"
	case stateOpening:
		return "opening"
	case stateWritable:
		return "writable"
	case stateDeactivating:
		return "deactivating"
	}

	return "unknown"
}

// A device is one entry of the swap device table. Everything but locks is
// guarded by the manager lock.
type device struct {
	state  deviceState
	path   string
	handle blockio.Handle
	format Format

	slots   []uint8
	lowest  uint64
	highest uint64
	pages   uint64

	locks *slotlock.Table
}

func (d *device) active() bool {
	return d.state == stateWritable || d.state == stateDeactivating
}

func (d *device) inUse() uint64 {
	n := uint64(0)
	for _, c := range d.slots {
		if c != 0 && c != slotBad {
			n++
		}
	}

	return n
}
