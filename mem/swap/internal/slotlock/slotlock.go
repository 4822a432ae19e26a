// Package slotlock keeps the busy state of swap slots. A slot is free, locked
// for a read or a free, or under writeback. Waiters are woken all at once and
// in no particular order when any slot is released.
package slotlock

import "sync"

// State is the busy state of one slot.
type State int

// Slot states.
const (
	Free State = iota
	Locked
	Writeback
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Locked:
		return "locked"
	case Writeback:
		return "writeback"
	}

	return "unknown"
}

// A Table holds the state of every slot of one device.
type Table struct {
	mu     sync.Mutex
	cond   *sync.Cond
	states map[uint64]State
}

// New creates a table in which every slot is free.
func New() *Table {
	t := &Table{states: make(map[uint64]State)}
	t.cond = sync.NewCond(&t.mu)

	return t
}

// Acquire waits until slot is free and moves it to s.
func (t *Table) Acquire(slot uint64, s State) {
	if s == Free {
		panic("cannot acquire a slot into the free state")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for t.states[slot] != Free {
		t.cond.Wait()
	}

	t.states[slot] = s
}

// TryAcquire moves slot to s if it is free and tells if it did.
func (t *Table) TryAcquire(slot uint64, s State) bool {
	if s == Free {
		panic("cannot acquire a slot into the free state")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.states[slot] != Free {
		return false
	}

	t.states[slot] = s

	return true
}

// Release frees slot and wakes every waiter. Releasing a free slot panics.
func (t *Table) Release(slot uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.states[slot] == Free {
		panic("slot lock already cleared")
	}

	delete(t.states, slot)
	t.cond.Broadcast()
}

// State returns the state of slot.
func (t *Table) State(slot uint64) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.states[slot]
}

// Busy tells if slot is not free.
func (t *Table) Busy(slot uint64) bool {
	return t.State(slot) != Free
}

// NumBusy returns the number of slots that are not free.
func (t *Table) NumBusy() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.states)
}
