// Package mm assembles the memory manager: physical frames, the page and
// heap allocators, address spaces, swap and reclamation.
package mm

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/hooking"
	"github.com/sarchlab/vmcore/mem/buddy"
	"github.com/sarchlab/vmcore/mem/heap"
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/reclaim"
	"github.com/sarchlab/vmcore/mem/swap"
	"github.com/sarchlab/vmcore/mem/vm"
	"golang.org/x/exp/slog"
)

var (
	// ErrNoProcess is returned for pids without an address space.
	ErrNoProcess = errors.New("no such process")

	// ErrIO marks faults that failed because a page could not be read.
	ErrIO = errors.New("I/O error while resolving fault")

	// ErrNoMemory marks faults and allocations that found no memory.
	ErrNoMemory = vm.ErrNoMemory

	// ErrSegv marks accesses no region permits.
	ErrSegv = vm.ErrSegv
)

// A Killer terminates processes whose faults cannot be resolved.
type Killer interface {
	Kill(pid vm.PID, cause error)
}

// A FaultEvent describes one fault resolution.
type FaultEvent struct {
	PID   vm.PID
	Addr  uint64
	Write bool
	Major bool
	Error string
}

// A KillEvent describes a process killed by the fault handler.
type KillEvent struct {
	PID    vm.PID
	Addr   uint64
	Reason string
}

// A System is one complete memory manager.
type System struct {
	*hooking.HookableBase

	memory  *phys.Memory
	frames  *phys.FrameTable
	pages   *buddy.Allocator
	heap    *heap.Allocator
	vms     *vm.Manager
	swap    *swap.Manager
	reclaim *reclaim.Policy
	buffers *BufferPool
	killer  Killer
	logger  *slog.Logger

	faults atomic.Uint64
	kills  atomic.Uint64
}

// Name returns the name of the system.
func (s *System) Name() string {
	return "mm"
}

// Memory returns the physical memory.
func (s *System) Memory() *phys.Memory { return s.memory }

// Pages returns the page allocator.
func (s *System) Pages() *buddy.Allocator { return s.pages }

// Heap returns the kernel heap.
func (s *System) Heap() *heap.Allocator { return s.heap }

// VM returns the address space manager.
func (s *System) VM() *vm.Manager { return s.vms }

// Swap returns the swap manager.
func (s *System) Swap() *swap.Manager { return s.swap }

// Reclaim returns the reclamation policy.
func (s *System) Reclaim() *reclaim.Policy { return s.reclaim }

// Buffers returns the built-in buffer pool, or nil if the buffer cache is
// provided from outside.
func (s *System) Buffers() *BufferPool { return s.buffers }

// NewProcess creates the address space of pid.
func (s *System) NewProcess(pid vm.PID) (*vm.AddressSpace, error) {
	return s.vms.NewAddressSpace(pid)
}

// Process returns the address space of pid.
func (s *System) Process(pid vm.PID) (*vm.AddressSpace, error) {
	as, ok := s.vms.AddressSpace(pid)
	if !ok {
		return nil, errors.Wrapf(ErrNoProcess, "pid %d", pid)
	}

	return as, nil
}

// Fork copies the address space of parent into a new process child.
func (s *System) Fork(parent, child vm.PID) (*vm.AddressSpace, error) {
	as, err := s.Process(parent)
	if err != nil {
		return nil, err
	}

	return as.Clone(child)
}

// Exit tears down the address space of pid.
func (s *System) Exit(pid vm.PID) error {
	as, err := s.Process(pid)
	if err != nil {
		return err
	}

	as.Release()

	return nil
}

// Kmalloc allocates size bytes from the kernel heap.
func (s *System) Kmalloc(size uint64, flags heap.Flags) (uint64, error) {
	return s.heap.Alloc(size, buddy.PriorityKernel, flags)
}

// Kfree returns a heap block. A zero size trusts the block header.
func (s *System) Kfree(addr, size uint64) error {
	return s.heap.Free(addr, size)
}

// EnableSwap adds the swap device at path.
func (s *System) EnableSwap(path string) error {
	return s.swap.Enable(path)
}

// DisableSwap reads back every page stored on path and removes it.
func (s *System) DisableSwap(path string) error {
	return s.swap.Disable(path)
}

// SwapUsage returns the occupancy of the swap devices.
func (s *System) SwapUsage() swap.Usage {
	return s.swap.Usage()
}
