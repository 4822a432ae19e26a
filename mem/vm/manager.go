// Package vm manages process address spaces: the regions each process maps,
// its page table, and the resolution of page faults.
package vm

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/mem/buddy"
	"github.com/sarchlab/vmcore/mem/phys"
	"golang.org/x/exp/slog"
)

var (
	// ErrInvalid is returned for malformed requests.
	ErrInvalid = errors.New("invalid argument")

	// ErrExists is returned when a fixed mapping collides with a region.
	ErrExists = errors.New("address range already mapped")

	// ErrNoMemory is returned when no frame or no address range is left.
	ErrNoMemory = errors.New("out of memory")

	// ErrSegv is returned for accesses no region permits.
	ErrSegv = errors.New("segmentation violation")

	// ErrRetry is returned by a pager when the entry it served changed while
	// it slept. The fault is resolved again from scratch.
	ErrRetry = errors.New("page table entry changed, retry the fault")

	// ErrAccess is returned when an object refuses a mapping.
	ErrAccess = errors.New("mapping not permitted")
)

// A FramePool provides the frames that back user pages.
type FramePool interface {
	AllocPage(prio buddy.Priority) (phys.Frame, error)
	FreePage(f phys.Frame) error
	Share(f phys.Frame)
	RefCount(f phys.Frame) uint32
	IsReserved(f phys.Frame) bool
}

// A Pager moves pages between frames and swap slots.
type Pager interface {
	// SwapIn reads back the page at addr, whose entry names e. It is called
	// without the address space lock and returns ErrRetry if the entry
	// changed meanwhile.
	SwapIn(as *AddressSpace, vma *VMA, addr uint64, e SwapEntry, write bool) error

	// FreeSwap drops one reference to a slot.
	FreeSwap(e SwapEntry)

	// DuplicateSwap adds one reference to a slot.
	DuplicateSwap(e SwapEntry) error

	// Uncache forgets the slot a frame is known to duplicate. It reports
	// whether the frame was cached.
	Uncache(f phys.Frame) bool
}

// A Manager creates address spaces and owns what they share: the frame
// pool, the physical memory, the pager and the index of regions per object.
type Manager struct {
	sync.Mutex

	frames     FramePool
	memory     *phys.Memory
	pager      Pager
	mapBase    uint64
	mapLimit   uint64
	stackLimit uint64
	maxRetries int
	logger     *slog.Logger

	spaces  map[PID]*AddressSpace
	sharing map[Object]map[*VMA]struct{}
}

// SetPager installs the pager.
func (m *Manager) SetPager(p Pager) {
	m.pager = p
}

// Frames returns the frame pool.
func (m *Manager) Frames() FramePool {
	return m.frames
}

// Memory returns the physical memory.
func (m *Manager) Memory() *phys.Memory {
	return m.memory
}

// MapRange returns the range searched for unplaced mappings.
func (m *Manager) MapRange() (base, limit uint64) {
	return m.mapBase, m.mapLimit
}

// NewAddressSpace creates an empty address space for pid.
func (m *Manager) NewAddressSpace(pid PID) (*AddressSpace, error) {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.spaces[pid]; ok {
		return nil, errors.Wrapf(ErrExists, "pid %d", pid)
	}

	as := newAddressSpace(m, pid)
	m.spaces[pid] = as

	return as, nil
}

// AddressSpace returns the address space of pid.
func (m *Manager) AddressSpace(pid PID) (*AddressSpace, bool) {
	m.Lock()
	defer m.Unlock()

	as, ok := m.spaces[pid]

	return as, ok
}

// AddressSpaces lists every live address space, ordered by pid.
func (m *Manager) AddressSpaces() []*AddressSpace {
	m.Lock()
	defer m.Unlock()

	res := make([]*AddressSpace, 0, len(m.spaces))
	for _, as := range m.spaces {
		res = append(res, as)
	}

	sort.Slice(res, func(i, j int) bool { return res[i].pid < res[j].pid })

	return res
}

func (m *Manager) forget(as *AddressSpace) {
	m.Lock()
	defer m.Unlock()

	if m.spaces[as.pid] == as {
		delete(m.spaces, as.pid)
	}
}

func (m *Manager) share(v *VMA) {
	m.Lock()
	defer m.Unlock()

	set, ok := m.sharing[v.Object]
	if !ok {
		set = make(map[*VMA]struct{})
		m.sharing[v.Object] = set
	}

	set[v] = struct{}{}
}

func (m *Manager) unshare(v *VMA) {
	m.Lock()
	defer m.Unlock()

	set := m.sharing[v.Object]
	delete(set, v)

	if len(set) == 0 {
		delete(m.sharing, v.Object)
	}
}

// Mappers returns copies of every region, in any address space, that maps
// obj.
func (m *Manager) Mappers(obj Object) []VMA {
	m.Lock()
	defer m.Unlock()

	res := []VMA{}
	for v := range m.sharing[obj] {
		res = append(res, *v)
	}

	sort.Slice(res, func(i, j int) bool {
		if res[i].space.pid != res[j].space.pid {
			return res[i].space.pid < res[j].space.pid
		}

		return res[i].Start < res[j].Start
	})

	return res
}
