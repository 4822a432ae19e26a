// Package buddy implements the physical page allocator. Frames are handed out
// in power-of-two runs and freed runs are coalesced with their siblings.
package buddy

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/mem/buddy/internal/pairmap"
	"github.com/sarchlab/vmcore/mem/phys"
	"golang.org/x/exp/slog"
)

var (
	// ErrNoMemory is returned when a request cannot be granted.
	ErrNoMemory = errors.New("out of memory")

	// ErrInvalidOrder is returned for orders beyond the largest block.
	ErrInvalidOrder = errors.New("invalid block order")

	// ErrCorrupt is returned when a free would break the allocator state.
	ErrCorrupt = errors.New("page allocator consistency violation")
)

// Priority classifies allocation callers.
type Priority int

// The caller classes, from the most to the least privileged.
const (
	// PriorityAtomic callers cannot sleep. They may dip into the free-page
	// reserve and never trigger reclamation.
	PriorityAtomic Priority = iota

	// PriorityBuffer callers respect the reserve but fail immediately
	// instead of triggering reclamation.
	PriorityBuffer

	// PriorityKernel is the ordinary kernel allocation class.
	PriorityKernel

	// PriorityUser serves pages that back user address spaces.
	PriorityUser
)

func (p Priority) String() string {
	switch p {
	case PriorityAtomic:
		return "atomic"
	case PriorityBuffer:
		return "buffer"
	case PriorityKernel:
		return "kernel"
	case PriorityUser:
		return "user"
	}

	return "unknown"
}

// MayReclaim tells if callers of this class can wait for reclamation.
func (p Priority) MayReclaim() bool {
	return p != PriorityAtomic && p != PriorityBuffer
}

// A Reclaimer frees one unit of memory when the allocator runs dry.
type Reclaimer interface {
	TryToFreePage(prio Priority) bool
}

// A ReleaseHook is told about every frame whose last reference is dropped,
// before the frame goes back to the free lists.
type ReleaseHook interface {
	FrameReleased(f phys.Frame)
}

const nilLink = -1

type link struct {
	prev, next int64
}

type freeArea struct {
	sentinel int64
	count    uint64
	pairs    *pairmap.Map
}

// An Allocator manages all the frames of one FrameTable.
type Allocator struct {
	sync.Mutex

	frames     *phys.FrameTable
	areas      []freeArea
	links      []link
	nrFree     uint64
	minFree    uint64
	dmaLimit   phys.Frame
	maxRetries int

	reclaimer   Reclaimer
	releaseHook ReleaseHook
	logger      *slog.Logger
}

// SetReclaimer installs the reclamation policy invoked on shortage.
func (a *Allocator) SetReclaimer(r Reclaimer) {
	a.reclaimer = r
}

// SetReleaseHook installs the hook told about released frames.
func (a *Allocator) SetReleaseHook(h ReleaseHook) {
	a.releaseHook = h
}

// NumOrders returns the number of block orders the allocator maintains.
func (a *Allocator) NumOrders() int {
	return len(a.areas)
}

// Frames returns the frame table the allocator draws from.
func (a *Allocator) Frames() *phys.FrameTable {
	return a.frames
}

// NumFree returns the number of free frames.
func (a *Allocator) NumFree() uint64 {
	a.Lock()
	defer a.Unlock()

	return a.nrFree
}

// MinFree returns the size of the free-page reserve.
func (a *Allocator) MinFree() uint64 {
	return a.minFree
}

// Alloc grants 2^order contiguous frames and returns the first one.
func (a *Allocator) Alloc(order int, prio Priority) (phys.Frame, error) {
	return a.alloc(order, prio, false)
}

// AllocDMA is like Alloc but only grants frames below the DMA limit.
func (a *Allocator) AllocDMA(order int, prio Priority) (phys.Frame, error) {
	return a.alloc(order, prio, true)
}

// AllocPage grants a single frame.
func (a *Allocator) AllocPage(prio Priority) (phys.Frame, error) {
	return a.alloc(0, prio, false)
}

func (a *Allocator) alloc(
	order int,
	prio Priority,
	dma bool,
) (phys.Frame, error) {
	if order < 0 || order >= len(a.areas) {
		return phys.InvalidFrame,
			errors.Wrapf(ErrInvalidOrder, "order %d", order)
	}

	for attempt := 0; ; attempt++ {
		f, ok := a.tryAlloc(order, prio, dma)
		if ok {
			return f, nil
		}

		if !prio.MayReclaim() || a.reclaimer == nil ||
			attempt >= a.maxRetries {
			break
		}

		if !a.reclaimer.TryToFreePage(prio) {
			break
		}
	}

	a.logger.Debug("page allocation failed",
		"order", order, "priority", prio.String(), "dma", dma)

	return phys.InvalidFrame, ErrNoMemory
}

func (a *Allocator) tryAlloc(
	order int,
	prio Priority,
	dma bool,
) (phys.Frame, bool) {
	a.Lock()
	defer a.Unlock()

	if prio != PriorityAtomic && a.nrFree <= a.minFree {
		return phys.InvalidFrame, false
	}

	for o := order; o < len(a.areas); o++ {
		idx := a.pickBlock(o, order, dma)
		if idx == nilLink {
			continue
		}

		a.unlink(idx)
		a.areas[o].count--
		a.markPair(idx, o)
		a.expand(idx, o, order)
		a.nrFree -= 1 << order

		f := phys.Frame(idx)
		a.frames.Set(f, 1)

		return f, true
	}

	return phys.InvalidFrame, false
}

func (a *Allocator) pickBlock(o, order int, dma bool) int64 {
	s := a.areas[o].sentinel
	for idx := a.links[s].next; idx != s; idx = a.links[idx].next {
		if !dma {
			return idx
		}

		// Only the part handed to the caller has to be DMA-capable.
		if phys.Frame(idx+(1<<order)) <= a.dmaLimit {
			return idx
		}
	}

	return nilLink
}

// expand splits the block at idx from order high down to order low. Every
// split keeps the lower half and pushes the upper half onto the next-lower
// free list.
func (a *Allocator) expand(idx int64, high, low int) {
	for high > low {
		high--
		upper := idx + 1<<high
		a.pushFront(upper, high)
		a.markPair(idx, high)
	}
}

func (a *Allocator) markPair(idx int64, order int) {
	if order >= len(a.areas)-1 {
		return
	}

	a.areas[order].pairs.ToggleAndTest(uint64(idx) >> (order + 1))
}

// Free returns the 2^order frames starting at f. The block is only handed
// back to the free lists when its last reference is dropped.
func (a *Allocator) Free(f phys.Frame, order int) error {
	if order < 0 || order >= len(a.areas) {
		return errors.Wrapf(ErrInvalidOrder, "order %d", order)
	}

	if !a.frames.Contains(f) {
		a.logger.Error("trying to free nonexistent page", "frame", uint64(f))
		return errors.Wrapf(ErrCorrupt, "frame %d out of range", f)
	}

	if uint64(f)&(1<<order-1) != 0 {
		a.logger.Error("trying to free misaligned block",
			"frame", uint64(f), "order", order)
		return errors.Wrapf(ErrCorrupt,
			"frame %d not aligned to order %d", f, order)
	}

	if a.frames.IsReserved(f) {
		return nil
	}

	remaining, ok := a.frames.Put(f)
	if !ok {
		a.logger.Error("trying to free free page", "frame", uint64(f))
		return errors.Wrapf(ErrCorrupt, "frame %d already free", f)
	}

	if remaining > 0 {
		return nil
	}

	if a.releaseHook != nil {
		a.releaseHook.FrameReleased(f)
	}

	a.Lock()
	a.freeBlock(int64(f), order)
	a.Unlock()

	return nil
}

// FreePage drops one reference of a single frame.
func (a *Allocator) FreePage(f phys.Frame) error {
	return a.Free(f, 0)
}

func (a *Allocator) freeBlock(idx int64, order int) {
	a.nrFree += 1 << order

	for order < len(a.areas)-1 {
		wasOneFree := a.areas[order].pairs.ToggleAndTest(
			uint64(idx) >> (order + 1))
		if !wasOneFree {
			break
		}

		sibling := idx ^ (1 << order)
		a.unlink(sibling)
		a.areas[order].count--

		idx &^= 1 << order
		order++
	}

	a.pushFront(idx, order)
}

// Share adds a reference to an allocated frame.
func (a *Allocator) Share(f phys.Frame) {
	a.frames.Get(f)
}

// RefCount returns the number of references held on f.
func (a *Allocator) RefCount(f phys.Frame) uint32 {
	return a.frames.Count(f)
}

// IsReserved tells if the frame is outside the allocator's control.
func (a *Allocator) IsReserved(f phys.Frame) bool {
	return a.frames.IsReserved(f)
}

func (a *Allocator) pushFront(idx int64, order int) {
	s := a.areas[order].sentinel
	first := a.links[s].next

	a.links[idx] = link{prev: s, next: first}
	a.links[first].prev = idx
	a.links[s].next = idx
	a.areas[order].count++
}

func (a *Allocator) unlink(idx int64) {
	l := a.links[idx]
	a.links[l.prev].next = l.next
	a.links[l.next].prev = l.prev
	a.links[idx] = link{prev: nilLink, next: nilLink}
}

// boot carves every non-reserved frame into the free lists by freeing it.
func (a *Allocator) boot() {
	for i := uint64(0); i < a.frames.Len(); i++ {
		f := phys.Frame(i)
		if a.frames.IsReserved(f) {
			continue
		}

		if err := a.Free(f, 0); err != nil {
			panic(err)
		}
	}
}
