// Package heap implements the general-purpose kernel heap. Small objects are
// carved out of buddy-allocated arena pages, one size class per page.
package heap

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/mem/buddy"
	"github.com/sarchlab/vmcore/mem/phys"
	"golang.org/x/exp/slog"
)

var (
	// ErrTooLarge is returned for requests above the largest size class.
	ErrTooLarge = errors.New("allocation larger than the largest size class")

	// ErrNoMemory is returned when no arena page can be obtained.
	ErrNoMemory = errors.New("out of heap memory")

	// ErrCorrupt is returned when a free does not match a live block.
	ErrCorrupt = errors.New("heap consistency violation")
)

// Block tags written into every block header.
const (
	TagUsed uint32 = 0xffaa0055
	TagFree uint32 = 0x0055ffaa
)

const (
	pageDescSize    = 16
	blockHeaderSize = 8
)

// Flags modify an allocation.
type Flags uint

// FlagDMA requests memory the DMA engines can reach.
const FlagDMA Flags = 1 << iota

// A PageSource provides the arena pages.
type PageSource interface {
	Alloc(order int, prio buddy.Priority) (phys.Frame, error)
	AllocDMA(order int, prio buddy.Priority) (phys.Frame, error)
	Free(f phys.Frame, order int) error
	NumOrders() int
}

type arenaPage struct {
	frame     phys.Frame
	class     *sizeClass
	dma       bool
	nfree     int
	firstFree uint32
	prev      *arenaPage
	next      *arenaPage
}

type sizeClass struct {
	blockSize uint32
	nblocks   int
	order     int
	general   *arenaPage
	dma       *arenaPage

	allocs    uint64
	frees     uint64
	liveBytes uint64
	pages     uint64
}

func (c *sizeClass) chain(dma bool) **arenaPage {
	if dma {
		return &c.dma
	}

	return &c.general
}

// An Allocator serves kmalloc-style requests.
type Allocator struct {
	sync.Mutex

	pages   PageSource
	memory  *phys.Memory
	classes []*sizeClass
	arenas  map[phys.Frame]*arenaPage
	logger  *slog.Logger
}

// MaxSize returns the largest request the heap can serve.
func (a *Allocator) MaxSize() uint64 {
	last := a.classes[len(a.classes)-1]
	return uint64(last.blockSize - blockHeaderSize)
}

func (a *Allocator) classFor(size uint64) *sizeClass {
	for _, c := range a.classes {
		if size+blockHeaderSize <= uint64(c.blockSize) {
			return c
		}
	}

	return nil
}

// Alloc returns the address of a block that can hold size bytes.
func (a *Allocator) Alloc(
	size uint64,
	prio buddy.Priority,
	flags Flags,
) (uint64, error) {
	c := a.classFor(size)
	if c == nil {
		a.logger.Error("kmalloc of too large a block", "size", size)
		return 0, errors.Wrapf(ErrTooLarge, "size %d", size)
	}

	dma := flags&FlagDMA != 0

	a.Lock()
	defer a.Unlock()

	if *c.chain(dma) == nil {
		if err := a.growClass(c, prio, dma); err != nil {
			return 0, err
		}
	}

	return a.takeBlock(c, *c.chain(dma), size)
}

// growClass fetches a new arena page for c. The lock is dropped while the
// page allocator runs because it may reclaim.
func (a *Allocator) growClass(c *sizeClass, prio buddy.Priority, dma bool) error {
	a.Unlock()
	f, err := a.allocFrames(c.order, prio, dma)
	a.Lock()

	if err != nil {
		return errors.Wrapf(ErrNoMemory, "size class %d: %v", c.blockSize, err)
	}

	page := &arenaPage{
		frame:     f,
		class:     c,
		dma:       dma,
		nfree:     c.nblocks,
		firstFree: pageDescSize,
	}

	for i := 0; i < c.nblocks; i++ {
		off := blockOffset(c, i)
		next := uint32(0)
		if i+1 < c.nblocks {
			next = blockOffset(c, i+1)
		}

		if err := a.writeHeader(page, off, TagFree, next); err != nil {
			return err
		}
	}

	a.arenas[f] = page
	a.pushPage(page)
	c.pages++

	return nil
}

func (a *Allocator) allocFrames(
	order int,
	prio buddy.Priority,
	dma bool,
) (phys.Frame, error) {
	if dma {
		return a.pages.AllocDMA(order, prio)
	}

	return a.pages.Alloc(order, prio)
}

func (a *Allocator) takeBlock(
	c *sizeClass,
	page *arenaPage,
	size uint64,
) (uint64, error) {
	off := page.firstFree

	tag, next, err := a.readHeader(page, off)
	if err != nil {
		return 0, err
	}

	if tag != TagFree {
		a.logger.Error("kmalloc: free list corrupted",
			"page", page.frame.Addr(), "offset", off, "tag", tag)
		return 0, errors.Wrapf(ErrCorrupt,
			"block at 0x%x tagged 0x%x", page.frame.Addr()+uint64(off), tag)
	}

	page.firstFree = next
	page.nfree--
	if page.nfree == 0 {
		a.unlinkPage(page)
	}

	if err := a.writeHeader(page, off, TagUsed, uint32(size)); err != nil {
		return 0, err
	}

	c.allocs++
	c.liveBytes += size

	return page.frame.Addr() + uint64(off) + blockHeaderSize, nil
}

// Free returns the block at addr. A non-zero size must match the size the
// block was allocated with.
func (a *Allocator) Free(addr uint64, size uint64) error {
	a.Lock()
	defer a.Unlock()

	if addr < blockHeaderSize {
		return a.refuse(addr, "kfree of non-kmalloced memory")
	}

	hdr := addr - blockHeaderSize
	page, ok := a.arenas[phys.FrameOf(hdr)]
	if !ok {
		return a.refuse(addr, "kfree of non-kmalloced memory")
	}

	c := page.class
	off := uint32(hdr - page.frame.Addr())
	if off < pageDescSize || (off-pageDescSize)%c.blockSize != 0 ||
		int((off-pageDescSize)/c.blockSize) >= c.nblocks {
		return a.refuse(addr, "kfree of misaligned block")
	}

	tag, length, err := a.readHeader(page, off)
	if err != nil {
		return err
	}

	if tag != TagUsed {
		return a.refuse(addr, "kfree of non-kmalloced memory")
	}

	if size != 0 && uint64(length) != size {
		a.logger.Error("kfree with wrong size",
			"addr", addr, "size", size, "recorded", length)
		return errors.Wrapf(ErrCorrupt,
			"block 0x%x freed with size %d, allocated with %d",
			addr, size, length)
	}

	if err := a.writeHeader(page, off, TagFree, page.firstFree); err != nil {
		return err
	}

	page.firstFree = off
	page.nfree++
	c.frees++
	c.liveBytes -= uint64(length)

	if page.nfree == 1 {
		a.pushPage(page)
	}

	if page.nfree == c.nblocks {
		return a.releasePage(page)
	}

	return nil
}

func (a *Allocator) releasePage(page *arenaPage) error {
	a.unlinkPage(page)
	delete(a.arenas, page.frame)
	page.class.pages--

	return a.pages.Free(page.frame, page.class.order)
}

func (a *Allocator) refuse(addr uint64, msg string) error {
	a.logger.Error(msg, "addr", addr)
	return errors.Wrapf(ErrCorrupt, "%s at 0x%x", msg, addr)
}

func (a *Allocator) pushPage(page *arenaPage) {
	head := page.class.chain(page.dma)

	page.prev = nil
	page.next = *head
	if *head != nil {
		(*head).prev = page
	}

	*head = page
}

func (a *Allocator) unlinkPage(page *arenaPage) {
	head := page.class.chain(page.dma)

	if page.prev != nil {
		page.prev.next = page.next
	} else if *head == page {
		*head = page.next
	}

	if page.next != nil {
		page.next.prev = page.prev
	}

	page.prev = nil
	page.next = nil
}

func blockOffset(c *sizeClass, i int) uint32 {
	return pageDescSize + uint32(i)*c.blockSize
}

func (a *Allocator) writeHeader(
	page *arenaPage,
	off uint32,
	tag uint32,
	value uint32,
) error {
	var buf [blockHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], tag)
	binary.LittleEndian.PutUint32(buf[4:8], value)

	return a.memory.Write(page.frame.Addr()+uint64(off), buf[:])
}

func (a *Allocator) readHeader(
	page *arenaPage,
	off uint32,
) (tag uint32, value uint32, err error) {
	buf, err := a.memory.Read(page.frame.Addr()+uint64(off), blockHeaderSize)
	if err != nil {
		return 0, 0, err
	}

	return binary.LittleEndian.Uint32(buf[0:4]),
		binary.LittleEndian.Uint32(buf[4:8]),
		nil
}
