package mm

import (
	"github.com/sarchlab/vmcore/hooking"
	"github.com/sarchlab/vmcore/mem/blockio"
	"github.com/sarchlab/vmcore/mem/buddy"
	"github.com/sarchlab/vmcore/mem/heap"
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/reclaim"
	"github.com/sarchlab/vmcore/mem/swap"
	"github.com/sarchlab/vmcore/mem/vm"
	"golang.org/x/exp/slog"
)

// A Builder can build memory managers.
type Builder struct {
	memorySize  uint64
	reserved    uint64
	numOrders   int
	minFree     uint64
	minFreeSet  bool
	dmaLimit    phys.Frame
	mapBase     uint64
	mapLimit    uint64
	stackLimit  uint64
	maxDevices  int
	bufferPages int
	killer      Killer
	tasks       swap.Tasks
	opener      blockio.Opener
	buffers     reclaim.Shrinker
	shm         reclaim.Shrinker
	logger      *slog.Logger
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		memorySize: 16 << 20,
		numOrders:  6,
		dmaLimit:   phys.FrameOf(16 << 20),
		mapBase:    0x40000000,
		mapLimit:   0xC0000000,
		stackLimit: 8 << 20,
		maxDevices: 8,
	}
}

// WithMemorySize sets the size of physical memory in bytes.
func (b Builder) WithMemorySize(n uint64) Builder {
	b.memorySize = n
	return b
}

// WithReservedFrames keeps the first n frames out of the page allocator,
// the way the kernel image is.
func (b Builder) WithReservedFrames(n uint64) Builder {
	b.reserved = n
	return b
}

// WithNumOrders sets the number of buddy block orders.
func (b Builder) WithNumOrders(n int) Builder {
	b.numOrders = n
	return b
}

// WithMinFreePages sets the reserve kept for atomic allocations.
func (b Builder) WithMinFreePages(n uint64) Builder {
	b.minFree = n
	b.minFreeSet = true

	return b
}

// WithDMALimit sets the first frame that is not DMA-capable.
func (b Builder) WithDMALimit(f phys.Frame) Builder {
	b.dmaLimit = f
	return b
}

// WithMapRange sets where mappings without a fixed address are placed.
func (b Builder) WithMapRange(base, limit uint64) Builder {
	b.mapBase = base
	b.mapLimit = limit

	return b
}

// WithStackLimit sets how far stack regions may grow.
func (b Builder) WithStackLimit(n uint64) Builder {
	b.stackLimit = n
	return b
}

// WithMaxDevices sets the size of the swap device table.
func (b Builder) WithMaxDevices(n int) Builder {
	b.maxDevices = n
	return b
}

// WithKiller sets who is told about processes killed on failed faults.
func (b Builder) WithKiller(k Killer) Builder {
	b.killer = k
	return b
}

// WithTasks sets the processes the swapper scans. By default it scans
// every address space of the system.
func (b Builder) WithTasks(t swap.Tasks) Builder {
	b.tasks = t
	return b
}

// WithOpener sets how swap device paths are opened.
func (b Builder) WithOpener(o blockio.Opener) Builder {
	b.opener = o
	return b
}

// WithBufferCache sets the buffer cache shrinker.
func (b Builder) WithBufferCache(s reclaim.Shrinker) Builder {
	b.buffers = s
	return b
}

// WithBufferPool gives the system a built-in buffer cache of n frames. It
// is ignored when a buffer cache is set.
func (b Builder) WithBufferPool(n int) Builder {
	b.bufferPages = n
	return b
}

// WithSharedMemory sets the shared segment shrinker.
func (b Builder) WithSharedMemory(s reclaim.Shrinker) Builder {
	b.shm = s
	return b
}

// WithLogger sets the logger of every component.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// Build creates and wires every component.
func (b Builder) Build() *System {
	if b.memorySize < phys.PageSize {
		panic("memory must hold at least one frame")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	memory := phys.NewMemory(b.memorySize)
	frames := phys.NewFrameTable(memory.NumFrames())

	for i := uint64(0); i < b.reserved && i < frames.Len(); i++ {
		frames.Reserve(phys.Frame(i))
	}

	pb := buddy.MakeBuilder().
		WithFrameTable(frames).
		WithNumOrders(b.numOrders).
		WithDMALimit(b.dmaLimit).
		WithLogger(logger)
	if b.minFreeSet {
		pb = pb.WithMinFreePages(b.minFree)
	}

	pages := pb.Build()

	s := &System{
		HookableBase: hooking.NewHookableBase(),
		memory:       memory,
		frames:       frames,
		pages:        pages,
		killer:       b.killer,
		logger:       logger,
	}

	s.heap = heap.MakeBuilder().
		WithPages(pages).
		WithMemory(memory).
		WithLogger(logger).
		Build()

	s.vms = vm.MakeBuilder().
		WithFrames(pages).
		WithMemory(memory).
		WithMapRange(b.mapBase, b.mapLimit).
		WithStackLimit(b.stackLimit).
		WithLogger(logger).
		Build()

	var tasks swap.Tasks = s.vms
	if b.tasks != nil {
		tasks = b.tasks
	}

	s.swap = swap.MakeBuilder().
		WithPages(pages).
		WithMemory(memory).
		WithTasks(tasks).
		WithOpener(b.opener).
		WithMaxDevices(b.maxDevices).
		WithLogger(logger).
		Build()
	s.vms.SetPager(s.swap)

	buffers := b.buffers
	if buffers == nil && b.bufferPages > 0 {
		s.buffers = NewBufferPool(pages)
		buffers = s.buffers
	}

	s.reclaim = reclaim.MakeBuilder().
		WithBufferCache(buffers).
		WithSharedMemory(b.shm).
		WithProcessSwapper(s.swap).
		WithLogger(logger).
		Build()

	pages.SetReclaimer(s.reclaim)
	pages.SetReleaseHook(s.swap.Cache())

	if s.buffers != nil {
		if _, err := s.buffers.Grow(b.bufferPages); err != nil {
			logger.Warn("buffer pool smaller than requested",
				"requested", b.bufferPages, "held", s.buffers.Len())
		}
	}

	return s
}

// AcceptHook registers hook with the system and every component that
// raises events.
func (s *System) AcceptHook(hook hooking.Hook) {
	s.HookableBase.AcceptHook(hook)
	s.swap.AcceptHook(hook)
	s.reclaim.AcceptHook(hook)
}
