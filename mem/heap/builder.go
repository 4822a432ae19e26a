package heap

import (
	"github.com/sarchlab/vmcore/mem/phys"
	"golang.org/x/exp/slog"
)

// sizeTable lists the block size (header included) and the arena order of
// every class, smallest first.
var sizeTable = []struct {
	blockSize uint32
	order     int
}{
	{32, 0},
	{64, 0},
	{128, 0},
	{252, 0},
	{508, 0},
	{1020, 0},
	{2040, 0},
	{4096 - 16, 0},
	{8192 - 16, 1},
	{16384 - 16, 2},
	{32768 - 16, 3},
	{65536 - 16, 4},
	{131072 - 16, 5},
}

// A Builder can build heaps.
type Builder struct {
	pages  PageSource
	memory *phys.Memory
	logger *slog.Logger
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{}
}

// WithPages sets the allocator that supplies arena pages.
func (b Builder) WithPages(p PageSource) Builder {
	b.pages = p
	return b
}

// WithMemory sets the physical memory that holds the block headers.
func (b Builder) WithMemory(m *phys.Memory) Builder {
	b.memory = m
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// Build creates the heap. Size classes whose arena would exceed the largest
// buddy block are left out.
func (b Builder) Build() *Allocator {
	if b.pages == nil || b.memory == nil {
		panic("heap requires a page source and a memory")
	}

	a := &Allocator{
		pages:  b.pages,
		memory: b.memory,
		arenas: make(map[phys.Frame]*arenaPage),
		logger: b.logger,
	}

	if a.logger == nil {
		a.logger = slog.Default()
	}

	for _, e := range sizeTable {
		if e.order >= b.pages.NumOrders() {
			break
		}

		arena := uint32(phys.PageSize) << e.order
		a.classes = append(a.classes, &sizeClass{
			blockSize: e.blockSize,
			order:     e.order,
			nblocks:   int((arena - pageDescSize) / e.blockSize),
		})
	}

	return a
}
