package vm

import (
	"github.com/sarchlab/vmcore/mem/phys"
	"golang.org/x/exp/slog"
)

// A Builder can build address space managers.
type Builder struct {
	frames     FramePool
	memory     *phys.Memory
	pager      Pager
	mapBase    uint64
	mapLimit   uint64
	stackLimit uint64
	maxRetries int
	logger     *slog.Logger
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		mapBase:    0x40000000,
		mapLimit:   0xC0000000,
		stackLimit: 8 << 20,
		maxRetries: 64,
	}
}

// WithFrames sets the pool that backs user pages.
func (b Builder) WithFrames(f FramePool) Builder {
	b.frames = f
	return b
}

// WithMemory sets the physical memory that holds page content.
func (b Builder) WithMemory(m *phys.Memory) Builder {
	b.memory = m
	return b
}

// WithPager sets the pager that serves swapped-out pages.
func (b Builder) WithPager(p Pager) Builder {
	b.pager = p
	return b
}

// WithMapRange sets the range [base, limit) searched for mappings that do
// not request a fixed address.
func (b Builder) WithMapRange(base, limit uint64) Builder {
	b.mapBase = base
	b.mapLimit = limit

	return b
}

// WithStackLimit sets how far a grows-down region may extend below its end.
func (b Builder) WithStackLimit(n uint64) Builder {
	b.stackLimit = n
	return b
}

// WithMaxFaultRetries bounds how many times one fault is resolved again
// after its entry changed under a sleeping path.
func (b Builder) WithMaxFaultRetries(n int) Builder {
	b.maxRetries = n
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// Build creates the manager.
func (b Builder) Build() *Manager {
	if b.frames == nil || b.memory == nil {
		panic("address space manager requires frames and memory")
	}

	if b.mapBase >= b.mapLimit || !phys.IsPageAligned(b.mapBase) {
		panic("invalid mapping range")
	}

	m := &Manager{
		frames:     b.frames,
		memory:     b.memory,
		pager:      b.pager,
		mapBase:    b.mapBase,
		mapLimit:   b.mapLimit,
		stackLimit: b.stackLimit,
		maxRetries: b.maxRetries,
		logger:     b.logger,
		spaces:     make(map[PID]*AddressSpace),
		sharing:    make(map[Object]map[*VMA]struct{}),
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}

	return m
}
