package swap

import (
	"github.com/sarchlab/vmcore/hooking"
	"github.com/sarchlab/vmcore/mem/blockio"
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
	"golang.org/x/exp/slog"
)

// A Builder can build swap managers.
type Builder struct {
	frames     vm.FramePool
	memory     *phys.Memory
	tasks      Tasks
	opener     blockio.Opener
	maxDevices int
	logger     *slog.Logger
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		maxDevices: 8,
	}
}

// WithPages sets the pool that frames are read back into.
func (b Builder) WithPages(f vm.FramePool) Builder {
	b.frames = f
	return b
}

// WithMemory sets the physical memory that holds page content.
func (b Builder) WithMemory(m *phys.Memory) Builder {
	b.memory = m
	return b
}

// WithTasks sets the enumeration of address spaces to scan.
func (b Builder) WithTasks(t Tasks) Builder {
	b.tasks = t
	return b
}

// WithOpener sets how device paths are opened.
func (b Builder) WithOpener(o blockio.Opener) Builder {
	b.opener = o
	return b
}

// WithMaxDevices sets the size of the device table. Entries encode at most
// 128 devices.
func (b Builder) WithMaxDevices(n int) Builder {
	b.maxDevices = n
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
		panic("swap manager requires pages and memory")
	}

	if b.maxDevices <= 0 || b.maxDevices > 0x80 {
		panic("invalid number of swap devices")
	}

	m := &Manager{
		HookableBase: hooking.NewHookableBase(),
		frames:       b.frames,
		memory:       b.memory,
		tasks:        b.tasks,
		opener:       b.opener,
		logger:       b.logger,
		devices:      make([]*device, b.maxDevices),
	}

	for i := range m.devices {
		m.devices[i] = &device{}
	}

	if m.opener == nil {
		m.opener = blockio.FileOpener{}
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}

	m.cache = newCache(m)

	return m
}
