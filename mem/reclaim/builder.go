package reclaim

import (
	"github.com/sarchlab/vmcore/hooking"
	"golang.org/x/exp/slog"
)

// A Builder can build reclamation policies.
type Builder struct {
	buffers Shrinker
	shm     Shrinker
	swapper ProcessSwapper
	logger  *slog.Logger
}

// MakeBuilder creates a builder without any source.
func MakeBuilder() Builder {
	return Builder{}
}

// WithBufferCache sets the buffer cache shrinker.
func (b Builder) WithBufferCache(s Shrinker) Builder {
	b.buffers = s
	return b
}

// WithSharedMemory sets the shared segment shrinker.
func (b Builder) WithSharedMemory(s Shrinker) Builder {
	b.shm = s
	return b
}

// WithProcessSwapper sets the process swapper.
func (b Builder) WithProcessSwapper(s ProcessSwapper) Builder {
	b.swapper = s
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// Build creates the policy.
func (b Builder) Build() *Policy {
	p := &Policy{
		HookableBase: hooking.NewHookableBase(),
		logger:       b.logger,
	}

	p.sources[SourceBufferCache] = b.buffers
	p.sources[SourceSharedMemory] = b.shm
	p.sources[SourceProcesses] = swapperShrinker(b.swapper)

	if p.logger == nil {
		p.logger = slog.Default()
	}

	return p
}
