package buddy

import (
	"github.com/sarchlab/vmcore/mem/buddy/internal/pairmap"
	"github.com/sarchlab/vmcore/mem/phys"
	"golang.org/x/exp/slog"
)

// A Builder can build page allocators.
type Builder struct {
	frames      *phys.FrameTable
	numOrders   int
	minFree     uint64
	minFreeSet  bool
	dmaLimit    phys.Frame
	maxRetries  int
	reclaimer   Reclaimer
	releaseHook ReleaseHook
	logger      *slog.Logger
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		numOrders:  6,
		dmaLimit:   phys.FrameOf(16 << 20),
		maxRetries: 32,
	}
}

// WithFrameTable sets the frames that the allocator manages.
func (b Builder) WithFrameTable(t *phys.FrameTable) Builder {
	b.frames = t
	return b
}

// WithNumOrders sets the number of block orders. The largest block holds
// 2^(n-1) frames.
func (b Builder) WithNumOrders(n int) Builder {
	b.numOrders = n
	return b
}

// WithMinFreePages sets the number of frames kept back for atomic callers.
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

// WithMaxReclaimRetries bounds how many times one allocation alternates
// between failing and reclaiming.
func (b Builder) WithMaxReclaimRetries(n int) Builder {
	b.maxRetries = n
	return b
}

// WithReclaimer sets the policy invoked on shortage.
func (b Builder) WithReclaimer(r Reclaimer) Builder {
	b.reclaimer = r
	return b
}

// WithReleaseHook sets the hook that is told about released frames.
func (b Builder) WithReleaseHook(h ReleaseHook) Builder {
	b.releaseHook = h
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// Build creates the allocator and frees every non-reserved frame into it.
func (b Builder) Build() *Allocator {
	if b.frames == nil {
		panic("buddy allocator requires a frame table")
	}

	if b.numOrders < 1 {
		panic("buddy allocator requires at least one order")
	}

	a := &Allocator{
		frames:      b.frames,
		dmaLimit:    b.dmaLimit,
		maxRetries:  b.maxRetries,
		reclaimer:   b.reclaimer,
		releaseHook: b.releaseHook,
		logger:      b.logger,
	}

	if a.logger == nil {
		a.logger = slog.Default()
	}

	a.minFree = b.minFree
	if !b.minFreeSet {
		a.minFree = max(b.frames.Len()>>7, 16)
	}

	b.createAreas(a)
	a.boot()

	return a
}

func (b Builder) createAreas(a *Allocator) {
	n := int64(b.frames.Len())

	a.links = make([]link, n+int64(b.numOrders))
	for i := range a.links {
		a.links[i] = link{prev: nilLink, next: nilLink}
	}

	a.areas = make([]freeArea, b.numOrders)
	for o := range a.areas {
		s := n + int64(o)
		a.links[s] = link{prev: s, next: s}
		a.areas[o].sentinel = s

		if o < b.numOrders-1 {
			pairSize := uint64(1) << (o + 1)
			a.areas[o].pairs = pairmap.New(
				(uint64(n) + pairSize - 1) / pairSize)
		}
	}
}
