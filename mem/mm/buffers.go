package mm

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/mem/buddy"
	"github.com/sarchlab/vmcore/mem/phys"
)

// A BufferPool stands in for the block buffer cache. It holds frames that
// can be given back whenever the page allocator runs dry.
type BufferPool struct {
	sync.Mutex

	pages  *buddy.Allocator
	frames []phys.Frame
}

// NewBufferPool creates an empty pool drawing from pages.
func NewBufferPool(pages *buddy.Allocator) *BufferPool {
	return &BufferPool{pages: pages}
}

// Grow adds n buffers. It stops at the first frame it cannot get, without
// triggering reclamation, and returns how many it added.
func (b *BufferPool) Grow(n int) (int, error) {
	for i := 0; i < n; i++ {
		f, err := b.pages.AllocPage(buddy.PriorityBuffer)
		if err != nil {
			return i, errors.Wrapf(err, "growing buffer pool")
		}

		b.Lock()
		b.frames = append(b.frames, f)
		b.Unlock()
	}

	return n, nil
}

// Shrink frees the oldest buffer.
func (b *BufferPool) Shrink(int) bool {
	b.Lock()

	if len(b.frames) == 0 {
		b.Unlock()
		return false
	}

	f := b.frames[0]
	b.frames = b.frames[1:]
	b.Unlock()

	return b.pages.FreePage(f) == nil
}

// Len returns the number of buffers held.
func (b *BufferPool) Len() int {
	b.Lock()
	defer b.Unlock()

	return len(b.frames)
}
