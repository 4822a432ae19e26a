package swap

import (
	"sync"

	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
)

// A Cache records, for clean frames read back from swap, the slot that still
// holds a copy of their content. A cached frame can be dropped again without
// I/O. Every cache entry owns one reference to its slot.
type Cache struct {
	sync.Mutex

	manager *Manager
	entries map[phys.Frame]vm.SwapEntry

	adds, rejects, hits, deletes uint64
}

// CacheStats counts the cache traffic.
type CacheStats struct {
	Entries int
	Adds    uint64
	Rejects uint64
	Hits    uint64
	Deletes uint64
}

func newCache(m *Manager) *Cache {
	return &Cache{
		manager: m,
		entries: make(map[phys.Frame]vm.SwapEntry),
	}
}

// Add records that f duplicates the slot of e. It fails unless the device
// of e is writable.
func (c *Cache) Add(f phys.Frame, e vm.SwapEntry) bool {
	if !c.manager.writable(e) {
		c.Lock()
		c.rejects++
		c.Unlock()

		return false
	}

	c.Lock()
	defer c.Unlock()

	if old, ok := c.entries[f]; ok {
		c.manager.logger.Error("swap_cache: replacing non-NULL entry",
			"frame", uint64(f), "old", uint64(old), "new", uint64(e))
	}

	c.entries[f] = e
	c.adds++

	return true
}

// Lookup returns the entry recorded for f.
func (c *Cache) Lookup(f phys.Frame) (vm.SwapEntry, bool) {
	c.Lock()
	defer c.Unlock()

	e, ok := c.entries[f]

	return e, ok
}

// Take removes the entry of f and hands its slot reference to the caller.
func (c *Cache) Take(f phys.Frame) (vm.SwapEntry, bool) {
	c.Lock()
	defer c.Unlock()

	e, ok := c.entries[f]
	if ok {
		delete(c.entries, f)
		c.hits++
	}

	return e, ok
}

// Delete forgets f and frees the slot it duplicated. It must be called
// before a cached frame is written. It reports whether f was cached.
func (c *Cache) Delete(f phys.Frame) bool {
	c.Lock()
	e, ok := c.entries[f]
	if ok {
		delete(c.entries, f)
		c.deletes++
	}
	c.Unlock()

	if ok {
		c.manager.releaseSlot(e, "cache delete")
	}

	return ok
}

// FrameReleased drops the entry of a frame going back to the allocator.
func (c *Cache) FrameReleased(f phys.Frame) {
	c.Delete(f)
}

// Len returns the number of cached frames.
func (c *Cache) Len() int {
	c.Lock()
	defer c.Unlock()

	return len(c.entries)
}

// Stats returns the cache counters.
func (c *Cache) Stats() CacheStats {
	c.Lock()
	defer c.Unlock()

	return CacheStats{
		Entries: len(c.entries),
		Adds:    c.adds,
		Rejects: c.rejects,
		Hits:    c.hits,
		Deletes: c.deletes,
	}
}

// dropDevice deletes every entry whose slot lives on device idx.
func (c *Cache) dropDevice(idx int) int {
	c.Lock()

	var frames []phys.Frame

	for f, e := range c.entries {
		if e.Device() == idx {
			frames = append(frames, f)
		}
	}
	c.Unlock()

	n := 0

	for _, f := range frames {
		if c.Delete(f) {
			n++
		}
	}

	return n
}
