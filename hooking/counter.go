package hooking

import (
	"sort"
	"sync"
)

// An EventCounter counts the hook invocations per position.
type EventCounter struct {
	sync.Mutex

	counts map[string]uint64
}

// NewEventCounter creates an EventCounter with all counts at zero.
func NewEventCounter() *EventCounter {
	return &EventCounter{counts: make(map[string]uint64)}
}

// Func counts one invocation.
func (c *EventCounter) Func(ctx HookCtx) {
	c.Lock()
	defer c.Unlock()

	c.counts[ctx.Pos.Name]++
}

// Count returns the number of invocations seen at pos.
func (c *EventCounter) Count(pos *HookPos) uint64 {
	c.Lock()
	defer c.Unlock()

	return c.counts[pos.Name]
}

// Positions returns the names of the positions seen so far, sorted.
func (c *EventCounter) Positions() []string {
	c.Lock()
	defer c.Unlock()

	names := make([]string, 0, len(c.counts))
	for n := range c.counts {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

// Reset clears every count.
func (c *EventCounter) Reset() {
	c.Lock()
	defer c.Unlock()

	c.counts = make(map[string]uint64)
}
