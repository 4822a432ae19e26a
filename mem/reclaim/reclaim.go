// Package reclaim decides where a frame comes from when the page allocator
// runs dry. Sources are tried in a fixed rotation, with growing urgency.
package reclaim

import (
	"sync/atomic"

	"github.com/sarchlab/vmcore/hooking"
	"github.com/sarchlab/vmcore/mem/buddy"
	"golang.org/x/exp/slog"
)

// MaxUrgency is the urgency of the first, gentlest reclamation round.
// Rounds go down to urgency 0.
const MaxUrgency = 6

// A Shrinker gives back memory it holds. Lower urgency values ask it to try
// harder. It reports whether a frame was freed.
type Shrinker interface {
	Shrink(urgency int) bool
}

// A ProcessSwapper takes pages from processes.
type ProcessSwapper interface {
	SwapOut(urgency int) bool
}

// ShrinkerFunc adapts a function to a Shrinker.
type ShrinkerFunc func(urgency int) bool

// Shrink calls f.
func (f ShrinkerFunc) Shrink(urgency int) bool {
	return f(urgency)
}

// Source names one place memory is reclaimed from.
type Source int

// Sources, in rotation order.
const (
	SourceBufferCache Source = iota
	SourceSharedMemory
	SourceProcesses
	numSources
)

func (s Source) String() string {
	switch s {
	case SourceBufferCache:
		return "buffer-cache"
	case SourceSharedMemory:
		return "shared-memory"
	case SourceProcesses:
		return "processes"
	}

	return "unknown"
}

// A ReclaimEvent describes one reclamation attempt.
type ReclaimEvent struct {
	Priority string
	Urgency  int
	Source   string
	Freed    bool
}

// SourceStats counts the attempts on one source.
type SourceStats struct {
	Source    string
	Attempts  uint64
	Successes uint64
}

// A Policy frees one frame at a time on behalf of the page allocator. It
// remembers which source it stopped at so that the next call resumes there.
type Policy struct {
	*hooking.HookableBase

	sources [numSources]Shrinker
	logger  *slog.Logger

	running   atomic.Bool
	state     Source
	attempts  [numSources]atomic.Uint64
	successes [numSources]atomic.Uint64
	failures  atomic.Uint64
}

// Name returns the name of the policy.
func (p *Policy) Name() string {
	return "reclaim"
}

// SetProcessSwapper replaces the process swapper.
func (p *Policy) SetProcessSwapper(s ProcessSwapper) {
	p.sources[SourceProcesses] = swapperShrinker(s)
}

// TryToFreePage runs reclamation rounds, from urgency MaxUrgency down to 0,
// until one source frees a frame. The buffer cache is left alone for
// callers that allocate buffers. A call made while another one is running
// returns false at once, since reclamation that itself needs memory must
// not recurse.
func (p *Policy) TryToFreePage(prio buddy.Priority) bool {
	if !p.running.CompareAndSwap(false, true) {
		return false
	}
	defer p.running.Store(false)

	for urgency := MaxUrgency; urgency >= 0; urgency-- {
		for s := p.state; s < numSources; s++ {
			p.state = s

			if s == SourceBufferCache && prio == buddy.PriorityBuffer {
				continue
			}

			if p.try(s, prio, urgency) {
				return true
			}
		}

		p.state = SourceBufferCache
	}

	p.failures.Add(1)
	p.logger.Debug("reclamation exhausted", "priority", prio.String())

	return false
}

func (p *Policy) try(s Source, prio buddy.Priority, urgency int) bool {
	src := p.sources[s]
	if src == nil {
		return false
	}

	p.attempts[s].Add(1)
	freed := src.Shrink(urgency)

	if freed {
		p.successes[s].Add(1)
	}

	p.InvokeHook(hooking.HookCtx{
		Domain: p,
		Pos:    hooking.HookPosReclaim,
		Item: ReclaimEvent{
			Priority: prio.String(),
			Urgency:  urgency,
			Source:   s.String(),
			Freed:    freed,
		},
	})

	return freed
}

// Stats returns the counters of every source.
func (p *Policy) Stats() []SourceStats {
	res := make([]SourceStats, 0, numSources)
	for s := Source(0); s < numSources; s++ {
		res = append(res, SourceStats{
			Source:    s.String(),
			Attempts:  p.attempts[s].Load(),
			Successes: p.successes[s].Load(),
		})
	}

	return res
}

// Failures returns how many calls found nothing to free.
func (p *Policy) Failures() uint64 {
	return p.failures.Load()
}

func swapperShrinker(s ProcessSwapper) Shrinker {
	if s == nil {
		return nil
	}

	return ShrinkerFunc(s.SwapOut)
}
