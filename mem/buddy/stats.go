package buddy

import "github.com/sarchlab/vmcore/mem/phys"

// Stats summarizes the allocator state.
type Stats struct {
	TotalFrames uint64   `json:"total_frames"`
	FreeFrames  uint64   `json:"free_frames"`
	MinFree     uint64   `json:"min_free"`
	FreeBlocks  []uint64 `json:"free_blocks"`
}

// Stats returns the number of free frames and free blocks per order.
func (a *Allocator) Stats() Stats {
	a.Lock()
	defer a.Unlock()

	s := Stats{
		TotalFrames: a.frames.Len(),
		FreeFrames:  a.nrFree,
		MinFree:     a.minFree,
		FreeBlocks:  make([]uint64, len(a.areas)),
	}

	for o := range a.areas {
		s.FreeBlocks[o] = a.areas[o].count
	}

	return s
}

// A Snapshot captures the exact free-list order and sibling bitmaps.
type Snapshot struct {
	Lists [][]phys.Frame
	Pairs [][]uint64
}

// Snapshot returns the current free lists, in list order, and bitmaps.
func (a *Allocator) Snapshot() Snapshot {
	a.Lock()
	defer a.Unlock()

	snap := Snapshot{
		Lists: make([][]phys.Frame, len(a.areas)),
		Pairs: make([][]uint64, len(a.areas)),
	}

	for o := range a.areas {
		s := a.areas[o].sentinel
		list := []phys.Frame{}
		for idx := a.links[s].next; idx != s; idx = a.links[idx].next {
			list = append(list, phys.Frame(idx))
		}

		snap.Lists[o] = list

		if a.areas[o].pairs != nil {
			snap.Pairs[o] = a.areas[o].pairs.Snapshot()
		}
	}

	return snap
}
