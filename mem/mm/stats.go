package mm

import (
	"github.com/sarchlab/vmcore/mem/buddy"
	"github.com/sarchlab/vmcore/mem/heap"
	"github.com/sarchlab/vmcore/mem/reclaim"
	"github.com/sarchlab/vmcore/mem/swap"
)

// ProcessStats summarizes one address space.
type ProcessStats struct {
	PID         uint32 `json:"pid"`
	Regions     int    `json:"regions"`
	RSS         int64  `json:"rss"`
	MinorFaults uint64 `json:"minor_faults"`
	MajorFaults uint64 `json:"major_faults"`
}

// Stats is a snapshot of the whole memory manager.
type Stats struct {
	Pages     buddy.Stats           `json:"pages"`
	Heap      []heap.ClassStats     `json:"heap"`
	Swap      swap.Usage            `json:"swap"`
	Cache     swap.CacheStats       `json:"swap_cache"`
	Reclaim   []reclaim.SourceStats `json:"reclaim"`
	Processes []ProcessStats        `json:"processes"`
	Buffers   int                   `json:"buffers"`
	Faults    uint64                `json:"faults"`
	Kills     uint64                `json:"kills"`
}

// Stats returns a snapshot of every component.
func (s *System) Stats() Stats {
	st := Stats{
		Pages:   s.pages.Stats(),
		Heap:    s.heap.Stats(),
		Swap:    s.swap.Usage(),
		Cache:   s.swap.Cache().Stats(),
		Reclaim: s.reclaim.Stats(),
		Faults:  s.faults.Load(),
		Kills:   s.kills.Load(),
	}

	if s.buffers != nil {
		st.Buffers = s.buffers.Len()
	}

	for _, as := range s.vms.AddressSpaces() {
		st.Processes = append(st.Processes, ProcessStats{
			PID:         uint32(as.PID()),
			Regions:     as.NumVMAs(),
			RSS:         as.RSS(),
			MinorFaults: as.MinorFaults(),
			MajorFaults: as.MajorFaults(),
		})
	}

	return st
}
