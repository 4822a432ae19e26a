package heap

// ClassStats reports the activity of one size class.
type ClassStats struct {
	BlockSize uint32
	Order     int
	Blocks    int
	Allocs    uint64
	Frees     uint64
	LiveBytes uint64
	Pages     uint64
}

// Stats reports every size class, smallest first.
func (a *Allocator) Stats() []ClassStats {
	a.Lock()
	defer a.Unlock()

	res := make([]ClassStats, 0, len(a.classes))
	for _, c := range a.classes {
		res = append(res, ClassStats{
			BlockSize: c.blockSize,
			Order:     c.order,
			Blocks:    c.nblocks,
			Allocs:    c.allocs,
			Frees:     c.frees,
			LiveBytes: c.liveBytes,
			Pages:     c.pages,
		})
	}

	return res
}

// LiveBytes sums the requested sizes of all live blocks.
func (a *Allocator) LiveBytes() uint64 {
	a.Lock()
	defer a.Unlock()

	total := uint64(0)
	for _, c := range a.classes {
		total += c.liveBytes
	}

	return total
}
