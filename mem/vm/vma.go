package vm

import "fmt"

// Prot is the access protection of a region.
type Prot uint8

// Protection bits.
const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}

	if p&ProtWrite != 0 {
		b[1] = 'w'
	}

	if p&ProtExec != 0 {
		b[2] = 'x'
	}

	return string(b)
}

// MapFlags describe how a region is shared and placed.
type MapFlags uint8

// Mapping flags. MapFixed and MapReplace only steer placement and are not
// kept in the region.
const (
	// MapShared makes writes visible to every mapper of the same object.
	MapShared MapFlags = 1 << iota

	// MapFixed places the region exactly at the requested address.
	MapFixed

	// MapReplace lets a fixed mapping replace whatever it overlaps.
	MapReplace

	// MapGrowsDown lets the region grow downwards on faults below it.
	MapGrowsDown
)

const placementFlags = MapFixed | MapReplace

// Ops is the operation set of a region. An Ops value may implement any of
// Opener, Closer, Populater and Evicter. Two regions have the same operation
// set when their Ops values compare equal.
type Ops interface {
	Name() string
}

// An Opener is told about every new region that shares an operation set,
// including pieces created by splits and copies created by Clone.
type Opener interface {
	Open(vma *VMA)
}

// A Closer is told when a region goes away.
type Closer interface {
	Close(vma *VMA)
}

// A Populater provides the initial content of a page of a region.
type Populater interface {
	Populate(vma *VMA, addr uint64, page []byte) error
}

// An Evicter writes a modified page back to its backing object so that the
// frame can be dropped without going to swap.
type Evicter interface {
	Evict(vma *VMA, addr uint64, page []byte) error
}

// An Object is what a region maps. Every region that maps an object holds
// one reference on it.
type Object interface {
	Name() string
	Get()
	Put()

	// Mmap validates a new mapping and sets its operation set.
	Mmap(vma *VMA) error
}

// A VMA is one contiguous, uniformly attributed region [Start, End) of an
// address space.
type VMA struct {
	Start  uint64
	End    uint64
	Prot   Prot
	Flags  MapFlags
	Object Object
	Offset uint64
	Ops    Ops

	space *AddressSpace
}

// Space returns the address space the region belongs to.
func (v *VMA) Space() *AddressSpace {
	return v.space
}

// Len returns the length of the region in bytes.
func (v *VMA) Len() uint64 {
	return v.End - v.Start
}

// Contains tells if addr falls in the region.
func (v *VMA) Contains(addr uint64) bool {
	return addr >= v.Start && addr < v.End
}

// Shared tells if writes are visible to other mappers.
func (v *VMA) Shared() bool {
	return v.Flags&MapShared != 0
}

// ObjectOffset returns the offset into the backing object of addr.
func (v *VMA) ObjectOffset(addr uint64) uint64 {
	return v.Offset + (addr - v.Start)
}

// copyOnWrite tells if a write must break sharing of the page.
func (v *VMA) copyOnWrite() bool {
	return v.Prot&ProtWrite != 0 && !v.Shared()
}

func (v *VMA) String() string {
	name := "anon"
	if v.Object != nil {
		name = v.Object.Name()
	}

	shared := 'p'
	if v.Shared() {
		shared = 's'
	}

	return fmt.Sprintf("%08x-%08x %s%c %08x %s",
		v.Start, v.End, v.Prot, shared, v.Offset, name)
}

func (v *VMA) open() {
	if o, ok := v.Ops.(Opener); ok {
		o.Open(v)
	}
}

func (v *VMA) close() {
	if c, ok := v.Ops.(Closer); ok {
		c.Close(v)
	}
}

// mergeable tells if next can be folded into v.
func (v *VMA) mergeable(next *VMA) bool {
	if v.End != next.Start {
		return false
	}

	if v.Object != next.Object || v.Ops != next.Ops ||
		v.Prot != next.Prot || v.Flags != next.Flags {
		return false
	}

	if v.Object != nil && v.Offset+v.Len() != next.Offset {
		return false
	}

	return true
}
