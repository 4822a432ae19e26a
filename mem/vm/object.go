package vm

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/mem/blockio"
	"github.com/sarchlab/vmcore/mem/phys"
)

// A BlockObject is a file-like object over a block device. Private mappings
// read their pages from the device and send modified pages to swap. Shared
// mappings also write modified pages back to the device when evicted.
type BlockObject struct {
	name string
	dev  blockio.Handle
	refs atomic.Int32

	private *blockPrivateOps
	shared  *blockSharedOps
}

// NewBlockObject creates an object over dev.
func NewBlockObject(name string, dev blockio.Handle) *BlockObject {
	o := &BlockObject{name: name, dev: dev}
	o.private = &blockPrivateOps{obj: o}
	o.shared = &blockSharedOps{blockPrivateOps{obj: o}}

	return o
}

// Name returns the name of the object.
func (o *BlockObject) Name() string {
	return o.name
}

// Get adds a reference.
func (o *BlockObject) Get() {
	o.refs.Add(1)
}

// Put drops a reference.
func (o *BlockObject) Put() {
	if o.refs.Add(-1) < 0 {
		panic("block object reference count underflow")
	}
}

// Refs returns the number of references held.
func (o *BlockObject) Refs() int32 {
	return o.refs.Load()
}

// Mmap picks the operation set of a new region.
func (o *BlockObject) Mmap(v *VMA) error {
	if !v.Shared() {
		v.Ops = o.private
		return nil
	}

	if v.Prot&ProtWrite != 0 && !o.dev.Writable() {
		return errors.Wrapf(ErrAccess, "%s is read-only", o.name)
	}

	v.Ops = o.shared

	return nil
}

type blockPrivateOps struct {
	obj *BlockObject
}

func (b *blockPrivateOps) Name() string {
	return b.obj.name
}

func (b *blockPrivateOps) Populate(v *VMA, addr uint64, page []byte) error {
	n := v.ObjectOffset(addr) >> phys.PageShift
	if n >= blockio.NumPages(b.obj.dev) {
		clear(page)
		return nil
	}

	return blockio.ReadPage(b.obj.dev, n, page)
}

type blockSharedOps struct {
	blockPrivateOps
}

func (b *blockSharedOps) Evict(v *VMA, addr uint64, page []byte) error {
	n := v.ObjectOffset(addr) >> phys.PageShift
	if n >= blockio.NumPages(b.obj.dev) {
		return nil
	}

	return blockio.WritePage(b.obj.dev, n, page)
}
