package blockio

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// A RAMDisk is a page device kept in host memory. Pages that were never
// written read back as zeros.
type RAMDisk struct {
	sync.Mutex

	name     string
	numPages uint64
	readOnly bool
	pages    map[uint64][]byte
	faults   map[uint64]error
	closed   bool
}

// NewRAMDisk creates a writable RAM disk of numPages pages.
func NewRAMDisk(name string, numPages uint64) *RAMDisk {
	return &RAMDisk{
		name:     name,
		numPages: numPages,
		pages:    make(map[uint64][]byte),
		faults:   make(map[uint64]error),
	}
}

// Name returns the name of the disk.
func (d *RAMDisk) Name() string {
	return d.name
}

// SetReadOnly changes whether the disk accepts writes.
func (d *RAMDisk) SetReadOnly(readOnly bool) {
	d.Lock()
	d.readOnly = readOnly
	d.Unlock()
}

// Writable tells if the disk accepts writes.
func (d *RAMDisk) Writable() bool {
	d.Lock()
	defer d.Unlock()

	return !d.readOnly
}

// InjectFault makes every transfer of the page fail with err. A nil err
// clears the fault.
func (d *RAMDisk) InjectFault(page uint64, err error) {
	d.Lock()
	defer d.Unlock()

	if err == nil {
		delete(d.faults, page)
		return
	}

	d.faults[page] = err
}

// Close marks the disk closed. Its content survives and it can be reopened.
func (d *RAMDisk) Close() error {
	d.Lock()
	d.closed = true
	d.Unlock()

	return nil
}

// NumPages returns the size of the disk in pages.
func (d *RAMDisk) NumPages() uint64 {
	return d.numPages
}

func (d *RAMDisk) check(page uint64) error {
	if page >= d.numPages {
		return errors.Wrapf(ErrOutOfRange, "%s: page %d", d.name, page)
	}

	if err, ok := d.faults[page]; ok {
		return errors.Wrapf(ErrIO, "%s: page %d: %v", d.name, page, err)
	}

	return nil
}

// ReadPage copies a page into buf.
func (d *RAMDisk) ReadPage(page uint64, buf []byte) error {
	d.Lock()
	defer d.Unlock()

	if err := d.check(page); err != nil {
		return err
	}

	p, ok := d.pages[page]
	if !ok {
		clear(buf[:PageSize])
		return nil
	}

	copy(buf[:PageSize], p)

	return nil
}

// WritePage stores buf as the content of a page.
func (d *RAMDisk) WritePage(page uint64, buf []byte) error {
	d.Lock()
	defer d.Unlock()

	if d.readOnly {
		return errors.Wrapf(ErrReadOnly, "%s", d.name)
	}

	if err := d.check(page); err != nil {
		return err
	}

	p, ok := d.pages[page]
	if !ok {
		p = make([]byte, PageSize)
		d.pages[page] = p
	}

	copy(p, buf[:PageSize])

	return nil
}
