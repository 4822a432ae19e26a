// Package blockio describes the backing stores that pages are read from and
// written to, and provides file, RAM and sector-mapped implementations.
package blockio

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrIO reports a failed transfer.
	ErrIO = errors.New("block I/O failed")

	// ErrNotFound is returned when a path names no backing store.
	ErrNotFound = errors.New("no such backing store")

	// ErrOutOfRange is returned for pages or sectors beyond the device end.
	ErrOutOfRange = errors.New("access beyond the end of the device")

	// ErrReadOnly is returned when writing to a read-only store.
	ErrReadOnly = errors.New("backing store is read-only")

	// ErrUnmapped is returned when a sector of a page has no mapping.
	ErrUnmapped = errors.New("sector not mapped")
)

// PageSize is the unit of page transfers.
const PageSize = 4096

// A Handle is an opened backing store.
type Handle interface {
	Name() string
	Writable() bool
	Close() error
}

// A PageDevice transfers whole pages.
type PageDevice interface {
	Handle
	NumPages() uint64
	ReadPage(page uint64, buf []byte) error
	WritePage(page uint64, buf []byte) error
}

// A SectorDevice transfers sectors. A page is made of PageSize/SectorSize
// logical sectors, each of which MapSector translates into a device sector.
type SectorDevice interface {
	Handle
	SectorSize() int
	NumSectors() uint64
	MapSector(logical uint64) (uint64, bool)
	ReadSector(sector uint64, buf []byte) error
	WriteSector(sector uint64, buf []byte) error
}

// An Opener resolves paths into handles.
type Opener interface {
	Open(path string) (Handle, error)
}

// NumPages returns the number of whole pages h can hold, or zero if h
// transfers neither pages nor sectors.
func NumPages(h Handle) uint64 {
	switch d := h.(type) {
	case PageDevice:
		return d.NumPages()
	case SectorDevice:
		return d.NumSectors() * uint64(d.SectorSize()) / PageSize
	}

	return 0
}

// ReadPage reads one page from h, assembling it from sectors if h is not a
// page device.
func ReadPage(h Handle, page uint64, buf []byte) error {
	switch d := h.(type) {
	case PageDevice:
		return d.ReadPage(page, buf)
	case SectorDevice:
		return transferSectors(d, page, buf, d.ReadSector)
	}

	return errors.Wrapf(ErrIO, "%s cannot transfer pages", h.Name())
}

// WritePage writes one page to h, splitting it into sectors if h is not a
// page device.
func WritePage(h Handle, page uint64, buf []byte) error {
	if !h.Writable() {
		return errors.Wrapf(ErrReadOnly, "%s", h.Name())
	}

	switch d := h.(type) {
	case PageDevice:
		return d.WritePage(page, buf)
	case SectorDevice:
		return transferSectors(d, page, buf, d.WriteSector)
	}

	return errors.Wrapf(ErrIO, "%s cannot transfer pages", h.Name())
}

func transferSectors(
	d SectorDevice,
	page uint64,
	buf []byte,
	transfer func(uint64, []byte) error,
) error {
	size := d.SectorSize()
	perPage := uint64(PageSize / size)

	for i := uint64(0); i < perPage; i++ {
		logical := page*perPage + i

		sector, ok := d.MapSector(logical)
		if !ok {
			return errors.Wrapf(ErrUnmapped,
				"%s: page %d sector %d", d.Name(), page, logical)
		}

		chunk := buf[i*uint64(size) : (i+1)*uint64(size)]
		if err := transfer(sector, chunk); err != nil {
			return err
		}
	}

	return nil
}
