package blockio

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// A SectorDisk is a sector device whose logical sectors are scattered over
// the device, the way a swap file's blocks are scattered over a file system.
// Logical sectors without a mapping are holes.
type SectorDisk struct {
	sync.Mutex

	name       string
	sectorSize int
	sectors    [][]byte
	mapping    map[uint64]uint64
}

// NewSectorDisk creates a disk with numSectors sectors of sectorSize bytes.
// The sector size must divide PageSize.
func NewSectorDisk(name string, sectorSize int, numSectors uint64) *SectorDisk {
	if sectorSize <= 0 || PageSize%sectorSize != 0 {
		panic("sector size must divide the page size")
	}

	d := &SectorDisk{
		name:       name,
		sectorSize: sectorSize,
		sectors:    make([][]byte, numSectors),
		mapping:    make(map[uint64]uint64),
	}

	for i := range d.sectors {
		d.sectors[i] = make([]byte, sectorSize)
	}

	return d
}

// Map binds a logical sector to a device sector.
func (d *SectorDisk) Map(logical, sector uint64) {
	d.Lock()
	d.mapping[logical] = sector
	d.Unlock()
}

// MapLinear binds the first n logical sectors to the device sectors in
// reverse order. Reversal gives every page a non-contiguous layout.
func (d *SectorDisk) MapLinear(n uint64) {
	d.Lock()
	defer d.Unlock()

	last := uint64(len(d.sectors)) - 1
	for i := uint64(0); i < n && i <= last; i++ {
		d.mapping[i] = last - i
	}
}

// Name returns the name of the disk.
func (d *SectorDisk) Name() string {
	return d.name
}

// Writable always returns true.
func (d *SectorDisk) Writable() bool {
	return true
}

// Close does nothing.
func (d *SectorDisk) Close() error {
	return nil
}

// SectorSize returns the sector size in bytes.
func (d *SectorDisk) SectorSize() int {
	return d.sectorSize
}

// NumSectors returns the number of mapped logical sectors.
func (d *SectorDisk) NumSectors() uint64 {
	d.Lock()
	defer d.Unlock()

	return uint64(len(d.mapping))
}

// MapSector translates a logical sector.
func (d *SectorDisk) MapSector(logical uint64) (uint64, bool) {
	d.Lock()
	defer d.Unlock()

	s, ok := d.mapping[logical]

	return s, ok
}

// ReadSector copies a device sector into buf.
func (d *SectorDisk) ReadSector(sector uint64, buf []byte) error {
	d.Lock()
	defer d.Unlock()

	if sector >= uint64(len(d.sectors)) {
		return errors.Wrapf(ErrOutOfRange, "%s: sector %d", d.name, sector)
	}

	copy(buf[:d.sectorSize], d.sectors[sector])

	return nil
}

// WriteSector stores buf into a device sector.
func (d *SectorDisk) WriteSector(sector uint64, buf []byte) error {
	d.Lock()
	defer d.Unlock()

	if sector >= uint64(len(d.sectors)) {
		return errors.Wrapf(ErrOutOfRange, "%s: sector %d", d.name, sector)
	}

	copy(d.sectors[sector], buf[:d.sectorSize])

	return nil
}
