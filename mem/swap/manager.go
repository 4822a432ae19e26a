// Package swap moves anonymous pages between frames and swap devices. It
// keeps the device table, the swap cache, the per-process eviction scan and
// the fault-driven page-in.
package swap

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/hooking"
	"github.com/sarchlab/vmcore/mem/blockio"
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/swap/internal/slotlock"
	"github.com/sarchlab/vmcore/mem/vm"
	"golang.org/x/exp/slog"
)

var (
	// ErrBadHeader is returned when a device carries no valid swap header.
	ErrBadHeader = errors.New("bad swap signature")

	// ErrInvalid is returned for malformed requests.
	ErrInvalid = errors.New("invalid argument")

	// ErrNoSlot is returned when every enabled device is full.
	ErrNoSlot = errors.New("no free swap slot")

	// ErrBusy is returned when a device is in use or cannot be released.
	ErrBusy = errors.New("swap device busy")

	// ErrNoDevice is returned for paths or entries naming no enabled device.
	ErrNoDevice = errors.New("no such swap device")

	// ErrTooMany is returned when the device table is full.
	ErrTooMany = errors.New("too many swap devices")

	// ErrCorrupt is returned when an entry does not match the slot map.
	ErrCorrupt = errors.New("swap map inconsistency")

	// ErrIO is returned when a slot cannot be transferred.
	ErrIO = errors.New("swap I/O failed")
)

// Tasks enumerates the address spaces that the swapper scans.
type Tasks interface {
	AddressSpaces() []*vm.AddressSpace
}

// A SwapEvent describes one page that went to or came back from swap.
type SwapEvent struct {
	PID   vm.PID
	Addr  uint64
	Entry vm.SwapEntry
	Write bool
}

// A DeviceEvent describes a device being enabled or disabled.
type DeviceEvent struct {
	Path    string
	Slots   uint64
	Enabled bool
}

// A Manager owns the swap device table and the swap cache. It implements
// vm.Pager and serves as the frame release hook of the page allocator.
//
// Lock order is address space, then swap cache, then the manager lock. Slot
// waits never happen under the manager lock.
type Manager struct {
	sync.Mutex
	*hooking.HookableBase

	frames vm.FramePool
	memory *phys.Memory
	tasks  Tasks
	opener blockio.Opener
	logger *slog.Logger

	devices []*device
	nrFree  uint64
	cache   *Cache

	scanLock sync.Mutex
	swapTask int

	pagesIn  atomic.Uint64
	pagesOut atomic.Uint64
}

// Name returns the name of the manager.
func (m *Manager) Name() string {
	return "swap"
}

// Cache returns the swap cache.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// SetTasks replaces the enumeration of address spaces.
func (m *Manager) SetTasks(t Tasks) {
	m.tasks = t
}

// NumFree returns the number of free slots over all enabled devices.
func (m *Manager) NumFree() uint64 {
	m.Lock()
	defer m.Unlock()

	return m.nrFree
}

// Enable opens path, validates its header and makes its slots available.
func (m *Manager) Enable(path string) error {
	idx, err := m.claimDevice(path)
	if err != nil {
		return err
	}

	d, err := m.openDevice(path)
	if err != nil {
		m.Lock()
		m.devices[idx] = &device{}
		m.Unlock()

		return err
	}

	m.Lock()
	d.state = stateWritable
	m.devices[idx] = d
	m.nrFree += d.pages
	m.Unlock()

	m.logger.Info("adding swap",
		"path", path, "device", idx, "slots", d.pages, "format", d.format.String())
	m.InvokeHook(hooking.HookCtx{
		Domain: m,
		Pos:    hooking.HookPosSwapDevice,
		Item:   DeviceEvent{Path: path, Slots: d.pages, Enabled: true},
	})

	return nil
}

func (m *Manager) claimDevice(path string) (int, error) {
	m.Lock()
	defer m.Unlock()

	free := -1

	for i, d := range m.devices {
		if d.state != stateUnused && d.path == path {
			return 0, errors.Wrapf(ErrBusy, "%s already enabled", path)
		}

		if free < 0 && d.state == stateUnused {
			free = i
		}
	}

	if free < 0 {
		return 0, errors.Wrapf(ErrTooMany, "enabling %s", path)
	}

	m.devices[free] = &device{state: stateOpening, path: path}

	return free, nil
}

func (m *Manager) openDevice(path string) (*device, error) {
	h, err := m.opener.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}

	if !h.Writable() {
		h.Close()
		return nil, errors.Wrapf(ErrInvalid, "%s is read-only", path)
	}

	page := make([]byte, phys.PageSize)
	if err := blockio.ReadPage(h, 0, page); err != nil {
		h.Close()
		return nil, errors.Mark(errors.Wrapf(err, "reading header of %s", path), ErrIO)
	}

	hdr, err := ParseHeader(page, blockio.NumPages(h))
	if err != nil {
		m.logger.Error("swapon: bad signature", "path", path, "error", err)
		h.Close()

		return nil, err
	}

	d := &device{
		state:  stateOpening,
		path:   path,
		handle: h,
		format: hdr.Format,
		slots:  make([]uint8, len(hdr.Usable)),
		locks:  slotlock.New(),
	}

	for i, usable := range hdr.Usable {
		if !usable {
			d.slots[i] = slotBad
			continue
		}

		if d.lowest == 0 {
			d.lowest = uint64(i)
		}

		d.highest = uint64(i)
		d.pages++
	}

	return d, nil
}

// Disable stops allocation on path, reads every page that still lives on
// it back into memory and releases the device.
func (m *Manager) Disable(path string) error {
	m.Lock()

	idx := m.findDevice(path)
	if idx < 0 {
		m.Unlock()
		return errors.Wrapf(ErrNoDevice, "%s", path)
	}

	d := m.devices[idx]
	d.state = stateDeactivating
	m.Unlock()

	if err := m.unuse(idx); err != nil {
		m.reactivate(d)
		return err
	}

	m.Lock()

	if used := d.inUse(); used != 0 {
		d.state = stateWritable
		m.Unlock()

		m.logger.Error("swapoff: slots still referenced", "path", path, "slots", used)

		return errors.Wrapf(ErrBusy, "%s still has %d slots in use", path, used)
	}

	m.nrFree -= d.pages
	m.devices[idx] = &device{}
	m.Unlock()

	if err := d.handle.Close(); err != nil {
		m.logger.Warn("closing swap device", "path", path, "error", err)
	}

	m.logger.Info("removing swap", "path", path, "device", idx)
	m.InvokeHook(hooking.HookCtx{
		Domain: m,
		Pos:    hooking.HookPosSwapDevice,
		Item:   DeviceEvent{Path: path, Slots: d.pages},
	})

	return nil
}

func (m *Manager) reactivate(d *device) {
	m.Lock()
	defer m.Unlock()

	d.state = stateWritable
}

func (m *Manager) findDevice(path string) int {
	for i, d := range m.devices {
		if d.state == stateWritable && d.path == path {
			return i
		}
	}

	return -1
}

// lookup resolves an entry. The manager lock must be held.
func (m *Manager) lookup(e vm.SwapEntry) (*device, uint64, error) {
	idx := e.Device()
	if idx >= len(m.devices) || !m.devices[idx].active() {
		return nil, 0, errors.Wrapf(ErrNoDevice, "entry 0x%x", uint64(e))
	}

	d := m.devices[idx]

	slot := e.Slot()
	if slot == 0 || slot >= uint64(len(d.slots)) {
		return nil, 0, errors.Wrapf(ErrNoDevice, "entry 0x%x beyond device end", uint64(e))
	}

	return d, slot, nil
}

func (m *Manager) writable(e vm.SwapEntry) bool {
	m.Lock()
	defer m.Unlock()

	idx := e.Device()

	return idx < len(m.devices) && m.devices[idx].state == stateWritable
}

// AllocSlot takes a free slot from the first writable device that has one.
// The returned entry holds one reference.
func (m *Manager) AllocSlot() (vm.SwapEntry, error) {
	m.Lock()
	defer m.Unlock()

	for idx, d := range m.devices {
		if d.state != stateWritable {
			continue
		}

		for slot := d.lowest; slot != 0 && slot <= d.highest; slot++ {
			if d.slots[slot] != 0 || d.locks.Busy(slot) {
				continue
			}

			d.slots[slot] = 1
			if slot == d.highest {
				d.highest--
			}

			d.lowest = slot
			m.nrFree--

			return vm.MakeSwapEntry(idx, slot), nil
		}
	}

	return 0, ErrNoSlot
}

// FreeSlot drops one reference to the slot of e. It waits for transfers of
// the slot to finish.
func (m *Manager) FreeSlot(e vm.SwapEntry) error {
	if e == 0 {
		return nil
	}

	m.Lock()
	d, slot, err := m.lookup(e)
	m.Unlock()

	if err != nil {
		m.logger.Error("trying to free nonexistent swap-page", "entry", uint64(e))
		return err
	}

	d.locks.Acquire(slot, slotlock.Locked)
	defer d.locks.Release(slot)

	m.Lock()
	defer m.Unlock()

	if slot < d.lowest || d.lowest == 0 {
		d.lowest = slot
	}

	if slot > d.highest {
		d.highest = slot
	}

	c := d.slots[slot]
	if c == 0 || c == slotBad {
		m.logger.Error("swap_free: swap-space map bad", "entry", uint64(e))
		return errors.Wrapf(ErrCorrupt, "freeing unused slot of entry 0x%x", uint64(e))
	}

	d.slots[slot]--
	if d.slots[slot] == 0 {
		m.nrFree++
	}

	return nil
}

// releaseSlot frees the slot of e on paths that cannot fail. site names the
// caller in the log.
func (m *Manager) releaseSlot(e vm.SwapEntry, site string) bool {
	if err := m.FreeSlot(e); err != nil {
		m.logger.Warn("swap slot not released",
			"site", site, "entry", uint64(e), "error", err)
		return false
	}

	return true
}

// Duplicate adds a reference to the slot of e.
func (m *Manager) Duplicate(e vm.SwapEntry) error {
	m.Lock()
	defer m.Unlock()

	d, slot, err := m.lookup(e)
	if err != nil {
		m.logger.Error("trying to duplicate nonexistent swap-page", "entry", uint64(e))
		return err
	}

	switch c := d.slots[slot]; {
	case c == 0 || c == slotBad:
		m.logger.Error("swap_duplicate: unused swap-page", "entry", uint64(e))
		return errors.Wrapf(ErrCorrupt, "duplicating unused slot of entry 0x%x", uint64(e))
	case c >= slotMaxRef:
		return errors.Wrapf(ErrInvalid, "slot of entry 0x%x has too many references", uint64(e))
	}

	d.slots[slot]++

	return nil
}

// SlotCount returns the reference count of the slot of e, or zero when e
// names no enabled device.
func (m *Manager) SlotCount(e vm.SwapEntry) uint8 {
	m.Lock()
	defer m.Unlock()

	d, slot, err := m.lookup(e)
	if err != nil || d.slots[slot] == slotBad {
		return 0
	}

	return d.slots[slot]
}

// DeviceUsage describes one entry of the device table.
type DeviceUsage struct {
	Index  int
	Path   string
	Format string
	State  string
	Slots  uint64
	Used   uint64
	Busy   int
}

// Usage summarizes every enabled device.
type Usage struct {
	Devices    []DeviceUsage
	TotalSlots uint64
	FreeSlots  uint64
	PagesIn    uint64
	PagesOut   uint64
}

// Usage returns the occupancy of the enabled devices.
func (m *Manager) Usage() Usage {
	m.Lock()
	defer m.Unlock()

	u := Usage{
		FreeSlots: m.nrFree,
		PagesIn:   m.pagesIn.Load(),
		PagesOut:  m.pagesOut.Load(),
	}

	for i, d := range m.devices {
		if !d.active() {
			continue
		}

		u.Devices = append(u.Devices, DeviceUsage{
			Index:  i,
			Path:   d.path,
			Format: d.format.String(),
			State:  d.state.String(),
			Slots:  d.pages,
			Used:   d.inUse(),
			Busy:   d.locks.NumBusy(),
		})
		u.TotalSlots += d.pages
	}

	return u
}
