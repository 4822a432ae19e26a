package phys

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrOutOfRange is returned when an access falls beyond the memory capacity.
var ErrOutOfRange = errors.New("accessing physical address beyond the memory capacity")

// A Memory keeps the content of physical page frames.
//
// Frames that have never been touched by Read or Write do not occupy any host
// memory; they read back as zeros.
type Memory struct {
	sync.Mutex
	capacity uint64
	units    map[Frame][]byte
}

// NewMemory creates a memory with the given capacity in bytes. The capacity
// is rounded down to whole pages.
func NewMemory(capacity uint64) *Memory {
	return &Memory{
		capacity: capacity & PageMask,
		units:    make(map[Frame][]byte),
	}
}

// Capacity returns the number of bytes the memory can hold.
func (m *Memory) Capacity() uint64 {
	return m.capacity
}

// NumFrames returns the number of page frames backed by the memory.
func (m *Memory) NumFrames() uint64 {
	return m.capacity >> PageShift
}

func (m *Memory) unit(f Frame) ([]byte, error) {
	if f.Addr() >= m.capacity {
		return nil, errors.Wrapf(ErrOutOfRange, "frame %d", f)
	}

	u, ok := m.units[f]
	if !ok {
		u = make([]byte, PageSize)
		m.units[f] = u
	}

	return u, nil
}

// Read returns n bytes starting at the physical address addr.
func (m *Memory) Read(addr uint64, n uint64) ([]byte, error) {
	m.Lock()
	defer m.Unlock()

	res := make([]byte, n)
	done := uint64(0)

	for done < n {
		curr := addr + done
		u, err := m.unit(FrameOf(curr))
		if err != nil {
			return nil, err
		}

		inUnit := curr & (PageSize - 1)
		done += uint64(copy(res[done:], u[inUnit:]))
	}

	return res, nil
}

// Write stores data starting at the physical address addr.
func (m *Memory) Write(addr uint64, data []byte) error {
	m.Lock()
	defer m.Unlock()

	done := 0

	for done < len(data) {
		curr := addr + uint64(done)
		u, err := m.unit(FrameOf(curr))
		if err != nil {
			return err
		}

		inUnit := curr & (PageSize - 1)
		done += copy(u[inUnit:], data[done:])
	}

	return nil
}

// ReadPage copies the content of frame f into buf, which must be PageSize
// long.
func (m *Memory) ReadPage(f Frame, buf []byte) error {
	m.Lock()
	defer m.Unlock()

	u, err := m.unit(f)
	if err != nil {
		return err
	}

	copy(buf[:PageSize], u)

	return nil
}

// WritePage overwrites the content of frame f with buf.
func (m *Memory) WritePage(f Frame, buf []byte) error {
	m.Lock()
	defer m.Unlock()

	u, err := m.unit(f)
	if err != nil {
		return err
	}

	copy(u, buf[:PageSize])

	return nil
}

// ZeroPage clears the content of frame f.
func (m *Memory) ZeroPage(f Frame) error {
	m.Lock()
	defer m.Unlock()

	if f.Addr() >= m.capacity {
		return errors.Wrapf(ErrOutOfRange, "frame %d", f)
	}

	delete(m.units, f)

	return nil
}

// CopyPage duplicates the content of frame src into frame dst.
func (m *Memory) CopyPage(dst, src Frame) error {
	m.Lock()
	defer m.Unlock()

	s, err := m.unit(src)
	if err != nil {
		return err
	}

	d, err := m.unit(dst)
	if err != nil {
		return err
	}

	copy(d, s)

	return nil
}
