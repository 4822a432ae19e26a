package mm

import (
	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/hooking"
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/swap"
	"github.com/sarchlab/vmcore/mem/vm"
)

const maxAccessAttempts = 4

// ResolveFault makes addr accessible to pid, for a write if write is set.
func (s *System) ResolveFault(pid vm.PID, addr uint64, write bool) error {
	as, err := s.Process(pid)
	if err != nil {
		return err
	}

	return s.resolve(as, addr, write)
}

func (s *System) resolve(as *vm.AddressSpace, addr uint64, write bool) error {
	major := as.MajorFaults()
	err := s.vms.ResolveFault(as, addr, write)

	if err != nil && (errors.Is(err, vm.ErrIO) || errors.Is(err, swap.ErrIO)) {
		err = errors.Mark(err, ErrIO)
	}

	s.faults.Add(1)

	ev := FaultEvent{
		PID:   as.PID(),
		Addr:  addr,
		Write: write,
		Major: as.MajorFaults() != major,
	}
	if err != nil {
		ev.Error = err.Error()
	}

	s.InvokeHook(hooking.HookCtx{Domain: s, Pos: hooking.HookPosFault, Item: ev})

	return err
}

// HandleFault resolves a fault the way the trap handler does: a process
// whose fault cannot be resolved is killed and its address space released.
func (s *System) HandleFault(pid vm.PID, addr uint64, write bool) error {
	as, err := s.Process(pid)
	if err != nil {
		return err
	}

	err = s.resolve(as, addr, write)
	if err == nil {
		return nil
	}

	if fatal(err) {
		s.kill(as, addr, err)
	}

	return err
}

func fatal(err error) bool {
	return errors.Is(err, ErrNoMemory) ||
		errors.Is(err, ErrIO) ||
		errors.Is(err, ErrSegv)
}

func (s *System) kill(as *vm.AddressSpace, addr uint64, cause error) {
	pid := as.PID()

	s.logger.Warn("killing process", "pid", pid, "addr", addr, "cause", cause)
	s.kills.Add(1)
	s.InvokeHook(hooking.HookCtx{
		Domain: s,
		Pos:    hooking.HookPosOOM,
		Item:   KillEvent{PID: pid, Addr: addr, Reason: cause.Error()},
	})

	if s.killer != nil {
		s.killer.Kill(pid, cause)
	}

	as.Release()
}

// access runs fn on the frame behind addr, faulting the page in first if
// the page table does not permit the access yet.
func (s *System) access(
	as *vm.AddressSpace,
	addr uint64,
	write bool,
	fn func(f phys.Frame) error,
) error {
	for attempt := 0; attempt < maxAccessAttempts; attempt++ {
		ok, err := as.AccessPage(addr, write, fn)
		if err != nil || ok {
			return err
		}

		if err := s.HandleFault(as.PID(), addr, write); err != nil {
			return err
		}
	}

	return errors.Wrapf(vm.ErrRetry, "access to 0x%x kept faulting", addr)
}

// ReadUser copies n bytes starting at addr out of the address space of pid.
func (s *System) ReadUser(pid vm.PID, addr, n uint64) ([]byte, error) {
	as, err := s.Process(pid)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, n)

	for n > 0 {
		off := addr % phys.PageSize
		chunk := min(n, phys.PageSize-off)

		err := s.access(as, addr, false, func(f phys.Frame) error {
			data, err := s.memory.Read(f.Addr()+off, chunk)
			out = append(out, data...)

			return err
		})
		if err != nil {
			return nil, err
		}

		addr += chunk
		n -= chunk
	}

	return out, nil
}

// WriteUser copies data into the address space of pid at addr.
func (s *System) WriteUser(pid vm.PID, addr uint64, data []byte) error {
	as, err := s.Process(pid)
	if err != nil {
		return err
	}

	for len(data) > 0 {
		off := addr % phys.PageSize
		chunk := min(uint64(len(data)), phys.PageSize-off)

		err := s.access(as, addr, true, func(f phys.Frame) error {
			return s.memory.Write(f.Addr()+off, data[:chunk])
		})
		if err != nil {
			return err
		}

		addr += chunk
		data = data[chunk:]
	}

	return nil
}
