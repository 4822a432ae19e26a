package swap

import (
	"bytes"

	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmcore/mem/blockio"
	"github.com/sarchlab/vmcore/mem/buddy"
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
)

type rig struct {
	memory *phys.Memory
	pages  *buddy.Allocator
	vms    *vm.Manager
	disks  *blockio.Registry
	m      *Manager
}

func newRig(numFrames uint64) *rig {
	r := &rig{
		memory: phys.NewMemory(numFrames * phys.PageSize),
		pages: buddy.MakeBuilder().
			WithFrameTable(phys.NewFrameTable(numFrames)).
			WithMinFreePages(0).
			Build(),
		disks: blockio.NewRegistry(),
	}

	r.vms = vm.MakeBuilder().WithFrames(r.pages).WithMemory(r.memory).Build()
	r.m = MakeBuilder().
		WithPages(r.pages).
		WithMemory(r.memory).
		WithTasks(r.vms).
		WithOpener(r.disks).
		Build()
	r.vms.SetPager(r.m)
	r.pages.SetReleaseHook(r.m.Cache())

	return r
}

func (r *rig) addDisk(path string, numPages uint64) *blockio.RAMDisk {
	d := blockio.NewRAMDisk(path, numPages)
	hdr, err := FormatLegacyHeader(numPages, nil)
	Expect(err).NotTo(HaveOccurred())
	Expect(d.WritePage(0, hdr)).To(Succeed())
	r.disks.Register(path, d)

	return d
}

func (r *rig) newProcess(pid vm.PID, numPages uint64) (*vm.AddressSpace, uint64) {
	as, err := r.vms.NewAddressSpace(pid)
	Expect(err).NotTo(HaveOccurred())

	addr, err := as.Map(vm.MapRequest{
		Length: numPages * phys.PageSize,
		Prot:   vm.ProtRead | vm.ProtWrite,
	})
	Expect(err).NotTo(HaveOccurred())

	return as, addr
}

func pattern(seed byte) []byte {
	return bytes.Repeat([]byte{seed, ^seed, seed + 1, 0x5a}, phys.PageSize/4)
}

func (r *rig) write(as *vm.AddressSpace, addr uint64, data []byte) {
	write := func(f phys.Frame) error {
		return r.memory.Write(f.Addr(), data)
	}

	ok, err := as.AccessPage(addr, true, write)
	Expect(err).NotTo(HaveOccurred())

	if !ok {
		Expect(r.vms.ResolveFault(as, addr, true)).To(Succeed())
		ok, err = as.AccessPage(addr, true, write)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
	}
}

// read returns the page at addr without faulting. ok is false if the page
// is not accessible.
func (r *rig) read(as *vm.AddressSpace, addr uint64) ([]byte, bool) {
	var data []byte

	ok, err := as.AccessPage(addr, false, func(f phys.Frame) (err error) {
		data, err = r.memory.Read(f.Addr(), phys.PageSize)
		return err
	})
	Expect(err).NotTo(HaveOccurred())

	return data, ok
}

func (r *rig) evictAll(as *vm.AddressSpace) {
	for i := 0; i < 1000 && as.RSS() > 0; i++ {
		Expect(r.m.SwapOut(0)).To(BeTrue())
	}

	Expect(as.RSS()).To(BeZero())
}

func pte(as *vm.AddressSpace, addr uint64) vm.PTE {
	as.Lock()
	defer as.Unlock()

	return as.PageTable().Lookup(addr)
}

// expectCacheClean checks that no cached frame is mapped dirty.
func (r *rig) expectCacheClean() {
	for _, as := range r.vms.AddressSpaces() {
		as.Lock()
		t := as.PageTable()

		for _, addr := range t.Pages(0, ^uint64(0)) {
			p := t.Lookup(addr)
			if !p.Present || !p.Dirty {
				continue
			}

			_, cached := r.m.Cache().Lookup(p.Frame)
			Expect(cached).To(BeFalse(),
				"frame %d of pid %d is cached and dirty", p.Frame, as.PID())
		}
		as.Unlock()
	}
}
