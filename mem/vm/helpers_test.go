package vm

import (
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmcore/mem/phys"
)

type recordingOps struct {
	opened []VMA
	closed []VMA
}

func (o *recordingOps) Name() string { return "recording" }

func (o *recordingOps) Open(v *VMA) { o.opened = append(o.opened, *v) }

func (o *recordingOps) Close(v *VMA) { o.closed = append(o.closed, *v) }

type countedObject struct {
	name string
	refs int
	ops  Ops
}

func (o *countedObject) Name() string { return o.name }

func (o *countedObject) Get() { o.refs++ }

func (o *countedObject) Put() { o.refs-- }

func (o *countedObject) Mmap(v *VMA) error {
	v.Ops = o.ops
	return nil
}

func poke(m *Manager, as *AddressSpace, addr uint64, data []byte) {
	write := func(f phys.Frame) error {
		return m.Memory().Write(f.Addr()+addr%phys.PageSize, data)
	}

	ok, err := as.AccessPage(addr, true, write)
	Expect(err).NotTo(HaveOccurred())

	if !ok {
		Expect(m.ResolveFault(as, addr, true)).To(Succeed())
		ok, err = as.AccessPage(addr, true, write)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
	}
}

func peek(m *Manager, as *AddressSpace, addr uint64, n uint64) []byte {
	var data []byte
	read := func(f phys.Frame) (err error) {
		data, err = m.Memory().Read(f.Addr()+addr%phys.PageSize, n)
		return err
	}

	ok, err := as.AccessPage(addr, false, read)
	Expect(err).NotTo(HaveOccurred())

	if !ok {
		Expect(m.ResolveFault(as, addr, false)).To(Succeed())
		ok, err = as.AccessPage(addr, false, read)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
	}

	return data
}

func pteOf(as *AddressSpace, addr uint64) PTE {
	as.Lock()
	defer as.Unlock()

	return as.PageTable().Lookup(addr)
}

func setPTE(as *AddressSpace, addr uint64, pte PTE) {
	as.Lock()
	as.PageTable().Set(addr, pte)
	as.Unlock()
}

func expectNoOverlap(as *AddressSpace) {
	vmas := as.VMAs()
	for i, v := range vmas {
		Expect(v.Start).To(BeNumerically("<", v.End))

		if i > 0 {
			Expect(vmas[i-1].End).To(BeNumerically("<=", v.Start))
		}
	}
}
