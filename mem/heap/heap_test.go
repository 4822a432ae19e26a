package heap

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmcore/mem/buddy"
	"github.com/sarchlab/vmcore/mem/phys"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Heap", func() {
	var (
		memory *phys.Memory
		pages  *buddy.Allocator
		h      *Allocator
	)

	BeforeEach(func() {
		memory = phys.NewMemory(64 * phys.PageSize)
		pages = buddy.MakeBuilder().
			WithFrameTable(phys.NewFrameTable(64)).
			WithMinFreePages(0).
			WithDMALimit(16).
			Build()
		h = MakeBuilder().WithPages(pages).WithMemory(memory).Build()
	})

	headerAt := func(addr uint64) (uint32, uint32) {
		buf, err := memory.Read(addr-blockHeaderSize, blockHeaderSize)
		Expect(err).NotTo(HaveOccurred())

		return binary.LittleEndian.Uint32(buf[0:4]),
			binary.LittleEndian.Uint32(buf[4:8])
	}

	It("should serve the largest block the page allocator can back", func() {
		Expect(h.MaxSize()).To(Equal(uint64(131072 - 16 - 8)))
		Expect(h.Stats()).To(HaveLen(13))
	})

	It("should refuse requests above the largest class", func() {
		_, err := h.Alloc(h.MaxSize()+1, buddy.PriorityKernel, 0)

		Expect(errors.Is(err, ErrTooLarge)).To(BeTrue())
	})

	It("should pick the smallest class that fits the request and header", func() {
		addr, err := h.Alloc(24, buddy.PriorityKernel, 0)
		Expect(err).NotTo(HaveOccurred())

		tag, length := headerAt(addr)
		Expect(tag).To(Equal(TagUsed))
		Expect(length).To(Equal(uint32(24)))
		Expect(h.Stats()[0].Allocs).To(Equal(uint64(1)))

		addr, err = h.Alloc(25, buddy.PriorityKernel, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Stats()[1].Allocs).To(Equal(uint64(1)))
		Expect(addr & ^phys.PageMask).To(Equal(uint64(pageDescSize + 8)))
	})

	It("should fill one arena page before taking another", func() {
		seen := map[phys.Frame]bool{}
		for i := 0; i < 127; i++ {
			addr, err := h.Alloc(16, buddy.PriorityKernel, 0)
			Expect(err).NotTo(HaveOccurred())
			seen[phys.FrameOf(addr)] = true
		}

		Expect(seen).To(HaveLen(1))
		Expect(h.Stats()[0].Pages).To(Equal(uint64(1)))

		_, err := h.Alloc(16, buddy.PriorityKernel, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Stats()[0].Pages).To(Equal(uint64(2)))
	})

	It("should return an emptied arena page to the page allocator", func() {
		free := pages.NumFree()

		addrs := []uint64{}
		for i := 0; i < 3; i++ {
			addr, err := h.Alloc(100, buddy.PriorityKernel, 0)
			Expect(err).NotTo(HaveOccurred())
			addrs = append(addrs, addr)
		}
		Expect(pages.NumFree()).To(Equal(free - 1))

		for _, addr := range addrs {
			Expect(h.Free(addr, 100)).To(Succeed())
		}

		Expect(pages.NumFree()).To(Equal(free))
		Expect(h.Stats()[2].Pages).To(BeZero())
		Expect(h.LiveBytes()).To(BeZero())
	})

	It("should reuse the most recently freed block first", func() {
		a1, _ := h.Alloc(40, buddy.PriorityKernel, 0)
		_, _ = h.Alloc(40, buddy.PriorityKernel, 0)

		Expect(h.Free(a1, 0)).To(Succeed())
		tag, _ := headerAt(a1)
		Expect(tag).To(Equal(TagFree))

		a3, err := h.Alloc(40, buddy.PriorityKernel, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(a3).To(Equal(a1))
	})

	It("should put a full page back on the chain when a block is freed", func() {
		addrs := []uint64{}
		for i := 0; i < 2; i++ {
			addr, err := h.Alloc(2000, buddy.PriorityKernel, 0)
			Expect(err).NotTo(HaveOccurred())
			addrs = append(addrs, addr)
		}
		Expect(h.classes[6].general).To(BeNil())

		Expect(h.Free(addrs[1], 2000)).To(Succeed())
		Expect(h.classes[6].general).NotTo(BeNil())

		addr, err := h.Alloc(2000, buddy.PriorityKernel, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(addr).To(Equal(addrs[1]))
		Expect(h.Stats()[6].Pages).To(Equal(uint64(1)))
	})

	It("should back multi-page classes with larger buddy blocks", func() {
		addr, err := h.Alloc(10000, buddy.PriorityKernel, 0)
		Expect(err).NotTo(HaveOccurred())

		f := phys.FrameOf(addr)
		Expect(uint64(f) % 4).To(BeZero())
		Expect(pages.RefCount(f)).To(Equal(uint32(1)))

		Expect(h.Free(addr, 10000)).To(Succeed())
		Expect(pages.NumFree()).To(Equal(uint64(64)))
	})

	It("should keep DMA blocks on their own chain below the DMA limit", func() {
		normal, err := h.Alloc(16, buddy.PriorityKernel, 0)
		Expect(err).NotTo(HaveOccurred())
		dma, err := h.Alloc(16, buddy.PriorityKernel, FlagDMA)
		Expect(err).NotTo(HaveOccurred())

		Expect(phys.FrameOf(dma)).To(BeNumerically("<", 16))
		Expect(phys.FrameOf(dma)).NotTo(Equal(phys.FrameOf(normal)))
	})

	It("should refuse to free memory it never handed out", func() {
		err := h.Free(5*phys.PageSize+24, 0)

		Expect(errors.Is(err, ErrCorrupt)).To(BeTrue())
	})

	It("should refuse a double free", func() {
		addr, _ := h.Alloc(16, buddy.PriorityKernel, 0)
		_, _ = h.Alloc(16, buddy.PriorityKernel, 0)

		Expect(h.Free(addr, 16)).To(Succeed())
		err := h.Free(addr, 16)

		Expect(errors.Is(err, ErrCorrupt)).To(BeTrue())
		Expect(h.Stats()[0].Frees).To(Equal(uint64(1)))
	})

	It("should refuse a free with a mismatched size", func() {
		addr, _ := h.Alloc(16, buddy.PriorityKernel, 0)

		err := h.Free(addr, 17)

		Expect(errors.Is(err, ErrCorrupt)).To(BeTrue())
		tag, _ := headerAt(addr)
		Expect(tag).To(Equal(TagUsed))
	})

	It("should refuse a pointer into the middle of a block", func() {
		addr, _ := h.Alloc(16, buddy.PriorityKernel, 0)

		err := h.Free(addr+4, 0)

		Expect(errors.Is(err, ErrCorrupt)).To(BeTrue())
	})
})

var _ = Describe("Heap with a failing page source", func() {
	var (
		mockCtrl *gomock.Controller
		source   *MockPageSource
		h        *Allocator
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		source = NewMockPageSource(mockCtrl)
		source.EXPECT().NumOrders().Return(1).AnyTimes()
		h = MakeBuilder().
			WithPages(source).
			WithMemory(phys.NewMemory(4 * phys.PageSize)).
			Build()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should only offer single-page classes", func() {
		Expect(h.Stats()).To(HaveLen(8))
		Expect(h.MaxSize()).To(Equal(uint64(4096 - 16 - 8)))
	})

	It("should report exhaustion of the page source", func() {
		source.EXPECT().
			Alloc(0, buddy.PriorityAtomic).
			Return(phys.InvalidFrame, buddy.ErrNoMemory)

		_, err := h.Alloc(16, buddy.PriorityAtomic, 0)

		Expect(errors.Is(err, ErrNoMemory)).To(BeTrue())
	})

	It("should ask for DMA pages for DMA requests", func() {
		source.EXPECT().
			AllocDMA(0, buddy.PriorityKernel).
			Return(phys.Frame(2), nil)

		addr, err := h.Alloc(16, buddy.PriorityKernel, FlagDMA)

		Expect(err).NotTo(HaveOccurred())
		Expect(phys.FrameOf(addr)).To(Equal(phys.Frame(2)))
	})
})
