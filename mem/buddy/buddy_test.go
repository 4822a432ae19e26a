package buddy

import (
	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmcore/mem/phys"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Allocator", func() {
	var (
		mockCtrl *gomock.Controller
		frames   *phys.FrameTable
		a        *Allocator
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		frames = phys.NewFrameTable(64)
		a = MakeBuilder().
			WithFrameTable(frames).
			WithMinFreePages(0).
			Build()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should carve all frames into maximal blocks at boot", func() {
		s := a.Stats()

		Expect(s.TotalFrames).To(Equal(uint64(64)))
		Expect(s.FreeFrames).To(Equal(uint64(64)))
		Expect(s.FreeBlocks).To(Equal([]uint64{0, 0, 0, 0, 0, 2}))
		Expect(a.Snapshot().Lists[5]).To(Equal([]phys.Frame{32, 0}))
	})

	It("should split a larger block and push the upper halves", func() {
		f, err := a.Alloc(0, PriorityKernel)

		Expect(err).NotTo(HaveOccurred())
		Expect(f).To(Equal(phys.Frame(32)))
		Expect(frames.Count(f)).To(Equal(uint32(1)))

		lists := a.Snapshot().Lists
		Expect(lists[0]).To(Equal([]phys.Frame{33}))
		Expect(lists[1]).To(Equal([]phys.Frame{34}))
		Expect(lists[2]).To(Equal([]phys.Frame{36}))
		Expect(lists[3]).To(Equal([]phys.Frame{40}))
		Expect(lists[4]).To(Equal([]phys.Frame{48}))
		Expect(lists[5]).To(Equal([]phys.Frame{0}))
	})

	It("should restore the exact free-list state after alloc and free", func() {
		_, err := a.Alloc(2, PriorityKernel)
		Expect(err).NotTo(HaveOccurred())
		_, err = a.Alloc(0, PriorityKernel)
		Expect(err).NotTo(HaveOccurred())

		for order := 0; order < a.NumOrders(); order++ {
			before := a.Snapshot()

			f, err := a.Alloc(order, PriorityKernel)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Free(f, order)).To(Succeed())

			Expect(a.Snapshot()).To(Equal(before), "order %d", order)
		}
	})

	It("should coalesce two order-0 grants back into one order-1 block", func() {
		small := phys.NewFrameTable(2)
		b := MakeBuilder().
			WithFrameTable(small).
			WithNumOrders(2).
			WithMinFreePages(0).
			Build()

		f0, err := b.Alloc(0, PriorityKernel)
		Expect(err).NotTo(HaveOccurred())
		f1, err := b.Alloc(0, PriorityKernel)
		Expect(err).NotTo(HaveOccurred())
		Expect([]phys.Frame{f0, f1}).To(ConsistOf(phys.Frame(0), phys.Frame(1)))

		_, err = b.Alloc(0, PriorityKernel)
		Expect(err).To(MatchError(ErrNoMemory))

		Expect(b.Free(f0, 0)).To(Succeed())
		Expect(b.Stats().FreeBlocks).To(Equal([]uint64{1, 0}))

		Expect(b.Free(f1, 0)).To(Succeed())
		Expect(b.Stats().FreeBlocks).To(Equal([]uint64{0, 1}))
		Expect(b.Snapshot().Lists[1]).To(Equal([]phys.Frame{0}))
	})

	It("should stop coalescing while the sibling is in use", func() {
		f0, _ := a.Alloc(0, PriorityKernel)
		f1, _ := a.Alloc(0, PriorityKernel)
		pinned, _ := a.Alloc(1, PriorityKernel)
		Expect(pinned).To(Equal(phys.Frame(34)))

		Expect(a.Free(f0, 0)).To(Succeed())
		Expect(a.Free(f1, 0)).To(Succeed())

		lists := a.Snapshot().Lists
		Expect(lists[0]).To(BeEmpty())
		Expect(lists[1]).To(Equal([]phys.Frame{32}))
	})

	It("should not free a shared frame until the last reference", func() {
		f, _ := a.Alloc(0, PriorityKernel)
		a.Share(f)
		free := a.NumFree()

		Expect(a.FreePage(f)).To(Succeed())
		Expect(a.NumFree()).To(Equal(free))
		Expect(a.RefCount(f)).To(Equal(uint32(1)))

		Expect(a.FreePage(f)).To(Succeed())
		Expect(a.NumFree()).To(Equal(free + 1))
	})

	It("should tell the release hook about released frames", func() {
		hook := NewMockReleaseHook(mockCtrl)
		a.SetReleaseHook(hook)
		f, _ := a.AllocPage(PriorityUser)

		hook.EXPECT().FrameReleased(f)

		Expect(a.FreePage(f)).To(Succeed())
	})

	It("should refuse a double free", func() {
		f, _ := a.AllocPage(PriorityKernel)
		Expect(a.FreePage(f)).To(Succeed())

		err := a.FreePage(f)
		Expect(errors.Is(err, ErrCorrupt)).To(BeTrue())
	})

	It("should refuse misaligned and out-of-range frees", func() {
		Expect(errors.Is(a.Free(3, 1), ErrCorrupt)).To(BeTrue())
		Expect(errors.Is(a.Free(100, 0), ErrCorrupt)).To(BeTrue())
		Expect(errors.Is(a.Free(0, 9), ErrInvalidOrder)).To(BeTrue())
	})

	It("should reject invalid orders", func() {
		_, err := a.Alloc(6, PriorityKernel)
		Expect(errors.Is(err, ErrInvalidOrder)).To(BeTrue())
	})

	It("should only hand out DMA-capable frames for DMA requests", func() {
		d := MakeBuilder().
			WithFrameTable(phys.NewFrameTable(64)).
			WithMinFreePages(0).
			WithDMALimit(16).
			Build()

		for i := 0; i < 16; i++ {
			f, err := d.AllocDMA(0, PriorityKernel)
			Expect(err).NotTo(HaveOccurred())
			Expect(f).To(BeNumerically("<", 16))
		}

		_, err := d.AllocDMA(0, PriorityAtomic)
		Expect(err).To(MatchError(ErrNoMemory))
	})

	It("should never hand out reserved frames", func() {
		t := phys.NewFrameTable(4)
		t.Reserve(0)
		r := MakeBuilder().
			WithFrameTable(t).
			WithMinFreePages(0).
			Build()

		Expect(r.NumFree()).To(Equal(uint64(3)))
		for i := 0; i < 3; i++ {
			f, err := r.AllocPage(PriorityKernel)
			Expect(err).NotTo(HaveOccurred())
			Expect(f).NotTo(Equal(phys.Frame(0)))
		}

		Expect(r.FreePage(0)).To(Succeed())
		Expect(r.NumFree()).To(Equal(uint64(0)))
	})

	Context("with a free-page reserve", func() {
		var reclaimer *MockReclaimer

		BeforeEach(func() {
			reclaimer = NewMockReclaimer(mockCtrl)
			a = MakeBuilder().
				WithFrameTable(phys.NewFrameTable(16)).
				WithMinFreePages(4).
				WithMaxReclaimRetries(3).
				Build()
		})

		drain := func() []phys.Frame {
			var got []phys.Frame
			for {
				f, err := a.AllocPage(PriorityKernel)
				if err != nil {
					return got
				}
				got = append(got, f)
			}
		}

		It("should keep the reserve away from ordinary callers", func() {
			Expect(drain()).To(HaveLen(12))
			Expect(a.NumFree()).To(Equal(uint64(4)))
		})

		It("should let atomic callers dip into the reserve", func() {
			drain()

			_, err := a.AllocPage(PriorityAtomic)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.NumFree()).To(Equal(uint64(3)))
		})

		It("should reclaim and retry when memory runs low", func() {
			held := drain()
			a.SetReclaimer(reclaimer)

			reclaimer.EXPECT().
				TryToFreePage(PriorityKernel).
				DoAndReturn(func(Priority) bool {
					Expect(a.FreePage(held[0])).To(Succeed())
					return true
				})

			f, err := a.AllocPage(PriorityKernel)
			Expect(err).NotTo(HaveOccurred())
			Expect(f).To(Equal(held[0]))
		})

		It("should bound the reclaim retries", func() {
			drain()
			a.SetReclaimer(reclaimer)

			reclaimer.EXPECT().TryToFreePage(PriorityUser).
				Return(true).
				Times(3)

			_, err := a.AllocPage(PriorityUser)
			Expect(err).To(MatchError(ErrNoMemory))
		})

		It("should give up when reclamation is exhausted", func() {
			drain()
			a.SetReclaimer(reclaimer)

			reclaimer.EXPECT().TryToFreePage(PriorityKernel).Return(false)

			_, err := a.AllocPage(PriorityKernel)
			Expect(err).To(MatchError(ErrNoMemory))
		})

		It("should never reclaim for buffer callers", func() {
			drain()
			a.SetReclaimer(reclaimer)

			_, err := a.AllocPage(PriorityBuffer)
			Expect(err).To(MatchError(ErrNoMemory))
		})
	})
})
