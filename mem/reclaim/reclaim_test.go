package reclaim

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmcore/hooking"
	"github.com/sarchlab/vmcore/mem/buddy"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Policy", func() {
	var (
		mockCtrl *gomock.Controller
		buffers  *MockShrinker
		shm      *MockShrinker
		swapper  *MockProcessSwapper
		p        *Policy
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		buffers = NewMockShrinker(mockCtrl)
		shm = NewMockShrinker(mockCtrl)
		swapper = NewMockProcessSwapper(mockCtrl)
		p = MakeBuilder().
			WithBufferCache(buffers).
			WithSharedMemory(shm).
			WithProcessSwapper(swapper).
			Build()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should stop at the first source that frees a frame", func() {
		buffers.EXPECT().Shrink(6).Return(false)
		shm.EXPECT().Shrink(6).Return(true)

		Expect(p.TryToFreePage(buddy.PriorityKernel)).To(BeTrue())
	})

	It("should resume at the source that succeeded last", func() {
		buffers.EXPECT().Shrink(6).Return(false)
		shm.EXPECT().Shrink(6).Return(false)
		swapper.EXPECT().SwapOut(6).Return(true)
		Expect(p.TryToFreePage(buddy.PriorityKernel)).To(BeTrue())

		swapper.EXPECT().SwapOut(6).Return(true)
		Expect(p.TryToFreePage(buddy.PriorityKernel)).To(BeTrue())
	})

	It("should raise the urgency round after round", func() {
		gomock.InOrder(
			buffers.EXPECT().Shrink(6).Return(false),
			shm.EXPECT().Shrink(6).Return(false),
			swapper.EXPECT().SwapOut(6).Return(false),
			buffers.EXPECT().Shrink(5).Return(false),
			shm.EXPECT().Shrink(5).Return(false),
			swapper.EXPECT().SwapOut(5).Return(true),
		)

		Expect(p.TryToFreePage(buddy.PriorityUser)).To(BeTrue())
	})

	It("should report exhaustion after the most urgent round", func() {
		buffers.EXPECT().Shrink(gomock.Any()).Return(false).Times(MaxUrgency + 1)
		shm.EXPECT().Shrink(gomock.Any()).Return(false).Times(MaxUrgency + 1)
		swapper.EXPECT().SwapOut(gomock.Any()).Return(false).Times(MaxUrgency + 1)

		Expect(p.TryToFreePage(buddy.PriorityKernel)).To(BeFalse())
		Expect(p.Failures()).To(Equal(uint64(1)))

		stats := p.Stats()
		Expect(stats).To(HaveLen(3))
		Expect(stats[0].Source).To(Equal("buffer-cache"))
		Expect(stats[2].Attempts).To(Equal(uint64(MaxUrgency + 1)))
	})

	It("should rotate back to the buffer cache after a full pass", func() {
		buffers.EXPECT().Shrink(gomock.Any()).Return(false).Times(MaxUrgency + 1)
		shm.EXPECT().Shrink(gomock.Any()).Return(false).Times(MaxUrgency + 1)
		swapper.EXPECT().SwapOut(gomock.Any()).Return(false).Times(MaxUrgency + 1)
		Expect(p.TryToFreePage(buddy.PriorityKernel)).To(BeFalse())

		buffers.EXPECT().Shrink(6).Return(true)
		Expect(p.TryToFreePage(buddy.PriorityKernel)).To(BeTrue())
	})

	It("should leave the buffer cache alone for buffer allocations", func() {
		shm.EXPECT().Shrink(6).Return(false)
		swapper.EXPECT().SwapOut(6).Return(true)

		Expect(p.TryToFreePage(buddy.PriorityBuffer)).To(BeTrue())
	})

	It("should not recurse", func() {
		var inner bool

		buffers.EXPECT().Shrink(6).DoAndReturn(func(int) bool {
			inner = p.TryToFreePage(buddy.PriorityKernel)
			return true
		})

		Expect(p.TryToFreePage(buddy.PriorityKernel)).To(BeTrue())
		Expect(inner).To(BeFalse())
	})

	It("should skip sources that are not configured", func() {
		p = MakeBuilder().WithProcessSwapper(swapper).Build()
		swapper.EXPECT().SwapOut(6).Return(true)

		Expect(p.TryToFreePage(buddy.PriorityKernel)).To(BeTrue())
		Expect(p.Stats()[0].Attempts).To(BeZero())
	})

	It("should tell hooks about every attempt", func() {
		counter := hooking.NewEventCounter()
		p.AcceptHook(counter)

		buffers.EXPECT().Shrink(6).Return(false)
		shm.EXPECT().Shrink(6).Return(true)
		Expect(p.TryToFreePage(buddy.PriorityKernel)).To(BeTrue())

		Expect(counter.Count(hooking.HookPosReclaim)).To(Equal(uint64(2)))
	})

	It("should serve as the reclaimer of the page allocator", func() {
		var r buddy.Reclaimer = p
		Expect(r).NotTo(BeNil())
	})
})
