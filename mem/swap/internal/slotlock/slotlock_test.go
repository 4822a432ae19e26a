package slotlock

import (
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Table", func() {
	var t *Table

	BeforeEach(func() {
		t = New()
	})

	It("should start with every slot free", func() {
		Expect(t.State(3)).To(Equal(Free))
		Expect(t.Busy(3)).To(BeFalse())
		Expect(t.NumBusy()).To(BeZero())
	})

	It("should refuse a second owner without waiting", func() {
		Expect(t.TryAcquire(3, Writeback)).To(BeTrue())
		Expect(t.TryAcquire(3, Locked)).To(BeFalse())
		Expect(t.State(3)).To(Equal(Writeback))
		Expect(t.TryAcquire(4, Locked)).To(BeTrue())
		Expect(t.NumBusy()).To(Equal(2))

		t.Release(3)
		Expect(t.TryAcquire(3, Locked)).To(BeTrue())
	})

	It("should panic when releasing a free slot", func() {
		Expect(func() { t.Release(1) }).To(Panic())
		Expect(func() { t.Acquire(1, Free) }).To(Panic())
	})

	It("should block waiters until the slot is released", func() {
		t.Acquire(7, Writeback)

		var acquired atomic.Bool
		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			t.Acquire(7, Locked)
			acquired.Store(true)
			close(done)
		}()

		Consistently(acquired.Load).Should(BeFalse())

		t.Release(7)
		Eventually(done).Should(BeClosed())
		Expect(t.State(7)).To(Equal(Locked))
	})

	It("should hand a contended slot to one owner at a time", func() {
		var (
			wg     sync.WaitGroup
			inside atomic.Int32
			peak   atomic.Int32
		)

		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				t.Acquire(1, Locked)
				n := inside.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				inside.Add(-1)
				t.Release(1)
			}()
		}

		wg.Wait()
		Expect(peak.Load()).To(Equal(int32(1)))
		Expect(t.Busy(1)).To(BeFalse())
	})
})
