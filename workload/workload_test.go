package workload_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmcore/mem/blockio"
	"github.com/sarchlab/vmcore/mem/mm"
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/swap"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/workload"
)

type flippingTarget struct {
	*mm.System
}

func (t flippingTarget) ReadUser(pid vm.PID, addr, n uint64) ([]byte, error) {
	data, err := t.System.ReadUser(pid, addr, n)
	if err == nil && len(data) > 0 {
		data[0] ^= 0xff
	}

	return data, err
}

var _ = Describe("Runner", func() {
	var (
		disks *blockio.Registry
		disk  *blockio.RAMDisk
		s     *mm.System
	)

	BeforeEach(func() {
		disks = blockio.NewRegistry()
		disk = blockio.NewRAMDisk("ram0", 512)

		hdr, err := swap.FormatV2Header(512, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(disk.WritePage(0, hdr)).To(Succeed())
		disks.Register("ram0", disk)

		s = mm.MakeBuilder().
			WithMemorySize(96 * phys.PageSize).
			WithMinFreePages(4).
			WithOpener(disks).
			Build()

		Expect(s.EnableSwap("ram0")).To(Succeed())
	})

	config := func() workload.Config {
		c := workload.DefaultConfig()
		c.Processes = 2
		c.Pages = 64
		c.Accesses = 512

		return c
	}

	It("should keep page contents across swapping", func() {
		steps := uint64(0)

		r := workload.NewRunner(s, config(), nil)
		r.OnStep = func() { steps++ }

		res, err := r.Run(context.Background())

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Killed).To(BeEmpty())
		Expect(res.Verified).To(Equal(res.Reads))
		Expect(res.Reads + res.Writes).To(Equal(config().Steps()))
		Expect(steps).To(Equal(config().Steps()))
		Expect(s.SwapUsage().PagesOut).To(BeNumerically(">", 0))
		Expect(s.SwapUsage().PagesIn).To(BeNumerically(">", 0))
	})

	It("should exit every process", func() {
		_, err := workload.NewRunner(s, config(), nil).Run(context.Background())
		Expect(err).NotTo(HaveOccurred())

		Expect(s.Stats().Processes).To(BeEmpty())
		Expect(s.SwapUsage().FreeSlots).To(Equal(s.SwapUsage().TotalSlots))
	})

	It("should detect corrupted pages", func() {
		r := workload.NewRunner(flippingTarget{System: s}, config(), nil)

		_, err := r.Run(context.Background())

		Expect(err).To(MatchError(workload.ErrCorruption))
	})

	It("should stop when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := workload.NewRunner(s, config(), nil).Run(ctx)

		Expect(err).To(MatchError(context.Canceled))
	})

	It("should drop processes whose memory is lost", func() {
		for page := uint64(1); page < 512; page++ {
			disk.InjectFault(page, blockio.ErrIO)
		}

		res, err := workload.NewRunner(s, config(), nil).Run(context.Background())

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Killed).NotTo(BeEmpty())
	})
})
