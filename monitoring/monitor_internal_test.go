package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmcore/mem/mm"
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
)

var _ = Describe("Monitor", func() {
	var (
		m       *Monitor
		s       *mm.System
		handler http.Handler
	)

	get := func(url string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))

		return rec
	}

	BeforeEach(func() {
		s = mm.MakeBuilder().
			WithMemorySize(128 * phys.PageSize).
			WithMinFreePages(0).
			Build()

		as, err := s.NewProcess(7)
		Expect(err).NotTo(HaveOccurred())

		addr, err := as.Map(vm.MapRequest{
			Length: 4 * phys.PageSize,
			Prot:   vm.ProtRead | vm.ProtWrite,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(s.WriteUser(7, addr, []byte("hello"))).To(Succeed())

		m = NewMonitor()
		m.RegisterSystem(s)
		handler = m.Handler()
	})

	It("should refuse low port numbers", func() {
		m.WithPortNumber(80)
		Expect(m.portNumber).To(Equal(0))

		m.WithPortNumber(8080)
		Expect(m.portNumber).To(Equal(8080))
	})

	It("should report statistics", func() {
		rec := get("/api/stats")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var st mm.Stats
		Expect(json.Unmarshal(rec.Body.Bytes(), &st)).To(Succeed())
		Expect(st.Processes).To(HaveLen(1))
		Expect(st.Processes[0].PID).To(Equal(uint32(7)))
		Expect(st.Processes[0].RSS).To(Equal(int64(1)))
	})

	It("should list processes", func() {
		rec := get("/api/processes")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var procs []mm.ProcessStats
		Expect(json.Unmarshal(rec.Body.Bytes(), &procs)).To(Succeed())
		Expect(procs).To(HaveLen(1))
		Expect(procs[0].Regions).To(Equal(1))
	})

	It("should serialize a process", func() {
		rec := get("/api/process/7")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.Len()).To(BeNumerically(">", 0))
	})

	It("should reject unknown and malformed pids", func() {
		Expect(get("/api/process/8").Code).To(Equal(http.StatusNotFound))
		Expect(get("/api/process/x").Code).To(Equal(http.StatusBadRequest))
	})

	It("should serialize a statistics field", func() {
		rec := get("/api/field/Swap")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.Len()).To(BeNumerically(">", 0))
	})

	It("should answer unavailable without a system", func() {
		handler = NewMonitor().Handler()

		Expect(get("/api/stats").Code).
			To(Equal(http.StatusServiceUnavailable))
	})

	It("should track progress bars", func() {
		bar := m.CreateProgressBar("workload", 10)
		bar.IncrementInProgress(4)
		bar.MoveInProgressToFinished(3)

		other := m.CreateProgressBar("other", 1)
		Expect(other.ID).NotTo(Equal(bar.ID))

		m.CompleteProgressBar(other)

		rec := get("/api/progress")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var bars []progressRsp
		Expect(json.Unmarshal(rec.Body.Bytes(), &bars)).To(Succeed())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Name).To(Equal("workload"))
		Expect(bars[0].Finished).To(Equal(uint64(3)))
		Expect(bars[0].InProgress).To(Equal(uint64(1)))
	})

	It("should report host resources", func() {
		rec := get("/api/resource")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var rsp resourceRsp
		Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())
		Expect(rsp.MemorySize).To(BeNumerically(">", 0))
	})

	It("should collect a CPU profile", func() {
		m.profileDuration = 10 * time.Millisecond

		Expect(get("/api/profile").Code).To(Equal(http.StatusOK))
	})

	It("should serve the web page", func() {
		rec := get("/")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("vmkit monitor"))
	})

	It("should start and stop a server", func() {
		url, err := m.StartServer()
		Expect(err).NotTo(HaveOccurred())
		Expect(url).To(HavePrefix("http://localhost:"))

		rsp, err := http.Get(url + "/api/stats")
		Expect(err).NotTo(HaveOccurred())
		rsp.Body.Close()
		Expect(rsp.StatusCode).To(Equal(http.StatusOK))

		Expect(m.StopServer()).To(Succeed())
	})
})
