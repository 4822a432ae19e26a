// Package monitoring serves the state of a running memory manager over HTTP.
package monitoring

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/sarchlab/vmcore/id"
	"github.com/sarchlab/vmcore/mem/mm"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/monitoring/web"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
	"golang.org/x/exp/slog"
)

// A System is what the monitor reports on.
type System interface {
	Stats() mm.Stats
	Process(pid vm.PID) (*vm.AddressSpace, error)
}

// Monitor turns a memory manager into a server for external inspection.
type Monitor struct {
	system          System
	portNumber      int
	logger          *slog.Logger
	ids             id.Generator
	profileDuration time.Duration

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	listener net.Listener
	server   *http.Server
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		logger:          slog.New(slog.NewTextHandler(os.Stderr, nil)),
		ids:             id.NewSequentialGenerator(),
		profileDuration: time.Second,
	}
}

// WithPortNumber sets the port number of the monitor. Ports below 1000 are
// refused and a random port is used instead.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		m.logger.Warn("monitor port not allowed, using a random port",
			"port", portNumber)

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithLogger sets the logger of the monitor.
func (m *Monitor) WithLogger(l *slog.Logger) *Monitor {
	m.logger = l
	return m
}

// RegisterSystem sets the memory manager to report on.
func (m *Monitor) RegisterSystem(s System) {
	m.system = s
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        m.ids.Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar from the ones being reported.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Handler returns the router serving the monitor API and the web page.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/stats", m.stats)
	r.HandleFunc("/api/processes", m.listProcesses)
	r.HandleFunc("/api/process/{pid}", m.processDetails)
	r.HandleFunc("/api/field/{path}", m.fieldValue)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts serving in the background and returns the URL of the
// monitor.
func (m *Monitor) StartServer() (string, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", errors.Wrap(err, "monitor listen")
	}

	m.listener = listener
	m.server = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	url := "http://localhost:" +
		strconv.Itoa(listener.Addr().(*net.TCPAddr).Port)
	m.logger.Info("monitoring memory manager", "url", url)

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("monitor stopped", "error", err)
		}
	}()

	return url, nil
}

// StopServer shuts the server down.
func (m *Monitor) StopServer() error {
	if m.server == nil {
		return nil
	}

	return m.server.Close()
}

func (m *Monitor) stats(w http.ResponseWriter, _ *http.Request) {
	if !m.requireSystem(w) {
		return
	}

	m.writeJSON(w, m.system.Stats())
}

func (m *Monitor) listProcesses(w http.ResponseWriter, _ *http.Request) {
	if !m.requireSystem(w) {
		return
	}

	procs := m.system.Stats().Processes
	if procs == nil {
		procs = []mm.ProcessStats{}
	}

	m.writeJSON(w, procs)
}

type regionDetail struct {
	Start  uint64
	End    uint64
	Prot   string
	Shared bool
}

type processDetail struct {
	PID         uint32
	RSS         int64
	Swappable   bool
	MinorFaults uint64
	MajorFaults uint64
	Regions     []regionDetail
}

func (m *Monitor) processDetails(w http.ResponseWriter, r *http.Request) {
	if !m.requireSystem(w) {
		return
	}

	pid, err := strconv.ParseUint(mux.Vars(r)["pid"], 10, 32)
	if err != nil {
		http.Error(w, "invalid pid", http.StatusBadRequest)
		return
	}

	as, err := m.system.Process(vm.PID(pid))
	if err != nil {
		http.Error(w, "process not found", http.StatusNotFound)
		return
	}

	detail := processDetail{
		PID:         uint32(as.PID()),
		RSS:         as.RSS(),
		Swappable:   as.Swappable(),
		MinorFaults: as.MinorFaults(),
		MajorFaults: as.MajorFaults(),
	}

	for _, v := range as.VMAs() {
		detail.Regions = append(detail.Regions, regionDetail{
			Start:  v.Start,
			End:    v.End,
			Prot:   v.Prot.String(),
			Shared: v.Shared(),
		})
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&detail)
	serializer.SetMaxDepth(3)

	if err := serializer.Serialize(w); err != nil {
		m.fail(w, err)
	}
}

// fieldValue serializes one field of the statistics snapshot. The path is a
// dot separated list of field names, such as "Swap.Devices".
func (m *Monitor) fieldValue(w http.ResponseWriter, r *http.Request) {
	if !m.requireSystem(w) {
		return
	}

	fields := strings.Split(mux.Vars(r)["path"], ".")
	stats := m.system.Stats()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&stats)
	serializer.SetMaxDepth(1)

	if err := serializer.SetEntryPoint(fields); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := serializer.Serialize(w); err != nil {
		m.fail(w, err)
	}
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]progressRsp, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.snapshot())
	}
	m.progressBarsLock.Unlock()

	m.writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.fail(w, err)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		m.fail(w, err)
		return
	}

	memoryInfo, err := proc.MemoryInfo()
	if err != nil {
		m.fail(w, err)
		return
	}

	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(m.profileDuration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		m.fail(w, err)
		return
	}

	m.writeJSON(w, prof)
}

func (m *Monitor) requireSystem(w http.ResponseWriter) bool {
	if m.system == nil {
		http.Error(w, "no system registered", http.StatusServiceUnavailable)
		return false
	}

	return true
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if _, err := w.Write(data); err != nil {
		m.logger.Debug("monitor write failed", "error", err)
	}
}

func (m *Monitor) fail(w http.ResponseWriter, err error) {
	m.logger.Error("monitor request failed", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
