// Package workload drives a memory manager with processes that touch more
// memory than it has frames, checking that every page keeps its content.
package workload

import (
	"context"
	"encoding/binary"
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/vm"
	"golang.org/x/exp/slog"
)

// ErrCorruption is returned when a page reads back different content than
// was last written to it.
var ErrCorruption = errors.New("page content mismatch")

// A Target is the memory manager a workload runs on.
type Target interface {
	NewProcess(pid vm.PID) (*vm.AddressSpace, error)
	ReadUser(pid vm.PID, addr, n uint64) ([]byte, error)
	WriteUser(pid vm.PID, addr uint64, data []byte) error
	Exit(pid vm.PID) error
}

// Config describes a workload.
type Config struct {
	// Processes is the number of processes started.
	Processes int

	// Pages is the number of anonymous pages every process maps.
	Pages uint64

	// Accesses is the number of random page accesses after the initial
	// fill.
	Accesses int

	// WriteRatio is the share of accesses that write a new version.
	WriteRatio float64

	// FirstPID is the pid of the first process.
	FirstPID vm.PID

	Seed int64
}

// DefaultConfig returns a small workload.
func DefaultConfig() Config {
	return Config{
		Processes:  4,
		Pages:      256,
		Accesses:   4096,
		WriteRatio: 0.3,
		FirstPID:   100,
		Seed:       1,
	}
}

// Steps returns the number of page accesses the workload performs.
func (c Config) Steps() uint64 {
	return uint64(c.Processes)*c.Pages + uint64(c.Accesses)
}

// Result summarizes a run.
type Result struct {
	Writes   uint64   `json:"writes"`
	Reads    uint64   `json:"reads"`
	Verified uint64   `json:"verified"`
	Killed   []uint32 `json:"killed"`
}

type process struct {
	pid      vm.PID
	base     uint64
	versions []uint32
	dead     bool
}

// A Runner executes one workload.
type Runner struct {
	target Target
	config Config
	logger *slog.Logger
	rand   *rand.Rand
	procs  []*process
	result Result

	// OnStep is called after every page access.
	OnStep func()
}

// NewRunner creates a Runner for config on target.
func NewRunner(target Target, config Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		target: target,
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(config.Seed)),
	}
}

// Run starts the processes, fills their memory, and then performs the
// random accesses. Processes killed along the way are left out of the
// remaining accesses. All processes are exited before Run returns.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	defer r.exitAll()

	if err := r.start(); err != nil {
		return r.result, err
	}

	for _, p := range r.procs {
		for page := uint64(0); page < r.config.Pages; page++ {
			if err := ctx.Err(); err != nil {
				return r.result, err
			}

			if err := r.write(p, page); err != nil {
				return r.result, err
			}
		}
	}

	for i := 0; i < r.config.Accesses; i++ {
		if err := ctx.Err(); err != nil {
			return r.result, err
		}

		p := r.pickLive()
		if p == nil {
			break
		}

		page := uint64(r.rand.Int63n(int64(r.config.Pages)))

		var err error
		if r.rand.Float64() < r.config.WriteRatio {
			err = r.write(p, page)
		} else {
			err = r.verify(p, page)
		}

		if err != nil {
			return r.result, err
		}
	}

	return r.result, nil
}

func (r *Runner) start() error {
	for i := 0; i < r.config.Processes; i++ {
		pid := r.config.FirstPID + vm.PID(i)

		as, err := r.target.NewProcess(pid)
		if err != nil {
			return errors.Wrapf(err, "starting process %d", pid)
		}

		base, err := as.Map(vm.MapRequest{
			Length: r.config.Pages * phys.PageSize,
			Prot:   vm.ProtRead | vm.ProtWrite,
		})
		if err != nil {
			return errors.Wrapf(err, "mapping memory of process %d", pid)
		}

		r.procs = append(r.procs, &process{
			pid:      pid,
			base:     base,
			versions: make([]uint32, r.config.Pages),
		})
	}

	return nil
}

func (r *Runner) pickLive() *process {
	live := make([]*process, 0, len(r.procs))
	for _, p := range r.procs {
		if !p.dead {
			live = append(live, p)
		}
	}

	if len(live) == 0 {
		return nil
	}

	return live[r.rand.Intn(len(live))]
}

// stamp is the content expected at the start of a page.
func stamp(pid vm.PID, page uint64, version uint32) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:], uint32(pid))
	binary.LittleEndian.PutUint64(buf[4:], page)
	binary.LittleEndian.PutUint32(buf[12:], version)

	return buf
}

func (r *Runner) write(p *process, page uint64) error {
	if p.dead {
		return nil
	}

	version := p.versions[page] + 1
	addr := p.base + page*phys.PageSize

	err := r.target.WriteUser(p.pid, addr, stamp(p.pid, page, version))
	r.step()

	if err != nil {
		r.kill(p, err)
		return nil
	}

	p.versions[page] = version
	r.result.Writes++

	return nil
}

func (r *Runner) verify(p *process, page uint64) error {
	addr := p.base + page*phys.PageSize

	data, err := r.target.ReadUser(p.pid, addr, 16)
	r.step()

	if err != nil {
		r.kill(p, err)
		return nil
	}

	r.result.Reads++

	want := stamp(p.pid, page, p.versions[page])
	if p.versions[page] == 0 {
		want = make([]byte, 16)
	}

	if string(data) != string(want) {
		return errors.Wrapf(ErrCorruption,
			"pid %d page %d version %d", p.pid, page, p.versions[page])
	}

	r.result.Verified++

	return nil
}

func (r *Runner) kill(p *process, err error) {
	r.logger.Warn("workload process lost",
		"pid", uint32(p.pid), "error", err)

	p.dead = true
	r.result.Killed = append(r.result.Killed, uint32(p.pid))
}

func (r *Runner) step() {
	if r.OnStep != nil {
		r.OnStep()
	}
}

func (r *Runner) exitAll() {
	for _, p := range r.procs {
		if err := r.target.Exit(p.pid); err != nil {
			r.logger.Debug("workload exit", "pid", uint32(p.pid), "error", err)
		}
	}
}
