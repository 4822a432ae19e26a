package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pkg/browser"
	"github.com/sarchlab/vmcore/datarecording"
	"github.com/sarchlab/vmcore/hooking"
	"github.com/sarchlab/vmcore/id"
	"github.com/sarchlab/vmcore/mem/blockio"
	"github.com/sarchlab/vmcore/mem/mm"
	"github.com/sarchlab/vmcore/mem/swap"
	"github.com/sarchlab/vmcore/mem/trace"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/monitoring"
	"github.com/sarchlab/vmcore/workload"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

const ramSwapPath = "ram0"

type simulateOptions struct {
	memory      string
	minFree     int64
	swapFile    string
	swapSize    string
	record      string
	trace       bool
	monitor     bool
	monitorPort int
	open        bool
	linger      time.Duration
	workload    workload.Config
}

func newSimulateCmd() *cobra.Command {
	opts := simulateOptions{workload: workload.DefaultConfig()}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run processes that touch more memory than there is.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.applyEnv(cmd); err != nil {
				return err
			}

			return runSimulation(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.memory, "memory", "16M", "physical memory size")
	f.Int64Var(&opts.minFree, "min-free", -1,
		"free-page reserve, negative for the default")
	f.StringVar(&opts.swapFile, "swap-file", "",
		"swap file made by mkswap, an in-memory disk is used if empty")
	f.StringVar(&opts.swapSize, "swap-size", "32M", "size of the in-memory disk")
	f.StringVar(&opts.record, "record", "",
		"record events into this SQLite file, without the extension")
	f.BoolVar(&opts.trace, "trace", false,
		"log every page moving to or from swap at debug level")
	f.BoolVar(&opts.monitor, "monitor", false, "serve the monitor while running")
	f.IntVar(&opts.monitorPort, "monitor-port", 0,
		"port of the monitor, 0 for a random one")
	f.BoolVar(&opts.open, "open", false, "open the monitor in a browser")
	f.DurationVar(&opts.linger, "linger", 0,
		"keep the monitor up for this long after the run")
	f.IntVar(&opts.workload.Processes, "processes",
		opts.workload.Processes, "number of processes")
	f.Uint64Var(&opts.workload.Pages, "pages",
		opts.workload.Pages, "pages mapped by every process")
	f.IntVar(&opts.workload.Accesses, "accesses",
		opts.workload.Accesses, "random accesses after the initial fill")
	f.Float64Var(&opts.workload.WriteRatio, "write-ratio",
		opts.workload.WriteRatio, "share of accesses that write")
	f.Int64Var(&opts.workload.Seed, "seed", opts.workload.Seed, "random seed")

	return cmd
}

// applyEnv fills the options whose flags were not given from the
// environment.
func (o *simulateOptions) applyEnv(cmd *cobra.Command) error {
	env, err := envSimConfig()
	if err != nil {
		return err
	}

	flags := cmd.Flags()

	if !flags.Changed("memory") && os.Getenv(envMemory) != "" {
		o.memory = fmt.Sprint(env.memory)
	}

	if !flags.Changed("min-free") {
		o.minFree = env.minFree
	}

	if !flags.Changed("record") {
		o.record = env.record
	}

	if !flags.Changed("monitor") && !flags.Changed("monitor-port") &&
		env.monitorPort >= 0 {
		o.monitor = true
		o.monitorPort = env.monitorPort
	}

	return nil
}

type logKiller struct {
	logger *slog.Logger
}

func (k logKiller) Kill(pid vm.PID, cause error) {
	k.logger.Warn("process killed", "pid", uint32(pid), "cause", cause)
}

type summaryRow struct {
	Writes   uint64
	Reads    uint64
	Verified uint64
	Killed   int
	PagesIn  uint64
	PagesOut uint64
	Faults   uint64
}

type summary struct {
	Result workload.Result   `json:"result"`
	Events map[string]uint64 `json:"events"`
	Stats  mm.Stats          `json:"stats"`
	Swap   swap.Usage        `json:"swap_after_disable"`
	Elapse string            `json:"elapsed"`
}

func (o simulateOptions) buildSystem() (*mm.System, string, error) {
	memory, err := parseSize(o.memory)
	if err != nil {
		return nil, "", err
	}

	disks := blockio.NewRegistry()
	swapPath := o.swapFile

	if swapPath == "" {
		numPages, err := sizeToPages(o.swapSize)
		if err != nil {
			return nil, "", err
		}

		disk := blockio.NewRAMDisk(ramSwapPath, numPages)

		hdr, err := swap.FormatV2Header(numPages, nil)
		if err != nil {
			return nil, "", err
		}

		if err := disk.WritePage(0, hdr); err != nil {
			return nil, "", err
		}

		disks.Register(ramSwapPath, disk)
		swapPath = ramSwapPath
	}

	b := mm.MakeBuilder().
		WithMemorySize(memory).
		WithKiller(logKiller{logger: slog.Default()}).
		WithOpener(blockio.ChainOpener{disks, blockio.FileOpener{}}).
		WithLogger(slog.Default())
	if o.minFree >= 0 {
		b = b.WithMinFreePages(uint64(o.minFree))
	}

	return b.Build(), swapPath, nil
}

func runSimulation(ctx context.Context, out io.Writer, o simulateOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s, swapPath, err := o.buildSystem()
	if err != nil {
		return err
	}

	counter := hooking.NewEventCounter()
	s.AcceptHook(counter)

	if o.trace {
		s.AcceptHook(trace.NewTracer(slog.Default()))
	}

	var recorder datarecording.DataRecorder
	if o.record != "" {
		recorder = datarecording.New(o.record)
		defer recorder.Close()

		s.AcceptHook(hooking.NewRecorderHook(recorder))
		s.AcceptHook(trace.NewDBTracer(recorder, id.NewSequentialGenerator()))
	}

	if err := s.EnableSwap(swapPath); err != nil {
		return errors.Wrapf(err, "enabling swap on %s", swapPath)
	}

	runner := workload.NewRunner(s, o.workload, slog.Default())

	var monitor *monitoring.Monitor
	if o.monitor {
		monitor, err = o.startMonitor(s, runner)
		if err != nil {
			return err
		}
		defer monitor.StopServer()
	}

	start := time.Now()

	res, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	sum := summary{
		Result: res,
		Events: make(map[string]uint64),
		Stats:  s.Stats(),
		Elapse: time.Since(start).String(),
	}

	if err := s.DisableSwap(swapPath); err != nil {
		return errors.Wrapf(err, "disabling swap on %s", swapPath)
	}

	sum.Swap = s.SwapUsage()

	for _, pos := range []*hooking.HookPos{
		hooking.HookPosFault,
		hooking.HookPosSwapOut,
		hooking.HookPosSwapIn,
		hooking.HookPosReclaim,
		hooking.HookPosOOM,
		hooking.HookPosSwapDevice,
	} {
		sum.Events[pos.Name] = counter.Count(pos)
	}

	if recorder != nil {
		recordSummary(recorder, sum)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if err := enc.Encode(sum); err != nil {
		return errors.WithStack(err)
	}

	if monitor != nil && o.linger > 0 {
		select {
		case <-time.After(o.linger):
		case <-ctx.Done():
		}
	}

	return nil
}

func (o simulateOptions) startMonitor(
	s *mm.System,
	runner *workload.Runner,
) (*monitoring.Monitor, error) {
	monitor := monitoring.NewMonitor().
		WithPortNumber(o.monitorPort).
		WithLogger(slog.Default())
	monitor.RegisterSystem(s)

	bar := monitor.CreateProgressBar("workload", o.workload.Steps())
	runner.OnStep = func() { bar.IncrementFinished(1) }

	url, err := monitor.StartServer()
	if err != nil {
		return nil, err
	}

	if o.open {
		if err := browser.OpenURL(url); err != nil {
			slog.Warn("cannot open browser", "url", url, "error", err)
		}
	}

	return monitor, nil
}

func recordSummary(r datarecording.DataRecorder, sum summary) {
	r.CreateTable("summary", summaryRow{})
	r.InsertData("summary", summaryRow{
		Writes:   sum.Result.Writes,
		Reads:    sum.Result.Reads,
		Verified: sum.Result.Verified,
		Killed:   len(sum.Result.Killed),
		PagesIn:  sum.Stats.Swap.PagesIn,
		PagesOut: sum.Stats.Swap.PagesOut,
		Faults:   sum.Stats.Faults,
	})
	r.Flush()
}
