// Package trace provides hooks that trace pages moving between memory and
// swap devices.
package trace

import (
	"github.com/sarchlab/vmcore/hooking"
	"github.com/sarchlab/vmcore/id"
	"github.com/sarchlab/vmcore/mem/swap"
	"github.com/sarchlab/vmcore/mem/vm"
	"golang.org/x/exp/slog"
)

// TrafficTable is the table the database tracer writes to.
const TrafficTable = "page_traffic"

// TrafficEntry is one page movement.
type TrafficEntry struct {
	ID     string
	What   string
	PID    uint32
	Addr   uint64
	Device int
	Slot   uint64
	Write  bool
}

func entryOf(ctx hooking.HookCtx) (TrafficEntry, bool) {
	ev, ok := ctx.Item.(swap.SwapEvent)
	if !ok {
		return TrafficEntry{}, false
	}

	var what string

	switch ctx.Pos {
	case hooking.HookPosSwapIn:
		what = "in"
	case hooking.HookPosSwapOut:
		what = "out"
	default:
		return TrafficEntry{}, false
	}

	return TrafficEntry{
		What:   what,
		PID:    uint32(ev.PID),
		Addr:   ev.Addr,
		Device: ev.Entry.Device(),
		Slot:   ev.Entry.Slot(),
		Write:  ev.Write,
	}, true
}

// A tracer is a hook that logs page movements.
type tracer struct {
	logger *slog.Logger
}

// NewTracer creates a hook logging every page movement at debug level.
func NewTracer(logger *slog.Logger) hooking.Hook {
	return &tracer{logger: logger}
}

func (t *tracer) Func(ctx hooking.HookCtx) {
	e, ok := entryOf(ctx)
	if !ok {
		return
	}

	t.logger.Debug("swap "+e.What,
		"pid", e.PID,
		"addr", e.Addr,
		"device", e.Device,
		"slot", e.Slot,
		"write", e.Write)
}

// A dbTracer is a hook that stores page movements in a table.
type dbTracer struct {
	backend hooking.RecordBackend
	ids     id.Generator
}

// NewDBTracer creates a hook storing every page movement in TrafficTable.
// Entries are numbered by ids.
func NewDBTracer(backend hooking.RecordBackend, ids id.Generator) hooking.Hook {
	backend.CreateTable(TrafficTable, TrafficEntry{})

	return &dbTracer{backend: backend, ids: ids}
}

func (t *dbTracer) Func(ctx hooking.HookCtx) {
	e, ok := entryOf(ctx)
	if !ok {
		return
	}

	e.ID = t.ids.Generate()
	t.backend.InsertData(TrafficTable, e)
}

// Entry returns the swap entry the page moved through.
func (e TrafficEntry) Entry() vm.SwapEntry {
	return vm.MakeSwapEntry(e.Device, e.Slot)
}
