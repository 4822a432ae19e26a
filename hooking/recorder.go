package hooking

import (
	"reflect"
	"sync"
)

// A RecordBackend stores rows of flat structs, one table per struct type.
type RecordBackend interface {
	CreateTable(tableName string, sampleEntry any)
	InsertData(tableName string, entry any)
	Flush()
}

// A RecorderHook stores the item of every hook invocation. Items are
// grouped into one table per position and item type. Items that are not
// structs are ignored.
type RecorderHook struct {
	sync.Mutex

	backend RecordBackend
	tables  map[string]bool
}

// NewRecorderHook creates a RecorderHook writing to backend.
func NewRecorderHook(backend RecordBackend) *RecorderHook {
	return &RecorderHook{
		backend: backend,
		tables:  make(map[string]bool),
	}
}

// Func records the item of the invocation.
func (r *RecorderHook) Func(ctx HookCtx) {
	if ctx.Item == nil {
		return
	}

	t := reflect.TypeOf(ctx.Item)
	if t.Kind() != reflect.Struct {
		return
	}

	name := ctx.Pos.Name + "_" + t.Name()

	r.Lock()
	defer r.Unlock()

	if !r.tables[name] {
		r.backend.CreateTable(name, ctx.Item)
		r.tables[name] = true
	}

	r.backend.InsertData(name, ctx.Item)
}

// Flush writes out whatever the backend buffers.
func (r *RecorderHook) Flush() {
	r.Lock()
	defer r.Unlock()

	r.backend.Flush()
}
