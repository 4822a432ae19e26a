// Package hooking lets observers attach to the memory manager. Components
// embed a HookableBase and invoke their hooks at fixed positions.
package hooking

// HookPos defines the enum of possible hooking positions.
type HookPos struct {
	Name string
}

// Hook positions raised by the memory manager.
var (
	// HookPosFault marks a resolved or failed page fault.
	HookPosFault = &HookPos{Name: "Fault"}

	// HookPosSwapOut marks a page leaving memory.
	HookPosSwapOut = &HookPos{Name: "SwapOut"}

	// HookPosSwapIn marks a page read back from a swap slot.
	HookPosSwapIn = &HookPos{Name: "SwapIn"}

	// HookPosReclaim marks one reclamation attempt.
	HookPosReclaim = &HookPos{Name: "Reclaim"}

	// HookPosOOM marks a process killed for lack of memory or a failed fault.
	HookPosOOM = &HookPos{Name: "OOM"}

	// HookPosSwapDevice marks a swap device being enabled or disabled.
	HookPosSwapDevice = &HookPos{Name: "SwapDevice"}
)

// HookCtx is the context that holds all the information about the site that a
// hook is triggered.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   any
	Detail any
}

// Hookable defines an object that accept Hooks.
type Hookable interface {
	// Name returns the name of the hookable object.
	Name() string

	// AcceptHook registers a hook.
	AcceptHook(hook Hook)

	// NumHooks returns the number of hooks registered.
	NumHooks() int

	// Hooks returns all the hooks registered.
	Hooks() []Hook
}

// Hook is a short piece of program that can be invoked by a hookable object.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// A HookableBase provides some utility function for other type that implement
// the Hookable interface. Hooks must be registered before the owner is
// shared between goroutines.
type HookableBase struct {
	hookList []Hook
}

// NewHookableBase creates a HookableBase with no hooks.
func NewHookableBase() *HookableBase {
	return &HookableBase{}
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	return len(h.hookList)
}

// Hooks returns all the hooks registered.
func (h *HookableBase) Hooks() []Hook {
	return h.hookList
}

// AcceptHook register a hook.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.mustNotHaveDuplicatedHook(hook)
	h.hookList = append(h.hookList, hook)
}

func (h *HookableBase) mustNotHaveDuplicatedHook(hook Hook) {
	for _, h := range h.hookList {
		if h == hook {
			panic("duplicated hook")
		}
	}
}

// InvokeHook triggers the register Hooks.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.hookList {
		hook.Func(ctx)
	}
}
