package kernel

import "kiwios/kernel/kfmt/early"

var (
	// haltFn is mocked by tests and inlined by the compiler otherwise.
	haltFn = func() {
		for {
		}
	}

	// repaintFn is called before Panic prints anything, giving the active
	// console a chance to switch to a distinct panic color scheme. Left
	// as a no-op until kmain installs the real console's repaint.
	repaintFn = func() {}

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// SetHaltFunc installs the CPU halt primitive used once Panic has finished
// reporting. Kept as an indirection (rather than importing kernel/cpu
// directly) so kernel/cpu can in turn depend on kernel without a cycle.
func SetHaltFunc(fn func()) {
	if fn == nil {
		return
	}
	haltFn = fn
}

// SetPanicRepaintFunc installs the function Panic calls first, before any
// output, to repaint the console into its panic color scheme.
func SetPanicRepaintFunc(fn func()) {
	if fn == nil {
		return
	}
	repaintFn = fn
}

// Panic renders e to the early, allocation-free console and halts the CPU
// forever. Calls to Panic never return. This is the sole fatal path in the
// kernel: every CPU exception funnels here after the gate package dumps the
// faulting frame and registers.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	repaintFn()

	early.Printf("\n-----------------------------------\n")
	if err != nil {
		early.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	early.Printf("*** kernel panic: system halted ***")
	early.Printf("\n-----------------------------------\n")

	haltFn()
}
