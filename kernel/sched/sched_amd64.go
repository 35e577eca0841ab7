// Package sched implements cooperative round-robin scheduling of kernel
// threads on top of a fixed thread table. There is no heap-backed thread
// list and no dynamic stack allocation: every stack is a slot in a
// statically sized array, so the scheduler works before any memory
// allocator does.
package sched

import (
	"unsafe"

	"kiwios/kernel"
	"kiwios/kernel/cpu"
	"kiwios/kernel/irq"
	"kiwios/kernel/sync"
)

const (
	// MaxThreads bounds the fixed thread table. Slot 0 is always the
	// bootstrap thread that called Init.
	MaxThreads = 8

	// stackSize is the size of each thread's statically allocated stack.
	stackSize = 16 * 1024
)

type threadState uint8

const (
	stateUnused threadState = iota
	stateReady
	stateRunning
	stateDead
)

// threadContext is the set of registers a context switch actually saves:
// the six callee-saved general purpose registers plus the stack pointer,
// in the exact order and at the exact offsets switch_amd64.s reads and
// writes them. Reordering these fields requires updating that file too.
type threadContext struct {
	r15, r14, r13, r12 uint64
	rbx                uint64
	rbp                uint64
	rsp                uint64
}

// Thread is one entry in the fixed thread table.
type Thread struct {
	id    int
	state threadState
	ctx   threadContext
	entry func(uintptr)
	arg   uintptr
}

// ID returns the thread's slot index, stable for its lifetime.
func (t *Thread) ID() int { return t.id }

var (
	threads [MaxThreads]Thread
	stacks  [MaxThreads][stackSize]byte

	current int
	lock    sync.Spinlock

	errNoFreeThreadSlots = &kernel.Error{Module: "sched", Message: "no free thread slots"}

	// rescheduleRequestedFn is mocked by tests so scheduling policy can be
	// exercised without irq's package state.
	rescheduleRequestedFn = irq.RescheduleRequested

	// disableInterruptsFn and enableInterruptsFn are mocked by tests and
	// inlined by the compiler otherwise; CLI/STI both require CPL 0.
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// Init adopts the currently executing stack as slot 0, the bootstrap
// thread. Must be called exactly once, before Create or Yield.
func Init() {
	threads[0] = Thread{id: 0, state: stateRunning}
	current = 0
}

// Current returns the slot of the thread presently running.
func Current() int { return current }

// Create allocates a thread table slot, points its stack at trampoline so
// that the first switch into it starts entry(arg), and marks it ready.
// Returns the new thread's slot, or errNoFreeThreadSlots if the table is
// full.
func Create(entry func(uintptr), arg uintptr) (int, *kernel.Error) {
	slot := -1
	for i := 1; i < MaxThreads; i++ {
		if threads[i].state == stateUnused || threads[i].state == stateDead {
			slot = i
			break
		}
	}
	if slot == -1 {
		return -1, errNoFreeThreadSlots
	}

	top := stackTop(slot)
	*(*uintptr)(unsafe.Pointer(top)) = funcAddr(trampoline)

	threads[slot] = Thread{
		id:    slot,
		state: stateReady,
		entry: entry,
		arg:   arg,
	}
	threads[slot].ctx.rsp = uint64(top)

	return slot, nil
}

// stackTop computes the initial stack pointer for slot: the top of its
// backing array, aligned down to 16 bytes and then offset by 8 so the
// trampoline address landed there acts as a return address, leaving the
// stack 16-byte aligned for trampoline's own prologue exactly as a CALL
// would have.
func stackTop(slot int) uintptr {
	base := uintptr(unsafe.Pointer(&stacks[slot][0]))
	top := base + stackSize
	top &^= 0xF
	top -= 8
	return top
}

// trampoline is the landing point for every freshly created thread: the
// first contextSwitch into a new slot RETs here because stackTop wrote
// this function's address at the top of its stack. It runs the thread's
// entry point, marks the slot dead, and yields; if that yield ever
// returns (every other thread also died) it halts rather than run off
// the end of a borrowed stack.
func trampoline() {
	t := &threads[current]
	t.entry(t.arg)
	t.state = stateDead
	Yield()

	for {
		cpu.Halt()
	}
}

// funcAddr returns the entry point of a package-level function with no
// captured variables, recovered from the one-word funcval a closureless
// func value points at.
func funcAddr(f func()) uintptr {
	return *(*uintptr)(*(*unsafe.Pointer)(unsafe.Pointer(&f)))
}

// nextRunnable scans the table starting after prev and returns the first
// ready slot found, wrapping around; returns prev itself if nothing else
// is ready.
func nextRunnable(prev int) int {
	for i := 1; i <= MaxThreads; i++ {
		c := (prev + i) % MaxThreads
		if threads[c].state == stateReady {
			return c
		}
	}
	return prev
}

// Yield hands the CPU to the next ready thread, round robin. Interrupts
// are disabled while the thread table is inspected and re-enabled before
// the actual context switch, so the resumed thread (or the caller, if
// nothing else was runnable) always continues running with interrupts
// on. A no-op if no other thread is ready and no reschedule was
// requested since the last call.
func Yield() {
	disableInterruptsFn()
	lock.Acquire()

	reschedule := rescheduleRequestedFn()
	prev := current
	next := nextRunnable(prev)

	if next == prev && !reschedule {
		lock.Release()
		enableInterruptsFn()
		return
	}

	if threads[prev].state == stateRunning {
		threads[prev].state = stateReady
	}
	threads[next].state = stateRunning
	current = next

	lock.Release()
	enableInterruptsFn()

	contextSwitchFn(&threads[prev].ctx, &threads[next].ctx)
}

// contextSwitch is implemented in switch_amd64.s. It saves the callee-saved
// registers and stack pointer of the outgoing thread into saveTo, then
// loads restoreFrom's into the CPU; the RET that follows resumes
// whichever code was running on restoreFrom's stack when it was last
// switched out (or trampoline, for a thread that has never run).
func contextSwitch(saveTo, restoreFrom *threadContext)

var contextSwitchFn = contextSwitch
