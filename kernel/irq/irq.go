// Package irq sits on top of kernel/gate's raw vector dispatch and
// implements this kernel's actual interrupt policy: CPU exceptions panic,
// IRQs route to a per-line handler table and get acknowledged afterward
// (LAPIC if it came up, the 8259 PIC otherwise), and the timer line additionally
// raises a flag the scheduler consumes on its next yield.
package irq

import (
	"kiwios/kernel"
	"kiwios/kernel/cpu"
	"kiwios/kernel/gate"
	"kiwios/kernel/kfmt"
)

// TimerIRQ is the IRQ line (not vector) the scheduler's preemption tick
// arrives on.
const TimerIRQ = 0

var (
	handlers [gate.IRQCount]func(*gate.Registers)

	// rescheduleRequested is set by the timer handler and cleared by
	// RescheduleRequested; kernel/sched polls it at every cooperative
	// yield point rather than switching directly from IRQ context.
	rescheduleRequested bool

	// disableInterruptsFn and readCR2Fn are mocked by tests and inlined by
	// the compiler otherwise; CLI and reading CR2 both require CPL 0.
	disableInterruptsFn = cpu.DisableInterrupts
	readCR2Fn           = cpu.ReadCR2
)

// HandleIRQ registers handler to run whenever IRQ line n (0-15) fires.
// Replaces any handler previously registered for the same line.
func HandleIRQ(n uint8, handler func(*gate.Registers)) {
	handlers[n] = handler
}

// RescheduleRequested reports whether the timer has requested a reschedule
// since the last call, clearing the flag in the process.
func RescheduleRequested() bool {
	r := rescheduleRequested
	rescheduleRequested = false
	return r
}

// Init remaps the PIC, brings up the LAPIC if the CPU has one, installs
// the exception/IRQ dispatch policy on top of kernel/gate, and finally
// builds and loads the IDT.
func Init() {
	remapPIC()
	enableLAPIC()

	for v := gate.InterruptNumber(0); v < 32; v++ {
		vector := v
		gate.HandleInterrupt(vector, 0, func(regs *gate.Registers) {
			handleException(vector, regs)
		})
	}

	for i := uint8(0); i < gate.IRQCount; i++ {
		line := i
		gate.HandleInterrupt(gate.IRQBase+gate.InterruptNumber(line), 0, func(regs *gate.Registers) {
			dispatchIRQ(line, regs)
		})
	}

	gate.Init()
}

// dispatchIRQ runs the registered handler for line (or logs if none),
// raising the reschedule flag first if line is the timer, and always
// sends EOI afterward regardless of whether a handler was registered.
func dispatchIRQ(line uint8, regs *gate.Registers) {
	if line == TimerIRQ {
		rescheduleRequested = true
	}
	if h := handlers[line]; h != nil {
		h(regs)
	} else {
		kfmt.Printf("irq: unhandled IRQ%d\n", line)
	}
	sendEOI(uint8(gate.IRQBase) + line)
}

// handleException implements the panic path: disable interrupts, dump the
// faulting frame, CR2 and the exception's name, then hand off to
// kernel.Panic, which never returns. CR2 is read for every exception, not
// just page faults: it costs nothing to read and a uniform dump is simpler
// than a vector-conditional one.
func handleException(vector gate.InterruptNumber, regs *gate.Registers) {
	disableInterruptsFn()

	kfmt.Printf("\nunhandled exception: %s (vector %d), error code %x\n", vector.String(), uint8(vector), regs.ErrorCode)
	kfmt.Printf("CR2 = %16x\n", readCR2Fn())
	regs.DumpTo()

	kernel.Panic(&kernel.Error{Module: "irq", Message: "unhandled CPU exception"})
}
