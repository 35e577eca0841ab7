// Package gate owns the IDT: building its 256 entries, loading it with
// LIDT, and routing each vector that fires to a registered Go handler.
// Exception vectors (0-31), remapped IRQ vectors (32-47) and the syscall
// vector (128) are installed; every other entry is left non-present.
package gate

import "kiwios/kernel/kfmt"

// Registers is a snapshot of the general purpose registers captured by the
// entry stub, the vector that fired, the hardware error code (zero for
// vectors that don't push one) and the CPU-pushed return frame. Field order
// matches the stack layout commonStub builds, so a *Registers is obtained
// by simply pointing at the stack after the register pushes: reordering
// these fields without updating gate_amd64.s will misread the frame.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	Vector    uint64
	ErrorCode uint64

	// Return frame, pushed by the CPU before the entry stub runs. This
	// kernel never drops to ring 3, so every interrupt is a same-privilege
	// transfer and the CPU pushes only these three words, not RSP/SS too
	// (those only appear on a privilege-level change, or with a non-zero
	// IST entry forcing a stack switch, neither of which happens here).
	RIP    uint64
	CS     uint64
	RFlags uint64
}

// DumpTo renders the register snapshot, used by the panic path to print a
// legible fault dump.
func (r *Registers) DumpTo() {
	kfmt.Printf("RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Printf("RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Printf("RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Printf("RBP = %16x\n", r.RBP)
	kfmt.Printf("R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Printf("R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Printf("R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Printf("R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Printf("\n")
	kfmt.Printf("RIP = %16x CS  = %16x RFL = %16x\n", r.RIP, r.CS, r.RFlags)
	kfmt.Printf("Vector = %d ErrorCode = %16x\n", r.Vector, r.ErrorCode)
}

// InterruptNumber identifies an IDT slot.
type InterruptNumber uint8

const (
	DivideByZero               = InterruptNumber(0)
	NMI                        = InterruptNumber(2)
	Breakpoint                 = InterruptNumber(3)
	Overflow                   = InterruptNumber(4)
	BoundRangeExceeded         = InterruptNumber(5)
	InvalidOpcode              = InterruptNumber(6)
	DeviceNotAvailable         = InterruptNumber(7)
	DoubleFault                = InterruptNumber(8)
	InvalidTSS                 = InterruptNumber(10)
	SegmentNotPresent          = InterruptNumber(11)
	StackSegmentFault          = InterruptNumber(12)
	GPFException               = InterruptNumber(13)
	PageFaultException         = InterruptNumber(14)
	FloatingPointException     = InterruptNumber(16)
	AlignmentCheck             = InterruptNumber(17)
	MachineCheck               = InterruptNumber(18)
	SIMDFloatingPointException = InterruptNumber(19)
)

// exceptionNames holds the human-readable name of every CPU exception this
// kernel installs a handler for, indexed by vector; empty for any vector
// with no name (reserved Intel vectors, or anything above 31).
var exceptionNames = [32]string{
	DivideByZero:               "Division By Zero",
	NMI:                        "Non-Maskable Interrupt",
	Breakpoint:                 "Breakpoint",
	Overflow:                   "Overflow",
	BoundRangeExceeded:         "Bound Range Exceeded",
	InvalidOpcode:              "Invalid Opcode",
	DeviceNotAvailable:         "Device Not Available",
	DoubleFault:                "Double Fault",
	InvalidTSS:                 "Invalid TSS",
	SegmentNotPresent:          "Segment Not Present",
	StackSegmentFault:          "Stack Segment Fault",
	GPFException:               "General Protection Fault",
	PageFaultException:         "Page Fault",
	FloatingPointException:     "Floating Point Exception",
	AlignmentCheck:             "Alignment Check",
	MachineCheck:               "Machine Check",
	SIMDFloatingPointException: "SIMD Floating Point Exception",
}

// String names a CPU exception vector (e.g. "Division By Zero"), or just
// the numeric vector for anything without a known name.
func (n InterruptNumber) String() string {
	if int(n) < len(exceptionNames) && exceptionNames[n] != "" {
		return exceptionNames[n]
	}
	return kfmt.Sprintf("vector %d", uint64(n))
}

// IRQBase is the vector the master PIC/IOAPIC is remapped to land on;
// IRQ N arrives at vector IRQBase+N.
const IRQBase = InterruptNumber(32)

// IRQCount is the number of remapped hardware interrupt lines (IRQ0-15).
const IRQCount = 16

// Syscall is the software interrupt vector user-mode code traps into the
// kernel through (DPL=3, unlike every other gate).
const Syscall = InterruptNumber(128)

// Init builds the IDT (every entry non-present except the ones this kernel
// installs handlers for) and loads it.
func Init() {
	installIDT()
}

// handlers is indexed by vector number; nil entries are vectors nothing has
// registered interest in yet.
var handlers [256]func(*Registers)

// HandleInterrupt registers handler to run whenever intNumber fires. The
// istOffset argument selects an interrupt stack table entry and is accepted
// now but unused until the kernel needs a dedicated double-fault/NMI stack.
func HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers)) {
	handlers[intNumber] = handler
}

// goDispatch is called by commonStub with a pointer to the just-saved
// register frame; it reads the vector out of regs rather than taking it as
// a second argument, since the frame already carries it. It is the one
// point where the asm side hands control back to Go.
func goDispatch(regs *Registers) {
	if h := handlers[InterruptNumber(regs.Vector)]; h != nil {
		h(regs)
	}
}
