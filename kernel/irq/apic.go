package irq

import (
	"unsafe"

	"kiwios/kernel/cpu"
	"kiwios/kernel/hhdm"
)

// IA32_APIC_BASE MSR layout and the LAPIC's memory-mapped register offsets
// this package touches.
const (
	msrAPICBase       = 0x1B
	apicBaseEnableBit = 1 << 11
	apicBaseAddrMask  = ^uintptr(0xFFF)

	apicRegSpuriousVector = 0x0F0
	apicRegTPR            = 0x080
	apicRegEOI            = 0x0B0

	apicSpuriousVector = 0xFF
	apicSoftwareEnable = 1 << 8
)

var (
	lapicEnabled  bool
	lapicVirtBase uintptr

	// hasAPICFn, rdmsrFn, wrmsrFn and lapicWriteFn are mocked by tests and
	// inlined by the compiler otherwise. Real MSR access and the raw MMIO
	// write both require CPL 0, and the MMIO write additionally needs a
	// real mapped LAPIC page, neither of which a hosted test has.
	hasAPICFn    = cpu.HasAPIC
	rdmsrFn      = cpu.RDMSR
	wrmsrFn      = cpu.WRMSR
	lapicWriteFn = func(virtAddr uintptr, value uint32) {
		*(*uint32)(unsafe.Pointer(virtAddr)) = value
	}

	// toVirtFn is mocked by tests so enableLAPIC can run without hhdm
	// having been initialized with a real HHDM offset.
	toVirtFn = hhdm.ToVirt
)

// enableLAPIC reports whether CPUID advertises an on-chip local APIC; if
// so it sets the hardware-enable bit in IA32_APIC_BASE, maps the indicated
// physical base directly through the HHDM, programs the spurious-interrupt
// vector with the software-enable bit set, and drops the task-priority
// register to 0 so nothing is masked by priority.
func enableLAPIC() bool {
	if !hasAPICFn() {
		return false
	}

	base := rdmsrFn(msrAPICBase)
	base |= apicBaseEnableBit
	wrmsrFn(msrAPICBase, base)

	physBase := uintptr(base) & apicBaseAddrMask
	lapicVirtBase = toVirtFn(physBase)

	writeLAPIC(apicRegSpuriousVector, apicSpuriousVector|apicSoftwareEnable)
	writeLAPIC(apicRegTPR, 0)

	lapicEnabled = true
	return true
}

func writeLAPIC(reg uint32, value uint32) {
	lapicWriteFn(lapicVirtBase+uintptr(reg), value)
}

// sendEOI acknowledges vector, through the LAPIC if it ended up enabled or
// the legacy PIC otherwise.
func sendEOI(vector uint8) {
	if lapicEnabled {
		writeLAPIC(apicRegEOI, 0)
		return
	}
	sendPICEOI(vector)
}
