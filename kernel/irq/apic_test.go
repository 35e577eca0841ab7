package irq

import "testing"

func resetAPICSeams(t *testing.T) {
	t.Cleanup(func() {
		hasAPICFn = func() bool { return false }
		rdmsrFn = func(uint32) uint64 { return 0 }
		wrmsrFn = func(uint32, uint64) {}
		lapicWriteFn = func(uintptr, uint32) {}
		toVirtFn = func(phys uintptr) uintptr { return phys }
		lapicEnabled = false
		lapicVirtBase = 0
	})
	toVirtFn = func(phys uintptr) uintptr { return phys }
}

func TestEnableLAPICReturnsFalseWithoutHardwareSupport(t *testing.T) {
	resetAPICSeams(t)
	hasAPICFn = func() bool { return false }

	if enableLAPIC() {
		t.Fatal("expected enableLAPIC to return false when CPUID reports no APIC")
	}
	if lapicEnabled {
		t.Fatal("lapicEnabled should remain false")
	}
}

func TestEnableLAPICProgramsSpuriousVectorAndTPR(t *testing.T) {
	resetAPICSeams(t)

	hasAPICFn = func() bool { return true }
	var msrWritten uint64
	rdmsrFn = func(msr uint32) uint64 {
		if msr != msrAPICBase {
			t.Fatalf("expected RDMSR of IA32_APIC_BASE; got msr %#x", msr)
		}
		return 0xFEE00000
	}
	wrmsrFn = func(msr uint32, value uint64) {
		if msr != msrAPICBase {
			t.Fatalf("expected WRMSR of IA32_APIC_BASE; got msr %#x", msr)
		}
		msrWritten = value
	}

	type write struct {
		addr  uintptr
		value uint32
	}
	var writes []write
	lapicWriteFn = func(addr uintptr, value uint32) {
		writes = append(writes, write{addr, value})
	}

	if !enableLAPIC() {
		t.Fatal("expected enableLAPIC to succeed")
	}
	if !lapicEnabled {
		t.Fatal("expected lapicEnabled to be set")
	}
	if msrWritten&apicBaseEnableBit == 0 {
		t.Fatalf("expected the hardware-enable bit to be set in the MSR write, got %#x", msrWritten)
	}

	if len(writes) != 2 {
		t.Fatalf("expected 2 MMIO writes (spurious vector, TPR); got %d", len(writes))
	}
	wantSpurious := uint32(apicSpuriousVector | apicSoftwareEnable)
	if writes[0].value != wantSpurious {
		t.Errorf("expected spurious vector write %#x; got %#x", wantSpurious, writes[0].value)
	}
	if writes[1].value != 0 {
		t.Errorf("expected TPR write of 0; got %#x", writes[1].value)
	}
}

func TestSendEOIPrefersLAPICWhenEnabled(t *testing.T) {
	resetAPICSeams(t)

	lapicEnabled = true
	var lapicEOISent bool
	lapicWriteFn = func(addr uintptr, value uint32) { lapicEOISent = true }

	var picEOISent bool
	outBFn = func(uint16, uint8) { picEOISent = true }
	defer func() { outBFn = func(uint16, uint8) {} }()

	sendEOI(32)

	if !lapicEOISent {
		t.Error("expected sendEOI to write the LAPIC EOI register when the LAPIC is enabled")
	}
	if picEOISent {
		t.Error("expected sendEOI not to touch the PIC when the LAPIC is enabled")
	}
}

func TestSendEOIFallsBackToPIC(t *testing.T) {
	resetAPICSeams(t)
	lapicEnabled = false

	var picEOISent bool
	outBFn = func(uint16, uint8) { picEOISent = true }
	defer func() { outBFn = func(uint16, uint8) {} }()

	sendEOI(32)

	if !picEOISent {
		t.Error("expected sendEOI to fall back to the PIC when the LAPIC never came up")
	}
}
