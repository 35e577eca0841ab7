package pci

import (
	"testing"

	"kiwios/kernel/cpu"
)

// fakeConfigSpace models the 256-byte config space of a handful of
// locations behind the two-port address/data protocol, so read32/write32
// can be exercised without touching real I/O ports.
type fakeConfigSpace struct {
	regs    map[Location][64]uint32 // word-indexed (offset/4)
	addr    uint32
	writes  []write
}

type write struct {
	loc    Location
	offset uint8
	value  uint32
}

func newFake() *fakeConfigSpace {
	return &fakeConfigSpace{regs: map[Location][64]uint32{}}
}

func (f *fakeConfigSpace) decodeAddr() (Location, uint8) {
	a := f.addr
	loc := Location{
		Bus:      uint8(a >> 16),
		Device:   uint8((a >> 11) & 0x1F),
		Function: uint8((a >> 8) & 0x7),
	}
	return loc, uint8(a & 0xFC)
}

func (f *fakeConfigSpace) install(t *testing.T) {
	t.Cleanup(func() {
		outLFn = cpu.OutL
		inLFn = cpu.InL
	})
	outLFn = func(port uint16, value uint32) {
		switch port {
		case configAddrPort:
			f.addr = value
		case configDataPort:
			loc, off := f.decodeAddr()
			regs := f.regs[loc]
			regs[off/4] = value
			f.regs[loc] = regs
			f.writes = append(f.writes, write{loc, off, value})
		}
	}
	inLFn = func(port uint16) uint32 {
		if port != configDataPort {
			return 0xFFFFFFFF
		}
		loc, off := f.decodeAddr()
		regs, ok := f.regs[loc]
		if !ok {
			return 0xFFFFFFFF
		}
		return regs[off/4]
	}
}

func (f *fakeConfigSpace) set(loc Location, offset uint8, value uint32) {
	regs := f.regs[loc]
	regs[offset/4] = value
	f.regs[loc] = regs
}

func TestConfigAddressPacksBusDeviceFunctionOffset(t *testing.T) {
	loc := Location{Bus: 1, Device: 2, Function: 3}
	got := configAddress(loc, 0x10)
	want := uint32(1<<31 | 1<<16 | 2<<11 | 3<<8 | 0x10)
	if got != want {
		t.Fatalf("expected %#x; got %#x", want, got)
	}
}

func TestVendorIDReadsThroughTheTwoPortProtocol(t *testing.T) {
	f := newFake()
	f.install(t)

	loc := Location{Bus: 0, Device: 1, Function: 0}
	f.set(loc, 0x00, 0x1234_8086) // deviceID<<16 | vendorID

	if got := VendorID(loc); got != 0x8086 {
		t.Fatalf("expected vendor 0x8086; got %#x", got)
	}
	if got := DeviceID(loc); got != 0x1234 {
		t.Fatalf("expected device 0x1234; got %#x", got)
	}
}

func TestVendorIDOfAnAbsentFunctionIsAllOnes(t *testing.T) {
	f := newFake()
	f.install(t)

	loc := Location{Bus: 5, Device: 5, Function: 0}
	if got := VendorID(loc); got != 0xFFFF {
		t.Fatalf("expected 0xFFFF for an absent function; got %#x", got)
	}
}

func TestClassReadsTheThreeOffsets(t *testing.T) {
	f := newFake()
	f.install(t)

	loc := Location{Bus: 0, Device: 2, Function: 0}
	// offset 0x08 word: [progIF@0x09][subclass@0x0A][class@0x0B][revision@0x08]
	f.set(loc, 0x08, 0x01_06_01_00)

	c := Class(loc)
	if c.Class != 0x01 || c.Subclass != 0x06 || c.ProgIF != 0x01 {
		t.Fatalf("expected class 01:06 progIF 01; got %+v", c)
	}
	if !c.IsAHCIController() {
		t.Fatal("expected this class code to be recognized as an AHCI controller")
	}
}

func TestReadBARReadsOffset0x10PlusIndexTimes4(t *testing.T) {
	f := newFake()
	f.install(t)

	loc := Location{Bus: 0, Device: 3, Function: 0}
	f.set(loc, 0x10+5*4, 0xFEBC_0000)

	if got := ReadBAR(loc, 5); got != 0xFEBC_0000 {
		t.Fatalf("expected BAR5 0xFEBC0000; got %#x", got)
	}
}

func TestEnableBusMasterSetsBothBitsAndWritesOnlyWhenNeeded(t *testing.T) {
	f := newFake()
	f.install(t)

	loc := Location{Bus: 0, Device: 4, Function: 0}
	f.set(loc, 0x04, 0x0000_0000)

	EnableBusMaster(loc)
	cmd := read16(loc, 0x04)
	if cmd&cmdBusMaster == 0 || cmd&cmdMemorySpace == 0 {
		t.Fatalf("expected both bus-master and memory-space bits set; got %#x", cmd)
	}

	writesBefore := len(f.writes)
	EnableBusMaster(loc)
	if len(f.writes) != writesBefore {
		t.Fatal("expected EnableBusMaster to be a no-op once both bits are already set")
	}
}

func TestEnumerateSkipsAbsentDevicesAndReportsPresentOnes(t *testing.T) {
	f := newFake()
	f.install(t)

	present := Location{Bus: 0, Device: 0, Function: 0}
	f.set(present, 0x00, 0x1111_8086)
	f.set(present, 0x08, 0x01_06_01_00)

	var found []Device
	Enumerate(func(d Device) { found = append(found, d) })

	if len(found) != 1 {
		t.Fatalf("expected exactly 1 device found; got %d", len(found))
	}
	if found[0].Location != present || found[0].Vendor != 0x8086 {
		t.Fatalf("unexpected device: %+v", found[0])
	}
}

func TestFindFirstAHCIControllerLocatesTheRightFunction(t *testing.T) {
	f := newFake()
	f.install(t)

	ahciLoc := Location{Bus: 0, Device: 2, Function: 0}
	f.set(ahciLoc, 0x00, 0x2922_8086)
	f.set(ahciLoc, 0x08, 0x01_06_01_00)

	loc, found := FindFirstAHCIController()
	if !found {
		t.Fatal("expected to find the AHCI controller")
	}
	if loc != ahciLoc {
		t.Fatalf("expected %+v; got %+v", ahciLoc, loc)
	}
}
