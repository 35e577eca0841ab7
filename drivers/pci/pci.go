// Package pci implements enough of the legacy PCI configuration
// mechanism (I/O ports 0xCF8/0xCFC) to enumerate devices, read BARs, and
// turn on bus mastering. It exists almost entirely to find the AHCI
// controller's BAR5 for drivers/ahci; there is no support for PCI
// Express extended config space or MSI/MSI-X.
package pci

import "kiwios/kernel/cpu"

const (
	configAddrPort = 0xCF8
	configDataPort = 0xCFC

	// configEnableBit marks bit 31 of the address register, required on
	// every access.
	configEnableBit = 1 << 31
)

// Location identifies one function on the PCI bus.
type Location struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

// ClassCode is the three-byte class/subclass/prog-IF triplet read from
// config space offsets 0x0B/0x0A/0x09.
type ClassCode struct {
	Class    uint8
	Subclass uint8
	ProgIF   uint8
}

// IsAHCIController reports whether c identifies an AHCI SATA controller
// (class 0x01, subclass 0x06, prog-IF 0x01).
func (c ClassCode) IsAHCIController() bool {
	return c.Class == 0x01 && c.Subclass == 0x06 && c.ProgIF == 0x01
}

var (
	// outLFn/inLFn are mocked by tests and inlined by the compiler
	// otherwise; OUTL/INL both require CPL 0.
	outLFn = cpu.OutL
	inLFn  = cpu.InL
)

func configAddress(loc Location, offset uint8) uint32 {
	return configEnableBit |
		uint32(loc.Bus)<<16 |
		uint32(loc.Device)<<11 |
		uint32(loc.Function)<<8 |
		uint32(offset&0xFC)
}

func read32(loc Location, offset uint8) uint32 {
	outLFn(configAddrPort, configAddress(loc, offset))
	return inLFn(configDataPort)
}

func write32(loc Location, offset uint8, value uint32) {
	outLFn(configAddrPort, configAddress(loc, offset))
	outLFn(configDataPort, value)
}

func read16(loc Location, offset uint8) uint16 {
	v := read32(loc, offset&0xFC)
	shift := uint((offset & 2) * 8)
	return uint16(v >> shift)
}

// write16 read-modify-writes the aligned 32-bit register straddling
// offset, since the config data port only does 32-bit transfers.
func write16(loc Location, offset uint8, value uint16) {
	aligned := offset &^ 3
	orig := read32(loc, aligned)
	shift := uint((offset & 2) * 8)
	mask := uint32(0xFFFF) << shift
	next := (orig &^ mask) | uint32(value)<<shift
	write32(loc, aligned, next)
}

func read8(loc Location, offset uint8) uint8 {
	v := read32(loc, offset&0xFC)
	shift := uint((offset & 3) * 8)
	return uint8(v >> shift)
}

// VendorID reads the vendor ID at offset 0x00. A function with no device
// present reads back 0xFFFF.
func VendorID(loc Location) uint16 { return read16(loc, 0x00) }

// DeviceID reads the device ID at offset 0x02.
func DeviceID(loc Location) uint16 { return read16(loc, 0x02) }

// Class reads the class/subclass/prog-IF triplet at offsets 0x0B/0x0A/0x09.
func Class(loc Location) ClassCode {
	return ClassCode{
		Class:    read8(loc, 0x0B),
		Subclass: read8(loc, 0x0A),
		ProgIF:   read8(loc, 0x09),
	}
}

// ReadBAR reads base address register index (0-5) raw, flags bits and all.
func ReadBAR(loc Location, index uint8) uint32 {
	return read32(loc, 0x10+index*4)
}

const (
	cmdBusMaster  = 1 << 2
	cmdMemorySpace = 1 << 1
)

// EnableBusMaster sets the bus-master and memory-space-enable bits in the
// PCI command register, required before a device can perform DMA or
// respond to MMIO. A no-op if both bits are already set.
func EnableBusMaster(loc Location) {
	cmd := read16(loc, 0x04)
	next := cmd | cmdBusMaster | cmdMemorySpace
	if next != cmd {
		write16(loc, 0x04, next)
	}
}

// Device describes one function discovered by Enumerate.
type Device struct {
	Location Location
	Vendor   uint16
	DeviceID uint16
	Class    ClassCode
}

// Enumerate walks every bus/device/function slot the legacy mechanism can
// address and calls visit for each function that answers with a vendor ID
// other than 0xFFFF. As with the original scan, a function 0 that doesn't
// answer means the whole device slot is empty and functions 1-7 are
// skipped.
func Enumerate(visit func(Device)) {
	for bus := 0; bus < 256; bus++ {
		for dev := uint8(0); dev < 32; dev++ {
			for fn := uint8(0); fn < 8; fn++ {
				loc := Location{Bus: uint8(bus), Device: dev, Function: fn}

				vendor := VendorID(loc)
				if vendor == 0xFFFF {
					if fn == 0 {
						break
					}
					continue
				}

				visit(Device{
					Location: loc,
					Vendor:   vendor,
					DeviceID: DeviceID(loc),
					Class:    Class(loc),
				})
			}
		}
	}
}

// FindFirstAHCIController scans the bus for the first AHCI controller and
// returns its location. Returns found=false if none is present.
func FindFirstAHCIController() (loc Location, found bool) {
	Enumerate(func(d Device) {
		if !found && d.Class.IsAHCIController() {
			loc = d.Location
			found = true
		}
	})
	return loc, found
}
