// Package limine models the handful of Limine-protocol requests the kernel
// actually consumes: the memory map, the higher-half direct map offset and
// the framebuffer list. The real boot-protocol request/response tag
// exchange (building the request structures the bootloader scans for in
// the kernel image, the protocol's magic/revision handshake) is treated as
// an external collaborator; this package exposes the decoded result as
// plain Go values so the rest of the kernel never has to know the wire
// format.
package limine

// MemoryType classifies a MemoryMapEntry the way the boot protocol reports
// it.
type MemoryType uint32

const (
	MemoryUsable MemoryType = iota
	MemoryReserved
	MemoryACPIReclaimable
	MemoryACPINVS
	MemoryBadMemory
	MemoryBootloaderReclaimable
	MemoryKernelAndModules
	MemoryFramebuffer
)

// String returns a human readable label, used by boot-time logging.
func (t MemoryType) String() string {
	switch t {
	case MemoryUsable:
		return "usable"
	case MemoryReserved:
		return "reserved"
	case MemoryACPIReclaimable:
		return "acpi reclaimable"
	case MemoryACPINVS:
		return "acpi nvs"
	case MemoryBadMemory:
		return "bad memory"
	case MemoryBootloaderReclaimable:
		return "bootloader reclaimable"
	case MemoryKernelAndModules:
		return "kernel and modules"
	case MemoryFramebuffer:
		return "framebuffer"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes one physical memory region as reported by the
// firmware and relayed by the boot protocol.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   MemoryType
}

// FramebufferModel describes how pixel bytes map to colors.
type FramebufferModel uint8

const (
	FramebufferModelRGB FramebufferModel = iota
)

// Framebuffer describes one framebuffer reported by the boot protocol.
type Framebuffer struct {
	Address     uintptr
	Width       uint64
	Height      uint64
	Pitch       uint64
	BPP         uint16
	MemoryModel FramebufferModel
}

// BootInfo is the decoded subset of the Limine handoff the core consumes:
// the memory map, the HHDM offset and the framebuffer list. It is filled in
// once by the platform's boot glue (outside the scope of this module) and
// handed to kernel.Boot.
type BootInfo struct {
	MemoryMap     []MemoryMapEntry
	HHDMOffset    uintptr
	Framebuffers  []Framebuffer
	KernelPhysBase uintptr
	KernelVirtBase uintptr
}

// VisitMemRegions calls visit once for every memory map entry, stopping
// early if visit returns false.
func (b *BootInfo) VisitMemRegions(visit func(*MemoryMapEntry) bool) {
	for i := range b.MemoryMap {
		if !visit(&b.MemoryMap[i]) {
			return
		}
	}
}

// Valid reports whether the boot handoff satisfies the kernel's minimum
// requirements: a non-zero HHDM offset and at least one framebuffer.
func (b *BootInfo) Valid() bool {
	return b.HHDMOffset != 0 && len(b.Framebuffers) > 0
}
