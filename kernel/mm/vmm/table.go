package vmm

import (
	"kiwios/kernel/cpu"
	"kiwios/kernel/hhdm"
	"kiwios/kernel/mm/pmm"
)

var (
	// activePDTFn is mocked by tests and inlined by the compiler otherwise.
	activePDTFn = cpu.ActivePDT
	// switchPDTFn is mocked by tests and inlined by the compiler otherwise.
	switchPDTFn = cpu.SwitchPDT
)

// PageTable is a handle to a page directory table (the PML4 root of a
// 4-level x86_64 paging structure). Only the physical base is stored; the
// virtual address used to read/write the table's entries is always
// re-derived through the HHDM offset rather than cached, so there is a
// single source of truth for the translation.
type PageTable struct {
	physBase uintptr
}

// NewPageTable allocates and zeroes a fresh page table using frame.
func NewPageTable(frame pmm.Frame) PageTable {
	pt := PageTable{physBase: frame.Address()}
	memsetFn(pt.Virt(), 0, PageSize)
	return pt
}

// PageTableFromPhys wraps an already-initialized table at the given
// physical base address (e.g. the table installed by the bootloader).
func PageTableFromPhys(physBase uintptr) PageTable {
	return PageTable{physBase: physBase}
}

// Virt returns the HHDM virtual address at which this table's entries can
// be read and written directly.
func (pt PageTable) Virt() uintptr {
	return hhdm.ToVirt(pt.physBase)
}

// PhysBase returns the physical address of the table's root frame, the
// value that belongs in CR3 to activate it.
func (pt PageTable) PhysBase() uintptr {
	return pt.physBase
}

// Activate installs this table as the currently active page directory and
// flushes the TLB.
func (pt PageTable) Activate() {
	switchPDTFn(pt.physBase)
}

// ActivePageTable returns a handle to whatever page table the CPU currently
// has loaded in CR3.
func ActivePageTable() PageTable {
	return PageTable{physBase: activePDTFn()}
}
