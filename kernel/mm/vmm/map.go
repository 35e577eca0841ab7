package vmm

import (
	"unsafe"

	"kiwios/kernel"
	"kiwios/kernel/cpu"
	"kiwios/kernel/hhdm"
	"kiwios/kernel/mm/pmm"
)

var (
	// allocFrameFn supplies fresh frames for intermediate page tables.
	// Installed once by kmain via SetFrameAllocator; nil until then, which
	// is only reachable before boot has initialized the pmm allocator.
	allocFrameFn func() (pmm.Frame, *kernel.Error)

	// flushTLBEntryFn is mocked by tests and inlined by the compiler
	// otherwise.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ptePtrFn is mocked by tests to intercept the entry addresses walk
	// would otherwise dereference directly.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}

	// memsetFn clears a freshly allocated page table. Mocked by tests so
	// they don't have to back real addressable memory.
	memsetFn = kernel.Memset

	errNoFrameAllocator   = &kernel.Error{Module: "vmm", Message: "no frame allocator installed"}
	errNoHugePageSupport  = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	ErrInvalidMapping     = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// SetFrameAllocator installs the function Map uses to obtain frames for new
// intermediate page tables.
func SetFrameAllocator(fn func() (pmm.Frame, *kernel.Error)) {
	allocFrameFn = fn
}

// pageTableWalker is invoked once per paging level as walk descends toward
// the final page table entry for a virtual address. Returning false aborts
// the walk.
type pageTableWalker func(level uint8, pte *pageTableEntry) bool

// walk performs a page table walk for virtAddr starting at pt, invoking
// walkFn with the entry at every level. Each intermediate table is reached
// directly through the HHDM rather than a recursive self-mapping scheme:
// tablePhys is threaded from one level to the next by reading the frame
// out of the entry walkFn was just handed.
func walk(pt PageTable, virtAddr uintptr, walkFn pageTableWalker) {
	tablePhys := pt.physBase

	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		tableVirt := hhdm.ToVirt(tablePhys)
		entryAddr := tableVirt + entryIndex<<3

		pte := (*pageTableEntry)(ptePtrFn(entryAddr))
		if !walkFn(level, pte) {
			return
		}
		if level == pageLevels-1 {
			return
		}
		tablePhys = pte.Frame().Address()
	}
}

// Map establishes a mapping from page to frame in pt, allocating and
// zeroing any missing intermediate page tables along the way.
//
// Once FlagUserAccessible is set on an intermediate table's entry it is
// never cleared by a later call, even one that maps a kernel-only page
// through the same table: downgrading would revoke user access to sibling
// mappings already relying on it.
func Map(pt PageTable, page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walk(pt, page.Address(), func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			if allocFrameFn == nil {
				err = errNoFrameAllocator
				return false
			}
			newFrame, allocErr := allocFrameFn()
			if allocErr != nil {
				err = allocErr
				return false
			}

			*pte = 0
			pte.SetFrame(newFrame)
			pte.SetFlags(FlagPresent | FlagRW)
			memsetFn(hhdm.ToVirt(newFrame.Address()), 0, PageSize)
		}

		if flags&FlagUserAccessible != 0 {
			pte.SetFlags(FlagUserAccessible)
		}

		return true
	})

	return err
}

// Unmap clears the present flag of the final page table entry mapping
// page, leaving the intermediate tables (and the TLB) untouched beyond a
// flush of the unmapped entry itself.
func Unmap(pt PageTable, page Page) *kernel.Error {
	var err *kernel.Error

	walk(pt, page.Address(), func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}
		return true
	})

	return err
}

// Translate returns the physical address corresponding to virtAddr under
// pt, or ErrInvalidMapping if it is not currently mapped.
func Translate(pt PageTable, virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		err   *kernel.Error
		frame pmm.Frame
		found bool
	)

	walk(pt, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		if level == pageLevels-1 {
			frame = pte.Frame()
			found = true
			return true
		}
		return true
	})

	if err != nil || !found {
		if err == nil {
			err = ErrInvalidMapping
		}
		return 0, err
	}

	return frame.Address() + PageOffset(virtAddr), nil
}
