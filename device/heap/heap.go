// Package heap provides the kernel's general-purpose allocator: a
// first-fit free list carved out of whole pages pulled from kernel/mm/pmm.
// Heap internals beyond this (size classes, slab caching, compaction) are
// out of scope; this exists only so the rest of the kernel has somewhere
// to allocate after boot, with a contract (Allocator) the core consumes
// without depending on this package's concrete shape.
package heap

import (
	"unsafe"

	"kiwios/kernel"
	"kiwios/kernel/hhdm"
)

const (
	pageSize    = 4096
	headerSize  = unsafe.Sizeof(blockHeader{})
	minSplitPad = 32 // don't split a free block if the remainder is this small or less
)

// Allocator is the heap contract the rest of the kernel allocates through.
type Allocator interface {
	Alloc(n int) unsafe.Pointer
	Calloc(n int) unsafe.Pointer
	Free(ptr unsafe.Pointer)
}

type blockHeader struct {
	size uintptr
	free bool
	next *blockHeader
}

var (
	errNoPages = &kernel.Error{Module: "heap", Message: "page source exhausted"}
)

// Arena is the concrete first-fit free-list Allocator. Create one with
// NewArena; the zero value has no page source.
type Arena struct {
	head *blockHeader

	allocPagesFn func(pages uint64) (uintptr, *kernel.Error)
	toVirtFn     func(uintptr) uintptr
}

// NewArena creates an Arena pulling pages from alloc, translated to
// kernel-virtual addresses via hhdm.ToVirt.
func NewArena(alloc func(pages uint64) (uintptr, *kernel.Error)) *Arena {
	return &Arena{allocPagesFn: alloc, toVirtFn: hhdm.ToVirt}
}

func align(n uintptr, to uintptr) uintptr {
	return (n + to - 1) &^ (to - 1)
}

// growBy prepends a freshly mapped run of at least minBytes (rounded up to
// whole pages) to the free list as one new free block.
func (a *Arena) growBy(minBytes uintptr) *kernel.Error {
	need := headerSize + minBytes
	pages := (uint64(need) + pageSize - 1) / pageSize

	phys, err := a.allocPagesFn(pages)
	if err != nil {
		return errNoPages
	}
	virt := a.toVirtFn(phys)

	hdr := (*blockHeader)(unsafe.Pointer(virt))
	hdr.size = uintptr(pages)*pageSize - headerSize
	hdr.free = true
	hdr.next = a.head
	a.head = hdr
	return nil
}

func dataPtr(h *blockHeader) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(h)) + headerSize)
}

func headerOf(ptr unsafe.Pointer) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(uintptr(ptr) - headerSize))
}

// Alloc returns a pointer to at least n bytes, or nil if the page source
// is exhausted. n <= 0 returns nil.
func (a *Arena) Alloc(n int) unsafe.Pointer {
	if n <= 0 {
		return nil
	}
	want := align(uintptr(n), 16)

	for {
		for h := a.head; h != nil; h = h.next {
			if !h.free || h.size < want {
				continue
			}
			a.split(h, want)
			h.free = false
			return dataPtr(h)
		}
		if a.growBy(want) != nil {
			return nil
		}
	}
}

// split carves a new free block out of the tail of h if the remainder
// after want bytes is large enough to be worth tracking on its own.
func (a *Arena) split(h *blockHeader, want uintptr) {
	remaining := h.size - want
	if remaining <= headerSize+minSplitPad {
		return
	}
	newHdrAddr := uintptr(unsafe.Pointer(h)) + headerSize + want
	nh := (*blockHeader)(unsafe.Pointer(newHdrAddr))
	nh.size = remaining - headerSize
	nh.free = true
	nh.next = h.next

	h.size = want
	h.next = nh
}

// Calloc behaves like Alloc but zeroes the returned memory.
func (a *Arena) Calloc(n int) unsafe.Pointer {
	p := a.Alloc(n)
	if p == nil {
		return nil
	}
	h := headerOf(p)
	buf := unsafe.Slice((*byte)(p), int(h.size))
	for i := range buf {
		buf[i] = 0
	}
	return p
}

// Free returns ptr's block to the free list and coalesces it with an
// immediately following free neighbor. ptr must have come from Alloc or
// Calloc on this Arena, and must not already be free.
func (a *Arena) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	h := headerOf(ptr)
	h.free = true

	// Only coalesce with a chain-next that is also the physically
	// adjacent block: growBy prepends fresh pages to the head of the
	// list, so a block's chain-next is not always its memory neighbor.
	if h.next != nil && h.next.free {
		adjacent := uintptr(unsafe.Pointer(h)) + headerSize + h.size
		if uintptr(unsafe.Pointer(h.next)) == adjacent {
			h.size += headerSize + h.next.size
			h.next = h.next.next
		}
	}
}
