package pmm

import (
	"unsafe"

	"kiwios/kernel"
	"kiwios/kernel/hhdm"
	"kiwios/kernel/kfmt/early"
	"kiwios/kernel/limine"
)

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "no free frames available"}
	errDoubleFree  = &kernel.Error{Module: "pmm", Message: "attempt to free an already-free frame"}
	errBadRange    = &kernel.Error{Module: "pmm", Message: "frame out of allocator range"}
)

// Allocator is a bitmap-backed physical frame allocator covering every
// usable region in the boot memory map. One bit per frame; 1 == free.
//
// Allocations always use a linear first-fit scan starting at bit 0 so that
// behavior is deterministic across runs and tests can rely on it.
type Allocator struct {
	baseFrame  Frame
	bitmap     []uint64
	totalPages uint64
	usedPages  uint64
}

// Init builds the bitmap over every MemoryUsable region in info, marks the
// bitmap's own backing storage as allocated (it is carved out of usable
// memory via bitmapStorage), and reserves the kernel image range
// [kernelStart, kernelEnd).
//
// Boot-loader-reclaimable regions are deliberately left unreclaimed: the
// kernel never needs the memory back badly enough to justify parsing which
// structures inside that region are safe to discard.
func (a *Allocator) Init(info *limine.BootInfo, bitmapStorage []uint64, kernelStart, kernelEnd uintptr) *kernel.Error {
	var minFrame, maxFrame Frame
	first := true

	info.VisitMemRegions(func(e *limine.MemoryMapEntry) bool {
		if e.Type != limine.MemoryUsable {
			return true
		}
		start := Frame(e.Base >> PageShift)
		end := Frame((e.Base + e.Length) >> PageShift)
		if first {
			minFrame, maxFrame = start, end
			first = false
			return true
		}
		if start < minFrame {
			minFrame = start
		}
		if end > maxFrame {
			maxFrame = end
		}
		return true
	})

	a.baseFrame = minFrame
	a.totalPages = uint64(maxFrame - minFrame)
	a.bitmap = bitmapStorage

	// Start with everything reserved; punch in the usable regions.
	for i := range a.bitmap {
		a.bitmap[i] = 0
	}
	info.VisitMemRegions(func(e *limine.MemoryMapEntry) bool {
		if e.Type != limine.MemoryUsable {
			return true
		}
		start := Frame(e.Base >> PageShift)
		end := Frame((e.Base + e.Length) >> PageShift)
		for f := start; f < end; f++ {
			a.setFree(f, true)
		}
		return true
	})

	a.reserveRange(kernelStart, kernelEnd)
	// Reserve the bitmap's own storage.
	bitmapPhys := hhdm.ToPhys(uintptr(unsafe.Pointer(&bitmapStorage[0])))
	bitmapBytes := uintptr(len(bitmapStorage)) * 8
	a.reserveRange(bitmapPhys, bitmapPhys+bitmapBytes)

	a.usedPages = 0
	for f := a.baseFrame; f < a.baseFrame+Frame(a.totalPages); f++ {
		if !a.isFree(f) {
			a.usedPages++
		}
	}

	early.Printf("[pmm] %d total pages, %d reserved\n", a.totalPages, a.usedPages)
	return nil
}

func (a *Allocator) reserveRange(start, end uintptr) {
	startFrame := Frame(start >> PageShift)
	endFrame := Frame((end + PageSize - 1) >> PageShift)
	for f := startFrame; f < endFrame; f++ {
		a.setFree(f, false)
	}
}

func (a *Allocator) index(f Frame) (word, bit int) {
	rel := int(f - a.baseFrame)
	return rel / 64, rel % 64
}

func (a *Allocator) isFree(f Frame) bool {
	w, b := a.index(f)
	if w < 0 || w >= len(a.bitmap) {
		return false
	}
	return a.bitmap[w]&(1<<uint(b)) != 0
}

func (a *Allocator) setFree(f Frame, free bool) {
	w, b := a.index(f)
	if w < 0 || w >= len(a.bitmap) {
		return
	}
	if free {
		a.bitmap[w] |= 1 << uint(b)
	} else {
		a.bitmap[w] &^= 1 << uint(b)
	}
}

// Alloc returns one free frame, marking it allocated, or InvalidFrame with
// an error if none remain.
func (a *Allocator) Alloc() (Frame, *kernel.Error) {
	return a.AllocFrames(1)
}

// AllocFrames returns n physically contiguous free frames using a linear
// first-fit scan, or InvalidFrame with an error if no run of that length
// exists.
func (a *Allocator) AllocFrames(n uint64) (Frame, *kernel.Error) {
	if n == 0 {
		return InvalidFrame, errBadRange
	}

	var runStart Frame
	var runLen uint64
	for f := a.baseFrame; f < a.baseFrame+Frame(a.totalPages); f++ {
		if a.isFree(f) {
			if runLen == 0 {
				runStart = f
			}
			runLen++
			if runLen == n {
				for i := Frame(0); i < Frame(n); i++ {
					a.setFree(runStart+i, false)
				}
				a.usedPages += n
				return runStart, nil
			}
		} else {
			runLen = 0
		}
	}

	return InvalidFrame, errOutOfMemory
}

// Free returns a single frame to the pool.
func (a *Allocator) Free(f Frame) *kernel.Error {
	return a.FreeFrames(f, 1)
}

// FreeFrames returns n contiguous frames starting at f to the pool.
// Double-free is detected per-frame, logged and skipped but not fatal.
func (a *Allocator) FreeFrames(f Frame, n uint64) *kernel.Error {
	var err *kernel.Error
	for i := Frame(0); i < Frame(n); i++ {
		cur := f + i
		if a.isFree(cur) {
			early.Printf("[pmm] double-free detected for frame %d\n", uint64(cur))
			err = errDoubleFree
			continue
		}
		a.setFree(cur, true)
		a.usedPages--
	}
	return err
}

// Stats returns the allocator's current bookkeeping.
func (a *Allocator) Stats() Stats {
	return Stats{
		TotalPages: a.totalPages,
		UsedPages:  a.usedPages,
		FreePages:  a.totalPages - a.usedPages,
	}
}

// BitmapWords returns how many uint64 words are required to cover pageCount
// frames, the sizing helper callers use before carving out bitmapStorage.
func BitmapWords(pageCount uint64) uint64 {
	return (pageCount + 63) / 64
}
