package heap

import (
	"testing"
	"unsafe"

	"kiwios/kernel"
)

// fakePageSource hands out Go-heap-backed pages and reports them at
// identity "physical" addresses, letting Arena run with toVirtFn as the
// identity function.
type fakePageSource struct {
	fail bool
}

func (f *fakePageSource) alloc(pages uint64) (uintptr, *kernel.Error) {
	if f.fail {
		return 0, &kernel.Error{Module: "test", Message: "no pages"}
	}
	buf := make([]byte, pages*pageSize)
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

func newTestArena() *Arena {
	a := NewArena((&fakePageSource{}).alloc)
	a.toVirtFn = func(phys uintptr) uintptr { return phys }
	return a
}

func TestAllocReturnsUsableZeroedMemoryOnCalloc(t *testing.T) {
	a := newTestArena()
	p := a.Calloc(64)
	if p == nil {
		t.Fatal("expected a non-nil pointer")
	}
	buf := unsafe.Slice((*byte)(p), 64)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("expected zeroed memory at offset %d; got %d", i, b)
		}
	}
}

func TestAllocRejectsNonPositiveSizes(t *testing.T) {
	a := newTestArena()
	if a.Alloc(0) != nil || a.Alloc(-1) != nil {
		t.Fatal("expected nil for non-positive sizes")
	}
}

func TestAllocGrowsTheArenaWhenNoFreeBlockFits(t *testing.T) {
	a := newTestArena()
	p1 := a.Alloc(pageSize) // forces at least a second page
	if p1 == nil {
		t.Fatal("expected a non-nil pointer")
	}
	p2 := a.Alloc(128)
	if p2 == nil {
		t.Fatal("expected a non-nil pointer for a second allocation")
	}
	if p1 == p2 {
		t.Fatal("expected distinct allocations to not overlap")
	}
}

func TestFreeReturnsOfferedMemoryToTheFreeListForReuse(t *testing.T) {
	a := newTestArena()
	p1 := a.Alloc(128)
	a.Free(p1)

	p2 := a.Alloc(64)
	if p2 != p1 {
		t.Fatalf("expected the freed block to be reused by first-fit; got %p want %p", p2, p1)
	}
}

func TestFreeCoalescesWithAnAdjacentFreeNeighbor(t *testing.T) {
	a := newTestArena()
	p1 := a.Alloc(64)
	p2 := a.Alloc(64)
	_ = p2

	h1 := headerOf(p1)
	sizeBefore := h1.size

	// Free the later block first so it is already free by the time p1's
	// free checks whether its chain-next neighbor can be merged in.
	a.Free(p2)
	a.Free(p1)

	if h1.size <= sizeBefore {
		t.Fatalf("expected coalescing to grow block 1's size beyond %d; got %d", sizeBefore, h1.size)
	}

	// The merged block must be large enough to satisfy a request spanning
	// both original allocations without growing the arena again.
	p3 := a.Alloc(int(2 * sizeBefore))
	if p3 != p1 {
		t.Fatalf("expected the coalesced block to be reused; got %p want %p", p3, p1)
	}
}

func TestAllocReturnsNilWhenThePageSourceIsExhausted(t *testing.T) {
	a := NewArena((&fakePageSource{fail: true}).alloc)
	a.toVirtFn = func(phys uintptr) uintptr { return phys }

	if p := a.Alloc(64); p != nil {
		t.Fatal("expected nil when the page source is exhausted")
	}
}
