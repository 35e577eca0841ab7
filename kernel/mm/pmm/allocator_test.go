package pmm

import (
	"testing"

	"kiwios/kernel/hhdm"
	"kiwios/kernel/limine"
)

func testInfo() *limine.BootInfo {
	return &limine.BootInfo{
		MemoryMap: []limine.MemoryMapEntry{
			{Base: 0x100000, Length: 16 * PageSize, Type: limine.MemoryUsable},
			{Base: 0x500000, Length: 0x1000, Type: limine.MemoryReserved},
		},
	}
}

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	if err := hhdm.Init(0x1000); err != nil {
		t.Fatalf("hhdm.Init: %v", err)
	}

	info := testInfo()
	words := BitmapWords(16)
	bitmap := make([]uint64, words)

	a := &Allocator{}
	if err := a.Init(info, bitmap, 0x100000, 0x102000); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return a
}

func TestInitReservesKernelRange(t *testing.T) {
	a := newTestAllocator(t)

	stats := a.Stats()
	if stats.TotalPages != 16 {
		t.Fatalf("expected 16 total pages; got %d", stats.TotalPages)
	}
	// Kernel occupies [0x100000, 0x102000) == 2 frames.
	if stats.UsedPages != 2 {
		t.Fatalf("expected 2 used pages for the reserved kernel range; got %d", stats.UsedPages)
	}
	if stats.FreePages != stats.TotalPages-stats.UsedPages {
		t.Fatalf("free/used/total mismatch: %+v", stats)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t)

	before := a.Stats().FreePages

	f, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if f == InvalidFrame {
		t.Fatal("expected a valid frame")
	}
	if a.Stats().FreePages != before-1 {
		t.Fatalf("expected free count to drop by one")
	}

	if err := a.Free(f); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if a.Stats().FreePages != before {
		t.Fatalf("expected free count to return to %d; got %d", before, a.Stats().FreePages)
	}
}

func TestAllocFramesContiguous(t *testing.T) {
	a := newTestAllocator(t)

	f, err := a.AllocFrames(4)
	if err != nil {
		t.Fatalf("AllocFrames: %v", err)
	}
	for i := Frame(0); i < 4; i++ {
		if a.isFree(f + i) {
			t.Fatalf("frame %d should be marked allocated", f+i)
		}
	}
}

func TestAllocFramesZeroIsRejected(t *testing.T) {
	a := newTestAllocator(t)
	if _, err := a.AllocFrames(0); err == nil {
		t.Fatal("expected an error for a zero-length request")
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := newTestAllocator(t)

	free := a.Stats().FreePages
	for i := uint64(0); i < free; i++ {
		if _, err := a.Alloc(); err != nil {
			t.Fatalf("unexpected allocation failure at iteration %d: %v", i, err)
		}
	}
	if _, err := a.Alloc(); err == nil {
		t.Fatal("expected out-of-memory error once every frame is allocated")
	}
}

func TestDoubleFreeIsDetectedAndNonFatal(t *testing.T) {
	a := newTestAllocator(t)

	f, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := a.Free(f); err != nil {
		t.Fatalf("first Free: %v", err)
	}

	if err := a.Free(f); err == nil {
		t.Fatal("expected double-free to be reported")
	}

	// The allocator keeps operating after a double-free is reported.
	if _, err := a.Alloc(); err != nil {
		t.Fatalf("allocator should remain usable after a double-free: %v", err)
	}
}

func TestBitmapWords(t *testing.T) {
	cases := []struct {
		pages uint64
		want  uint64
	}{
		{0, 0},
		{1, 1},
		{64, 1},
		{65, 2},
		{128, 2},
	}
	for _, c := range cases {
		if got := BitmapWords(c.pages); got != c.want {
			t.Errorf("BitmapWords(%d) = %d; want %d", c.pages, got, c.want)
		}
	}
}
