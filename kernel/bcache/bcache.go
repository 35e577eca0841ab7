// Package bcache implements a fixed-size pool of 4 KiB block buffers with
// a chaining hash table keyed on (device, block number) and a doubly
// linked LRU list, exactly as a disk cache above a block.Device: get/put
// pin and unpin buffers, mark_dirty tracks what needs writing back, and
// sync_dev/sync_all flush dirty buffers to their device.
package bcache

import (
	"unsafe"

	"kiwios/kernel"
	"kiwios/kernel/block"
	"kiwios/kernel/hhdm"
	"kiwios/kernel/kfmt"
)

const (
	blockSize       = 4096
	sectorSize      = 512
	sectorsPerBlock = blockSize / sectorSize

	defaultBufs = 128

	noIndex = -1
)

// buffer is one cache slot: its (device, block) key, pin/valid/dirty
// state, its backing 4 KiB page, and its hash-chain and LRU links, all by
// index into the fixed bufs arena rather than by pointer.
type buffer struct {
	dev     block.Device
	blockNo uint64

	refcnt uint32
	valid  bool
	dirty  bool

	dataPhys uintptr
	dataVirt uintptr

	hashNext int32
	lruPrev  int32
	lruNext  int32
}

// Stats reports the cache's lifetime counters.
type Stats struct {
	TotalBufs  uint32
	UsedBufs   uint32
	DirtyBufs  uint32
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
	SyncCalls  uint64
}

// Handle is a pinned reference to a cache buffer returned by Get. It stays
// valid until the matching Put.
type Handle struct {
	idx int32
}

var (
	errNotInitialized  = &kernel.Error{Module: "bcache", Message: "cache not initialized"}
	errNoDevice        = &kernel.Error{Module: "bcache", Message: "nil device"}
	errNoEvictable     = &kernel.Error{Module: "bcache", Message: "no evictable buffers: all pinned"}
	errWritebackFailed = &kernel.Error{Module: "bcache", Message: "write-back failed"}
	errReadFailed      = &kernel.Error{Module: "bcache", Message: "block read failed"}
	errBadSectorSize   = &kernel.Error{Module: "bcache", Message: "device sector size is not 512"}
	errVerifyMismatch  = &kernel.Error{Module: "bcache", Message: "integrity violation: verify mismatch after write-back-and-reread"}

	bufs []buffer
	ht   []int32
	htCap uint32

	lruHead, lruTail int32 = noIndex, noIndex

	stats Stats
	ready bool

	// allocPageFn/freePageFn supply and release one physical page per
	// cache slot. Wired by kmain to the physical frame allocator.
	allocPageFn func() (uintptr, *kernel.Error)
	freePageFn  func(uintptr)

	// toVirtFn is mocked by tests so Init can run without hhdm having
	// been initialized with a real HHDM offset.
	toVirtFn = hhdm.ToVirt
)

// SetPageAllocator installs the page source used to back cache buffers.
func SetPageAllocator(alloc func() (uintptr, *kernel.Error), free func(uintptr)) {
	allocPageFn = alloc
	freePageFn = free
}

func keyHash(name string, blockNo uint64) uint64 {
	var x uint64 = 14695981039346656037 // FNV offset basis
	for i := 0; i < len(name); i++ {
		x ^= uint64(name[i])
		x *= 1099511628211 // FNV prime
	}
	x ^= blockNo * 11400714819323198485
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	return x
}

func lruRemove(idx int32) {
	b := &bufs[idx]
	if b.lruPrev != noIndex {
		bufs[b.lruPrev].lruNext = b.lruNext
	}
	if b.lruNext != noIndex {
		bufs[b.lruNext].lruPrev = b.lruPrev
	}
	if lruHead == idx {
		lruHead = b.lruNext
	}
	if lruTail == idx {
		lruTail = b.lruPrev
	}
	b.lruPrev, b.lruNext = noIndex, noIndex
}

func lruPushFront(idx int32) {
	b := &bufs[idx]
	b.lruPrev = noIndex
	b.lruNext = lruHead
	if lruHead != noIndex {
		bufs[lruHead].lruPrev = idx
	}
	lruHead = idx
	if lruTail == noIndex {
		lruTail = idx
	}
}

func lruTouch(idx int32) {
	lruRemove(idx)
	lruPushFront(idx)
}

func htBucket(name string, blockNo uint64) uint32 {
	return uint32(keyHash(name, blockNo) % uint64(htCap))
}

func htInsert(idx int32) {
	b := &bufs[idx]
	bucket := htBucket(b.dev.Name(), b.blockNo)
	b.hashNext = ht[bucket]
	ht[bucket] = idx
}

func htRemove(idx int32) {
	b := &bufs[idx]
	bucket := htBucket(b.dev.Name(), b.blockNo)
	cur := ht[bucket]
	prev := int32(noIndex)
	for cur != noIndex {
		if cur == idx {
			if prev != noIndex {
				bufs[prev].hashNext = bufs[cur].hashNext
			} else {
				ht[bucket] = bufs[cur].hashNext
			}
			bufs[cur].hashNext = noIndex
			return
		}
		prev = cur
		cur = bufs[cur].hashNext
	}
}

func htLookup(dev block.Device, blockNo uint64) int32 {
	bucket := htBucket(dev.Name(), blockNo)
	cur := ht[bucket]
	for cur != noIndex {
		b := &bufs[cur]
		if b.valid && b.dev == dev && b.blockNo == blockNo {
			return cur
		}
		cur = b.hashNext
	}
	return noIndex
}

func findEvictable() int32 {
	for cur := lruTail; cur != noIndex; cur = bufs[cur].lruPrev {
		if bufs[cur].refcnt == 0 {
			return cur
		}
	}
	return noIndex
}

func dataSlice(virt uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(virt)), blockSize)
}

func devReadBlock(dev block.Device, blockNo uint64, out []byte) *kernel.Error {
	if dev.SectorSize() != sectorSize {
		return errBadSectorSize
	}
	return dev.Read(blockNo*sectorsPerBlock, sectorsPerBlock, out)
}

func devWriteBlock(dev block.Device, blockNo uint64, in []byte) *kernel.Error {
	if dev.SectorSize() != sectorSize {
		return errBadSectorSize
	}
	return dev.Write(blockNo*sectorsPerBlock, sectorsPerBlock, in)
}

func writebackOne(idx int32) *kernel.Error {
	b := &bufs[idx]
	if !b.valid || !b.dirty {
		return nil
	}
	if err := devWriteBlock(b.dev, b.blockNo, dataSlice(b.dataVirt)); err != nil {
		kfmt.Printf("[bcache] write-back failed dev=%s block=%d\n", b.dev.Name(), b.blockNo)
		return errWritebackFailed
	}
	b.dirty = false
	if stats.DirtyBufs > 0 {
		stats.DirtyBufs--
	}
	stats.Writebacks++
	return nil
}

// Init allocates numBufs cache slots (128 if 0), each backed by one
// physical page, and a hash table sized 2*numBufs+1. Individual page
// allocation failures are logged and leave that slot permanently unusable
// rather than aborting the whole cache.
func Init(numBufs uint32) *kernel.Error {
	if numBufs == 0 {
		numBufs = defaultBufs
	}

	bufs = make([]buffer, numBufs)
	htCap = numBufs*2 + 1
	ht = make([]int32, htCap)
	for i := range ht {
		ht[i] = noIndex
	}

	lruHead, lruTail = noIndex, noIndex
	stats = Stats{TotalBufs: numBufs}

	for i := range bufs {
		bufs[i].hashNext = noIndex
		bufs[i].lruPrev = noIndex
		bufs[i].lruNext = noIndex

		phys, err := allocPageFn()
		if err != nil {
			kfmt.Printf("[bcache] page allocation failed at slot %d\n", i)
			continue
		}
		bufs[i].dataPhys = phys
		bufs[i].dataVirt = toVirtFn(phys)
		lruPushFront(int32(i))
	}

	ready = true
	kfmt.Printf("[bcache] initialized %d buffers (%d KiB cached), hash=%d\n",
		numBufs, (numBufs*blockSize)/1024, htCap)
	return nil
}

// Get returns a pinned handle to block blockNo of dev, reading it from the
// device on a cache miss. The caller must call Put when done.
func Get(dev block.Device, blockNo uint64) (*Handle, *kernel.Error) {
	if !ready {
		return nil, errNotInitialized
	}
	if dev == nil {
		return nil, errNoDevice
	}

	if idx := htLookup(dev, blockNo); idx != noIndex {
		stats.Hits++
		bufs[idx].refcnt++
		lruTouch(idx)
		return &Handle{idx: idx}, nil
	}
	stats.Misses++

	v := findEvictable()
	if v == noIndex {
		return nil, errNoEvictable
	}

	wasValid := bufs[v].valid
	if wasValid {
		if bufs[v].dirty {
			if err := writebackOne(v); err != nil {
				return nil, err
			}
		}
		htRemove(v)
		stats.Evictions++
	}

	bufs[v].dev = dev
	bufs[v].blockNo = blockNo
	bufs[v].valid = true
	bufs[v].dirty = false

	if err := devReadBlock(dev, blockNo, dataSlice(bufs[v].dataVirt)); err != nil {
		kfmt.Printf("[bcache] read failed dev=%s block=%d\n", dev.Name(), blockNo)
		bufs[v].valid = false
		bufs[v].dev = nil
		bufs[v].blockNo = 0
		if wasValid {
			stats.UsedBufs--
		}
		return nil, errReadFailed
	}

	htInsert(v)
	bufs[v].refcnt = 1
	lruTouch(v)
	if !wasValid {
		stats.UsedBufs++
	}

	return &Handle{idx: v}, nil
}

// Put unpins h. A buffer at refcount zero remains cached.
func Put(h *Handle) {
	if h == nil {
		return
	}
	b := &bufs[h.idx]
	if b.refcnt == 0 {
		return
	}
	b.refcnt--
}

// MarkDirty flags h's buffer as dirty, counting the clean-to-dirty
// transition exactly once.
func MarkDirty(h *Handle) {
	if h == nil {
		return
	}
	b := &bufs[h.idx]
	if !b.valid {
		return
	}
	if !b.dirty {
		b.dirty = true
		stats.DirtyBufs++
	}
}

// SyncDev writes back every dirty buffer belonging to dev, then flushes
// dev. With verify set, each written-back buffer is re-read and compared
// against the cached bytes; a mismatch is reported as a verify failure
// instead of being silently accepted.
func SyncDev(dev block.Device, verify bool) *kernel.Error {
	stats.SyncCalls++
	if dev == nil {
		return errNoDevice
	}

	var firstErr *kernel.Error
	for i := range bufs {
		b := &bufs[i]
		if !b.valid || b.dev != dev || !b.dirty {
			continue
		}
		cached := append([]byte(nil), dataSlice(b.dataVirt)...)
		if err := writebackOne(int32(i)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if verify {
			reread := make([]byte, blockSize)
			if err := devReadBlock(dev, b.blockNo, reread); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if !bytesEqual(reread, cached) {
				kfmt.Printf("[bcache] verify mismatch after write-back dev=%s block=%d\n", dev.Name(), b.blockNo)
				if firstErr == nil {
					firstErr = errVerifyMismatch
				}
			}
		}
	}

	if err := dev.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SyncAll writes back every dirty buffer in the cache regardless of
// device. Per-device flushes are the caller's responsibility.
func SyncAll() *kernel.Error {
	stats.SyncCalls++
	var firstErr *kernel.Error
	for i := range bufs {
		if !bufs[i].valid || !bufs[i].dirty {
			continue
		}
		if err := writebackOne(int32(i)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Data returns the handle's cached page.
func (h *Handle) Data() []byte { return dataSlice(bufs[h.idx].dataVirt) }

// BlockNo returns the block number this handle caches.
func (h *Handle) BlockNo() uint64 { return bufs[h.idx].blockNo }

// Dev returns the device this handle's block belongs to.
func (h *Handle) Dev() block.Device { return bufs[h.idx].dev }

// Dirty reports whether this handle's buffer needs writing back.
func (h *Handle) Dirty() bool { return bufs[h.idx].dirty }

// StatsSnapshot returns the cache's current counters.
func StatsSnapshot() Stats { return stats }
