// Package ahci drives a SATA disk through an AHCI host bus adapter: it
// probes the HBA's global registers, brings up one SATA port, and issues
// 48-bit LBA DMA read/write/flush commands built around a command list,
// a command table and a scatter/gather PRDT, exactly as the AHCI
// specification shapes them. MMIO registers are accessed as volatile
// words behind the higher-half direct map, the same idiom the kernel
// uses for the LAPIC.
package ahci

import (
	"unsafe"

	"kiwios/kernel"
	"kiwios/kernel/cpu"
	"kiwios/kernel/hhdm"
	"kiwios/kernel/mm/vmm"
)

const (
	regCAP = 0x00
	regGHC = 0x04
	regIS  = 0x08
	regPI  = 0x0C
	regVS  = 0x10

	ghcAE = 1 << 31

	portBase   = 0x100
	portStride = 0x80

	pxCLB  = 0x00
	pxCLBU = 0x04
	pxFB   = 0x08
	pxFBU  = 0x0C
	pxIS   = 0x10
	pxCMD  = 0x18
	pxTFD  = 0x20
	pxSIG  = 0x24
	pxSSTS = 0x28
	pxSERR = 0x30
	pxCI   = 0x38

	pxCMDST  = 1 << 0
	pxCMDFRE = 1 << 4
	pxCMDFR  = 1 << 14
	pxCMDCR  = 1 << 15

	fisTypeRegH2D = 0x27

	ataCmdIdentify      = 0xEC
	ataCmdReadDMAExt    = 0x25
	ataCmdWriteDMAExt   = 0x35
	ataCmdFlushCacheExt = 0xEA

	// maxPRDT bounds one command table's scatter/gather list; since each
	// entry covers at most one page this limits a single request to
	// maxPRDT*pageSize bytes.
	maxPRDT = 128

	sigATA = 0x00000101

	sectorSize = 512
	pageSize   = 4096
)

// cmdHeader is one 32-byte slot of the port's command list. Field layout
// matches the AHCI spec's packed C struct exactly: byte 0 packs CFL/A/W/P,
// byte 1 packs R/B/C/pmp, so no manual bit-packing is needed beyond those
// two bytes.
type cmdHeader struct {
	flags0 uint8 // cfl:5 | a:1<<5 | w:1<<6 | p:1<<7
	flags1 uint8 // r:1 | b:1<<1 | c:1<<2 | rsv0:1<<3 | pmp:4<<4
	prdtl  uint16
	prdbc  uint32
	ctba   uint32
	ctbau  uint32
	_      [4]uint32
}

func (h *cmdHeader) setCFL(dwords uint8) {
	h.flags0 = (h.flags0 &^ 0x1F) | (dwords & 0x1F)
}

func (h *cmdHeader) setWrite(w bool) {
	if w {
		h.flags0 |= 1 << 6
	} else {
		h.flags0 &^= 1 << 6
	}
}

// prdtEntry is one 16-byte physical region descriptor.
type prdtEntry struct {
	dba  uint32
	dbau uint32
	rsv0 uint32
	dbc  uint32 // bits 0-21: byte count minus 1; bit 31: interrupt on completion
}

func (p *prdtEntry) set(phys uintptr, byteCount uint32) {
	p.dba = uint32(phys)
	p.dbau = uint32(phys >> 32)
	p.dbc = (byteCount-1)&0x3FFFFF | 1<<31
}

// cmdTable holds one command FIS, an (unused) ATAPI command area, and the
// PRDT, all in one page.
type cmdTable struct {
	cfis [64]byte
	acmd [16]byte
	rsv  [48]byte
	prdt [maxPRDT]prdtEntry
}

// fisRegH2D is a host-to-device register FIS, the only FIS kind this
// driver issues.
type fisRegH2D struct {
	fisType  uint8
	pmportC  uint8 // pmport:4 | c:1<<7
	command  uint8
	featureL uint8

	lba0   uint8
	lba1   uint8
	lba2   uint8
	device uint8

	lba3     uint8
	lba4     uint8
	lba5     uint8
	featureH uint8

	countL  uint8
	countH  uint8
	icc     uint8
	control uint8

	_ [4]uint8
}

// Controller owns one SATA port on one HBA: its command list, command
// table and the page table used to translate request buffers for PRDT
// construction.
type Controller struct {
	base     uintptr // HBA register block, virtual
	port     uint8
	clbVirt  uintptr
	ctVirt   uintptr
	ctPhys   uintptr
	pageTbl  vmm.PageTable
	ready    bool

	totalSectors uint64
}

var (
	errNoFreePage     = &kernel.Error{Module: "ahci", Message: "no free page for DMA structures"}
	errNoDisk         = &kernel.Error{Module: "ahci", Message: "no disk selected"}
	errPortNotActive  = &kernel.Error{Module: "ahci", Message: "port is not DET3/IPM1 active"}
	errPortNotATA     = &kernel.Error{Module: "ahci", Message: "port signature is not plain SATA"}
	errPortStayedBusy = &kernel.Error{Module: "ahci", Message: "port stayed busy (BSY/DRQ) past the timeout"}
	errCommandFailed  = &kernel.Error{Module: "ahci", Message: "command failed or timed out"}
	errPRDTOverflow   = &kernel.Error{Module: "ahci", Message: "request needs more scatter/gather entries than the PRDT holds"}
	errBadRequestSize = &kernel.Error{Module: "ahci", Message: "buffer size is not a whole number of sectors"}
	errNoBounceAlloc  = &kernel.Error{Module: "ahci", Message: "buffer lacks a physical backing and no bounce allocator is configured"}
	errBounceFailed   = &kernel.Error{Module: "ahci", Message: "bounce buffer allocation failed"}

	// allocPageFn supplies one zeroed, physically addressed page for a
	// DMA structure (command list, command table). Wired by kmain to the
	// physical frame allocator; nil until then.
	allocPageFn func() (uintptr, *kernel.Error)

	// allocPagesFn/freePagesFn supply and release a physically contiguous
	// run of pages for the bounce buffer used when a request buffer
	// doesn't resolve to a physical address (see rw). Wired by kmain to
	// the same allocator block/bcache use for multi-page runs.
	allocPagesFn func(pages uint64) (uintptr, *kernel.Error)
	freePagesFn  func(phys uintptr, pages uint64)

	// pauseFn is mocked by tests and inlined by the compiler otherwise.
	pauseFn = cpu.Pause

	// translateFn resolves a virtual page to its physical address for
	// PRDT construction; mocked by tests since vmm.Translate needs a real
	// multi-level page table to walk.
	translateFn = vmm.Translate

	// toVirtFn is mocked by tests so Probe/init can run without hhdm
	// having been initialized with a real HHDM offset.
	toVirtFn = hhdm.ToVirt
)

// SetPageAllocator installs the function Probe and init use to obtain
// zeroed physical pages for DMA structures.
func SetPageAllocator(fn func() (uintptr, *kernel.Error)) {
	allocPageFn = fn
}

// SetBounceAllocator installs the multi-page contiguous allocator rw uses
// for the bounce buffer fallback when a request buffer doesn't resolve to
// a physical address.
func SetBounceAllocator(alloc func(pages uint64) (uintptr, *kernel.Error), free func(phys uintptr, pages uint64)) {
	allocPagesFn = alloc
	freePagesFn = free
}

func readReg(base uintptr, off uint32) uint32 {
	return *(*uint32)(unsafe.Pointer(base + uintptr(off)))
}

func writeReg(base uintptr, off uint32, v uint32) {
	*(*uint32)(unsafe.Pointer(base + uintptr(off))) = v
}

func portOffset(port uint8) uintptr {
	return portBase + uintptr(port)*portStride
}

func zeroPage(virt uintptr, n int) {
	b := (*[pageSize]byte)(unsafe.Pointer(virt))
	for i := 0; i < n; i++ {
		b[i] = 0
	}
}

// Probe maps the HBA's MMIO registers at mmioPhys, enables AHCI mode if
// needed, and returns a Controller for the first port that reports an
// active, plain-SATA device. Returns a nil Controller if no such port
// exists.
func Probe(mmioPhys uintptr) (*Controller, *kernel.Error) {
	base := toVirtFn(mmioPhys)

	ghc := readReg(base, regGHC)
	if ghc&ghcAE == 0 {
		writeReg(base, regGHC, ghc|ghcAE)
	}

	capReg := readReg(base, regCAP)
	pi := readReg(base, regPI)
	numPorts := (capReg & 0x1F) + 1

	for port := uint32(0); port < numPorts; port++ {
		if pi&(1<<port) == 0 {
			continue
		}
		c, err := newPort(base, uint8(port))
		if err == nil {
			return c, nil
		}
	}
	return nil, nil
}

func newPort(base uintptr, port uint8) (*Controller, *kernel.Error) {
	off := portOffset(port)
	ssts := readReg(base, uint32(off)+pxSSTS)
	det := ssts & 0x0F
	ipm := (ssts >> 8) & 0x0F
	if det != 3 || ipm != 1 {
		return nil, errPortNotActive
	}

	sig := readReg(base, uint32(off)+pxSIG)
	if sig != sigATA {
		return nil, errPortNotATA
	}

	c := &Controller{base: base, port: port, pageTbl: vmm.ActivePageTable()}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

// init stops the port's command engine, allocates and wires the command
// list and command table pages, then restarts it. Mirrors the original
// driver's ahci_init_port.
func (c *Controller) init() *kernel.Error {
	c.stop()

	off := uint32(portOffset(c.port))
	writeReg(c.base, off+pxSERR, 0xFFFFFFFF)
	writeReg(c.base, off+pxIS, 0xFFFFFFFF)

	clbPhys, err := allocPageFn()
	if err != nil {
		return err
	}
	ctPhys, err := allocPageFn()
	if err != nil {
		return err
	}

	c.clbVirt = toVirtFn(clbPhys)
	c.ctVirt = toVirtFn(ctPhys)
	c.ctPhys = ctPhys
	zeroPage(c.clbVirt, pageSize)
	zeroPage(c.ctVirt, pageSize)

	writeReg(c.base, off+pxCLB, uint32(clbPhys))
	writeReg(c.base, off+pxCLBU, uint32(clbPhys>>32))

	c.start()
	c.ready = true
	return nil
}

func (c *Controller) cmdHeaderSlot() *cmdHeader {
	return (*cmdHeader)(unsafe.Pointer(c.clbVirt))
}

func (c *Controller) cmdTable() *cmdTable {
	return (*cmdTable)(unsafe.Pointer(c.ctVirt))
}

func (c *Controller) stop() {
	off := uint32(portOffset(c.port))
	cmd := readReg(c.base, off+pxCMD)
	writeReg(c.base, off+pxCMD, cmd&^uint32(pxCMDST))
	c.spinUntil(func() bool { return readReg(c.base, off+pxCMD)&pxCMDCR == 0 }, 20000)

	cmd = readReg(c.base, off+pxCMD)
	writeReg(c.base, off+pxCMD, cmd&^uint32(pxCMDFRE))
	c.spinUntil(func() bool { return readReg(c.base, off+pxCMD)&pxCMDFR == 0 }, 20000)
}

func (c *Controller) start() {
	off := uint32(portOffset(c.port))
	cmd := readReg(c.base, off+pxCMD)
	writeReg(c.base, off+pxCMD, cmd|pxCMDFRE)
	cmd = readReg(c.base, off+pxCMD)
	writeReg(c.base, off+pxCMD, cmd|pxCMDST)
}

func (c *Controller) spinUntil(done func() bool, iterations int) bool {
	for i := 0; i < iterations; i++ {
		if done() {
			return true
		}
		pauseFn()
	}
	return false
}

func (c *Controller) waitNotBusy() bool {
	off := uint32(portOffset(c.port))
	return c.spinUntil(func() bool {
		tfd := readReg(c.base, off+pxTFD)
		return tfd&(0x80|0x08) == 0
	}, 200000)
}

func (c *Controller) issueAndWait() *kernel.Error {
	off := uint32(portOffset(c.port))
	const slotMask = 1 << 0

	writeReg(c.base, off+pxCI, slotMask)
	if !c.spinUntil(func() bool { return readReg(c.base, off+pxCI)&slotMask != 0 }, 1000) {
		return errCommandFailed
	}
	if !c.spinUntil(func() bool { return readReg(c.base, off+pxCI)&slotMask == 0 }, 400000) {
		return errCommandFailed
	}

	tfd := readReg(c.base, off+pxTFD)
	if tfd&0x01 != 0 {
		return errCommandFailed
	}
	return nil
}

// buildPRDT walks buf page by page, translating each page through the
// port's page table, and fills ct's PRDT with one entry per physical
// page the buffer spans. Returns the number of entries used.
func (c *Controller) buildPRDT(ct *cmdTable, buf []byte) (uint16, *kernel.Error) {
	if len(buf) == 0 {
		return 0, errBadRequestSize
	}

	va := uintptr(unsafe.Pointer(&buf[0]))
	remaining := uint32(len(buf))
	entries := uint16(0)

	for remaining > 0 {
		if int(entries) >= maxPRDT {
			return 0, errPRDTOverflow
		}

		pageAddr := va &^ (pageSize - 1)
		pageOff := uint32(va - pageAddr)

		phys, err := translateFn(c.pageTbl, pageAddr)
		if err != nil {
			return 0, err
		}

		chunk := uint32(pageSize) - pageOff
		if chunk > remaining {
			chunk = remaining
		}

		ct.prdt[entries].set(phys+uintptr(pageOff), chunk)

		entries++
		va += uintptr(chunk)
		remaining -= chunk
	}

	return entries, nil
}

func (c *Controller) buildFIS(ct *cmdTable, ataCmd uint8, lba uint64, sectorCount uint32) {
	fis := (*fisRegH2D)(unsafe.Pointer(&ct.cfis[0]))
	*fis = fisRegH2D{}
	fis.fisType = fisTypeRegH2D
	fis.pmportC = 1 << 7 // c=1: this FIS updates the command register
	fis.command = ataCmd
	fis.device = 1 << 6 // LBA mode

	fis.lba0 = uint8(lba)
	fis.lba1 = uint8(lba >> 8)
	fis.lba2 = uint8(lba >> 16)
	fis.lba3 = uint8(lba >> 24)
	fis.lba4 = uint8(lba >> 32)
	fis.lba5 = uint8(lba >> 40)

	fis.countL = uint8(sectorCount)
	fis.countH = uint8(sectorCount >> 8)
}

// rw issues a 48-bit LBA DMA read or write of buf (must hold exactly
// sectorCount*512 bytes).
func (c *Controller) rw(ataCmd uint8, lba uint64, sectorCount uint32, buf []byte, write bool) *kernel.Error {
	if !c.ready {
		return errNoDisk
	}
	if uint32(len(buf)) != sectorCount*sectorSize {
		return errBadRequestSize
	}

	off := uint32(portOffset(c.port))
	cmd := readReg(c.base, off+pxCMD)
	if cmd&(pxCMDST|pxCMDFRE) != pxCMDST|pxCMDFRE {
		c.start()
	}
	if !c.waitNotBusy() {
		return errPortStayedBusy
	}

	writeReg(c.base, off+pxSERR, 0xFFFFFFFF)
	writeReg(c.base, off+pxIS, 0xFFFFFFFF)

	ch := c.cmdHeaderSlot()
	*ch = cmdHeader{}
	ct := c.cmdTable()
	*ct = cmdTable{}

	prdtl, err := c.buildPRDT(ct, buf)
	var bouncePhys uintptr
	var bouncePages uint64
	usingBounce := false
	if err != nil {
		if err == errBadRequestSize || err == errPRDTOverflow {
			return err
		}

		// buildPRDT failed to translate a page to a physical address;
		// fall back to a bounce buffer the same way the original driver
		// does, covering the whole request with one PRDT entry.
		usingBounce = true
		bouncePages = (uint64(len(buf)) + pageSize - 1) / pageSize
		if allocPagesFn == nil {
			return errNoBounceAlloc
		}
		bouncePhys, err = allocPagesFn(bouncePages)
		if err != nil {
			return errBounceFailed
		}

		bounceBuf := unsafe.Slice((*byte)(unsafe.Pointer(toVirtFn(bouncePhys))), len(buf))
		if write {
			copy(bounceBuf, buf)
		} else {
			for i := range bounceBuf {
				bounceBuf[i] = 0
			}
		}

		ct.prdt[0].set(bouncePhys, uint32(len(buf)))
		prdtl = 1
	}

	ch.setCFL(uint8(unsafe.Sizeof(fisRegH2D{}) / 4))
	ch.setWrite(write)
	ch.prdtl = prdtl
	ch.ctba = uint32(c.ctPhys)
	ch.ctbau = uint32(c.ctPhys >> 32)

	c.buildFIS(ct, ataCmd, lba, sectorCount)

	result := c.issueAndWait()

	if usingBounce {
		if !write && result == nil {
			bounceBuf := unsafe.Slice((*byte)(unsafe.Pointer(toVirtFn(bouncePhys))), len(buf))
			copy(buf, bounceBuf)
		}
		if freePagesFn != nil {
			freePagesFn(bouncePhys, bouncePages)
		}
	}

	return result
}

// Read issues a 48-bit LBA DMA read of sectorCount sectors starting at
// lba into buf.
func (c *Controller) Read(lba uint64, sectorCount uint32, buf []byte) *kernel.Error {
	return c.rw(ataCmdReadDMAExt, lba, sectorCount, buf, false)
}

// Write issues a 48-bit LBA DMA write of sectorCount sectors starting at
// lba from buf.
func (c *Controller) Write(lba uint64, sectorCount uint32, buf []byte) *kernel.Error {
	return c.rw(ataCmdWriteDMAExt, lba, sectorCount, buf, true)
}

// Flush issues FLUSH CACHE EXT, forcing the drive to commit its write
// cache to stable media.
func (c *Controller) Flush() *kernel.Error {
	if !c.ready {
		return errNoDisk
	}

	off := uint32(portOffset(c.port))
	cmd := readReg(c.base, off+pxCMD)
	if cmd&(pxCMDST|pxCMDFRE) != pxCMDST|pxCMDFRE {
		c.start()
	}
	if !c.waitNotBusy() {
		return errPortStayedBusy
	}

	writeReg(c.base, off+pxSERR, 0xFFFFFFFF)
	writeReg(c.base, off+pxIS, 0xFFFFFFFF)

	ch := c.cmdHeaderSlot()
	*ch = cmdHeader{}
	ct := c.cmdTable()
	*ct = cmdTable{}

	ch.setCFL(uint8(unsafe.Sizeof(fisRegH2D{}) / 4))
	ch.ctba = uint32(c.ctPhys)
	ch.ctbau = uint32(c.ctPhys >> 32)

	c.buildFIS(ct, ataCmdFlushCacheExt, 0, 0)

	return c.issueAndWait()
}

// SectorSize is the fixed logical sector size this driver assumes.
func (c *Controller) SectorSize() uint32 { return sectorSize }

// Ready reports whether init succeeded and the controller is usable.
func (c *Controller) Ready() bool { return c.ready }

// Name identifies this disk as a block.Device.
func (c *Controller) Name() string { return "ahci0" }

// TotalSectors returns the sector count learned by Identify, or 0 if
// Identify has not been called yet.
func (c *Controller) TotalSectors() uint64 { return c.totalSectors }

// Identify issues IDENTIFY DEVICE and records the drive's 48-bit LBA
// sector count (ATA-8 words 100-103) for TotalSectors.
func (c *Controller) Identify() *kernel.Error {
	buf := make([]byte, sectorSize)
	if err := c.rw(ataCmdIdentify, 0, 1, buf, false); err != nil {
		return err
	}
	lo := uint64(buf[200]) | uint64(buf[201])<<8 | uint64(buf[202])<<16 | uint64(buf[203])<<24
	hi := uint64(buf[204]) | uint64(buf[205])<<8 | uint64(buf[206])<<16 | uint64(buf[207])<<24
	c.totalSectors = lo | hi<<32
	return nil
}
