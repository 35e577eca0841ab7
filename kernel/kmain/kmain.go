// Package kmain wires every subsystem together into the boot sequence the
// rt0 assembly glue calls into once the GDT and a minimal stack are in
// place. The rt0 code itself, and the Limine request/response tag exchange
// that fills in BootInfo, are external collaborators outside this module's
// scope (see kernel/limine's package doc).
package kmain

import (
	"unsafe"

	"kiwios/device/console"
	"kiwios/device/serial"
	"kiwios/drivers/ahci"
	"kiwios/drivers/pci"
	"kiwios/kernel"
	"kiwios/kernel/bcache"
	"kiwios/kernel/block"
	"kiwios/kernel/cpu"
	"kiwios/kernel/gate"
	"kiwios/kernel/hhdm"
	"kiwios/kernel/irq"
	"kiwios/kernel/kfmt"
	"kiwios/kernel/kfmt/early"
	"kiwios/kernel/limine"
	"kiwios/kernel/mm/pmm"
	"kiwios/kernel/mm/vmm"
	"kiwios/kernel/sched"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Boot returned"}
	errBadBootInfo   = &kernel.Error{Module: "kmain", Message: "boot protocol handoff missing HHDM offset or framebuffer"}
	errNoAHCIDisk    = &kernel.Error{Module: "kmain", Message: "no AHCI controller found on the PCI bus"}

	frames pmm.Allocator
	com1   *serial.Port
)

func framePhysAlloc() (uintptr, *kernel.Error) {
	f, err := frames.Alloc()
	if err != nil {
		return 0, err
	}
	return f.Address(), nil
}

func framesPhysAlloc(pages uint64) (uintptr, *kernel.Error) {
	f, err := frames.AllocFrames(pages)
	if err != nil {
		return 0, err
	}
	return f.Address(), nil
}

func framesPhysFree(phys uintptr, pages uint64) {
	frames.FreeFrames(pmm.FrameFromAddress(phys), pages)
}

func framePhysFree(phys uintptr) {
	frames.Free(pmm.FrameFromAddress(phys))
}

// Boot brings the kernel from the boot protocol handoff to a working
// scheduler with an attached disk: console/serial logging, physical and
// virtual memory, interrupt dispatch, cooperative scheduling, PCI
// enumeration, the AHCI driver, partition decoding and the block cache.
// Never expected to return; if it does, it panics.
//
//go:noinline
func Boot(info *limine.BootInfo, kernelStart, kernelEnd uintptr, bitmapStorage []uint64) {
	com1 = serial.COM1()
	if com1.Init() {
		early.SetOutput(func(b byte) { com1.WriteByte(b) })
		kfmt.SetOutputSink(com1)
	}

	kernel.SetHaltFunc(cpu.Halt)

	if !info.Valid() {
		kernel.Panic(errBadBootInfo)
	}
	if err := hhdm.Init(info.HHDMOffset); err != nil {
		kernel.Panic(err)
	}

	attachConsole(info)

	if err := frames.Init(info, bitmapStorage, kernelStart, kernelEnd); err != nil {
		kernel.Panic(err)
	}
	vmm.SetFrameAllocator(frames.Alloc)

	gate.Init()
	irq.Init()
	sched.Init()

	ahci.SetPageAllocator(framePhysAlloc)
	ahci.SetBounceAllocator(framesPhysAlloc, framesPhysFree)
	block.SetPageAllocator(framesPhysAlloc, framesPhysFree)
	bcache.SetPageAllocator(framePhysAlloc, framePhysFree)

	if err := bcache.Init(0); err != nil {
		kernel.Panic(err)
	}

	loc, found := pci.FindFirstAHCIController()
	if !found {
		kernel.Panic(errNoAHCIDisk)
	}
	pci.EnableBusMaster(loc)
	abar := uintptr(pci.ReadBAR(loc, 5) &^ 0xF)

	ctrl, err := ahci.Probe(abar)
	if err != nil {
		kernel.Panic(err)
	}
	if ctrl == nil {
		kernel.Panic(errNoAHCIDisk)
	}
	if err := ctrl.Identify(); err != nil {
		kernel.Panic(err)
	}

	if err := block.Init(ctrl); err != nil {
		kernel.Panic(err)
	}

	kfmt.Printf("[kmain] boot complete: %d partitions, table type %d\n",
		block.PartitionCount(), int(block.Table()))

	// kernel.Panic instead of panic, so the compiler can't treat the call
	// as dead code and eliminate it.
	kernel.Panic(errKmainReturned)
}

// attachConsole wires the first reported framebuffer as a console log
// sink and the panic-repaint target. Limine's HHDM covers framebuffer
// memory the same as any other reserved region, so the pixel backing
// store needs no separate vmm mapping step.
func attachConsole(info *limine.BootInfo) {
	fb := info.Framebuffers[0]
	pixelCount := int(fb.Pitch/4) * int(fb.Height)
	pixels := unsafe.Slice((*uint32)(unsafe.Pointer(hhdm.ToVirt(fb.Address))), pixelCount)

	con := console.NewFramebufferConsole(fb, pixels, 256)
	kfmt.SetOutputSink(multiWriter{con, com1})
	kernel.SetPanicRepaintFunc(func() {
		con.SetColors(0xFFFFFF, 0x660000)
		con.ResetScrollback()
		con.Render()
	})
}

// multiWriter fans Printf output out to the framebuffer console and the
// serial port, rendering the console after every write so output is
// visible without a separate flush step.
type multiWriter struct {
	con *console.FramebufferConsole
	com *serial.Port
}

func (w multiWriter) Write(p []byte) (int, error) {
	w.con.Write(0, "kmain", string(p))
	w.con.Render()
	if w.com != nil {
		w.com.Write(p)
	}
	return len(p), nil
}
