// Command kernel is the freestanding kernel image's Go entrypoint. The
// actual boot transfer (rt0 assembly setting up a GDT and a minimal stack,
// the Limine request/response tag exchange that builds a BootInfo) is
// external to this module, same as kernel/limine's package doc describes;
// main exists so the image has a linkable Go main and immediately hands
// off to kmain.Boot.
package main

import (
	"kiwios/kernel/kmain"
	"kiwios/kernel/limine"
)

// bootInfo, kernelStart, kernelEnd and bitmapStorage are populated by the
// rt0 glue before main runs.
var (
	bootInfo      = &limine.BootInfo{}
	kernelStart   uintptr
	kernelEnd     uintptr
	bitmapStorage []uint64
)

func main() {
	kmain.Boot(bootInfo, kernelStart, kernelEnd, bitmapStorage)
}
