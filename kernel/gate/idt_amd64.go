package gate

import "unsafe"

// idtEntry is one 16-byte x86_64 interrupt gate descriptor.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

// gateInterrupt64 is the type/attribute byte for a present, 64-bit
// interrupt gate at DPL 0; the DPL bits are shifted in on top of it.
const gateInterrupt64 = 0x8E

var idt [256]idtEntry

// stubOf maps every vector this kernel installs a gate for to its entry
// stub; vectors absent from the map are left as the zero idtEntry (not
// present).
var stubOf = map[InterruptNumber]func(){
	0: isrStub0, 1: isrStub1, 2: isrStub2, 3: isrStub3,
	4: isrStub4, 5: isrStub5, 6: isrStub6, 7: isrStub7,
	8: isrStub8, 9: isrStub9, 10: isrStub10, 11: isrStub11,
	12: isrStub12, 13: isrStub13, 14: isrStub14, 15: isrStub15,
	16: isrStub16, 17: isrStub17, 18: isrStub18, 19: isrStub19,
	20: isrStub20, 21: isrStub21, 22: isrStub22, 23: isrStub23,
	24: isrStub24, 25: isrStub25, 26: isrStub26, 27: isrStub27,
	28: isrStub28, 29: isrStub29, 30: isrStub30, 31: isrStub31,

	32: isrStub32, 33: isrStub33, 34: isrStub34, 35: isrStub35,
	36: isrStub36, 37: isrStub37, 38: isrStub38, 39: isrStub39,
	40: isrStub40, 41: isrStub41, 42: isrStub42, 43: isrStub43,
	44: isrStub44, 45: isrStub45, 46: isrStub46, 47: isrStub47,

	Syscall: isrStub128,
}

// funcAddr returns the entry point of a package-level function with no
// captured variables. A Go func value with no closure is a pointer to a
// one-word funcval whose only field is the code address, so the address is
// recovered by reinterpreting the func value as **uintptr and
// double-dereferencing. This is the standard trick freestanding Go code
// uses to hand a function's address to hardware, since reflect is
// unavailable before the runtime is up.
func funcAddr(f func()) uintptr {
	return *(*uintptr)(*(*unsafe.Pointer)(unsafe.Pointer(&f)))
}

// setGate installs a present 64-bit interrupt gate for vector that jumps to
// stub on entry, running at privilege level dpl.
func setGate(vector InterruptNumber, stub func(), dpl uint8) {
	addr := funcAddr(stub)
	e := &idt[vector]
	e.offsetLow = uint16(addr)
	e.selector = codeSegmentSelector()
	e.ist = 0
	e.typeAttr = gateInterrupt64 | (dpl << 5)
	e.offsetMid = uint16(addr >> 16)
	e.offsetHigh = uint32(addr >> 32)
	e.reserved = 0
}

// installIDT populates every vector this kernel knows how to enter and
// loads the table with LIDT. Vectors with no entry in stubOf are left
// non-present, matching the package doc comment.
func installIDT() {
	for vector, stub := range stubOf {
		dpl := uint8(0)
		if vector == Syscall {
			dpl = 3
		}
		setGate(vector, stub, dpl)
	}

	lidt(uintptr(unsafe.Pointer(&idt[0])), uint16(unsafe.Sizeof(idt)-1))
}

// lidt loads base/limit into IDTR. Implemented in gate_amd64.s.
func lidt(base uintptr, limit uint16)

// codeSegmentSelector reads CS so installed gates point back at whatever
// code segment the kernel is currently executing in, rather than
// hardcoding a GDT layout this package doesn't own. Implemented in
// gate_amd64.s.
func codeSegmentSelector() uint16

// isrStubN is the entry stub for vector N: it normalizes the stack so every
// vector, whether or not the CPU pushes a hardware error code, leaves the
// same layout behind before falling into commonStub. Implemented in
// gate_amd64.s; never called directly, only addressed via funcAddr.
func isrStub0()
func isrStub1()
func isrStub2()
func isrStub3()
func isrStub4()
func isrStub5()
func isrStub6()
func isrStub7()
func isrStub8()
func isrStub9()
func isrStub10()
func isrStub11()
func isrStub12()
func isrStub13()
func isrStub14()
func isrStub15()
func isrStub16()
func isrStub17()
func isrStub18()
func isrStub19()
func isrStub20()
func isrStub21()
func isrStub22()
func isrStub23()
func isrStub24()
func isrStub25()
func isrStub26()
func isrStub27()
func isrStub28()
func isrStub29()
func isrStub30()
func isrStub31()
func isrStub32()
func isrStub33()
func isrStub34()
func isrStub35()
func isrStub36()
func isrStub37()
func isrStub38()
func isrStub39()
func isrStub40()
func isrStub41()
func isrStub42()
func isrStub43()
func isrStub44()
func isrStub45()
func isrStub46()
func isrStub47()
func isrStub128()
