package irq

import (
	"kiwios/kernel/cpu"
	"kiwios/kernel/gate"
)

// 8259 PIC I/O ports and initialization command words. The PIC is always
// remapped at Init, whether or not the LAPIC ends up handling delivery,
// since stray spurious interrupts on the legacy vectors 8-15 would
// otherwise collide with CPU exceptions.
const (
	picMasterCommand = 0x20
	picMasterData    = 0x21
	picSlaveCommand  = 0xA0
	picSlaveData     = 0xA1

	picEOI = 0x20

	icw1Init     = 0x11
	icw4Mode8086 = 0x01
)

// outBFn is mocked by tests and inlined by the compiler otherwise; real
// port I/O would fault when a test runs without IOPL/CPL 0.
var outBFn = cpu.OutB

// ioWait burns a write to an unused port, giving the PIC time to latch the
// previous command on real hardware where back to back writes can outrun
// it.
func ioWait() {
	outBFn(0x80, 0)
}

// remapPIC moves IRQ0-7 to vectors IRQBase..IRQBase+7 and IRQ8-15 to
// IRQBase+8..IRQBase+15, then masks every line except IRQ0 (the timer).
func remapPIC() {
	outBFn(picMasterCommand, icw1Init)
	ioWait()
	outBFn(picSlaveCommand, icw1Init)
	ioWait()

	outBFn(picMasterData, uint8(gate.IRQBase))
	ioWait()
	outBFn(picSlaveData, uint8(gate.IRQBase)+8)
	ioWait()

	outBFn(picMasterData, 4) // ICW3: slave PIC sits behind IRQ2
	ioWait()
	outBFn(picSlaveData, 2) // ICW3: slave's cascade identity
	ioWait()

	outBFn(picMasterData, icw4Mode8086)
	ioWait()
	outBFn(picSlaveData, icw4Mode8086)
	ioWait()

	outBFn(picMasterData, 0xFE) // all masked except IRQ0
	outBFn(picSlaveData, 0xFF)
}

// sendPICEOI acknowledges vector on the PIC(s). The slave must be
// acknowledged first whenever the interrupt came from one of its lines.
func sendPICEOI(vector uint8) {
	if vector >= uint8(gate.IRQBase)+8 {
		outBFn(picSlaveCommand, picEOI)
	}
	outBFn(picMasterCommand, picEOI)
}
