// Package serial drives a 16550-compatible UART (COM1) as a secondary log
// sink, independent of the framebuffer console: useful when nothing is
// attached to the display, or during early boot before the framebuffer is
// mapped.
package serial

import "kiwios/kernel/cpu"

const com1 = 0x3F8

const (
	regData = iota
	regIntEnable
	regFIFOCtrl
	regLineCtrl
	regModemCtrl
	regLineStatus
)

const lsrTransmitEmpty = 0x20

var (
	inbFn  = cpu.InB
	outbFn = cpu.OutB
)

// Port is a single serial line. The zero value talks to COM1.
type Port struct {
	base uint16
}

// COM1 returns the Port for the first serial line.
func COM1() *Port { return &Port{base: com1} }

// Init programs the line for 38400 8N1 with FIFOs enabled, verifying the
// UART is actually present via a loopback self-test before leaving
// loopback mode. Reports false if the self-test fails, in which case the
// port must not be used.
func (p *Port) Init() bool {
	outbFn(p.base+regIntEnable, 0x00)

	outbFn(p.base+regLineCtrl, 0x80) // enable DLAB
	outbFn(p.base+regData, 0x03)     // divisor low: 38400 baud
	outbFn(p.base+regIntEnable, 0x00)
	outbFn(p.base+regLineCtrl, 0x03) // 8 bits, no parity, one stop bit
	outbFn(p.base+regFIFOCtrl, 0xC7) // enable FIFO, clear, 14 byte threshold
	outbFn(p.base+regModemCtrl, 0x0B)

	outbFn(p.base+regModemCtrl, 0x1E) // loopback
	outbFn(p.base+regData, 0xAE)
	if inbFn(p.base+regData) != 0xAE {
		outbFn(p.base+regModemCtrl, 0x0F)
		return false
	}

	outbFn(p.base+regModemCtrl, 0x0F) // normal operation
	return true
}

func (p *Port) transmitEmpty() bool {
	return inbFn(p.base+regLineStatus)&lsrTransmitEmpty != 0
}

// WriteByte sends one byte, translating '\n' to "\r\n".
func (p *Port) WriteByte(c byte) {
	if c == '\n' {
		p.WriteByte('\r')
	}
	for !p.transmitEmpty() {
		cpu.Pause()
	}
	outbFn(p.base+regData, c)
}

// WriteString sends every byte of s in order.
func (p *Port) WriteString(s string) {
	for i := 0; i < len(s); i++ {
		p.WriteByte(s[i])
	}
}

// Write implements io.Writer so a Port can back a kfmt output sink.
func (p *Port) Write(b []byte) (int, error) {
	for _, c := range b {
		p.WriteByte(c)
	}
	return len(b), nil
}
