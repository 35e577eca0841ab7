// Package console implements the framebuffer/console log sink contract.
// Framebuffer rendering detail (font rasterization, double buffering,
// palette tuning) is explicitly out of scope: console acts purely as a log
// sink and a legible panic-dump surface, so this package keeps a text-cell
// model (character, foreground, background) and renders each cell as a
// solid-colored block rather than shipping a bitmap font.
package console

import (
	"kiwios/kernel/limine"
)

// Level classifies a log line.
type Level uint8

const (
	Info Level = iota
	OK
	Err
)

func (l Level) String() string {
	switch l {
	case OK:
		return "OK"
	case Err:
		return "ERR"
	default:
		return "INFO"
	}
}

// Sink is the log-sink contract the rest of the kernel writes through.
// Thread-unsafety is acceptable during single-threaded init.
type Sink interface {
	Write(level Level, component, message string)
}

// Device is the panic-path contract: enough control to repaint the screen
// legibly (repaint the console, dump the frame and CR2).
type Device interface {
	Sink
	SetColors(fg, bg uint32)
	ResetScrollback()
	Clear()
	Render()
}

const (
	cellWidth  = 8
	cellHeight = 16
	defaultFg  = 0xAAAAAA
	defaultBg  = 0x000000
	errFg      = 0xFF5555
)

type cell struct {
	fg, bg uint32
	set    bool
}

// FramebufferConsole is the concrete Device backing the kernel's log
// output. It owns a grid of text cells sized to the framebuffer reported by
// the boot protocol and a scrollback buffer of additional rows.
type FramebufferConsole struct {
	fb limine.Framebuffer

	cols, visibleRows int
	scrollbackRows    int
	totalRows         int

	cells []cell

	cursorCol, cursorRow int
	curFg, curBg         uint32

	pixels []uint32 // HHDM-mapped framebuffer, one uint32 per pixel
}

// NewFramebufferConsole creates a console over the given framebuffer with
// the requested number of additional scrollback rows. pixels must already
// be addressable (e.g. through hhdm.ToVirt, as kmain does) and cover
// fb.Pitch*fb.Height bytes.
func NewFramebufferConsole(fb limine.Framebuffer, pixels []uint32, scrollbackRows int) *FramebufferConsole {
	cols := int(fb.Width) / cellWidth
	rows := int(fb.Height) / cellHeight
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}

	c := &FramebufferConsole{
		fb:             fb,
		cols:           cols,
		visibleRows:    rows,
		scrollbackRows: scrollbackRows,
		totalRows:      rows + scrollbackRows,
		curFg:          defaultFg,
		curBg:          defaultBg,
		pixels:         pixels,
	}
	c.cells = make([]cell, c.cols*c.totalRows)
	c.Clear()
	return c
}

// SetColors changes the foreground/background color used for subsequent
// writes.
func (c *FramebufferConsole) SetColors(fg, bg uint32) {
	c.curFg, c.curBg = fg, bg
}

// ResetScrollback discards every buffered row, scrollback included, and
// returns the cursor to the top-left cell, so the panic dump that follows
// starts on an empty, fully visible screen. Its effect is the same as Clear.
func (c *FramebufferConsole) ResetScrollback() {
	for i := range c.cells {
		c.cells[i] = cell{}
	}
	c.cursorCol, c.cursorRow = 0, 0
}

// Clear blanks every cell back to background and resets the cursor to the
// top-left cell.
func (c *FramebufferConsole) Clear() {
	for i := range c.cells {
		c.cells[i] = cell{}
	}
	c.cursorCol, c.cursorRow = 0, 0
}

// Write implements Sink: it prints "[component] message" prefixed by the
// level, using red for Err so the panic path stands out.
func (c *FramebufferConsole) Write(level Level, component, message string) {
	fg := c.curFg
	if level == Err {
		fg = errFg
	}
	c.writeString("["+level.String()+"] ["+component+"] "+message+"\n", fg, c.curBg)
}

func (c *FramebufferConsole) writeString(s string, fg, bg uint32) {
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; ch {
		case '\n':
			c.newline()
		default:
			c.putCell(ch, fg, bg)
		}
	}
}

func (c *FramebufferConsole) putCell(ch byte, fg, bg uint32) {
	if c.cursorCol >= c.cols {
		c.newline()
	}
	idx := c.cursorRow*c.cols + c.cursorCol
	c.cells[idx] = cell{fg: fg, bg: bg, set: ch != ' '}
	c.cursorCol++
}

func (c *FramebufferConsole) newline() {
	c.cursorCol = 0
	c.cursorRow++
	if c.cursorRow >= c.totalRows {
		// scroll the whole buffer up by one row
		copy(c.cells, c.cells[c.cols:])
		for i := len(c.cells) - c.cols; i < len(c.cells); i++ {
			c.cells[i] = cell{}
		}
		c.cursorRow = c.totalRows - 1
	}
}

// Render blits every visible cell to the framebuffer as a solid
// foreground/background colored block. The visible rows are the ones
// ending at the cursor's row (the first rows of the buffer until the cursor
// has moved past them). Glyph rasterization is out of scope; this keeps the
// contract's behavior observable without shipping font data.
func (c *FramebufferConsole) Render() {
	if c.pixels == nil {
		return
	}
	pitchPixels := int(c.fb.Pitch) / 4
	firstRow := c.cursorRow - c.visibleRows + 1
	if firstRow < 0 {
		firstRow = 0
	}
	for row := 0; row < c.visibleRows; row++ {
		for col := 0; col < c.cols; col++ {
			cl := c.cells[(row+firstRow)*c.cols+col]
			color := cl.bg
			if cl.set {
				color = cl.fg
			}
			c.fillCell(col, row, color, pitchPixels)
		}
	}
}

func (c *FramebufferConsole) fillCell(col, row int, color uint32, pitchPixels int) {
	baseX := col * cellWidth
	baseY := row * cellHeight
	for y := 0; y < cellHeight; y++ {
		rowOff := (baseY+y)*pitchPixels + baseX
		if rowOff+cellWidth > len(c.pixels) {
			return
		}
		for x := 0; x < cellWidth; x++ {
			c.pixels[rowOff+x] = color
		}
	}
}

var _ Device = (*FramebufferConsole)(nil)
