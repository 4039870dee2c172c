package console

const (
	defaultFg = LightGrey
	defaultBg = Black
	tabWidth  = 4
)

// Terminal implements a simple line discipline over a Vga console: it
// tracks a cursor position, interprets CR/LF/BS/TAB, and scrolls the
// console when the cursor runs off the bottom. It is the console
// collaborator the rest of the kernel prints through; outside this package
// a Vga is only initialized and attached to a Terminal, never written to.
//
// Terminal holds a concrete *Vga rather than a Console interface: Go
// interfaces require the runtime's itable machinery, which is not yet
// initialized at the point the kernel first needs to print.
type Terminal struct {
	cons *Vga

	width  uint16
	height uint16

	curX    uint16
	curY    uint16
	curAttr Attr
}

// AttachTo links the terminal with the given console and adopts its
// dimensions, resetting the cursor to the origin.
func (t *Terminal) AttachTo(cons *Vga) {
	t.cons = cons
	t.width, t.height = cons.Dimensions()
	t.curX = 0
	t.curY = 0
	t.curAttr = makeAttr(defaultFg, defaultBg)
}

// Clear clears the terminal and resets the cursor.
func (t *Terminal) Clear() {
	t.cons.Clear(0, 0, t.width, t.height)
	t.curX, t.curY = 0, 0
}

// Position returns the current cursor position (x, y).
func (t *Terminal) Position() (uint16, uint16) {
	return t.curX, t.curY
}

// SetPosition sets the current cursor position, clamped to the terminal's
// dimensions.
func (t *Terminal) SetPosition(x, y uint16) {
	if x >= t.width {
		x = t.width - 1
	}
	if y >= t.height {
		y = t.height - 1
	}
	t.curX, t.curY = x, y
}

// Print writes s to the terminal, interpreting control characters. This is
// the narrow console contract the rest of the kernel (boot diagnostics,
// kfmt's output sink, panic) is written against.
func (t *Terminal) Print(s string) {
	for i := 0; i < len(s); i++ {
		t.writeByte(s[i])
	}
}

// Write implements io.Writer over Print, so a Terminal can be installed as
// kfmt's output sink.
func (t *Terminal) Write(data []byte) (int, error) {
	for _, b := range data {
		t.writeByte(b)
	}
	return len(data), nil
}

func (t *Terminal) writeByte(b byte) {
	switch b {
	case '\r':
		t.cr()
	case '\n':
		t.cr()
		t.lf()
	case '\b':
		if t.curX > 0 {
			t.cons.Write(' ', t.curAttr, t.curX, t.curY)
			t.curX--
		}
	case '\t':
		for i := 0; i < tabWidth; i++ {
			t.cons.Write(' ', t.curAttr, t.curX, t.curY)
			t.curX++
			if t.curX == t.width {
				t.cr()
				t.lf()
			}
		}
	default:
		t.cons.Write(b, t.curAttr, t.curX, t.curY)
		t.curX++
		if t.curX == t.width {
			t.cr()
			t.lf()
		}
	}
}

func (t *Terminal) cr() {
	t.curX = 0
}

func (t *Terminal) lf() {
	if t.curY+1 < t.height {
		t.curY++
		return
	}

	t.cons.Scroll(Up, 1)
	t.cons.Clear(0, t.height-1, t.width, 1)
}

func makeAttr(fg, bg Attr) Attr {
	return (bg << 4) | (fg & 0xF)
}
