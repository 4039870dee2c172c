// Package console implements the narrow text console this kernel exposes
// to the rest of the system: a fixed-size grid of cells, each holding a
// character and a color attribute, backed by raw video memory.
package console

import (
	"reflect"
	"unsafe"
)

// Attr is a color attribute packed as (background<<4)|foreground.
type Attr uint16

// The set of foreground/background colors a cell can carry.
const (
	Black Attr = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGrey
	Grey
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	LightBrown
	White
)

// ScrollDir is a direction passed to Vga.Scroll.
type ScrollDir uint8

// The supported scroll directions.
const (
	Up ScrollDir = iota
	Down
)

const (
	clearColor = Black
	clearChar  = byte(' ')

	vgaPhysAddr = uintptr(0xB8000)
	vgaWidth    = 80
	vgaHeight   = 25
)

// Vga implements a VGA-compatible text-mode console. It overlays its cell
// grid directly on top of the VGA framebuffer's physical address; there is
// no software-owned copy, matching the kernel's pre-allocator execution
// environment.
type Vga struct {
	width  uint16
	height uint16

	fb []uint16
}

// Init sets up the console at its fixed 80x25 text-mode geometry.
func (cons *Vga) Init() {
	cons.width = vgaWidth
	cons.height = vgaHeight

	if cons.fb != nil {
		return
	}

	cons.fb = *(*[]uint16)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(cons.width) * int(cons.height),
		Cap:  int(cons.width) * int(cons.height),
		Data: vgaPhysAddr,
	}))
}

// InitAt behaves like Init but overlays the grid at fbPhysAddr with the
// given dimensions instead of the fixed VGA geometry; tests use this to
// point the console at a heap-backed buffer.
func (cons *Vga) InitAt(width, height uint16, fbPhysAddr uintptr) {
	cons.width = width
	cons.height = height
	cons.fb = *(*[]uint16)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(width) * int(height),
		Cap:  int(width) * int(height),
		Data: fbPhysAddr,
	}))
}

// Dimensions returns the console width and height in characters.
func (cons *Vga) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// Clear clears the specified rectangular region.
func (cons *Vga) Clear(x, y, width, height uint16) {
	var (
		attr                 = uint16((clearColor << 4) | clearColor)
		clr                  = attr | uint16(clearChar)
		rowOffset, colOffset uint16
	)

	if x >= cons.width {
		x = cons.width
	}
	if y >= cons.height {
		y = cons.height
	}
	if x+width > cons.width {
		width = cons.width - x
	}
	if y+height > cons.height {
		height = cons.height - y
	}

	rowOffset = (y * cons.width) + x
	for ; height > 0; height, rowOffset = height-1, rowOffset+cons.width {
		for colOffset = rowOffset; colOffset < rowOffset+width; colOffset++ {
			cons.fb[colOffset] = clr
		}
	}
}

// Scroll moves the console contents lines cells in the given direction.
func (cons *Vga) Scroll(dir ScrollDir, lines uint16) {
	if lines == 0 || lines > cons.height {
		return
	}

	var i uint16
	offset := lines * cons.width

	switch dir {
	case Up:
		for ; i < (cons.height-lines)*cons.width; i++ {
			cons.fb[i] = cons.fb[i+offset]
		}
	case Down:
		for i = cons.height*cons.width - 1; i >= lines*cons.width; i-- {
			cons.fb[i] = cons.fb[i-offset]
		}
	}
}

// Write writes a single char with the given attribute at (x, y).
func (cons *Vga) Write(ch byte, attr Attr, x, y uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}

	cons.fb[(y*cons.width)+x] = (uint16(attr) << 8) | uint16(ch)
}
