// Package pmm implements the bitmap-based physical frame allocator.
package pmm

import (
	"math"

	"github.com/runcodedad/noodleos/kernel/mem"
)

// Frame identifies a 4 KiB-aligned region of physical memory by its starting
// address.
type Frame mem.PhysAddr

// InvalidFrame is returned by allocation functions that fail to reserve a
// frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is not the InvalidFrame sentinel.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of this frame.
func (f Frame) Address() mem.PhysAddr {
	return mem.PhysAddr(f)
}

// Index returns the bitmap bit index for this frame.
func (f Frame) Index() uint64 {
	return uint64(f) >> mem.PageShift
}

// FrameFromIndex constructs the Frame whose address is idx*PageSize.
func FrameFromIndex(idx uint64) Frame {
	return Frame(idx << mem.PageShift)
}

// ContainingAddress returns the Frame that contains the given physical
// address, rounding down to the nearest page boundary.
func ContainingAddress(addr mem.PhysAddr) Frame {
	return Frame(addr.AlignDown(uint64(mem.PageSize)))
}
