package vmm

import (
	"github.com/runcodedad/noodleos/kernel"
	"github.com/runcodedad/noodleos/kernel/mem"
)

// earlyReserveCeiling bounds the top of the region EarlyReserveRegion carves
// virtual address ranges out of. It sits well above any identity-mapped
// physical range the boot loader could plausibly hand back, in the canonical
// higher half of the address space.
const earlyReserveCeiling = mem.VirtAddr(0xffff_ffff_c000_0000)

var (
	// earlyReserveNext tracks the low edge of the region reserved so far;
	// each call to EarlyReserveRegion moves it further down.
	earlyReserveNext = earlyReserveCeiling

	// errEarlyReserveExhausted is returned once a reservation request
	// would walk earlyReserveNext below address 0.
	errEarlyReserveExhausted = &kernel.Error{Module: "vmm", Message: "early reserve region exhausted"}
)

// EarlyReserveRegion carves out a page-aligned, contiguous range of size
// bytes (rounded up to a page boundary) from the top of the kernel's virtual
// address space and returns its starting address. It hands out fresh,
// non-overlapping ranges on every call and never reuses one; it has no way
// to give a region back. It is meant to be used only while bootstrapping the
// allocator-backed parts of the runtime, before a general-purpose virtual
// memory allocator exists.
func EarlyReserveRegion(size mem.Size) (mem.VirtAddr, *kernel.Error) {
	size = (size + mem.PageSize - 1) &^ (mem.PageSize - 1)

	if mem.VirtAddr(size) > earlyReserveNext {
		return 0, errEarlyReserveExhausted
	}

	earlyReserveNext -= mem.VirtAddr(size)
	return earlyReserveNext, nil
}
