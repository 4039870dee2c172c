// Package goruntime bootstraps Go runtime features - the heap allocator,
// maps, and interfaces - that are unusable until the kernel has its own
// virtual memory mapper running to back runtime.sysAlloc's memory requests.
package goruntime

import (
	"unsafe"

	"github.com/runcodedad/noodleos/kernel"
	"github.com/runcodedad/noodleos/kernel/mem"
	"github.com/runcodedad/noodleos/kernel/mem/pmm"
	"github.com/runcodedad/noodleos/kernel/mem/vmm"
)

// ErrOutOfFrames is returned by Init's installed allocator hooks when the
// physical frame allocator cannot satisfy a runtime memory request.
var ErrOutOfFrames = &kernel.Error{Module: "goruntime", Message: "out of physical frames"}

var (
	// mapFn installs a single page mapping. Init binds it to a real
	// Mapper's MapTo method; tests substitute a recording stub.
	mapFn func(vmm.Page, pmm.Frame, vmm.PageTableEntryFlag) *kernel.Error

	// frameAllocFn allocates a single physical frame, adapting
	// pmm.AllocateFrame's (Frame, bool) result to this package's
	// (Frame, *kernel.Error) convention.
	frameAllocFn = func() (pmm.Frame, *kernel.Error) {
		f, ok := pmm.AllocateFrame()
		if !ok {
			return pmm.InvalidFrame, ErrOutOfFrames
		}
		return f, nil
	}

	// memsetFn zeroes a freshly mapped region. It defaults to
	// kernel.Memset; tests substitute a recording stub.
	memsetFn = func(addr uintptr, value byte, size mem.Size) {
		kernel.Memset(addr, value, uintptr(size))
	}

	earlyReserveRegionFn func(mem.Size) (mem.VirtAddr, *kernel.Error)

	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	// prngSeed seeds the pseudo-random number generator used by
	// getRandomData.
	prngSeed = 0xdeadc0de
)

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// pageRound rounds size up to the next page boundary.
func pageRound(size uintptr) mem.Size {
	return (mem.Size(size) + mem.PageSize - 1) &^ (mem.PageSize - 1)
}

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings. It replaces runtime.sysReserve and is
// required for initializing the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionStart, err := earlyReserveRegionFn(pageRound(size))
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(uintptr(regionStart))
}

// sysMap establishes a mapping for a memory region previously reserved via
// sysReserve. It replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
// Unlike the kernel this is modeled after, pages are backed by distinct
// frames eagerly rather than by a shared copy-on-write zero frame: this
// mapper does not implement copy-on-write semantics, so there is no lazy
// zero page to fault against.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	return mapPages(mem.VirtAddr(uintptr(virtAddr)), size, sysStat)
}

// sysAlloc reserves enough physical frames to satisfy the allocation
// request and establishes a contiguous virtual page mapping for them,
// returning the start of the virtual region. It replaces runtime.sysAlloc
// and is required for initializing the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionStart, err := earlyReserveRegionFn(pageRound(size))
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	return mapPages(regionStart, size, sysStat)
}

func mapPages(regionStart mem.VirtAddr, size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := pageRound(size)
	pageCount := uint64(regionSize) >> mem.PageShift
	flags := vmm.FlagWritable | vmm.FlagNoExecute

	page := vmm.ContainingPage(regionStart)
	for i := uint64(0); i < pageCount; i++ {
		frame, err := frameAllocFn()
		if err != nil {
			return unsafe.Pointer(uintptr(0))
		}
		if err := mapFn(page, frame, flags); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
		memsetFn(uintptr(page.Address()), 0, mem.PageSize)
		page = vmm.Page(page.Address() + mem.VirtAddr(mem.PageSize))
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(uintptr(regionStart))
}

// nanotime returns a monotonically increasing clock value. This is a dummy
// implementation pending a real timekeeper. It replaces runtime.nanotime
// and is invoked by the Go allocator when a span allocation is performed.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	// Prevent the compiler from inlining this away.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData populates r with pseudo-random bytes. The runtime normally
// reads a random stream from /dev/random, which does not exist here.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init wires m as the address space sysAlloc installs mappings into and
// reserveRegion as the source of fresh virtual address ranges, then enables
// heap allocation, map primitives, and interfaces. After Init returns, new,
// make and interface conversions are safe to use.
func Init(m *vmm.Mapper, reserveRegion func(mem.Size) (mem.VirtAddr, *kernel.Error)) *kernel.Error {
	mapFn = m.MapTo
	earlyReserveRegionFn = reserveRegion

	mallocInitFn()
	algInitFn()       // sets up the hash implementation used by map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}
