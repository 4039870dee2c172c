package pmm

import (
	"reflect"
	"sync/atomic"
	"unsafe"

	"github.com/runcodedad/noodleos/kernel"
	"github.com/runcodedad/noodleos/kernel/mem"
	"github.com/runcodedad/noodleos/kernel/mem/multiboot"
)

// ErrNoMemoryMap is returned by Init when the boot memory map carries no
// MemoryMap tag at all, leaving the allocator with nothing to size itself
// from.
var ErrNoMemoryMap = &kernel.Error{Module: "pmm", Message: "boot memory map has no usable memory regions"}

// MaxPhysicalMemory bounds the amount of physical RAM the allocator will
// track. Machines reporting more memory than this are silently capped;
// raising the bound is a deliberate code change, not a runtime option.
const MaxPhysicalMemory = uint64(mem.MaxPhysicalMemory)

// bootMemoryMap is the subset of *multiboot.BootMemoryMap the allocator
// needs. It is expressed as an interface so tests can supply a fixed region
// list without constructing a real Multiboot2 blob.
type bootMemoryMap interface {
	MemoryMap() *multiboot.MemoryMapIterator
}

var (
	// bitmap overlays the physical memory region reserved for the bitmap's
	// own storage. Bit k (byte k/8, bit k%8) represents frame k; 0 is free,
	// 1 is allocated or reserved.
	bitmap []byte

	// totalFrames is the number of frames tracked by bitmap.
	totalFrames uint64

	// freeCount is mutated with sync/atomic so it can be read without
	// external locking even though bitmap and hint cannot be.
	freeCount uint64

	// hint is the next bit index allocate_frame will start scanning from.
	// Like bitmap, it requires external exclusion (an interrupts-disabled
	// section or a spinlock) when called from more than one path.
	hint uint64

	// bitmapStorageFn materializes the byte slice backing the bitmap at
	// the given physical address. It is overridden by tests (which have
	// no physical memory of their own to write into) and is automatically
	// inlined by the compiler in the production build.
	bitmapStorageFn = byteSliceAt
)

// Init performs the allocator's single-call lifecycle: it sizes the bitmap
// from the highest region reported by bootMap (capped at MaxPhysicalMemory),
// places the bitmap's storage just past the kernel image, marks everything
// reserved, then frees the Available regions and re-reserves the kernel
// image and the bitmap's own frames. It must be called exactly once, before
// any other function in this package.
func Init(bootMap bootMemoryMap, kernelStart, kernelEnd mem.PhysAddr) *kernel.Error {
	highest, err := highestRegionEnd(bootMap)
	if err != nil {
		return err
	}
	if highest > MaxPhysicalMemory {
		highest = MaxPhysicalMemory
	}

	totalFrames = highest / uint64(mem.PageSize)
	bitmapBytes := (totalFrames + 7) / 8

	bitmapAddr := kernelEnd.AlignUp(uint64(mem.PageSize))
	bitmap = bitmapStorageFn(uintptr(bitmapAddr), int(bitmapBytes))

	for i := range bitmap {
		bitmap[i] = 0xFF
	}

	it := bootMap.MemoryMap()
	for it != nil {
		region, ok := it.Next()
		if !ok {
			break
		}
		if region.Type != multiboot.MemAvailable {
			continue
		}
		markFreeRange(region.BaseAddr/uint64(mem.PageSize), ceilDiv(region.BaseAddr+region.Length, uint64(mem.PageSize)))
	}

	markAllocatedRange(uint64(kernelStart)/uint64(mem.PageSize), ceilDiv(uint64(kernelEnd), uint64(mem.PageSize)))

	bitmapStart := uint64(bitmapAddr) / uint64(mem.PageSize)
	bitmapEnd := ceilDiv(uint64(bitmapAddr)+bitmapBytes, uint64(mem.PageSize))
	markAllocatedRange(bitmapStart, bitmapEnd)

	var free uint64
	for idx := uint64(0); idx < totalFrames; idx++ {
		if !isSet(idx) {
			free++
		}
	}
	atomic.StoreUint64(&freeCount, free)
	hint = 0

	return nil
}

// highestRegionEnd scans all regions (Available or not) for the highest
// base+length, matching the "highest reported address" rule used to size
// the bitmap regardless of region usability.
func highestRegionEnd(bootMap bootMemoryMap) (uint64, *kernel.Error) {
	it := bootMap.MemoryMap()
	if it == nil {
		return 0, ErrNoMemoryMap
	}

	var highest uint64
	for {
		region, ok := it.Next()
		if !ok {
			break
		}
		if end := region.BaseAddr + region.Length; end > highest {
			highest = end
		}
	}
	return highest, nil
}

// AllocateFrame performs a first-fit scan starting at hint, wrapping to 0
// once on exhaustion. It returns (frame, true) on success or (InvalidFrame,
// false) if no frame is free.
func AllocateFrame() (Frame, bool) {
	if idx, ok := scanRange(hint, totalFrames); ok {
		setBit(idx)
		atomic.AddUint64(&freeCount, ^uint64(0)) // -1
		hint = idx + 1
		return FrameFromIndex(idx), true
	}

	if hint != 0 {
		if idx, ok := scanRange(0, hint); ok {
			setBit(idx)
			atomic.AddUint64(&freeCount, ^uint64(0))
			hint = idx + 1
			return FrameFromIndex(idx), true
		}
	}

	return InvalidFrame, false
}

// AllocateFrames allocates n contiguous frames. For n == 0 it returns
// (InvalidFrame, false). For n == 1 it delegates to AllocateFrame. For n > 1
// it always scans for the lowest run of n free bits starting at frame 0,
// deliberately ignoring hint: contiguous runs are rare enough that a
// hint-guided scan rarely pays off, so the allocator always does a full
// sweep instead.
func AllocateFrames(n uint64) (Frame, bool) {
	switch {
	case n == 0:
		return InvalidFrame, false
	case n == 1:
		return AllocateFrame()
	}

	var run, start uint64
	for idx := uint64(0); idx < totalFrames; idx++ {
		if isSet(idx) {
			run = 0
			continue
		}
		if run == 0 {
			start = idx
		}
		run++
		if run == n {
			for i := uint64(0); i < n; i++ {
				setBit(start + i)
			}
			atomic.AddUint64(&freeCount, ^(n - 1))
			hint = start + n
			return FrameFromIndex(start), true
		}
	}

	return InvalidFrame, false
}

// FreeFrame releases a frame previously returned by AllocateFrame or
// AllocateFrames. The caller must guarantee the frame is no longer
// referenced by any live mapping.
func FreeFrame(f Frame) {
	idx := f.Index()
	if idx >= totalFrames || !isSet(idx) {
		return
	}
	clearBit(idx)
	atomic.AddUint64(&freeCount, 1)
	if idx < hint {
		hint = idx
	}
}

// FreeFrames releases n consecutive frames starting at f. It is idempotent:
// bits that are already clear are left untouched and do not affect
// free_count.
func FreeFrames(f Frame, n uint64) {
	start := f.Index()
	for i := uint64(0); i < n; i++ {
		FreeFrame(FrameFromIndex(start + i))
	}
}

// Stats returns the total number of tracked frames, the number currently
// free, and the number currently allocated.
func Stats() (total, free, allocated uint64) {
	total = totalFrames
	free = atomic.LoadUint64(&freeCount)
	return total, free, total - free
}

// FreeCount returns the current free frame count.
func FreeCount() uint64 {
	return atomic.LoadUint64(&freeCount)
}

// PrintStats is a diagnostic helper that writes the allocator's current
// totals to the supplied printer. It is not part of the core contract.
func PrintStats(printf func(format string, args ...interface{})) {
	total, free, allocated := Stats()
	printf("[pmm] frames: %d total, %d free, %d allocated\n", total, free, allocated)
	printf("[pmm] available: %d KiB, allocated: %d KiB\n",
		free*uint64(mem.PageSize)/1024, allocated*uint64(mem.PageSize)/1024)
}

func scanRange(start, end uint64) (uint64, bool) {
	for idx := start; idx < end; idx++ {
		if !isSet(idx) {
			return idx, true
		}
	}
	return 0, false
}

func markFreeRange(startFrame, endFrame uint64) {
	startFrame, endFrame = clipRange(startFrame, endFrame)
	for idx := startFrame; idx < endFrame; idx++ {
		clearBit(idx)
	}
}

func markAllocatedRange(startFrame, endFrame uint64) {
	startFrame, endFrame = clipRange(startFrame, endFrame)
	for idx := startFrame; idx < endFrame; idx++ {
		setBit(idx)
	}
}

func clipRange(start, end uint64) (uint64, uint64) {
	if start > totalFrames {
		start = totalFrames
	}
	if end > totalFrames {
		end = totalFrames
	}
	if end < start {
		end = start
	}
	return start, end
}

func isSet(idx uint64) bool {
	return bitmap[idx/8]&(1<<(idx%8)) != 0
}

func setBit(idx uint64) {
	bitmap[idx/8] |= 1 << (idx % 8)
}

func clearBit(idx uint64) {
	bitmap[idx/8] &^= 1 << (idx % 8)
}

func ceilDiv(v, d uint64) uint64 {
	return (v + d - 1) / d
}

// byteSliceAt overlays a []byte of the given length on top of a raw
// physical address, the same technique kernel.Memset and the multiboot
// parser use to read/write firmware- or hardware-owned memory without a
// heap.
func byteSliceAt(addr uintptr, length int) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  length,
		Cap:  length,
	}))
}
