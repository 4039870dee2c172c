package vmm

import (
	"unsafe"

	"github.com/runcodedad/noodleos/kernel"
	"github.com/runcodedad/noodleos/kernel/mem"
	"github.com/runcodedad/noodleos/kernel/mem/pmm"
)

var (
	// ErrPageAlreadyMapped is returned by MapTo when the target leaf entry
	// is already present.
	ErrPageAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page already mapped"}

	// ErrNotMapped is returned by Unmap and UpdateFlags when the target
	// page has no live mapping. Translate reports the same condition by
	// returning ok=false rather than this error, since a missing
	// translation is an expected outcome there, not a programmer error.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "page not mapped"}

	// ErrParentEntryHugePage is returned by any walk that encounters a
	// huge-page leaf at an inner level; this mapper only manages 4 KiB
	// leaves and refuses to shadow a huge mapping.
	ErrParentEntryHugePage = &kernel.Error{Module: "vmm", Message: "parent entry maps a huge page"}

	// ErrFrameAllocationFailed is returned when the frame allocator cannot
	// satisfy a request for a new intermediate table or a fresh leaf
	// frame.
	ErrFrameAllocationFailed = &kernel.Error{Module: "vmm", Message: "frame allocation failed"}
)

var (
	// tableAtFn resolves the physical frame backing an intermediate table
	// to a usable *PageTable pointer. In production this is a direct
	// dereference of the frame's physical address (the kernel runs with
	// an identity or offset mapping that makes this valid); tests
	// override it to index into heap-backed tables instead.
	tableAtFn = func(f pmm.Frame) *PageTable {
		return (*PageTable)(unsafe.Pointer(uintptr(f.Address())))
	}

	// zeroTableFn clears a freshly allocated table before it is linked
	// into its parent. Overridden by tests to avoid the raw-address
	// overlay kernel.Memset performs in production.
	zeroTableFn = func(t *PageTable) {
		kernel.Memset(uintptr(unsafe.Pointer(t)), 0, unsafe.Sizeof(PageTable{}))
	}

	// flushPageFn invalidates a single TLB entry. Overridden by tests,
	// which run with no TLB to invalidate.
	flushPageFn = FlushPage
)

// FrameAllocatorFn allocates a single physical frame, mirroring
// pmm.AllocateFrame's contract through the mapper's own error type.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// FrameFreeFn releases a physical frame back to the allocator it came from.
type FrameFreeFn func(pmm.Frame)

// Mapper owns a mutable reference to an address space's root PML4 and the
// frame allocator used to materialize intermediate tables. It provides
// translation and mutation for that single address-space root; it never
// manages more than one PML4 at a time.
type Mapper struct {
	root       *PageTable
	allocFrame FrameAllocatorFn
	freeFrame  FrameFreeFn
}

// NewMapper builds a Mapper over the given PML4, using allocFrame to
// materialize intermediate tables and freeFrame to return frames that Map
// allocated but could not ultimately use.
func NewMapper(root *PageTable, allocFrame FrameAllocatorFn, freeFrame FrameFreeFn) *Mapper {
	return &Mapper{root: root, allocFrame: allocFrame, freeFrame: freeFrame}
}

// walk descends from the PML4 to the level-1 (PT) entry that would
// correspond to v, returning a pointer to that entry. For levels 4, 3 and 2,
// a missing intermediate table is either treated as ErrNotMapped (lookup
// mode, create=false) or materialized via allocFrame and zeroed before being
// linked in (create mode, create=true). A huge-page leaf encountered at any
// inner level aborts the walk with ErrParentEntryHugePage; this mapper never
// shadows huge mappings.
func (m *Mapper) walk(v mem.VirtAddr, create bool) (*PageTableEntry, *kernel.Error) {
	table := m.root

	for level := uint8(pageLevels); level > 1; level-- {
		entry := table.Entry(v.Index(level))

		if !entry.HasFlags(FlagPresent) {
			if !create {
				return nil, ErrNotMapped
			}

			frame, err := m.allocFrame()
			if err != nil {
				return nil, ErrFrameAllocationFailed
			}

			child := tableAtFn(frame)
			zeroTableFn(child)

			entry.SetUnused()
			entry.SetFrame(frame)
			entry.SetFlags(FlagPresent | FlagWritable | FlagUserAccessible)

			table = child
			continue
		}

		if entry.HasFlags(FlagHugePage) {
			return nil, ErrParentEntryHugePage
		}

		table = tableAtFn(entry.Frame())
	}

	return table.Entry(v.Index(1)), nil
}

// MapTo installs a mapping from page to frame with the given flags,
// allocating any missing intermediate tables along the way. PRESENT is
// always forced into flags. If the leaf entry is already in use, MapTo
// fails with ErrPageAlreadyMapped and leaves all state untouched;
// intermediate tables allocated during the walk before the failure is
// detected are left installed (they are empty and harmless, and undoing
// them would only cost more bitmap churn on the next attempt). No TLB flush
// is issued, since the page was not previously present.
func (m *Mapper) MapTo(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	flags |= FlagPresent

	entry, err := m.walk(page.Address(), true)
	if err != nil {
		return err
	}

	if !entry.IsUnused() {
		return ErrPageAlreadyMapped
	}

	entry.SetFrame(frame)
	entry.SetFlags(flags)
	return nil
}

// Map allocates a fresh frame and installs it at page via MapTo. If MapTo
// fails, the freshly allocated frame is returned to the allocator before the
// error is propagated.
func (m *Mapper) Map(page Page, flags PageTableEntryFlag) (pmm.Frame, *kernel.Error) {
	frame, err := m.allocFrame()
	if err != nil {
		return pmm.InvalidFrame, ErrFrameAllocationFailed
	}

	if err := m.MapTo(page, frame, flags); err != nil {
		m.freeFrame(frame)
		return pmm.InvalidFrame, err
	}

	return frame, nil
}

// Unmap walks in lookup mode and, if the leaf is in use, clears it and
// invalidates its TLB entry, returning the frame it held. The frame itself
// is not freed; that is the caller's decision.
func (m *Mapper) Unmap(page Page) (pmm.Frame, *kernel.Error) {
	entry, err := m.walk(page.Address(), false)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	if entry.IsUnused() {
		return pmm.InvalidFrame, ErrNotMapped
	}

	frame := entry.Frame()
	entry.SetUnused()
	flushPageFn(page.Address())
	return frame, nil
}

// UpdateFlags rewrites the flag bits of an already-mapped page, preserving
// its frame address, and invalidates its TLB entry. PRESENT is always
// forced into flags.
func (m *Mapper) UpdateFlags(page Page, flags PageTableEntryFlag) *kernel.Error {
	flags |= FlagPresent

	entry, err := m.walk(page.Address(), false)
	if err != nil {
		return err
	}

	if entry.IsUnused() {
		return ErrNotMapped
	}

	frame := entry.Frame()
	entry.SetUnused()
	entry.SetFrame(frame)
	entry.SetFlags(flags)
	flushPageFn(page.Address())
	return nil
}

// Translate resolves a virtual address to its physical address. It returns
// ok=false if any intermediate table is missing or if the final leaf is
// unused; this is the expected shape of a miss, not a programmer error.
func (m *Mapper) Translate(addr mem.VirtAddr) (mem.PhysAddr, bool) {
	entry, err := m.walk(addr, false)
	if err != nil || entry.IsUnused() {
		return 0, false
	}

	return entry.Frame().Address() + mem.PhysAddr(addr.PageOffset()), true
}

// IdentityMap maps frame at the page containing its own address. The caller
// must ensure that address is canonical.
func (m *Mapper) IdentityMap(frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	page := ContainingPage(mem.VirtAddr(frame.Address()))
	return m.MapTo(page, frame, flags)
}
