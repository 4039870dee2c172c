package vmm

import (
	"github.com/runcodedad/noodleos/kernel/mem"
	"github.com/runcodedad/noodleos/kernel/mem/pmm"
)

// PageTableEntryFlag describes a single flag bit of a page table entry. The
// bit positions are dictated by the x86_64 MMU, not by this package.
type PageTableEntryFlag uintptr

// The flag bits of a page table entry. Bit positions are mandated by
// hardware; NoExecute lives in the otherwise-unused high bit of the word.
const (
	FlagPresent PageTableEntryFlag = 1 << iota
	FlagWritable
	FlagUserAccessible
	FlagWriteThrough
	FlagNoCache
	FlagAccessed
	FlagDirty
	FlagHugePage
	FlagGlobal
)

// FlagNoExecute occupies bit 63 and forbids instruction fetches through the
// mapping.
const FlagNoExecute PageTableEntryFlag = 1 << 63

// ptePhysPageMask selects bits 12..51 of an entry: the physical address of
// the frame or child table it points to.
const ptePhysPageMask = uintptr(0x000f_ffff_ffff_f000)

// PageTableEntry is a single 64-bit word of a PageTable. Bits 0..11 carry
// flags, bits 12..51 carry a 4 KiB-aligned physical address, and bit 63
// carries FlagNoExecute.
type PageTableEntry uintptr

// IsUnused reports whether the entire entry word is zero.
func (pte PageTableEntry) IsUnused() bool {
	return pte == 0
}

// SetUnused clears the entry back to the zero word.
func (pte *PageTableEntry) SetUnused() {
	*pte = 0
}

// HasFlags returns true if this entry has every flag in the set set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return uintptr(pte)&uintptr(flags) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one flag in the set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return uintptr(pte)&uintptr(flags) != 0
}

// SetFlags ORs the given flags into the entry without disturbing the stored
// address.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = PageTableEntry(uintptr(*pte) | uintptr(flags))
}

// ClearFlags clears the given flags from the entry without disturbing the
// stored address.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = PageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame this entry points to. The flag bits
// are masked out.
func (pte PageTableEntry) Frame() pmm.Frame {
	return pmm.Frame(mem.PhysAddr(uintptr(pte) & ptePhysPageMask))
}

// SetFrame rewrites the entry's address bits to point at frame, leaving its
// flag bits untouched. The frame address must already be 4 KiB aligned.
func (pte *PageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = PageTableEntry((uintptr(*pte) &^ ptePhysPageMask) | uintptr(frame.Address()))
}
