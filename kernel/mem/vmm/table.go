package vmm

import "github.com/runcodedad/noodleos/kernel/mem"

// pageLevels is the number of levels in the x86_64 paging radix tree.
const pageLevels = 4

// Page identifies a 4 KiB-aligned region of virtual memory by its starting
// address.
type Page mem.VirtAddr

// Address returns the virtual address of this page.
func (p Page) Address() mem.VirtAddr {
	return mem.VirtAddr(p)
}

// ContainingPage returns the Page that contains the given virtual address,
// rounding down to the nearest page boundary.
func ContainingPage(addr mem.VirtAddr) Page {
	return Page(addr.AlignDown(uint64(mem.PageSize)))
}

// PageTable is a 4096-byte, 4096-byte-aligned array of 512 page table
// entries. The four paging levels (PT, PD, PDPT, PML4) share this same
// layout; which level a given table occupies is contextual, tracked by the
// walk that reached it rather than by the table itself.
type PageTable [512]PageTableEntry

// Entry returns a pointer to the entry at the given radix-tree index.
func (t *PageTable) Entry(index uintptr) *PageTableEntry {
	return &t[index]
}
