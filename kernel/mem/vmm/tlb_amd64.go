package vmm

import "github.com/runcodedad/noodleos/kernel/mem"

// FlushPage invalidates the TLB entry for the page containing addr via
// invlpg. It is implemented in flush_amd64.s.
func FlushPage(addr mem.VirtAddr)

// FlushAll invalidates every non-global TLB entry by reloading CR3 with its
// current value. It is implemented in flush_amd64.s.
func FlushAll()

// ReadCR3 returns the physical address of the active PML4. It is
// implemented in flush_amd64.s.
func ReadCR3() mem.PhysAddr

// WriteCR3 installs root as the active PML4, flushing every non-global TLB
// entry as a side effect. It is implemented in flush_amd64.s.
func WriteCR3(root mem.PhysAddr)
