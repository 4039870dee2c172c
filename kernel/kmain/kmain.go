// Package kmain wires together console, boot-info parsing, the physical
// frame allocator, the virtual memory mapper and the Go runtime bootstrap
// into the kernel's single entrypoint.
package kmain

import (
	"unsafe"

	"github.com/runcodedad/noodleos/kernel"
	"github.com/runcodedad/noodleos/kernel/console"
	"github.com/runcodedad/noodleos/kernel/cpu"
	"github.com/runcodedad/noodleos/kernel/goruntime"
	"github.com/runcodedad/noodleos/kernel/irq"
	"github.com/runcodedad/noodleos/kernel/kfmt"
	"github.com/runcodedad/noodleos/kernel/mem"
	"github.com/runcodedad/noodleos/kernel/mem/multiboot"
	"github.com/runcodedad/noodleos/kernel/mem/pmm"
	"github.com/runcodedad/noodleos/kernel/mem/vmm"
)

// errKmainReturned is the panic value used if Kmain ever falls through to
// its last statement after every prior step succeeded.
var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// allocFrame adapts pmm.AllocateFrame's (Frame, bool) result to the
// *kernel.Error convention the mapper and runtime bootstrap expect.
func allocFrame() (pmm.Frame, *kernel.Error) {
	f, ok := pmm.AllocateFrame()
	if !ok {
		return pmm.InvalidFrame, &kernel.Error{Module: "kmain", Message: "out of physical frames"}
	}
	return f, nil
}

// pageFaultHandler reports the faulting address and access kind, then
// halts. There is no copy-on-write or demand paging to recover into yet, so
// every page fault is fatal.
func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	faultAddr := cpu.ReadCR2()

	kfmt.Printf("\npage fault at 0x%16x (", faultAddr)
	switch {
	case errorCode&1 == 0:
		kfmt.Printf("read from a non-present page")
	case errorCode&2 != 0:
		kfmt.Printf("write protection violation")
	default:
		kfmt.Printf("protection violation")
	}
	kfmt.Printf(")\n")

	regs.Print()
	frame.Print()
	kfmt.Panic(&kernel.Error{Module: "vmm", Message: "unrecoverable page fault"})
}

// generalProtectionFaultHandler reports the faulting instruction and halts.
func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\ngeneral protection fault at 0x%16x\n", frame.RIP)
	regs.Print()
	frame.Print()
	kfmt.Panic(&kernel.Error{Module: "cpu", Message: "unrecoverable general protection fault"})
}

// Kmain is the only Go symbol the rt0 entry stub calls into. It runs with
// interrupts disabled, a minimal bootstrap stack, and none of the Go
// runtime's allocator-backed features (new, make, interfaces, maps) wired
// up yet. multibootInfoPtr and multibootMagic are whatever the boot loader
// left in registers at handoff; kernelStart and kernelEnd bound the
// physical range the loaded kernel image occupies, reserved up front so the
// frame allocator never hands either address back out.
//
// Kmain never returns. Every path through it, success or failure, ends in a
// call to kfmt.Panic, which halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr, multibootMagic uint32, kernelStart, kernelEnd uintptr) {
	var term console.Terminal
	var vga console.Vga
	vga.Init()
	term.AttachTo(&vga)
	term.Clear()
	kfmt.SetOutputSink(&term)

	kfmt.Printf("booting\n")

	bootMap, err := multiboot.Open(multibootInfoPtr, multibootMagic)
	if err != nil {
		kfmt.Panic(err)
	}
	bootMap.PrintMemoryMap(kfmt.Printf)
	bootMap.PrintElfSections(kfmt.Printf)

	if err := pmm.Init(bootMap, mem.PhysAddr(kernelStart), mem.PhysAddr(kernelEnd)); err != nil {
		kfmt.Panic(err)
	}
	pmm.PrintStats(kfmt.Printf)
	kfmt.Printf("physical frame allocator ready\n")

	root := (*vmm.PageTable)(unsafe.Pointer(uintptr(vmm.ReadCR3())))
	mapper := vmm.NewMapper(root, allocFrame, pmm.FreeFrame)
	kfmt.Printf("virtual memory mapper ready\n")

	if err := goruntime.Init(mapper, vmm.EarlyReserveRegion); err != nil {
		kfmt.Panic(err)
	}
	kfmt.Printf("go runtime allocator ready\n")

	irq.HandleExceptionWithCode(irq.PageFaultException, pageFaultHandler)
	irq.HandleExceptionWithCode(irq.GPFException, generalProtectionFaultHandler)

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating this call as dead code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
