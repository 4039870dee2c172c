package main

import "github.com/runcodedad/noodleos/kernel/kmain"

// multibootInfoPtr, multibootMagic, kernelImageStart and kernelImageEnd are
// populated by the rt0 assembly stub before it calls main: the multiboot
// info pointer and the EAX magic value come straight from the boot loader
// handoff, and the kernel image bounds come from the linker script symbols
// the stub has access to but Go code does not.
var (
	multibootInfoPtr uintptr
	multibootMagic   uint32
	kernelImageStart uintptr
	kernelImageEnd   uintptr
)

// main is the only Go symbol visible (exported) to the rt0 initialization
// code. It is a trampoline for the real kernel entrypoint, kmain.Kmain, and
// exists so the compiler cannot see that rt0 is the only caller and inline
// or eliminate Kmain as dead code. The arguments are passed via package
// vars rather than directly, for the same reason.
//
// main is not expected to return. If it does, the rt0 code will halt the
// CPU.
func main() {
	kmain.Kmain(multibootInfoPtr, multibootMagic, kernelImageStart, kernelImageEnd)
}
