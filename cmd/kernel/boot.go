package main

import "embercore/kernel"

// bootInfoPhysAddr is the physical address of the loader's hand-off
// structure (spec section 6), patched in by the loader before it jumps
// here.
var bootInfoPhysAddr uintptr

// main is the only Go symbol visible (exported) from the rt0 initialization
// code. It works as a trampoline for calling the actual kernel entrypoint
// (kernel.Kmain) and is intentionally defined to prevent the Go compiler
// from optimizing away the real kernel code, which it has no other reason to
// believe is reachable.
//
// main is invoked by the rt0 assembly code after setting up the GDT and a
// minimal g0 struct that lets Go code run on the small stack the assembly
// code allocated.
//
// main is not expected to return. If it does, the rt0 code halts the CPU.
func main() {
	kernel.Kmain(bootInfoPhysAddr)
}
