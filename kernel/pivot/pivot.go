// Package pivot performs the one-shot switch from the bootloader's
// identity-mapped low image to the relocated high-half kernel: a single
// assembly sequence loads the new root page table into CR3, sets RSP to the
// new kernel stack, and jumps to the entry point inside the relocated image,
// handing it the bring-up state pre-translated to its new virtual addresses.
//
// The GDT and TSS must already describe the relocated image's code and data
// segments before Execute runs; pivot does not touch segment selectors.
package pivot

// Args carries the bring-up state the post-pivot entry point needs.
// RootTableVirt is genuinely relocated: it names a heap-backed frame, and the
// heap's extent-mapped window is the one thing that actually moves at the
// pivot. The other four fields name package-level or early-bootstrap Go
// objects whose backing pages live inside the kernel's own loaded image,
// which bring-up keeps identity-mapped in the new page table specifically so
// that these addresses need no translation at all: the value the caller
// already holds pre-pivot remains valid unchanged post-pivot.
type Args struct {
	// RootTableVirt is the new, post-pivot virtual handle to the L4 root
	// page table that was just loaded into CR3.
	RootTableVirt uintptr
	// ExtentMapVirt is the identity-valid address of the heap's extent map.
	ExtentMapVirt uintptr
	// FrameAllocVirt is the identity-valid address of the frame free list.
	FrameAllocVirt uintptr
	// ProgHeaderVirt is the identity-valid address of the loaded kernel
	// image's program-header vector.
	ProgHeaderVirt uintptr
	// HeapVirt is the identity-valid address of the heap itself.
	HeapVirt uintptr
}

// executeFn is substituted by tests; it is automatically inlined by the
// compiler in the kernel build.
var executeFn = execute

// Execute switches CR3 to rootTablePhys, RSP to stackTopVirt, and jumps to
// entryVirt, passing args in registers. It never returns: control resumes at
// entryVirt with the old identity-mapped stack and page table gone.
func Execute(rootTablePhys, stackTopVirt, entryVirt uintptr, args Args) {
	executeFn(rootTablePhys, stackTopVirt, entryVirt, args.RootTableVirt, args.ExtentMapVirt, args.FrameAllocVirt, args.ProgHeaderVirt, args.HeapVirt)
}
