// Package goruntime bootstraps the hosted Go runtime's own memory-management
// entry points onto the kernel heap (spec sections 4.3/4.4) so that the
// runtime's map, slice, channel and goroutine-stack machinery has a backing
// allocator both before and after the pivot, the same way the teacher's own
// goruntime package bootstraps the Go runtime onto its bitmap frame
// allocator.
package goruntime

import (
	"unsafe"

	"embercore/kernel/mem"
	"embercore/kernel/mem/heap"
)

// globalHeap is nil until Init runs.
var globalHeap *heap.Heap

var (
	// allocFn is substituted by tests; it is automatically inlined by the
	// compiler in the kernel build.
	allocFn = heapAlloc

	// The remaining five are substituted by tests, same as allocFn: the
	// real linked functions reach into runtime-internal state that only
	// exists once per process, so exercising the sequencing in Init
	// needs stand-ins rather than the genuine runtime.*init calls.
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit
)

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

// Init publishes h as the backing allocator for sysReserve/sysMap/sysAlloc
// below, then runs the runtime's own startup sequence for the pieces that
// sit on top of those three: mallocInit readies the span/arena bookkeeping
// that make/new ultimately allocate through, algInit installs the map-key
// hash implementation, modulesInit and typeLinksInit populate the type
// metadata interface conversions and typelinks-based lookups need, and
// itabsInit builds the interface method tables. Map operations, slice
// growth and interface conversions executed after Init returns all rest on
// this sequence having run, not just on a backing allocator existing.
//
// It must be called exactly once, after heap bring-up (heap.Phase1 and
// heap.Phase2) completes: until then, sysReserve/sysMap/sysAlloc have
// nothing to call, and mallocInit itself allocates through them.
func Init(h *heap.Heap) {
	globalHeap = h

	mallocInitFn()
	algInitFn()       // map-key hashing
	modulesInitFn()   // populates activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules
}

func heapAlloc(size, align uintptr) (uintptr, bool) {
	if globalHeap == nil {
		return 0, false
	}
	addr, err := globalHeap.Alloc(size, align)
	if err != nil {
		return 0, false
	}
	return addr, true
}

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	addr, ok := allocFn(pageRound(size), uintptr(mem.PageSize))
	if !ok {
		return nil
	}

	*reserved = true
	return unsafe.Pointer(addr)
}

// sysMap establishes a mapping for a region previously reserved via
// sysReserve. The kernel heap commits backing frames at reservation time —
// spec section 1 lists demand paging as a non-goal, so there is no separate
// reserve/commit split to honor here — so sysMap has nothing left to do
// beyond the runtime's own accounting.
//
// This function replaces runtime.sysMap and is required for initializing the
// Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	mSysStatInc(sysStat, uintptr(pageRound(size)))
	return virtAddr
}

// sysAlloc reserves and commits enough heap-backed memory to satisfy the
// allocation request in a single step.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := pageRound(size)
	addr, ok := allocFn(regionSize, uintptr(mem.PageSize))
	if !ok {
		return nil
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(addr)
}

func pageRound(size uintptr) uintptr {
	return (size + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, true, &stat)
	sysAlloc(0, &stat)
}
