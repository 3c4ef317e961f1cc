// Package heap implements the kernel's global dynamic allocator: a
// segregated block allocator (package-internal Block) backed by a
// linked-list fallback (LinkedList), brought up in two phases so it can
// begin serving allocations — including the page-table nodes the mapper
// needs to build the heap's own high-half mapping — before any virtual
// memory beyond the bootloader's identity map exists.
package heap

import (
	"embercore/kernel"
	"embercore/kernel/mem"
	"embercore/kernel/mem/pmm"
	"embercore/kernel/mem/vmm"
	ksync "embercore/kernel/sync"
)

// FrameAllocator is the subset of pmm.FreeList that bring-up needs to grow
// the heap.
type FrameAllocator interface {
	Allocate() pmm.Frame
	Deallocate(pmm.Frame)
}

// Heap is the global dynamic allocator. All access is serialized by a single
// spinlock: bring-up runs single-threaded and the only contention expected
// is a fault or interrupt handler racing the thread that holds the lock.
type Heap struct {
	lock     ksync.Spinlock
	block    *Block
	fallback LinkedList
	extents  *vmm.ExtentMap
}

// New creates an empty heap over a heap window described by extents. Phase1
// must be called before any allocation is served.
func New(extents *vmm.ExtentMap) *Heap {
	h := &Heap{extents: extents}
	h.block = NewBlock(&h.fallback)
	return h
}

var errPhase1NoFrames = &kernel.Error{Module: "heap", Message: "frame allocator produced no usable frames for phase 1"}

// Phase1 requests frames from alloc until either a non-contiguous frame is
// handed back or pageBudget pages have been consumed. The contiguous prefix
// obtained is registered with the fallback allocator as the heap's first
// extent, anchored at extents' own virtual base; a trailing non-contiguous
// frame, if any, is returned to alloc unused. It returns the (base,
// pageCount) of this first extent, both still physical: the caller is
// running identity-mapped at this point, so base also names a dereferenceable
// address, and virtAddr is carried only to document that expectation at call
// sites — h.extents, not virtAddr, is what fixes the heap's eventual virtual
// window.
func (h *Heap) Phase1(alloc FrameAllocator, virtAddr uintptr, pageBudget uint64) (base uintptr, pageCount uint64, err *kernel.Error) {
	_ = virtAddr
	first := alloc.Allocate()
	if !first.IsValid() {
		return 0, 0, errPhase1NoFrames
	}

	base = first.Address()
	pageCount = 1
	expect := base + uintptr(mem.PageSize)

	for pageCount < pageBudget {
		f := alloc.Allocate()
		if !f.IsValid() {
			break
		}
		if f.Address() != expect {
			alloc.Deallocate(f)
			break
		}
		pageCount++
		expect += uintptr(mem.PageSize)
	}

	if e := h.extents.Append(base, pageCount); e != nil {
		return 0, 0, e
	}
	if e := h.fallback.Extend(base, uintptr(pageCount)*uintptr(mem.PageSize)); e != nil {
		return 0, 0, e
	}

	return base, pageCount, nil
}

// Phase2 continues requesting frames from alloc, folding each maximal
// contiguous run into a new extent (appended to the extent map and
// published to the fallback allocator), until the extent map's total page
// count reaches targetPages.
func (h *Heap) Phase2(alloc FrameAllocator, targetPages uint64) *kernel.Error {
	for h.extents.TotalPages() < targetPages {
		f := alloc.Allocate()
		if !f.IsValid() {
			return errPhase1NoFrames
		}

		runBase := f.Address()
		runPages := uint64(1)
		expect := runBase + uintptr(mem.PageSize)

		for h.extents.TotalPages()+runPages < targetPages {
			next := alloc.Allocate()
			if !next.IsValid() {
				break
			}
			if next.Address() != expect {
				alloc.Deallocate(next)
				break
			}
			runPages++
			expect += uintptr(mem.PageSize)
		}

		if e := h.extents.Append(runBase, runPages); e != nil {
			return e
		}
		if e := h.fallback.Extend(runBase, uintptr(runPages)*uintptr(mem.PageSize)); e != nil {
			return e
		}
	}

	return nil
}

// Alloc reserves size bytes aligned to align. Requests that fit a size
// class are served by the block allocator; larger requests go straight to
// the fallback.
func (h *Heap) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	h.lock.Acquire()
	defer h.lock.Release()

	if _, ok := classFor(size, align); ok {
		return h.block.Alloc(size, align)
	}

	need := size
	if align > need {
		need = align
	}
	addr, ok := h.fallback.Alloc(need, align)
	if !ok {
		return 0, errOutOfMemory
	}
	return addr, nil
}

// Free releases a block previously returned by Alloc with the same size and
// align.
func (h *Heap) Free(addr, size, align uintptr) *kernel.Error {
	h.lock.Acquire()
	defer h.lock.Release()

	if _, ok := classFor(size, align); ok {
		return h.block.Free(addr, size, align)
	}

	need := size
	if align > need {
		need = align
	}
	return h.fallback.Free(addr, need)
}

// Fixup rewrites every free-list node's stored next-pointer, in both the
// block allocator's size classes and the fallback list, from its pre-pivot
// physical-world value to its post-pivot virtual-world equivalent. It must
// run exactly once, after the pivot and before the first post-pivot
// allocation or deallocation.
func (h *Heap) Fixup() {
	h.lock.Acquire()
	defer h.lock.Release()

	translate := h.extents.AsVirt
	h.block.fixupAll(translate)
	h.fallback.fixup(translate)
}

// NodeAllocator adapts Heap to vmm.NodeAllocator: page-table nodes are
// page-sized, page-aligned heap allocations.
type NodeAllocator struct {
	Heap *Heap
}

// AllocNode implements vmm.NodeAllocator.
func (n NodeAllocator) AllocNode() (uintptr, *kernel.Error) {
	return n.Heap.Alloc(uintptr(mem.PageSize), uintptr(mem.PageSize))
}

// FreeNode implements vmm.NodeAllocator.
func (n NodeAllocator) FreeNode(virtAddr uintptr) {
	n.Heap.Free(virtAddr, uintptr(mem.PageSize), uintptr(mem.PageSize))
}
