package pmm

import (
	"unsafe"

	"embercore/kernel"
	"embercore/kernel/mem"
	ksync "embercore/kernel/sync"
)

var (
	errOutOfFrames     = &kernel.Error{Module: "pmm", Message: "out of frames"}
	errFreeListCorrupt = &kernel.Error{Module: "pmm", Message: "free list corruption: non-zero count with terminator head"}

	// panicFn is substituted by tests; it is automatically inlined by the
	// compiler in the kernel build.
	panicFn = kernel.Panic
)

// terminator marks the end of the free list; it is not a valid frame.
const terminator = InvalidFrame

// MemRegion describes one entry of the firmware-reported memory map, reduced
// to the fields the allocator needs. Usable mirrors the loader's type==1 test.
type MemRegion struct {
	Start  uint64
	Length uint64
	Usable bool
}

// AddrRange is a half-open physical address range, used to mark pages that
// must be excluded from the free list because they are already live: loaded
// kernel segments, the initial stack, or existing page-table nodes.
type AddrRange struct {
	Start uintptr
	End   uintptr // exclusive
}

func (r AddrRange) overlaps(pageStart, pageEnd uintptr) bool {
	return pageStart < r.End && r.Start < pageEnd
}

// Mapper is the subset of the page-table engine that AllocateAndMap needs in
// order to make a physical frame addressable post-pivot, before it can read
// the frame's stored successor pointer.
type Mapper interface {
	Map(physAddr, virtAddr uintptr, writable, userAccessible bool) *kernel.Error
}

// FreeList is a bootstrap-safe LIFO free list of physical frames. Each free
// frame stores, as its first machine word, the physical address of the next
// free frame (or the terminator). The node storage is the frame itself: no
// separate bookkeeping structure is allocated.
type FreeList struct {
	lock  ksync.Spinlock
	head  Frame
	count uint64
}

// Seed scans memMap for usable pages, discards any page that falls inside an
// entry of avoid, and threads the remainder into the free list. It must be
// called exactly once, while still identity-mapped, so that each candidate
// frame's physical address can be dereferenced directly.
func (fl *FreeList) Seed(memMap []MemRegion, avoid []AddrRange) *kernel.Error {
	var (
		prev Frame = terminator
		head Frame = terminator
		n    uint64
	)

	for _, region := range memMap {
		if !region.Usable {
			continue
		}

		pageStart := (uintptr(region.Start) + uintptr(mem.PageSize) - 1) &^ uintptr(mem.PageSize-1)
		regionEnd := uintptr(region.Start + region.Length)

		for pageStart+uintptr(mem.PageSize) <= regionEnd {
			if !excluded(pageStart, pageStart+uintptr(mem.PageSize), avoid) {
				frame := FrameFromAddress(pageStart)
				writeNext(frame, terminator)
				if prev != terminator {
					writeNext(prev, frame)
				} else {
					head = frame
				}
				prev = frame
				n++
			}
			pageStart += uintptr(mem.PageSize)
		}
	}

	fl.head = head
	fl.count = n
	return nil
}

func excluded(pageStart, pageEnd uintptr, avoid []AddrRange) bool {
	for _, r := range avoid {
		if r.overlaps(pageStart, pageEnd) {
			return true
		}
	}
	return false
}

func writeNext(frame Frame, next Frame) {
	word := uint64(terminator)
	if next != terminator {
		word = uint64(next.Address())
	}
	*(*uint64)(unsafe.Pointer(frame.Address())) = word
}

func readNext(addr uintptr) Frame {
	word := *(*uint64)(unsafe.Pointer(addr))
	if Frame(word) == terminator {
		return terminator
	}
	return FrameFromAddress(uintptr(word))
}

// Count returns the number of frames currently on the free list.
func (fl *FreeList) Count() uint64 {
	fl.lock.Acquire()
	defer fl.lock.Release()
	return fl.count
}

// Allocate removes and returns the head of the free list. It panics with a
// resource-exhaustion error if the list is empty, and with a corruption error
// if the recorded count disagrees with the terminator.
//
// Allocate may only be called while the returned frame's physical address is
// also its valid virtual address (i.e. before the pivot).
func (fl *FreeList) Allocate() Frame {
	fl.lock.Acquire()
	defer fl.lock.Release()

	if fl.count == 0 {
		if fl.head != terminator {
			panicFn(errFreeListCorrupt)
			return InvalidFrame
		}
		panicFn(errOutOfFrames)
		return InvalidFrame
	}

	frame := fl.head
	fl.head = readNext(frame.Address())
	fl.count--
	return frame
}

// Deallocate pushes frame back onto the head of the free list.
func (fl *FreeList) Deallocate(frame Frame) {
	fl.lock.Acquire()
	defer fl.lock.Release()

	writeNext(frame, fl.head)
	fl.head = frame
	fl.count++
}

// AllocateAndMap is the post-pivot allocation path. The free list's head
// frame is not identity-mapped any longer, so its successor pointer cannot be
// read directly: the frame is instead mapped at targetVirtual, the successor
// is read back through that virtual address, and targetVirtual is returned
// as the usable address of the newly allocated frame alongside the frame's
// physical address, which callers that need to alias the same frame into a
// second address space (the user loader) cannot otherwise recover.
func (fl *FreeList) AllocateAndMap(targetVirtual uintptr, mapper Mapper) (virtAddr uintptr, physAddr uintptr, err *kernel.Error) {
	fl.lock.Acquire()
	defer fl.lock.Release()

	if fl.count == 0 {
		if fl.head != terminator {
			panicFn(errFreeListCorrupt)
			return 0, 0, errFreeListCorrupt
		}
		panicFn(errOutOfFrames)
		return 0, 0, errOutOfFrames
	}

	frame := fl.head
	if e := mapper.Map(frame.Address(), targetVirtual, true, false); e != nil {
		return 0, 0, e
	}

	fl.head = readNext(targetVirtual)
	fl.count--
	return targetVirtual, frame.Address(), nil
}
