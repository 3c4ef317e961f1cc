package heap

import (
	"unsafe"

	"embercore/kernel"
)

// classList is a LIFO free list of same-sized blocks, threaded through the
// first machine word of each free block, mirroring the frame allocator's
// free list.
type classList struct {
	head uintptr // virtual address of the first free block, or 0
}

func writeNext(addr, next uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = next
}

func readNext(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func (c *classList) push(addr uintptr) {
	writeNext(addr, c.head)
	c.head = addr
}

func (c *classList) pop() (uintptr, bool) {
	if c.head == 0 {
		return 0, false
	}
	addr := c.head
	c.head = readNext(addr)
	return addr, true
}

func (c *classList) fixup(translate func(uintptr) (uintptr, bool)) {
	c.head = fixupPointer(c.head, translate)
	for cur := c.head; cur != 0; {
		next := fixupPointer(readNext(cur), translate)
		writeNext(cur, next)
		cur = next
	}
}

// Block is the front-end segregated allocator: one classList per size class,
// falling back to LinkedList for requests it cannot classify or satisfy.
type Block struct {
	classes  [len(sizeClasses)]classList
	fallback *LinkedList
}

// NewBlock creates a front-end allocator that requests whole-class chunks
// from fallback when a class list runs dry.
func NewBlock(fallback *LinkedList) *Block {
	return &Block{fallback: fallback}
}

var errNoSizeClass = &kernel.Error{Module: "heap", Message: "requested size exceeds the largest size class"}

// Alloc returns a block of at least size bytes aligned to align. Requests
// larger than the largest size class are rejected; callers needing bigger
// allocations go to the fallback allocator directly.
func (b *Block) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	idx, ok := classFor(size, align)
	if !ok {
		return 0, errNoSizeClass
	}

	if addr, ok := b.classes[idx].pop(); ok {
		return addr, nil
	}

	classSize := sizeClasses[idx]
	addr, ok := b.fallback.Alloc(classSize, classSize)
	if !ok {
		return 0, errOutOfMemory
	}
	return addr, nil
}

var errOutOfMemory = &kernel.Error{Module: "heap", Message: "fallback allocator has no region large enough"}
var errFreedSizeTooSmall = &kernel.Error{Module: "heap", Message: "freed region too small to hold a free-list link"}

const ptrSize = unsafe.Sizeof(uintptr(0))

// Free returns addr, previously allocated for size bytes aligned to align,
// to its class list.
func (b *Block) Free(addr, size, align uintptr) *kernel.Error {
	idx, ok := classFor(size, align)
	if !ok {
		return errNoSizeClass
	}
	if sizeClasses[idx] < ptrSize {
		return errFreedSizeTooSmall
	}
	b.classes[idx].push(addr)
	return nil
}

// fixupAll rewrites every class list's chain of next-pointers via translate;
// see LinkedList.fixup for the recognition rule.
func (b *Block) fixupAll(translate func(uintptr) (uintptr, bool)) {
	for i := range b.classes {
		b.classes[i].fixup(translate)
	}
}
