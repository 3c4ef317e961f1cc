package heap

import (
	"unsafe"

	"embercore/kernel"
)

// regionHeader is written in place at the start of every free region the
// fallback allocator manages. headerSize bounds the smallest region the
// fallback can track; a leftover smaller than this is wasted rather than
// turned into a new free region.
type regionHeader struct {
	size uintptr
	next uintptr // virtual address of the next free region, or 0
}

const headerSize = unsafe.Sizeof(regionHeader{})

var errRegionTooSmall = &kernel.Error{Module: "heap", Message: "region smaller than the free-list header"}

func regionAt(addr uintptr) *regionHeader {
	return (*regionHeader)(unsafe.Pointer(addr))
}

// LinkedList is the fallback allocator: a singly-linked list of free regions,
// each tracked via a header written into the first bytes of the region
// itself. It backs both heap Extend (regions handed in whole) and the block
// allocator's request for a single size-class chunk.
type LinkedList struct {
	head uintptr // virtual address of the first free region, or 0
}

// Extend donates a new region of memory to the free list.
func (l *LinkedList) Extend(addr, size uintptr) *kernel.Error {
	if size < headerSize {
		return errRegionTooSmall
	}
	r := regionAt(addr)
	r.size = size
	r.next = l.head
	l.head = addr
	return nil
}

// Alloc returns the address of a block of at least size bytes, aligned to
// align, carved out of the first free region that can hold it. It reports
// false if no region fits.
func (l *LinkedList) Alloc(size, align uintptr) (uintptr, bool) {
	var prev uintptr
	cur := l.head

	for cur != 0 {
		r := regionAt(cur)
		pad := alignUp(cur, align) - cur
		blockStart := cur + pad
		blockEnd := blockStart + size
		regionEnd := cur + r.size

		if blockEnd <= regionEnd {
			next := r.next
			regionSize := r.size
			l.unlink(prev, cur, next)

			if pad >= headerSize {
				l.Extend(cur, pad)
			}
			if tail := regionEnd - blockEnd; tail > headerSize {
				l.Extend(blockEnd, tail)
			}
			_ = regionSize
			return blockStart, true
		}

		prev = cur
		cur = r.next
	}

	return 0, false
}

func (l *LinkedList) unlink(prev, cur, next uintptr) {
	if prev == 0 {
		l.head = next
		return
	}
	regionAt(prev).next = next
}

// Free returns a block to the free list. The caller supplies the block's
// full size, as returned by Alloc's rounding (the block allocator always
// does; the only direct fallback caller is the block allocator itself).
func (l *LinkedList) Free(addr, size uintptr) *kernel.Error {
	return l.Extend(addr, size)
}

// fixup rewrites every next pointer (and the head) that looks like a
// physical-world address into its virtual-world equivalent, per translate.
// A physical-world address is recognized, as in the block allocator's class
// lists, by having its top 16 bits clear.
func (l *LinkedList) fixup(translate func(uintptr) (uintptr, bool)) {
	l.head = fixupPointer(l.head, translate)
	for cur := l.head; cur != 0; {
		r := regionAt(cur)
		r.next = fixupPointer(r.next, translate)
		cur = r.next
	}
}

func alignUp(addr, align uintptr) uintptr {
	if align == 0 {
		return addr
	}
	return (addr + align - 1) &^ (align - 1)
}

// looksPhysical reports whether addr's top 16 bits are zero, the signature
// the post-pivot fixup pass uses to recognize a pointer captured before the
// pivot, when virtual and physical heap addresses coincided.
func looksPhysical(addr uintptr) bool {
	return addr>>48 == 0 && addr != 0
}

func fixupPointer(addr uintptr, translate func(uintptr) (uintptr, bool)) uintptr {
	if addr == 0 || !looksPhysical(addr) {
		return addr
	}
	if v, ok := translate(addr); ok {
		return v
	}
	return addr
}
