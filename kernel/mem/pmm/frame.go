// Package pmm manages the allocation and reclamation of physical memory
// frames. Frames are handed out to the page-table engine (to back
// intermediate tables and leaf mappings) and to the kernel heap (to build
// its initial extents) before any virtual-memory machinery beyond identity
// mapping exists.
package pmm

import (
	"math"

	"embercore/kernel/mem"
)

// Frame describes a physical memory page index; multiplying by mem.PageSize
// yields the frame's base physical address.
type Frame uint64

// InvalidFrame is returned by allocators that fail to reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// IsValid reports whether f is a real frame rather than the sentinel.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical base address this frame describes.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameFromAddress returns the Frame that contains the given physical
// address, rounding down to the enclosing page boundary.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}
