// Package bootinfo decodes the hand-off structure the loader places in
// physical memory and passes to kernel.Kmain by physical pointer in the
// sysv64 first-argument register (spec section 6, "Loader -> kernel").
//
// The field order and names mirror my_kernel/src/kernel_data.rs, the
// original implementation's own fixed-field descriptor, exactly: this is
// the wire contract between the loader and the kernel, not a type either
// side is free to restyle.
package bootinfo

import "unsafe"

// regionTypeUsable is the loader's memory-map entry type value for RAM the
// kernel may use freely.
const regionTypeUsable = 1

// rawMemRegion mirrors one entry of the loader's memory map exactly; it is
// read directly out of physical memory, so its layout is the wire format,
// not a Go convenience type.
type rawMemRegion struct {
	Start      uint64
	Length     uint64
	Type       uint32
	Attributes uint32
}

// Info mirrors the loader's packed hand-off structure. MemMap is kept as an
// opaque physical pointer rather than decoded into a slice up front:
// building a slice would require the Go allocator, which is not wired to
// anything until heap bring-up completes, so callers walk it via
// VisitMemRegions instead. This follows the teacher's own
// kernel/hal/multiboot package, which exposes its memory map through a
// visitor rather than materializing a slice for the same reason.
type Info struct {
	MemMapEntries uint32
	memMap        uintptr
	ElfLocation   uintptr
	ElfSize       uint32
	StackLocation uintptr
}

// Load reads the packed descriptor the loader placed at physPtr. It must be
// called exactly once, while still identity-mapped: every pointer the
// descriptor carries, and every memory-map entry it names, is a physical
// address read directly through unsafe.Pointer.
func Load(physPtr uintptr) *Info {
	return (*Info)(unsafe.Pointer(physPtr))
}

// MemRegion is one decoded entry of the loader's memory map: the subset of
// fields pmm.FreeList.Seed needs, with the loader's numeric type field
// already reduced to the Usable test it stands for (type 1 == usable).
type MemRegion struct {
	Start  uint64
	Length uint64
	Usable bool
}

// MemRegionVisitor is invoked once per entry of the loader's memory map, in
// the order the loader reported them.
type MemRegionVisitor func(MemRegion)

// VisitMemRegions calls visit once for every entry of info's memory map.
func (info *Info) VisitMemRegions(visit MemRegionVisitor) {
	entry := (*rawMemRegion)(unsafe.Pointer(info.memMap))
	for i := uint32(0); i < info.MemMapEntries; i++ {
		visit(MemRegion{
			Start:  entry.Start,
			Length: entry.Length,
			Usable: entry.Type == regionTypeUsable,
		})
		entry = (*rawMemRegion)(unsafe.Pointer(uintptr(unsafe.Pointer(entry)) + unsafe.Sizeof(rawMemRegion{})))
	}
}
