package vmm

import (
	"embercore/kernel"
	"embercore/kernel/mem"
)

var errUntranslatable = &kernel.Error{Module: "vmm", Message: "address falls outside the heap's recorded extents"}

// maxExtents bounds the number of (physical_base, page_count) runs the heap's
// phase-2 fill can fragment into. It is a fixed array, not a slice, so the
// extent map can be built and consulted before the allocator it describes
// exists to serve a slice's backing store.
const maxExtents = 4096

// Extent is one contiguous run of physical frames backing a portion of the
// virtual heap window, in order of increasing virtual offset.
type Extent struct {
	PhysBase  uintptr
	PageCount uint64
}

func (e Extent) size() uintptr { return uintptr(e.PageCount) * uintptr(mem.PageSize) }

// ExtentMap records how the contiguous virtual heap window is scattered
// across physical frames. It is the sole bridge between the physical
// addresses that hardware and free-list pointers store and the virtual
// addresses live code dereferences, per the two-world problem described in
// the design notes: every write site that installs a hardware-facing or
// free-list pointer must go through AsPhys, every read site that follows a
// reference obtained that way must go through AsVirt.
type ExtentMap struct {
	virtBase uintptr
	extents  [maxExtents]Extent
	count    int
	pages    uint64
}

var errTooManyExtents = &kernel.Error{Module: "vmm", Message: "heap extent map exhausted its capacity"}

// NewExtentMap creates an extent map for a heap window starting at virtBase.
func NewExtentMap(virtBase uintptr) *ExtentMap {
	return &ExtentMap{virtBase: virtBase}
}

// Append records a new maximal contiguous physical run as the next extent in
// virtual-address order.
func (m *ExtentMap) Append(physBase uintptr, pageCount uint64) *kernel.Error {
	if m.count >= maxExtents {
		return errTooManyExtents
	}
	m.extents[m.count] = Extent{PhysBase: physBase, PageCount: pageCount}
	m.count++
	m.pages += pageCount
	return nil
}

// Extents returns the extents recorded so far, in virtual-address order.
func (m *ExtentMap) Extents() []Extent {
	return m.extents[:m.count]
}

// TotalPages returns the number of pages covered so far.
func (m *ExtentMap) TotalPages() uint64 { return m.pages }

// VirtBase returns the virtual address of the first byte of the heap window.
func (m *ExtentMap) VirtBase() uintptr { return m.virtBase }

// AsVirt translates a physical address that falls within one of the
// recorded extents into its corresponding heap virtual address. The second
// return value is false if physAddr is not covered by any extent.
func (m *ExtentMap) AsVirt(physAddr uintptr) (uintptr, bool) {
	virtOffset := uintptr(0)
	for i := 0; i < m.count; i++ {
		e := m.extents[i]
		if physAddr >= e.PhysBase && physAddr < e.PhysBase+e.size() {
			return m.virtBase + virtOffset + (physAddr - e.PhysBase), true
		}
		virtOffset += e.size()
	}
	return 0, false
}

// AsPhys translates a heap virtual address into its backing physical
// address. The second return value is false if virtAddr falls outside
// [HeapStart, HeapStart+HeapSize) as covered by the recorded extents.
func (m *ExtentMap) AsPhys(virtAddr uintptr) (uintptr, bool) {
	if virtAddr < m.virtBase {
		return 0, false
	}
	offset := virtAddr - m.virtBase
	for i := 0; i < m.count; i++ {
		e := m.extents[i]
		if offset < e.size() {
			return e.PhysBase + offset, true
		}
		offset -= e.size()
	}
	return 0, false
}

// ExtentTranslator adapts an ExtentMap's two-return AsPhys/AsVirt into the
// single-return Translator interface the mapper and the storage command
// engine consume post-pivot. A miss can only mean the caller handed it an
// address this heap's extents never covered, which is a structural bug
// rather than a recoverable condition, so it panics rather than threading a
// second return value through every hardware-facing write site.
type ExtentTranslator struct {
	Extents *ExtentMap
}

// AsPhys implements Translator and ahci.Translator.
func (t ExtentTranslator) AsPhys(virtAddr uintptr) uintptr {
	phys, ok := t.Extents.AsPhys(virtAddr)
	if !ok {
		panicFn(errUntranslatable)
		return 0
	}
	return phys
}

// AsVirt implements Translator.
func (t ExtentTranslator) AsVirt(physAddr uintptr) uintptr {
	virt, ok := t.Extents.AsVirt(physAddr)
	if !ok {
		panicFn(errUntranslatable)
		return 0
	}
	return virt
}
