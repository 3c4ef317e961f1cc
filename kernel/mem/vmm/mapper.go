// Package vmm implements the 4-level hierarchical page-table engine: it maps
// and unmaps 4 KiB pages, creating and freeing intermediate L3/L2/L1 nodes on
// demand, and bridges the physical addresses hardware reads with the virtual
// references live code dereferences via a Translator (see ExtentMap).
package vmm

import (
	"unsafe"

	"embercore/kernel"
	"embercore/kernel/cpu"
	"embercore/kernel/mem"
	"embercore/kernel/mem/pmm"
)

var (
	// ErrNotMapped is returned by Unmap when the address has no mapping.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}

	errNonCanonical      = &kernel.Error{Module: "vmm", Message: "virtual address is not canonical"}
	errMappingExists     = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}
	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}

	// flushTLBEntryFn and panicFn are substituted by tests; both are
	// automatically inlined by the compiler in the kernel build.
	flushTLBEntryFn = cpu.FlushTLBEntry
	panicFn         = kernel.Panic
)

// NodeAllocator supplies and reclaims the storage for intermediate page-table
// nodes. In this core that storage always comes from the kernel heap: before
// the pivot the heap's virtual and physical views coincide, and after the
// pivot AllocNode hands back a heap virtual address good for Translator.AsPhys.
type NodeAllocator interface {
	AllocNode() (virtAddr uintptr, err *kernel.Error)
	FreeNode(virtAddr uintptr)
}

// Translator bridges the physical addresses page-table entries must store
// with the virtual addresses live code dereferences. See the design notes on
// the two-world problem: every write that installs a hardware-facing pointer
// uses AsPhys; every read that follows a child pointer uses AsVirt.
type Translator interface {
	AsPhys(virtAddr uintptr) uintptr
	AsVirt(physAddr uintptr) uintptr
}

// IdentityTranslator is used before the pivot, when the heap's virtual and
// physical views are the same addresses.
type IdentityTranslator struct{}

// AsPhys implements Translator.
func (IdentityTranslator) AsPhys(virtAddr uintptr) uintptr { return virtAddr }

// AsVirt implements Translator.
func (IdentityTranslator) AsVirt(physAddr uintptr) uintptr { return physAddr }

// Mapper owns one page-table hierarchy rooted at an L4 node.
type Mapper struct {
	rootVirt  uintptr
	nodes     NodeAllocator
	translate Translator
}

// NewMapper creates a Mapper over an already-allocated, zeroed L4 node at
// rootVirt.
func NewMapper(rootVirt uintptr, nodes NodeAllocator, translate Translator) *Mapper {
	return &Mapper{rootVirt: rootVirt, nodes: nodes, translate: translate}
}

// RootPhys returns the physical address of the L4 root node, suitable for
// loading into CR3.
func (m *Mapper) RootPhys() uintptr {
	return m.translate.AsPhys(m.rootVirt)
}

func tableAt(virtAddr uintptr) *tableNode {
	return (*tableNode)(unsafe.Pointer(virtAddr))
}

// childTable returns the virtual address of the table that entry idx of
// table points to, allocating and zeroing a fresh node if create is true and
// the entry is not yet present.
func (m *Mapper) childTable(table *tableNode, idx uintptr, create bool, writable, userAccessible bool) (uintptr, *kernel.Error) {
	pte := &table[idx]

	if pte.HasFlags(FlagPresent) {
		if pte.HasFlags(FlagHuge) {
			panicFn(errNoHugePageSupport)
			return 0, errNoHugePageSupport
		}
		// A lower-level walk may need broader permissions than this
		// entry currently grants (e.g. a user mapping under a table
		// that was first created for a kernel-only mapping).
		if userAccessible && !pte.HasFlags(FlagUser) {
			pte.SetFlags(FlagUser)
		}
		if writable && !pte.HasFlags(FlagWritable) {
			pte.SetFlags(FlagWritable)
		}
		return m.translate.AsVirt(pte.Frame().Address()), nil
	}

	if !create {
		return 0, ErrNotMapped
	}

	nodeVirt, err := m.nodes.AllocNode()
	if err != nil {
		return 0, err
	}
	mem.Memset(nodeVirt, 0, mem.PageSize)

	flags := FlagPresent
	if writable {
		flags |= FlagWritable
	}
	if userAccessible {
		flags |= FlagUser
	}

	*pte = 0
	pte.SetFrame(pmm.FrameFromAddress(m.translate.AsPhys(nodeVirt)))
	pte.SetFlags(flags)

	return nodeVirt, nil
}

// Map installs a 4 KiB mapping from vaddr to paddr. Missing L3/L2/L1 nodes
// are allocated on demand. Map panics if vaddr is non-canonical or already
// mapped: the caller owns the address range.
func (m *Mapper) Map(paddr, vaddr uintptr, writable, userAccessible bool) *kernel.Error {
	if !Canonical(vaddr) {
		panicFn(errNonCanonical)
		return errNonCanonical
	}

	i4, i3, i2, i1, _ := indices(vaddr)

	l4 := tableAt(m.rootVirt)
	l3Virt, err := m.childTable(l4, i4, true, true, userAccessible)
	if err != nil {
		return err
	}
	l3 := tableAt(l3Virt)
	l2Virt, err := m.childTable(l3, i3, true, true, userAccessible)
	if err != nil {
		return err
	}
	l2 := tableAt(l2Virt)
	l1Virt, err := m.childTable(l2, i2, true, true, userAccessible)
	if err != nil {
		return err
	}
	l1 := tableAt(l1Virt)

	if l1[i1].HasFlags(FlagPresent) {
		panicFn(errMappingExists)
		return errMappingExists
	}

	flags := FlagPresent
	if writable {
		flags |= FlagWritable
	}
	if userAccessible {
		flags |= FlagUser
	}

	l1[i1] = 0
	l1[i1].SetFrame(pmm.FrameFromAddress(paddr))
	l1[i1].SetFlags(flags)

	flushTLBEntryFn(vaddr)
	return nil
}

// Unmap removes the mapping at vaddr and returns the physical frame it
// pointed to. Unmapping an address with no mapping returns ErrNotMapped
// rather than panicking: callers that merely want to check a mapping's
// presence can do so without risking a halt.
func (m *Mapper) Unmap(vaddr uintptr) (uintptr, *kernel.Error) {
	if !Canonical(vaddr) {
		panicFn(errNonCanonical)
		return 0, errNonCanonical
	}

	i4, i3, i2, i1, _ := indices(vaddr)

	l4 := tableAt(m.rootVirt)
	l3Virt, err := m.childTable(l4, i4, false, false, false)
	if err != nil {
		return 0, ErrNotMapped
	}
	l3 := tableAt(l3Virt)
	l2Virt, err := m.childTable(l3, i3, false, false, false)
	if err != nil {
		return 0, ErrNotMapped
	}
	l2 := tableAt(l2Virt)
	l1Virt, err := m.childTable(l2, i2, false, false, false)
	if err != nil {
		return 0, ErrNotMapped
	}
	l1 := tableAt(l1Virt)

	if !l1[i1].HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}

	physAddr := l1[i1].Frame().Address()
	l1[i1] = 0
	flushTLBEntryFn(vaddr)

	// Empty-node reclamation walks back up the chain one level at a time:
	// an L1 table freed because it went empty clears its L2 parent's
	// entry, which may in turn make L2 empty, and so on through L3. The
	// L4 root is never freed here; it is owned by whoever built the
	// Mapper.
	chain := []struct {
		virt   uintptr
		table  *tableNode
		parent *tableNode
		idx    uintptr
	}{
		{l1Virt, l1, l2, i2},
		{l2Virt, l2, l3, i3},
		{l3Virt, l3, l4, i4},
	}
	for _, link := range chain {
		if !tableEmpty(link.table) {
			break
		}
		m.nodes.FreeNode(link.virt)
		link.parent[link.idx] = 0
	}

	return physAddr, nil
}

func tableEmpty(t *tableNode) bool {
	for i := range t {
		if t[i].HasFlags(FlagPresent) {
			return false
		}
	}
	return true
}
