package vmm

// LiveNodeVisitor is invoked once for every page-table node (L4, L3, L2 or
// L1) reachable from a root, including the root itself.
type LiveNodeVisitor func(physAddr uintptr)

// WalkLiveNodes walks the page-table hierarchy rooted at rootPhys —
// identity-mapped, so rootPhys also names a dereferenceable virtual address
// — and invokes visit with the physical address of every node it finds.
//
// This is how the frame allocator's seeding pass (spec section 4.1)
// discovers the pages already spent on the bootloader's own page tables,
// before any of those nodes are owned by a NodeAllocator: they must be
// excluded from the free list, not handed out a second time.
func WalkLiveNodes(rootPhys uintptr, visit LiveNodeVisitor) {
	visit(rootPhys)
	walkChildren(rootPhys, 4, visit)
}

// walkChildren visits every present child of the node at tablePhys, which is
// itself at the given level (4 for L4 down to 1 for L1), recursing into
// levels 3 and 2 whose entries point at further tables. Level-1 entries
// point at mapped data frames, not nodes, so they are never visited or
// recursed into; a level-2 entry flagged huge is a terminal 2 MiB mapping
// for the same reason.
func walkChildren(tablePhys uintptr, level int, visit LiveNodeVisitor) {
	table := tableAt(tablePhys)
	for i := range table {
		pte := table[i]
		if !pte.HasFlags(FlagPresent) {
			continue
		}
		if level == 2 && pte.HasFlags(FlagHuge) {
			continue
		}

		childPhys := pte.Frame().Address()
		visit(childPhys)
		if level > 2 {
			walkChildren(childPhys, level-1, visit)
		}
	}
}
