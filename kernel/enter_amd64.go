package kernel

// enterUserMode switches CR3 to rootPhys and jumps to entry. The GDT already
// describes the user code and data segments (see kernel/pivot's doc-only
// segment-handoff contract); this is the same one-shot state switch the
// pivot itself performs, scoped down to just the page table and instruction
// pointer since the kernel's own stack remains valid and is never replaced
// for the single task this core ever runs.
func enterUserMode(rootPhys, entry uintptr)
