package pivot

// execute is the asm trampoline described in the package doc: it has no Go
// body. See pivot_amd64.s.
func execute(rootTablePhys, stackTopVirt, entryVirt, rootTableVirt, extentMapVirt, frameAllocVirt, progHeaderVirt, heapVirt uintptr)
