package vmm

import "embercore/kernel/mem"

// Page describes a virtual memory page index; multiplying by mem.PageSize
// yields the page's base virtual address.
type Page uintptr

// Address returns the virtual base address of this page.
func (p Page) Address() uintptr {
	return uintptr(p) << mem.PageShift
}

// PageFromAddress returns the Page containing virtAddr, rounding down to
// the enclosing page boundary.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr &^ uintptr(mem.PageSize-1)) >> mem.PageShift)
}
