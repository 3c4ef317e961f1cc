package vmm

import (
	"testing"

	"embercore/kernel/mem"
)

func TestExtentMapRoundTrip(t *testing.T) {
	const virtBase = uintptr(0xffff_ff80_0000_0000)

	m := NewExtentMap(virtBase)
	runs := []Extent{
		{PhysBase: 0x100000, PageCount: 4},
		{PhysBase: 0x200000, PageCount: 2},
		{PhysBase: 0x500000, PageCount: 8},
	}
	for _, r := range runs {
		if err := m.Append(r.PhysBase, r.PageCount); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// virt -> phys -> virt is the identity for every address in the window.
	totalPages := m.TotalPages()
	for page := uint64(0); page < totalPages; page++ {
		v := virtBase + uintptr(page)*uintptr(mem.PageSize)
		p, ok := m.AsPhys(v)
		if !ok {
			t.Fatalf("page %d: AsPhys reported no mapping", page)
		}
		v2, ok := m.AsVirt(p)
		if !ok || v2 != v {
			t.Fatalf("page %d: AsVirt(AsPhys(%#x)) = %#x, %v; want %#x, true", page, v, v2, ok, v)
		}
	}

	// phys -> virt -> phys is the identity on every extent's range.
	for _, r := range runs {
		for page := uint64(0); page < r.PageCount; page++ {
			p := r.PhysBase + uintptr(page)*uintptr(mem.PageSize)
			v, ok := m.AsVirt(p)
			if !ok {
				t.Fatalf("phys %#x: AsVirt reported no mapping", p)
			}
			p2, ok := m.AsPhys(v)
			if !ok || p2 != p {
				t.Fatalf("phys %#x: AsPhys(AsVirt(%#x)) = %#x, %v; want %#x, true", p, v, p2, ok, p)
			}
		}
	}
}

func TestExtentMapMissReturnsFalse(t *testing.T) {
	m := NewExtentMap(mem.HeapStart)
	if err := m.Append(0x100000, 1); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, ok := m.AsPhys(mem.HeapStart + uintptr(mem.PageSize)); ok {
		t.Fatal("expected AsPhys past the last extent to fail")
	}
	if _, ok := m.AsVirt(0x900000); ok {
		t.Fatal("expected AsVirt on an unbacked physical address to fail")
	}
}
