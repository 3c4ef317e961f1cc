package vmm

import (
	"testing"
	"unsafe"

	"embercore/kernel"
	"embercore/kernel/mem"
)

// fakeNodeAllocator hands out page-aligned Go-allocated buffers to stand in
// for heap-backed page-table nodes, and tracks which have been freed so
// tests can observe empty-node reclamation.
type fakeNodeAllocator struct {
	live map[uintptr][]byte
	free map[uintptr]bool
}

func newFakeNodeAllocator() *fakeNodeAllocator {
	return &fakeNodeAllocator{live: map[uintptr][]byte{}, free: map[uintptr]bool{}}
}

func (a *fakeNodeAllocator) AllocNode() (uintptr, *kernel.Error) {
	buf := make([]byte, int(mem.PageSize)*2)
	addr := (uintptr(unsafe.Pointer(&buf[0])) + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)
	a.live[addr] = buf
	return addr, nil
}

func (a *fakeNodeAllocator) FreeNode(virtAddr uintptr) {
	delete(a.live, virtAddr)
	a.free[virtAddr] = true
}

func newTestMapper(t *testing.T) (*Mapper, *fakeNodeAllocator) {
	t.Helper()
	nodes := newFakeNodeAllocator()
	rootVirt, err := nodes.AllocNode()
	if err != nil {
		t.Fatalf("alloc root: %v", err)
	}
	mem.Memset(rootVirt, 0, mem.PageSize)
	return NewMapper(rootVirt, nodes, IdentityTranslator{}), nodes
}

func withNoopTLBFlush(t *testing.T) {
	t.Helper()
	origFlush, origPanic := flushTLBEntryFn, panicFn
	flushTLBEntryFn = func(uintptr) {}
	t.Cleanup(func() { flushTLBEntryFn, panicFn = origFlush, origPanic })
}

func TestMapUnmapRoundTrip(t *testing.T) {
	withNoopTLBFlush(t)
	m, _ := newTestMapper(t)

	const vaddr = uintptr(0x0000_2000_0000_1000)
	const paddr = uintptr(0x0030_0000)

	if err := m.Map(paddr, vaddr, true, false); err != nil {
		t.Fatalf("map: %v", err)
	}

	got, err := m.Unmap(vaddr)
	if err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if got != paddr {
		t.Fatalf("unmap returned %#x; want %#x", got, paddr)
	}

	if _, err := m.Unmap(vaddr); err != ErrNotMapped {
		t.Fatalf("second unmap: got %v; want ErrNotMapped", err)
	}
}

func TestMapCollisionPanics(t *testing.T) {
	withNoopTLBFlush(t)
	m, _ := newTestMapper(t)

	var panicked *kernel.Error
	panicFn = func(e interface{}) {
		if err, ok := e.(*kernel.Error); ok {
			panicked = err
		}
	}

	const vaddr = uintptr(0x0000_2000_0000_1000)
	if err := m.Map(0x300000, vaddr, true, false); err != nil {
		t.Fatalf("first map: %v", err)
	}
	m.Map(0x400000, vaddr, true, false)

	if panicked == nil || panicked != errMappingExists {
		t.Fatalf("expected mapping-collision panic; got %v", panicked)
	}
}

func TestMapNonCanonicalPanics(t *testing.T) {
	withNoopTLBFlush(t)
	m, _ := newTestMapper(t)

	var panicked *kernel.Error
	panicFn = func(e interface{}) {
		if err, ok := e.(*kernel.Error); ok {
			panicked = err
		}
	}

	m.Map(0x300000, 0x0000_8000_0000_1000, true, false)

	if panicked == nil || panicked != errNonCanonical {
		t.Fatalf("expected non-canonical panic; got %v", panicked)
	}
}

func TestEmptyNodeReclamation(t *testing.T) {
	withNoopTLBFlush(t)
	m, nodes := newTestMapper(t)

	// Two addresses sharing the same L1 table (same i4/i3/i2, different i1).
	const base = uintptr(0x0000_2000_0000_0000)
	addrs := []uintptr{base, base + uintptr(mem.PageSize)}

	for i, a := range addrs {
		if err := m.Map(uintptr(0x300000+i*0x1000), a, true, false); err != nil {
			t.Fatalf("map %d: %v", i, err)
		}
	}

	freedBefore := len(nodes.free)
	if _, err := m.Unmap(addrs[0]); err != nil {
		t.Fatalf("unmap 0: %v", err)
	}
	if len(nodes.free) != freedBefore {
		t.Fatalf("L1 table freed while still holding a live mapping")
	}

	if _, err := m.Unmap(addrs[1]); err != nil {
		t.Fatalf("unmap 1: %v", err)
	}
	// L1, L2 and L3 should all have been reclaimed once the last mapping
	// sharing them is gone.
	if len(nodes.free) != freedBefore+3 {
		t.Fatalf("expected 3 intermediate nodes reclaimed; got %d", len(nodes.free)-freedBefore)
	}
}
