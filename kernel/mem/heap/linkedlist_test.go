package heap

import (
	"testing"
	"unsafe"
)

func backingRegion(t *testing.T, size int) uintptr {
	t.Helper()
	buf := make([]byte, size+16)
	return (uintptr(unsafe.Pointer(&buf[0])) + 15) &^ 15
}

func TestLinkedListAllocSplitsRegion(t *testing.T) {
	base := backingRegion(t, 4096)

	var l LinkedList
	if err := l.Extend(base, 4096); err != nil {
		t.Fatalf("extend: %v", err)
	}

	addr, ok := l.Alloc(64, 8)
	if !ok {
		t.Fatal("expected alloc to succeed")
	}
	if addr != base {
		t.Fatalf("expected first alloc at region base %#x; got %#x", base, addr)
	}

	// The remainder (4096-64=4032, well above headerSize) should have been
	// turned back into a free region, so a second allocation succeeds.
	addr2, ok := l.Alloc(128, 8)
	if !ok {
		t.Fatal("expected second alloc to succeed from the split remainder")
	}
	if addr2 < base+64 {
		t.Fatalf("second alloc at %#x overlaps the first block", addr2)
	}
}

func TestLinkedListAllocRespectsAlignment(t *testing.T) {
	base := backingRegion(t, 4096)

	var l LinkedList
	if err := l.Extend(base, 4096); err != nil {
		t.Fatalf("extend: %v", err)
	}

	addr, ok := l.Alloc(32, 64)
	if !ok {
		t.Fatal("expected alloc to succeed")
	}
	if addr%64 != 0 {
		t.Fatalf("alloc returned %#x, not 64-byte aligned", addr)
	}
}

func TestLinkedListAllocFailsWhenNothingFits(t *testing.T) {
	base := backingRegion(t, 64)

	var l LinkedList
	if err := l.Extend(base, 64); err != nil {
		t.Fatalf("extend: %v", err)
	}

	if _, ok := l.Alloc(4096, 8); ok {
		t.Fatal("expected alloc to fail when no region is large enough")
	}
}

func TestLinkedListFreeReturnsRegion(t *testing.T) {
	base := backingRegion(t, 4096)

	var l LinkedList
	if err := l.Extend(base, 4096); err != nil {
		t.Fatalf("extend: %v", err)
	}

	addr, ok := l.Alloc(4096, 8)
	if !ok {
		t.Fatal("expected alloc to succeed")
	}
	if err := l.Free(addr, 4096); err != nil {
		t.Fatalf("free: %v", err)
	}

	addr2, ok := l.Alloc(4096, 8)
	if !ok || addr2 != addr {
		t.Fatalf("expected freed region to be reused at %#x; got %#x, %v", addr, addr2, ok)
	}
}

func TestFixupPointerRewritesOnlyPhysicalLooking(t *testing.T) {
	translate := func(addr uintptr) (uintptr, bool) { return addr | 0xffff_0000_0000_0000, true }

	if got := fixupPointer(0, translate); got != 0 {
		t.Fatalf("nil pointer must stay nil, got %#x", got)
	}

	const highHalf = uintptr(0xffff_8000_0012_3000)
	if got := fixupPointer(highHalf, translate); got != highHalf {
		t.Fatalf("already-virtual pointer must not be rewritten, got %#x", got)
	}

	const physLooking = uintptr(0x0000_0000_0030_0000)
	want := physLooking | 0xffff_0000_0000_0000
	if got := fixupPointer(physLooking, translate); got != want {
		t.Fatalf("physical-looking pointer not rewritten: got %#x want %#x", got, want)
	}
}

func TestLinkedListFixupIdentityPreservesChain(t *testing.T) {
	baseA := backingRegion(t, 64)
	baseB := backingRegion(t, 64)

	var l LinkedList
	l.Extend(baseA, 64)
	l.Extend(baseB, 64)

	// An identity translation (the common case once the heap's extent
	// map happens to cover the same addresses) must leave the chain
	// walkable and unchanged.
	identity := func(addr uintptr) (uintptr, bool) { return addr, true }
	l.fixup(identity)

	if l.head != baseB {
		t.Fatalf("head changed under identity fixup: got %#x want %#x", l.head, baseB)
	}
	if regionAt(l.head).next != baseA {
		t.Fatalf("chain broken under identity fixup")
	}
}
