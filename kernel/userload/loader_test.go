package userload

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"embercore/kernel"
	"embercore/kernel/mem"
	"embercore/kernel/mem/pmm"
)

// fakeVirtFor returns a real, dereferenceable address backed by buf, large
// enough for mem.Memset's page-sized writes to land safely; no alignment is
// applied.
func fakeVirtFor(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

// buildImage constructs the minimal ELF64-header-plus-one-PT_LOAD-segment
// image userload.Parse expects, mirroring tools/mkuprog's layout exactly.
func buildImage(t *testing.T, entry, vaddr uint64, data []byte, memSize uint64) []byte {
	t.Helper()
	const ehdrSize = 0x40
	const phEntSize = 0x38
	segOffset := uint64(ehdrSize + phEntSize)

	buf := make([]byte, segOffset+uint64(len(data)))
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint64(buf[ehEntryOff:ehEntryOff+8], entry)
	binary.LittleEndian.PutUint64(buf[ehPhOff:ehPhOff+8], ehdrSize)
	binary.LittleEndian.PutUint16(buf[ehPhEntSize:ehPhEntSize+2], phEntSize)
	binary.LittleEndian.PutUint16(buf[ehPhNum:ehPhNum+2], 1)

	ph := buf[ehdrSize:]
	binary.LittleEndian.PutUint32(ph[0:4], segTypeLoad)
	binary.LittleEndian.PutUint64(ph[8:16], segOffset)
	binary.LittleEndian.PutUint64(ph[16:24], vaddr)
	binary.LittleEndian.PutUint64(ph[40:48], uint64(len(data)))
	binary.LittleEndian.PutUint64(ph[48:56], memSize)

	copy(buf[segOffset:], data)
	return buf
}

func TestParseRoundTrip(t *testing.T) {
	data := []byte("hello, userload")
	raw := buildImage(t, 0x100, 0x0, data, uint64(len(data))+16)

	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if img.Entry != 0x100 {
		t.Fatalf("entry = %#x; want 0x100", img.Entry)
	}
	if len(img.Headers) != 1 {
		t.Fatalf("headers = %d; want 1", len(img.Headers))
	}
	ph := img.Headers[0]
	if ph.VAddr != 0 || ph.FileSize != uint64(len(data)) || ph.MemSize != uint64(len(data))+16 {
		t.Fatalf("unexpected header: %+v", ph)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	raw := buildImage(t, 0, 0, []byte("x"), 1)
	raw[0] = 0

	if _, err := Parse(raw); err != errBadMagic {
		t.Fatalf("expected errBadMagic, got %v", err)
	}
}

func TestParseRejectsTruncated(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}); err != errImageTruncated {
		t.Fatalf("expected errImageTruncated, got %v", err)
	}
}

// fakeFrames hands out sequential fake physical frames and records every
// staging mapping it is asked to perform, standing in for pmm.FreeList.
type fakeFrames struct {
	nextPhys uintptr
	backing  map[uintptr][]byte
}

func newFakeFrames() *fakeFrames {
	return &fakeFrames{nextPhys: 0x10_0000, backing: map[uintptr][]byte{}}
}

func (f *fakeFrames) AllocateAndMap(targetVirtual uintptr, mapper pmm.Mapper) (uintptr, uintptr, *kernel.Error) {
	phys := f.nextPhys
	f.nextPhys += uintptr(mem.PageSize)

	buf := make([]byte, mem.PageSize)
	f.backing[phys] = buf
	kernVirt := fakeVirtFor(buf)

	if err := mapper.Map(phys, targetVirtual, true, false); err != nil {
		return 0, 0, err
	}
	return kernVirt, phys, nil
}

// fakeMapper records Map calls without touching real page tables.
type fakeMapper struct {
	mapped map[uintptr]uintptr
}

func newFakeMapper() *fakeMapper { return &fakeMapper{mapped: map[uintptr]uintptr{}} }

func (m *fakeMapper) Map(physAddr, virtAddr uintptr, writable, userAccessible bool) *kernel.Error {
	m.mapped[virtAddr] = physAddr
	return nil
}

func TestLoadMapsSegmentAndComputesEntry(t *testing.T) {
	data := make([]byte, 10)
	copy(data, []byte("0123456789"))
	raw := buildImage(t, 0x40, 0x1000, data, uint64(mem.PageSize))

	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	frames := newFakeFrames()
	kernelMap := newFakeMapper()
	userMap := newFakeMapper()
	const userBase = uintptr(0x0000_6000_0000_0000)
	const stagingBase = uintptr(0xffff_fe00_0000_0000)

	loader := New(frames, kernelMap, userMap, stagingBase, userBase)
	entry, err := loader.Load(img)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if want := uintptr(0x40) + userBase; entry != want {
		t.Fatalf("entry = %#x; want %#x", entry, want)
	}

	wantUserVirt := userBase + 0x1000
	if _, ok := userMap.mapped[wantUserVirt]; !ok {
		t.Fatalf("segment page %#x never mapped into user space", wantUserVirt)
	}
}
