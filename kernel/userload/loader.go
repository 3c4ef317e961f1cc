// Package userload parses a loaded program image's program-header table and
// maps its loadable segments into a user address space, ready to enter.
package userload

import (
	"encoding/binary"
	"unsafe"

	"embercore/kernel"
	"embercore/kernel/mem"
	"embercore/kernel/mem/pmm"
)

const (
	magic = 0x464c_457f

	ehEntryOff   = 0x18
	ehPhOff      = 0x20
	ehPhEntSize  = 0x36
	ehPhNum      = 0x38

	phEntSize = 0x38 // type(4) flags(4) offset(8) vaddr(8) paddr(8) filesz(8) memsz(8) align(8)

	segTypeLoad = 1
)

var (
	errBadMagic        = &kernel.Error{Module: "userload", Message: "program image magic mismatch"}
	errPhEntSizeWrong  = &kernel.Error{Module: "userload", Message: "program header entry size mismatch"}
	errImageTruncated  = &kernel.Error{Module: "userload", Message: "program image truncated"}
)

// ProgHeader is one loadable segment of a parsed program image.
type ProgHeader struct {
	VAddr   uint64
	Offset  uint64
	FileSize uint64
	MemSize uint64
}

// Image is a parsed program ready to be mapped: its entry point and the
// loadable segments contributing to its address space.
type Image struct {
	Entry   uint64
	Headers []ProgHeader
	data    []byte
}

// Parse validates an image's magic and reads its program-header table.
func Parse(data []byte) (*Image, *kernel.Error) {
	if len(data) < ehPhNum+2 {
		return nil, errImageTruncated
	}
	if binary.LittleEndian.Uint32(data[0:4]) != magic {
		return nil, errBadMagic
	}

	entry := binary.LittleEndian.Uint64(data[ehEntryOff : ehEntryOff+8])
	phOff := binary.LittleEndian.Uint64(data[ehPhOff : ehPhOff+8])
	phEntSizeField := binary.LittleEndian.Uint16(data[ehPhEntSize : ehPhEntSize+2])
	phNum := binary.LittleEndian.Uint16(data[ehPhNum : ehPhNum+2])

	if int(phEntSizeField) != phEntSize {
		return nil, errPhEntSizeWrong
	}

	headers := make([]ProgHeader, 0, phNum)
	for i := uint16(0); i < phNum; i++ {
		base := int(phOff) + int(i)*phEntSize
		if base+phEntSize > len(data) {
			return nil, errImageTruncated
		}
		segType := binary.LittleEndian.Uint32(data[base : base+4])
		if segType != segTypeLoad {
			continue
		}
		headers = append(headers, ProgHeader{
			Offset:   binary.LittleEndian.Uint64(data[base+8 : base+16]),
			VAddr:    binary.LittleEndian.Uint64(data[base+16 : base+24]),
			FileSize: binary.LittleEndian.Uint64(data[base+40 : base+48]),
			MemSize:  binary.LittleEndian.Uint64(data[base+48 : base+56]),
		})
	}

	return &Image{Entry: entry, Headers: headers, data: data}, nil
}

// FrameAllocator is the subset of pmm.FreeList the loader needs to stage
// each segment's pages before mapping them into the user address space. It
// hands back both the staging virtual address and the frame's physical
// address, since the loader must alias the same physical frame into the
// user page table under a different virtual address.
type FrameAllocator interface {
	AllocateAndMap(targetVirtual uintptr, mapper pmm.Mapper) (virtAddr uintptr, physAddr uintptr, err *kernel.Error)
}

// UserMapper is the subset of vmm.Mapper the loader needs to populate the
// user address space with the same physical frames it just staged.
type UserMapper interface {
	Map(physAddr, virtAddr uintptr, writable, userAccessible bool) *kernel.Error
}

// Loader maps parsed Images into a user page table, staging each page
// through a kernel-side scratch window before aliasing it into user space.
type Loader struct {
	frames      FrameAllocator
	kernelMap   pmm.Mapper
	userMap     UserMapper
	stagingBase uintptr
	userBase    uintptr
}

// New creates a Loader. stagingBase is a kernel-only virtual window used to
// reach each newly allocated frame long enough to copy file bytes into it;
// userBase is the fixed offset (mem.USERPROGAREA) every segment's virtual
// address is translated by in the user page table.
func New(frames FrameAllocator, kernelMap pmm.Mapper, userMap UserMapper, stagingBase, userBase uintptr) *Loader {
	return &Loader{frames: frames, kernelMap: kernelMap, userMap: userMap, stagingBase: stagingBase, userBase: userBase}
}

// Load maps every loadable segment of img into the user address space,
// copies its file bytes in, zeroes the BSS tail between FileSize and
// MemSize, and returns the final entry point (img.Entry + userBase).
func (l *Loader) Load(img *Image) (entry uintptr, err *kernel.Error) {
	for _, ph := range img.Headers {
		if e := l.mapSegment(img, ph); e != nil {
			return 0, e
		}
	}
	return uintptr(img.Entry) + l.userBase, nil
}

func (l *Loader) mapSegment(img *Image, ph ProgHeader) *kernel.Error {
	startPage := uintptr(ph.VAddr) &^ (uintptr(mem.PageSize) - 1)
	endAddr := uintptr(ph.VAddr) + uintptr(ph.MemSize)
	endPage := (endAddr + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)

	for page := startPage; page < endPage; page += uintptr(mem.PageSize) {
		stagingVirt := l.stagingBase + page
		kernVirt, physAddr, e := l.frames.AllocateAndMap(stagingVirt, l.kernelMap)
		if e != nil {
			return e
		}
		mem.Memset(kernVirt, 0, mem.PageSize)

		userVirt := l.userBase + page
		if e := l.userMap.Map(physAddr, userVirt, true, true); e != nil {
			return e
		}

		l.copySegmentBytes(img, ph, page, kernVirt)
	}

	return nil
}

// copySegmentBytes copies the slice of ph's file bytes that fall within
// [page, page+PageSize) into the freshly zeroed frame at kernVirt. A page
// entirely past ph.FileSize is left zeroed: that is the BSS tail between the
// file's recorded size and its memory size, and the caller already zeroed
// the whole frame before this runs.
func (l *Loader) copySegmentBytes(img *Image, ph ProgHeader, page, kernVirt uintptr) {
	segStart := uintptr(ph.VAddr)
	fileEnd := segStart + uintptr(ph.FileSize)

	copyStart := page
	if copyStart < segStart {
		copyStart = segStart
	}
	copyEnd := page + uintptr(mem.PageSize)
	if copyEnd > fileEnd {
		copyEnd = fileEnd
	}
	if copyEnd <= copyStart {
		return
	}

	n := copyEnd - copyStart
	fileOffset := uintptr(ph.Offset) + (copyStart - segStart)
	src := img.data[fileOffset : fileOffset+n]
	dst := unsafe.Slice((*byte)(unsafe.Pointer(kernVirt+(copyStart-page))), n)
	copy(dst, src)
}
