// Package kernel holds the bring-up entry point and the handful of
// kernel-global types (Error, Panic) nothing else in the tree can be without.
package kernel

import (
	"reflect"
	"unsafe"

	"embercore/kernel/bootinfo"
	"embercore/kernel/cpu"
	"embercore/kernel/fs"
	"embercore/kernel/goruntime"
	"embercore/kernel/hal"
	"embercore/kernel/kfmt/early"
	"embercore/kernel/mem"
	"embercore/kernel/mem/heap"
	"embercore/kernel/mem/pmm"
	"embercore/kernel/mem/vmm"
	"embercore/kernel/pivot"
	"embercore/kernel/storage/ahci"
	"embercore/kernel/userload"
)

const (
	// ahciMMIOPhysAddr is the controller's BAR5 address. Spec section 1
	// places PCI configuration-space scanning out of scope; this core
	// addresses the one controller it expects at a fixed, firmware/loader
	// provided location instead of discovering it.
	ahciMMIOPhysAddr = uintptr(0xfebf_1000)

	// initProgramName is the volume entry the loader looks up once
	// storage comes up.
	initProgramName = "init"

	// userStagingBase is a kernel-only virtual window the user loader
	// uses to reach each newly allocated frame long enough to copy file
	// bytes into it, before the same frame is aliased into user space.
	userStagingBase = uintptr(0xffff_fe00_0000_0000)

	// maxMemMapEntries bounds the fixed-size buffer VisitMemRegions
	// fills: no slice can be allocated before the heap the allocator
	// would come from exists.
	maxMemMapEntries = 256

	// maxAvoidRanges bounds the frame allocator's seeding exclusions: the
	// kernel image's own loadable segments, the initial stack, and every
	// live page-table node reachable from the root the loader handed off.
	maxAvoidRanges = 1024

	// ahciPortSetupSize is the per-port DMA memory ahci.Controller.OpenPort
	// needs. portSetup is private to package ahci, so this is a generous
	// fixed bound rather than unsafe.Sizeof of a type this package cannot
	// name, comfortably covering a 32-entry command list, FIS area and 32
	// command tables.
	ahciPortSetupSize = 8 * mem.PageSize
)

var (
	errKmainReturned = &Error{Module: "kmain", Message: "Kmain returned"}

	memMapBuf [maxMemMapEntries]pmm.MemRegion
	avoidBuf  [maxAvoidRanges]pmm.AddrRange

	// frames is bring-up state that must stay reachable after the pivot.
	// It lives inside the kernel's own loaded image as a package-level
	// variable, which buildHighHalfMapping keeps identity-mapped in the
	// new page table for exactly this reason: its address needs no
	// translation to remain valid.
	frames pmm.FreeList
)

// Kmain is the only Go symbol visible to the rt0 trampoline (cmd/kernel). It
// runs once, identity-mapped, and never returns: bring-up ends either by
// pivoting into the high-half heap or by a Panic.
//
//go:noinline
func Kmain(bootInfoPhysAddr uintptr) {
	hal.InitTerminal()
	hal.ActiveTerminal.Clear()
	early.Printf("embercore: bring-up starting\n")

	info := bootinfo.Load(bootInfoPhysAddr)
	kernelImage := unsafe.Slice((*byte)(unsafe.Pointer(info.ElfLocation)), info.ElfSize)
	kernelImg, err := userload.Parse(kernelImage)
	if err != nil {
		Panic(err)
	}

	seedFrameAllocator(info, kernelImg)
	early.Printf("embercore: %d frames free after seeding\n", frames.Count())

	extentMap := vmm.NewExtentMap(mem.HeapStart)
	h := heap.New(extentMap)

	targetPages := uint64(mem.HeapSize) / uint64(mem.PageSize)
	if _, _, e := h.Phase1(&frames, mem.HeapStart, targetPages); e != nil {
		Panic(e)
	}
	if e := h.Phase2(&frames, targetPages); e != nil {
		Panic(e)
	}
	goruntime.Init(h)
	early.Printf("embercore: heap window live at %x, %d pages\n", mem.HeapStart, extentMap.TotalPages())

	rootVirt, rootPhys, stackTopVirt := buildHighHalfMapping(h, extentMap, kernelImg)

	entryVirt := reflect.ValueOf(postPivot).Pointer()
	rootTableVirt, ok := extentMap.AsVirt(rootVirt)
	if !ok {
		Panic(&Error{Module: "kmain", Message: "root page table falls outside the heap's extents"})
	}

	args := pivot.Args{
		RootTableVirt:  rootTableVirt,
		ExtentMapVirt:  uintptr(unsafe.Pointer(extentMap)),
		FrameAllocVirt: uintptr(unsafe.Pointer(&frames)),
		ProgHeaderVirt: uintptr(unsafe.Pointer(&kernelImg.Headers[0])),
		HeapVirt:       uintptr(unsafe.Pointer(h)),
	}

	early.Printf("embercore: pivoting\n")
	pivot.Execute(rootPhys, stackTopVirt, entryVirt, args)

	// Execute never returns: control resumes at entryVirt (postPivot)
	// with the old identity-mapped stack and page table gone.
	Panic(errKmainReturned)
}

// seedFrameAllocator builds the avoid-list (the kernel image's own loadable
// segments, the initial stack, and every live page-table node reachable from
// the loader's root) and seeds the free list from the firmware memory map
// (spec section 4.1).
func seedFrameAllocator(info *bootinfo.Info, kernelImg *userload.Image) {
	n := 0
	add := func(start, end uintptr) {
		if n >= maxAvoidRanges {
			Panic(&Error{Module: "kmain", Message: "avoid-list exhausted its capacity"})
		}
		avoidBuf[n] = pmm.AddrRange{Start: start, End: end}
		n++
	}

	for _, ph := range kernelImg.Headers {
		start := uintptr(ph.VAddr) &^ (uintptr(mem.PageSize) - 1)
		end := (uintptr(ph.VAddr) + uintptr(ph.MemSize) + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
		add(start, end)
	}

	stackTop := info.StackLocation
	add(stackTop-uintptr(mem.InitialStackSize), stackTop)

	vmm.WalkLiveNodes(cpu.ActivePDT(), func(physAddr uintptr) {
		add(physAddr, physAddr+uintptr(mem.PageSize))
	})

	mapEntries := 0
	info.VisitMemRegions(func(r bootinfo.MemRegion) {
		if mapEntries >= maxMemMapEntries {
			return
		}
		memMapBuf[mapEntries] = pmm.MemRegion{Start: r.Start, Length: r.Length, Usable: r.Usable}
		mapEntries++
	})

	if e := frames.Seed(memMapBuf[:mapEntries], avoidBuf[:n]); e != nil {
		Panic(e)
	}
}

// buildHighHalfMapping constructs the new L4 root page table: the whole heap
// window (genuinely relocated to the high half), the kernel's own loaded
// segments and the VGA text buffer left identity-mapped since relocating
// running code would need position-independent codegen this runtime does
// not provide. It returns the root's pre-pivot (heap, hence physical-valued)
// handle, its physical address for CR3, and the top of a freshly allocated
// kernel stack translated to its post-pivot virtual address.
func buildHighHalfMapping(h *heap.Heap, extentMap *vmm.ExtentMap, kernelImg *userload.Image) (rootVirt, rootPhys, stackTopVirt uintptr) {
	rootVirt, e := h.Alloc(uintptr(mem.PageSize), uintptr(mem.PageSize))
	if e != nil {
		Panic(e)
	}
	mem.Memset(rootVirt, 0, mem.PageSize)

	nodes := heap.NodeAllocator{Heap: h}
	mapper := vmm.NewMapper(rootVirt, nodes, vmm.IdentityTranslator{})

	for _, ext := range extentMap.Extents() {
		for i := uint64(0); i < ext.PageCount; i++ {
			physAddr := ext.PhysBase + uintptr(i)*uintptr(mem.PageSize)
			virtAddr, ok := extentMap.AsVirt(physAddr)
			if !ok {
				Panic(&Error{Module: "kmain", Message: "heap extent page has no virtual address"})
			}
			if e := mapper.Map(physAddr, virtAddr, true, false); e != nil {
				Panic(e)
			}
		}
	}

	for _, ph := range kernelImg.Headers {
		startPage := uintptr(ph.VAddr) &^ (uintptr(mem.PageSize) - 1)
		endPage := (uintptr(ph.VAddr) + uintptr(ph.MemSize) + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
		for page := startPage; page < endPage; page += uintptr(mem.PageSize) {
			if e := mapper.Map(page, page, true, false); e != nil {
				Panic(e)
			}
		}
	}

	vgaPage := hal.VGATextBufferPhysAddr &^ (uintptr(mem.PageSize) - 1)
	if e := mapper.Map(vgaPage, vgaPage, true, false); e != nil {
		Panic(e)
	}

	stackPhys, e := h.Alloc(uintptr(mem.KernelStackSize), uintptr(mem.PageSize))
	if e != nil {
		Panic(e)
	}
	stackBaseVirt, ok := extentMap.AsVirt(stackPhys)
	if !ok {
		Panic(&Error{Module: "kmain", Message: "kernel stack allocation has no virtual address"})
	}

	return rootVirt, mapper.RootPhys(), stackBaseVirt + uintptr(mem.KernelStackSize)
}

// heapPortSetup adapts Heap to ahci.PortAllocator: the per-port DMA setup
// block is just another page-aligned heap allocation.
type heapPortSetup struct {
	heap *heap.Heap
}

func (s heapPortSetup) AllocPortSetup() (uintptr, *Error) {
	addr, err := s.heap.Alloc(uintptr(ahciPortSetupSize), uintptr(mem.PageSize))
	if err != nil {
		return 0, err
	}
	mem.Memset(addr, 0, ahciPortSetupSize)
	return addr, nil
}

// postPivot is the relocated entry point pivot.Execute jumps to. Its
// signature mirrors pivot_amd64.s's register hand-off exactly: the asm
// trampoline loads these five values into RDI, RSI, RDX, RCX, R8 right
// before jumping here. It finishes bring-up on the high-half side: fix up
// the heap's free-list pointers, open the storage controller, locate the
// init program on the attached volume, and load and enter it.
//
//go:noinline
func postPivot(rootTableVirt, extentMapVirt, frameAllocVirt, progHeaderVirt, heapVirt uintptr) {
	ext := (*vmm.ExtentMap)(unsafe.Pointer(extentMapVirt))
	fl := (*pmm.FreeList)(unsafe.Pointer(frameAllocVirt))
	h := (*heap.Heap)(unsafe.Pointer(heapVirt))
	_ = progHeaderVirt

	h.Fixup()
	early.Printf("embercore: pivot complete, heap fixed up\n")

	translate := vmm.ExtentTranslator{Extents: ext}
	kernelMapper := vmm.NewMapper(rootTableVirt, heap.NodeAllocator{Heap: h}, translate)

	controller := ahci.NewController(ahciMMIOPhysAddr)
	ports := controller.ImplementedPorts()
	if len(ports) == 0 {
		Panic(&Error{Module: "kmain", Message: "no AHCI ports implemented"})
	}

	port, err := controller.OpenPort(ports[0], heapPortSetup{heap: h}, translate)
	if err != nil {
		Panic(err)
	}

	vol, err := fs.Open(port)
	if err != nil {
		Panic(err)
	}

	initImage, err := vol.Lookup(initProgramName)
	if err != nil {
		Panic(err)
	}

	img, err := userload.Parse(initImage)
	if err != nil {
		Panic(err)
	}

	userRootVirt, err := h.Alloc(uintptr(mem.PageSize), uintptr(mem.PageSize))
	if err != nil {
		Panic(err)
	}
	mem.Memset(userRootVirt, 0, mem.PageSize)
	userMapper := vmm.NewMapper(userRootVirt, heap.NodeAllocator{Heap: h}, translate)
	vgaPage := hal.VGATextBufferPhysAddr &^ (uintptr(mem.PageSize) - 1)
	if err := userMapper.Map(vgaPage, vgaPage, true, false); err != nil {
		Panic(err)
	}

	loader := userload.New(fl, kernelMapper, userMapper, userStagingBase, mem.USERPROGAREA)
	entry, err := loader.Load(img)
	if err != nil {
		Panic(err)
	}

	early.Printf("embercore: entering init at %x\n", entry)
	enterUserMode(userMapper.RootPhys(), entry)
}
