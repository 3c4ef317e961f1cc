package ahci

import (
	"sync/atomic"
	"unsafe"

	"embercore/kernel"
)

var (
	errPortHung      = &kernel.Error{Module: "ahci", Message: "port hung waiting to accept a command"}
	errReadError     = &kernel.Error{Module: "ahci", Message: "read disk error"}
	errNoFreeSlot    = &kernel.Error{Module: "ahci", Message: "no free command slot"}
	errTooManySectors = &kernel.Error{Module: "ahci", Message: "sector count exceeds the command table's PRDT capacity"}

	// panicFn is substituted by tests; it is automatically inlined by the
	// compiler in the kernel build.
	panicFn = kernel.Panic
)

const sectorsPerPRDT = 16 // 8 KiB per entry, 512-byte sectors
const sectorSize = 512

// Translator resolves a heap virtual address to the physical address DMA
// descriptors must carry. See vmm.Translator; storage reuses the same
// two-world bridge rather than importing vmm, to keep the command engine
// free of any page-table dependency.
type Translator interface {
	AsPhys(virtAddr uintptr) uintptr
}

// Port drives one AHCI port's command engine: rebase, submit, and poll to
// completion. At most one command is ever in flight, so find-slot always
// picks slot 0 in practice; the slot search exists to make that an
// observation rather than an assumption baked into the code.
type Port struct {
	regs      *hbaPort
	setup     *portSetup
	translate Translator
}

// NewPort wraps a port's MMIO register block at mmioBase, index within the
// controller's port array.
func NewPort(mmioBase uintptr, index int, setup *portSetup, translate Translator) *Port {
	return &Port{regs: portAt(mmioBase, index), setup: setup, translate: translate}
}

// Rebase stops the command engine, publishes this port's command-list, FIS
// and command-table base addresses, and restarts it.
func (p *Port) Rebase() {
	p.stopCmd()

	clb := p.translate.AsPhys(uintptr(unsafe.Pointer(&p.setup.cmdList[0])))
	p.regs.clb = uint32(clb)
	p.regs.clbu = uint32(clb >> 32)

	fb := p.translate.AsPhys(uintptr(unsafe.Pointer(&p.setup.fis[0])))
	p.regs.fb = uint32(fb)
	p.regs.fbu = uint32(fb >> 32)

	for i := range p.setup.cmdList {
		ctba := p.translate.AsPhys(uintptr(unsafe.Pointer(&p.setup.cmdTbl[i])))
		p.setup.cmdList[i].ctba = uint32(ctba)
		p.setup.cmdList[i].ctbau = uint32(ctba >> 32)
	}

	p.startCmd()
}

func (p *Port) startCmd() {
	for p.regs.cmd&cmdCR != 0 {
	}
	p.regs.cmd |= cmdFRE
	p.regs.cmd |= cmdST
}

func (p *Port) stopCmd() {
	p.regs.cmd &^= cmdST
	p.regs.cmd &^= cmdFRE
	for p.regs.cmd&(cmdFR|cmdCR) != 0 {
	}
}

func (p *Port) findSlot() (int, bool) {
	busy := p.regs.sact | p.regs.ci
	for i := 0; i < len(p.setup.cmdList); i++ {
		if busy&(1<<uint(i)) == 0 {
			return i, true
		}
	}
	return 0, false
}

// Read issues a single LBA-48 DMA read of sectorCount sectors starting at
// lba into dest, which must be at least sectorCount*512 bytes and backed by
// physically addressable (identity- or extent-mapped) memory.
func (p *Port) Read(lba uint64, sectorCount uint32, dest []byte) *kernel.Error {
	prdtCount := (int(sectorCount) + sectorsPerPRDT - 1) / sectorsPerPRDT
	if prdtCount == 0 {
		prdtCount = 1
	}
	if prdtCount > maxPRDTEntries {
		return errTooManySectors
	}
	if len(dest) < int(sectorCount)*sectorSize {
		return errTooManySectors
	}

	// IS is write-1-to-clear: writing back the bits currently set clears them.
	pending := p.regs.is
	p.regs.is = pending

	slot, ok := p.findSlot()
	if !ok {
		return errNoFreeSlot
	}

	header := &p.setup.cmdList[slot]
	header.config = uint8(unsafe.Sizeof(fisRegH2D{})/4) & cfhLengthMask
	header.prdtl = uint16(prdtCount)

	table := &p.setup.cmdTbl[slot]
	*table = hbaCmdTable{}

	destPhys := p.translate.AsPhys(uintptr(unsafe.Pointer(&dest[0])))
	remaining := sectorCount
	for i := 0; i < prdtCount; i++ {
		table.prdt[i].dba = uint32(destPhys)
		table.prdt[i].dbau = uint32(destPhys >> 32)
		if i < prdtCount-1 {
			table.prdt[i].dbc = (sectorsPerPRDT*sectorSize - 1) | prdtInterrupt
			destPhys += sectorsPerPRDT * sectorSize
			remaining -= sectorsPerPRDT
		} else {
			table.prdt[i].dbc = (remaining*sectorSize - 1) | prdtInterrupt
		}
	}

	fis := (*fisRegH2D)(unsafe.Pointer(&table.cfis[0]))
	*fis = fisRegH2D{}
	fis.fisType = fisTypeRegH2D
	fis.pmPort = 1 << 7 // command, not control
	fis.command = ataCmdReadDMAExt
	fis.device = 1 << 6 // LBA mode

	fis.lba0 = uint8(lba)
	fis.lba1 = uint8(lba >> 8)
	fis.lba2 = uint8(lba >> 16)
	fis.lba3 = uint8(lba >> 24)
	fis.lba4 = uint8(lba >> 32)
	fis.lba5 = uint8(lba >> 40)

	fis.countl = uint8(sectorCount)
	fis.counth = uint8(sectorCount >> 8)

	const spinLimit = 1_000_000
	spin := 0
	for p.regs.tfd&(tfdBusy|tfdDRQ) != 0 && spin < spinLimit {
		spin++
	}
	if spin == spinLimit {
		panicFn(errPortHung)
		return errPortHung
	}

	p.regs.ci = 1 << uint(slot)

	for atomic.LoadUint32(&p.regs.ci)&(1<<uint(slot)) != 0 {
		if p.regs.is&isTaskFileError != 0 {
			panicFn(errReadError)
			return errReadError
		}
	}
	if p.regs.is&isTaskFileError != 0 {
		panicFn(errReadError)
		return errReadError
	}

	return nil
}
