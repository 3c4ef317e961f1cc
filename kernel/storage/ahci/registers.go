// Package ahci issues LBA-addressed DMA reads against a single AHCI
// controller port: it owns the port's command list, received-FIS area and
// command tables, and drives the read path described by the AHCI
// specification's command submission protocol.
package ahci

import "unsafe"

// hbaPort is the per-port register block, memory-mapped by the controller at
// a fixed offset from its MMIO base. Field layout and offsets follow the
// AHCI 1.3 specification.
type hbaPort struct {
	clb  uint32 // 0x00 command list base, low 32 bits
	clbu uint32 // 0x04 command list base, high 32 bits
	fb   uint32 // 0x08 FIS base, low 32 bits
	fbu  uint32 // 0x0C FIS base, high 32 bits
	is   uint32 // 0x10 interrupt status
	ie   uint32 // 0x14 interrupt enable
	cmd  uint32 // 0x18 command and status
	rsv0 uint32
	tfd  uint32 // 0x20 task file data
	sig  uint32 // 0x24 signature
	ssts uint32 // 0x28 SATA status
	sctl uint32 // 0x2C SATA control
	serr uint32 // 0x30 SATA error
	sact uint32 // 0x34 SATA active
	ci   uint32 // 0x38 command issue
	sntf uint32 // 0x3C SATA notification
	fbs  uint32 // 0x40 FIS-based switching control
	_    [11]uint32
	_    [4]uint32 // vendor specific
}

const (
	cmdST = 1 << 0  // start
	cmdFRE = 1 << 4 // FIS receive enable
	cmdFR  = 1 << 14
	cmdCR  = 1 << 15

	tfdBusy = 1 << 7
	tfdDRQ  = 1 << 3

	isTaskFileError = 1 << 30
)

func portAt(mmioBase uintptr, index int) *hbaPort {
	return (*hbaPort)(unsafe.Pointer(mmioBase + 0x100 + uintptr(index)*0x80))
}

// hbaCmdHeader is one entry of a port's 32-entry command list.
type hbaCmdHeader struct {
	config uint8 // bits 0-4: command FIS length in dwords, bit 6: write
	status uint8
	prdtl  uint16 // PRDT entry count
	prdbc  uint32 // bytes transferred
	ctba   uint32 // command table base, low 32 bits
	ctbau  uint32 // command table base, high 32 bits
	_      [4]uint32
}

const (
	cfhWrite = 1 << 6
	cfhLengthMask = 0x1f
)

// hbaPrdtEntry describes one physically contiguous data region a command
// table's DMA transfer touches.
type hbaPrdtEntry struct {
	dba  uint32 // data base, low 32 bits
	dbau uint32 // data base, high 32 bits
	_    uint32
	dbc  uint32 // bits 0-21: byte count minus one, bit 31: interrupt on completion
}

const prdtInterrupt = 1 << 31

const maxPRDTEntries = 32

// hbaCmdTable is the command table a command header's ctba/ctbau points to:
// the command FIS itself, followed by up to maxPRDTEntries PRDT entries.
type hbaCmdTable struct {
	cfis    [64]byte
	acmd    [16]byte
	_       [48]byte
	prdt    [maxPRDTEntries]hbaPrdtEntry
}

// fisRegH2D is a host-to-device register FIS, used to issue ATA commands.
type fisRegH2D struct {
	fisType uint8
	pmPort  uint8 // bit 7: command(1)/control(0), bits 0-3: port multiplier port
	command uint8
	featurel uint8
	lba0, lba1, lba2 uint8
	device  uint8
	lba3, lba4, lba5 uint8
	featureh uint8
	countl, counth uint8
	icc     uint8
	control uint8
	_       [4]uint8
}

const fisTypeRegH2D = 0x27

const ataCmdReadDMAExt = 0x25

// portSetup is the per-port DMA memory the engine owns: a 32-entry command
// list, a received-FIS area, and 32 command tables. It is allocated once
// from the kernel heap and its physical address (via Translator) is what
// gets published into the port's clb/fb/ctba registers.
type portSetup struct {
	cmdList [32]hbaCmdHeader
	fis     [256]byte
	cmdTbl  [32]hbaCmdTable
}
