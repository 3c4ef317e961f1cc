package ahci

import (
	"sync/atomic"
	"unsafe"

	"testing"
	"time"

	"embercore/kernel"
)

type identityTranslator struct{}

func (identityTranslator) AsPhys(virtAddr uintptr) uintptr { return virtAddr }

// newFakePort builds a Port over plain Go-allocated memory standing in for
// both the port's MMIO register block and its DMA setup area: there is no
// real AHCI adapter in a unit test, only the memory layout the driver reads
// and writes.
func newFakePort(t *testing.T) (*Port, *hbaPort) {
	t.Helper()
	regsBuf := make([]byte, unsafe.Sizeof(hbaPort{})+128)
	regsAddr := (uintptr(unsafe.Pointer(&regsBuf[0])) + 63) &^ 63
	regs := (*hbaPort)(unsafe.Pointer(regsAddr))

	setupBuf := make([]byte, unsafe.Sizeof(portSetup{})+4096)
	setupAddr := (uintptr(unsafe.Pointer(&setupBuf[0])) + 4095) &^ 4095
	setup := (*portSetup)(unsafe.Pointer(setupAddr))
	*setup = portSetup{}

	port := &Port{regs: regs, setup: setup, translate: identityTranslator{}}
	return port, regs
}

func TestPortRebasePublishesBaseAddresses(t *testing.T) {
	port, regs := newFakePort(t)

	port.Rebase()

	clb := uintptr(regs.clb) | uintptr(regs.clbu)<<32
	if clb != uintptr(unsafe.Pointer(&port.setup.cmdList[0])) {
		t.Fatalf("clb not rebased: got %#x", clb)
	}
	fb := uintptr(regs.fb) | uintptr(regs.fbu)<<32
	if fb != uintptr(unsafe.Pointer(&port.setup.fis[0])) {
		t.Fatalf("fb not rebased: got %#x", fb)
	}
	if regs.cmd&cmdST == 0 || regs.cmd&cmdFRE == 0 {
		t.Fatal("expected command engine to be started after rebase")
	}

	for i := range port.setup.cmdList {
		ctba := uintptr(port.setup.cmdList[i].ctba) | uintptr(port.setup.cmdList[i].ctbau)<<32
		if ctba != uintptr(unsafe.Pointer(&port.setup.cmdTbl[i])) {
			t.Fatalf("cmd table %d not rebased: got %#x", i, ctba)
		}
	}
}

// completeAsync simulates the controller hardware finishing the in-flight
// command shortly after it is issued: it waits for CI to go non-zero, then
// clears it, the way real hardware would on DMA completion.
func completeAsync(regs *hbaPort, slot int) {
	for atomic.LoadUint32(&regs.ci)&(1<<uint(slot)) == 0 {
		time.Sleep(time.Microsecond)
	}
	atomic.StoreUint32(&regs.ci, 0)
}

func TestPortReadSubmitsAndCompletes(t *testing.T) {
	port, regs := newFakePort(t)
	port.Rebase()

	go completeAsync(regs, 0)

	dest := make([]byte, 20*sectorSize)
	if err := port.Read(100, 20, dest); err != nil {
		t.Fatalf("read: %v", err)
	}

	header := &port.setup.cmdList[0]
	if header.prdtl != 2 {
		t.Fatalf("expected 2 PRDT entries for 20 sectors; got %d", header.prdtl)
	}

	table := &port.setup.cmdTbl[0]
	if table.prdt[0].dbc != sectorsPerPRDT*sectorSize-1|prdtInterrupt {
		t.Fatalf("first PRDT entry byte count wrong: %#x", table.prdt[0].dbc)
	}
	wantLast := uint32((20-sectorsPerPRDT)*sectorSize-1) | prdtInterrupt
	if table.prdt[1].dbc != wantLast {
		t.Fatalf("last PRDT entry byte count wrong: got %#x want %#x", table.prdt[1].dbc, wantLast)
	}

	fis := (*fisRegH2D)(unsafe.Pointer(&table.cfis[0]))
	if fis.command != ataCmdReadDMAExt {
		t.Fatalf("unexpected ATA command: %#x", fis.command)
	}
	if fis.lba0 != 100 {
		t.Fatalf("unexpected lba0: %#x", fis.lba0)
	}
}

func TestPortReadReportsTaskFileError(t *testing.T) {
	port, regs := newFakePort(t)
	port.Rebase()

	var panicked *kernel.Error
	defer func(orig func(interface{})) { panicFn = orig }(panicFn)
	panicFn = func(e interface{}) {
		if err, ok := e.(*kernel.Error); ok {
			panicked = err
		}
	}

	go func() {
		for atomic.LoadUint32(&regs.ci)&1 == 0 {
			time.Sleep(time.Microsecond)
		}
		atomic.StoreUint32(&regs.is, isTaskFileError)
	}()

	dest := make([]byte, sectorSize)
	port.Read(1, 1, dest)

	if panicked == nil || panicked != errReadError {
		t.Fatalf("expected a read-error panic; got %v", panicked)
	}
}

func TestPortReadRejectsTooManySectors(t *testing.T) {
	port, _ := newFakePort(t)
	port.Rebase()

	dest := make([]byte, maxPRDTEntries*sectorsPerPRDT*sectorSize)
	err := port.Read(0, (maxPRDTEntries+1)*sectorsPerPRDT, dest)
	if err != errTooManySectors {
		t.Fatalf("expected errTooManySectors; got %v", err)
	}
}
