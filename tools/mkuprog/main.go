// Command mkuprog wraps a flat binary in the minimal program image
// kernel/userload.Parse reads: an ELF64 header naming one entry point, and a
// single PT_LOAD program header describing where the binary's bytes belong.
// Entry and load address are link-time offsets from the program's own
// base, not absolute addresses: userload.Loader adds the user address
// space's base to both at load time, the same way a position-independent
// flat binary would be relocated. It exists so test fixtures for the loader
// don't need a real linker in the build path.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"strconv"
)

const (
	magic = 0x464c_457f

	ehEntryOff  = 0x18
	ehPhOff     = 0x20
	ehPhEntSize = 0x36
	ehPhNum     = 0x38
	ehdrSize    = 0x40

	phEntSize   = 0x38
	segTypeLoad = 1
)

func main() {
	fs := flag.NewFlagSet("mkuprog", flag.ExitOnError)
	output := fs.String("o", "a.out", "output `filename`")
	entry := fs.String("entry", "", "entry point, as an offset from the program's base (hex, e.g. 0x0)")
	vaddr := fs.String("vaddr", "", "load address of the segment, as an offset from the program's base (hex); defaults to -entry")
	memSize := fs.Uint64("memsz", 0, "segment size in memory, if larger than the input file (bss)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "mkuprog -entry 0x... [-vaddr 0x...] [-memsz N] -o a.out file.bin")
		fmt.Fprintln(fs.Output(), "\nWrap a flat binary as a single-segment program image.")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	if fs.NArg() != 1 || *entry == "" {
		fs.Usage()
		os.Exit(2)
	}

	entryAddr, err := parseUint(*entry)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mkuprog: bad -entry:", err)
		os.Exit(1)
	}

	vaddrAddr := entryAddr
	if *vaddr != "" {
		vaddrAddr, err = parseUint(*vaddr)
		if err != nil {
			fmt.Fprintln(os.Stderr, "mkuprog: bad -vaddr:", err)
			os.Exit(1)
		}
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "mkuprog:", err)
		os.Exit(1)
	}

	memsz := *memSize
	if memsz < uint64(len(data)) {
		memsz = uint64(len(data))
	}

	image := build(entryAddr, vaddrAddr, uint64(len(data)), memsz, data)
	if err := os.WriteFile(*output, image, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "mkuprog:", err)
		os.Exit(1)
	}
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

// build lays out the ELF64 header and the single PT_LOAD program header
// exactly as kernel/userload.Parse expects them, followed by the segment's
// raw bytes at the file offset the header records.
func build(entry, vaddr, fileSize, memSize uint64, data []byte) []byte {
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
	binary.LittleEndian.PutUint64(ph[40:48], fileSize)
	binary.LittleEndian.PutUint64(ph[48:56], memSize)

	copy(buf[segOffset:], data)
	return buf
}
