// Command mkvol packs a set of named files into the read-only volume image
// kernel/fs reads off the AHCI-attached disk: a single sector-0 superblock
// naming and sizing each file by byte range, followed by the files'
// contents. See kernel/fs/volume.go for the format this tool writes.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

const (
	magic      = 0x3412_7777
	sectorSize = 512
)

func main() {
	fs := flag.NewFlagSet("mkvol", flag.ExitOnError)
	output := fs.String("o", "volume.img", "output `filename`")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "mkvol -o volume.img file [file ...]")
		fmt.Fprintln(fs.Output(), "\nPack files into a read-only embercore volume image. Each file is")
		fmt.Fprintln(fs.Output(), "stored under its base name.")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	if err := build(*output, fs.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "mkvol:", err)
		os.Exit(1)
	}
}

type file struct {
	name string
	data []byte
}

func build(output string, inputs []string) error {
	files := make([]file, 0, len(inputs))
	for _, path := range inputs {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		files = append(files, file{name: filepath.Base(path), data: data})
	}

	header := buildHeader(files)
	headerSectors := (len(header) + sectorSize - 1) / sectorSize
	payloadStart := uint64(headerSectors) * sectorSize

	out, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	defer out.Close()

	padded := make([]byte, headerSectors*sectorSize)
	copy(padded, header)
	if _, err := out.Write(padded); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}

	offset := payloadStart
	for _, f := range files {
		if _, err := out.Write(f.data); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
		offset += uint64(len(f.data))
	}

	return nil
}

// buildHeader lays out the superblock exactly as kernel/fs.Open parses it:
// magic, file count, NUL-terminated names, padding to an 8-byte boundary,
// then one (offset, size) pair per file in the same order as the names.
func buildHeader(files []file) []byte {
	var names []byte
	for _, f := range files {
		names = append(names, []byte(f.name)...)
		names = append(names, 0)
	}

	pos := 8 + len(names)
	pos = (pos + 7) &^ 7
	entriesOff := pos
	total := entriesOff + 16*len(files)

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(files)))
	copy(buf[8:], names)

	// Files are laid out back-to-back starting at the sector boundary where
	// the superblock (header, rounded up to a whole sector) ends; build
	// assumes that same rounding when it writes the payload, so offsets
	// computed here must match headerSectors*sectorSize there exactly.
	headerSectors := (total + sectorSize - 1) / sectorSize
	offset := uint64(headerSectors) * sectorSize
	for i, f := range files {
		entry := buf[entriesOff+16*i:]
		binary.LittleEndian.PutUint64(entry[0:8], offset)
		binary.LittleEndian.PutUint64(entry[8:16], uint64(len(f.data)))
		offset += uint64(len(f.data))
	}

	return buf
}
