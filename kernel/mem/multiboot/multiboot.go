// Package multiboot parses the Multiboot2 information blob handed to the
// kernel by the boot loader.
package multiboot

import (
	"encoding/binary"
	"reflect"
	"unsafe"

	"github.com/runcodedad/noodleos/kernel"
)

// expectedMagic is the magic value the loader must place in the second
// kernel_main argument.
const expectedMagic uint32 = 0x36D76289

type tagType uint32

const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

const (
	infoHeaderSize   = 8
	tagHeaderSize    = 8
	mmapHeaderSize   = 8
	minMmapEntrySize = 24

	// elfSymbolsHeaderSize is the size of the ELF-symbols tag's own header
	// (num, entsize, shndx; all uint32), preceding the array of Elf64_Shdr
	// entries it carries.
	elfSymbolsHeaderSize = 12

	// elfSectionEntrySize is sizeof(Elf64_Shdr): two uint32 fields followed
	// by eight uint64 fields.
	elfSectionEntrySize = 64
)

var (
	// ErrInvalidMagic is returned by Open when the supplied magic word does
	// not match the Multiboot2 magic.
	ErrInvalidMagic = &kernel.Error{Module: "multiboot", Message: "invalid multiboot2 magic"}

	// ErrNullAddress is returned by Open when the supplied info address is 0.
	ErrNullAddress = &kernel.Error{Module: "multiboot", Message: "null multiboot2 info address"}
)

// MemType describes the kind of a physical memory region as reported by the
// boot loader.
type MemType uint32

// The set of memory region types a Multiboot2 loader may report. Any value
// not in this set is treated as Reserved by consumers.
const (
	MemAvailable MemType = iota + 1
	MemReserved
	MemAcpiReclaimable
	MemNvs
	memUnknown
)

// String implements fmt.Stringer for MemType.
func (t MemType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryRegion describes a single entry of the Multiboot2 memory map: its
// physical base address, its length in bytes, and its type.
type MemoryRegion struct {
	BaseAddr uint64
	Length   uint64
	Type     MemType
}

// BootMemoryMap is a parsed view over a firmware-supplied Multiboot2 info
// blob. It borrows the blob for the duration of boot; it never copies or
// owns it.
type BootMemoryMap struct {
	addr      uintptr
	totalSize uint32
}

// Open validates the magic word and wraps the info blob at addr. It does not
// eagerly validate tag contents; tag walking happens lazily in MemoryMap.
func Open(addr uintptr, magic uint32) (*BootMemoryMap, *kernel.Error) {
	if addr == 0 {
		return nil, ErrNullAddress
	}
	if magic != expectedMagic {
		return nil, ErrInvalidMagic
	}

	hdr := byteSliceAt(addr, infoHeaderSize)
	return &BootMemoryMap{
		addr:      addr,
		totalSize: binary.LittleEndian.Uint32(hdr[0:4]),
	}, nil
}

// MemoryMapIterator yields MemoryRegion entries in on-disk order. It is
// finite, single-pass and non-restartable; call MemoryMap again to restart.
type MemoryMapIterator struct {
	cur, end  uintptr
	entrySize uint32
}

// MemoryMap returns an iterator over the MemoryMap tag's entries, or nil if
// the blob carries no such tag.
func (b *BootMemoryMap) MemoryMap() *MemoryMapIterator {
	start, size, entrySize, ok := b.findMemoryMapTag()
	if !ok {
		return nil
	}

	return &MemoryMapIterator{
		cur:       start,
		end:       start + uintptr(size),
		entrySize: entrySize,
	}
}

// Next advances the iterator and returns the next region along with true, or
// a zero MemoryRegion and false once exhausted.
func (it *MemoryMapIterator) Next() (MemoryRegion, bool) {
	if it == nil || it.cur >= it.end {
		return MemoryRegion{}, false
	}

	entry := byteSliceAt(it.cur, minMmapEntrySize)
	region := MemoryRegion{
		BaseAddr: binary.LittleEndian.Uint64(entry[0:8]),
		Length:   binary.LittleEndian.Uint64(entry[8:16]),
		Type:     MemType(binary.LittleEndian.Uint32(entry[16:20])),
	}
	if region.Type == 0 || region.Type >= memUnknown {
		region.Type = MemReserved
	}

	it.cur += uintptr(it.entrySize)
	return region, true
}

// ElfSectionFlag describes an OR-able attribute of an ElfSection, as stored
// in the section header's sh_flags field.
type ElfSectionFlag uint64

// The subset of Elf64_Shdr sh_flags bits callers care about.
const (
	ElfSectionWritable   ElfSectionFlag = 1 << 0
	ElfSectionAllocated  ElfSectionFlag = 1 << 1
	ElfSectionExecutable ElfSectionFlag = 1 << 2
)

// ElfSection describes one section header of the loaded kernel image, as
// reported by the boot loader's ELF-symbols tag (type 9). It is diagnostic
// information only: no component in this tree derives an address range or a
// mapping decision from it.
type ElfSection struct {
	Name  string
	Flags ElfSectionFlag
	Addr  uintptr
	Size  uint64
}

// ElfSectionIterator yields ElfSection entries in on-disk order, skipping
// sections with a zero size. It is finite, single-pass and non-restartable;
// call ElfSections again to restart.
type ElfSectionIterator struct {
	cur, end   uintptr
	entrySize  uint32
	strtabAddr uintptr
	strtabSize uint64
}

// ElfSections returns an iterator over the ELF-symbols tag's section
// entries, or nil if the blob carries no such tag or its header is
// malformed. Section names are resolved against the string-table section
// the tag itself names (strtabSectionIndex); a tag whose string table
// cannot be located yields sections with an empty Name rather than failing
// outright.
func (b *BootMemoryMap) ElfSections() *ElfSectionIterator {
	start, size, ok := b.findTag(tagElfSymbols)
	if !ok || size < elfSymbolsHeaderSize {
		return nil
	}

	hdr := byteSliceAt(start, elfSymbolsHeaderSize)
	numSections := binary.LittleEndian.Uint32(hdr[0:4])
	entrySize := binary.LittleEndian.Uint32(hdr[4:8])
	strtabIndex := binary.LittleEndian.Uint32(hdr[8:12])

	if entrySize < elfSectionEntrySize || numSections == 0 || strtabIndex >= numSections {
		return nil
	}

	sectionsStart := start + elfSymbolsHeaderSize
	strtabEntry := byteSliceAt(sectionsStart+uintptr(strtabIndex)*uintptr(entrySize), elfSectionEntrySize)

	return &ElfSectionIterator{
		cur:        sectionsStart,
		end:        sectionsStart + uintptr(numSections)*uintptr(entrySize),
		entrySize:  entrySize,
		strtabAddr: uintptr(binary.LittleEndian.Uint64(strtabEntry[16:24])), // sh_addr
		strtabSize: binary.LittleEndian.Uint64(strtabEntry[32:40]),         // sh_size
	}
}

// Next advances the iterator and returns the next non-empty section along
// with true, or a zero ElfSection and false once exhausted.
func (it *ElfSectionIterator) Next() (ElfSection, bool) {
	if it == nil {
		return ElfSection{}, false
	}

	for it.cur < it.end {
		entry := byteSliceAt(it.cur, elfSectionEntrySize)
		it.cur += uintptr(it.entrySize)

		size := binary.LittleEndian.Uint64(entry[32:40])
		if size == 0 {
			continue
		}

		return ElfSection{
			Name:  it.nameAt(uintptr(binary.LittleEndian.Uint32(entry[0:4]))),
			Flags: ElfSectionFlag(binary.LittleEndian.Uint64(entry[8:16])),
			Addr:  uintptr(binary.LittleEndian.Uint64(entry[16:24])),
			Size:  size,
		}, true
	}

	return ElfSection{}, false
}

// nameAt reads the NUL-terminated section name starting offset bytes into
// the string table section. It returns "" if the string table is missing or
// offset falls outside it.
func (it *ElfSectionIterator) nameAt(offset uintptr) string {
	if it.strtabAddr == 0 || offset >= uintptr(it.strtabSize) {
		return ""
	}

	max := int(uintptr(it.strtabSize) - offset)
	raw := byteSliceAt(it.strtabAddr+offset, max)

	end := 0
	for end < len(raw) && raw[end] != 0 {
		end++
	}

	return string(raw[:end])
}

// findTag scans the tag sequence for the first tag of the given type and
// returns its payload's start address (immediately past the 8-byte tag
// header) and payload length, or ok=false if no such tag is present before
// the terminating tagMbSectionEnd tag or the blob's declared end.
func (b *BootMemoryMap) findTag(want tagType) (start uintptr, size uint32, ok bool) {
	cur := b.addr + infoHeaderSize
	limit := b.addr + uintptr(b.totalSize)

	for cur < limit {
		hdr := byteSliceAt(cur, tagHeaderSize)
		typ := tagType(binary.LittleEndian.Uint32(hdr[0:4]))
		tagSize := binary.LittleEndian.Uint32(hdr[4:8])

		if typ == tagMbSectionEnd {
			return 0, 0, false
		}

		if typ == want {
			return cur + tagHeaderSize, tagSize - tagHeaderSize, true
		}

		next := cur + alignUp8(uintptr(tagSize))
		if next <= cur || next > limit {
			return 0, 0, false
		}
		cur = next
	}

	return 0, 0, false
}

// findMemoryMapTag locates the MemoryMap tag via findTag and then strips its
// own mmapHeaderSize sub-header. It returns the start address of the entry
// list, the entry-list byte length, the per-entry stride, and whether a
// usable tag was found. A MemoryMap tag whose declared entry size is smaller
// than the 24-byte baseline entry is rejected, matching the boot-loader
// contract: memory_map() reports no tags rather than walking a malformed
// stride.
func (b *BootMemoryMap) findMemoryMapTag() (start uintptr, size uint32, entrySize uint32, ok bool) {
	tagStart, tagSize, ok := b.findTag(tagMemoryMap)
	if !ok || tagSize < mmapHeaderSize {
		return 0, 0, 0, false
	}

	mmapHdr := byteSliceAt(tagStart, mmapHeaderSize)
	entrySize = binary.LittleEndian.Uint32(mmapHdr[0:4])
	if entrySize < minMmapEntrySize {
		return 0, 0, 0, false
	}

	return tagStart + mmapHeaderSize, tagSize - mmapHeaderSize, entrySize, true
}

// PrintMemoryMap is a diagnostic helper that writes the parsed memory map to
// the supplied printer. It is not part of the core contract.
func (b *BootMemoryMap) PrintMemoryMap(printf func(format string, args ...interface{})) {
	it := b.MemoryMap()
	if it == nil {
		printf("no memory map tag present\n")
		return
	}

	for {
		region, ok := it.Next()
		if !ok {
			break
		}
		printf("  [0x%x - 0x%x) %s\n", region.BaseAddr, region.BaseAddr+region.Length, region.Type.String())
	}
}

// PrintElfSections is a diagnostic helper that writes the loaded kernel
// image's section layout, as reported by the ELF-symbols tag, to the
// supplied printer. It is not part of the core contract.
func (b *BootMemoryMap) PrintElfSections(printf func(format string, args ...interface{})) {
	it := b.ElfSections()
	if it == nil {
		printf("no ELF-symbols tag present\n")
		return
	}

	for {
		sec, ok := it.Next()
		if !ok {
			break
		}
		printf("  [0x%x - 0x%x] %s\n", sec.Addr, sec.Addr+uintptr(sec.Size), sec.Name)
	}
}

func alignUp8(v uintptr) uintptr {
	return (v + 7) &^ 7
}

// byteSliceAt overlays a []byte of the given length on top of a raw address.
// It never assumes host alignment: callers decode multi-byte fields from the
// resulting slice with encoding/binary, which does its own byte-at-a-time
// little-endian assembly. This matters because the blob is firmware-supplied
// and tag payloads are only required to start on 8-byte boundaries, not on
// boundaries matching the width of every field they contain.
func byteSliceAt(addr uintptr, length int) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  length,
		Cap:  length,
	}))
}
