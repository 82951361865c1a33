// Package object writes compiled code as ELF64 relocatable objects, the
// form handed to debuggers and dumped to disk.
package object

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tinyrange/sumjit/internal/ir"
	"github.com/tinyrange/sumjit/internal/target"
)

const (
	elfHeaderSize     = 64
	sectionHeaderSize = 64
	symbolSize        = 24
	relaSize          = 24
	textAlignment     = 16
)

// Symbol is a function in .text. Offset is relative to the section.
type Symbol struct {
	Name   string
	Offset uint64
	Size   uint64
	Global bool
}

// Relocation asks for the load address of .text plus Addend to be stored
// as a 64-bit word at Offset.
type Relocation struct {
	Offset uint64
	Addend int64
}

// Section is an extra non-allocated section such as DWARF data.
type Section struct {
	Name string
	Data []byte
}

// File describes the contents of one relocatable object.
type File struct {
	Machine elf.Machine
	// Address is recorded as the .text address; zero for objects that
	// have not been placed in memory.
	Address     uint64
	Text        []byte
	Relocations []Relocation
	Symbols     []Symbol
	Sections    []Section
}

// Machine maps a target architecture to its ELF machine.
func Machine(arch target.Arch) (elf.Machine, error) {
	switch arch {
	case target.ArchX86_64:
		return elf.EM_X86_64, nil
	case target.ArchARM64:
		return elf.EM_AARCH64, nil
	}
	return elf.EM_NONE, fmt.Errorf("object: no ELF machine for %q", arch)
}

func absoluteRelocation(machine elf.Machine) (uint32, error) {
	switch machine {
	case elf.EM_X86_64:
		return uint32(elf.R_X86_64_64), nil
	case elf.EM_AARCH64:
		return uint32(elf.R_AARCH64_ABS64), nil
	}
	return 0, fmt.Errorf("object: no absolute relocation for %s", machine)
}

// FromObject collects the code, symbols and relocations of a compiled
// module. The code is taken before relocation; addends carry the offsets.
func FromObject(obj *ir.Object, address uint64) (*File, error) {
	machine, err := Machine(obj.Triple.Arch)
	if err != nil {
		return nil, err
	}
	code := obj.Program.Bytes()
	f := &File{Machine: machine, Address: address, Text: code}
	for _, off := range obj.Program.Relocations() {
		f.Relocations = append(f.Relocations, Relocation{
			Offset: uint64(off),
			Addend: int64(binary.LittleEndian.Uint64(code[off:])),
		})
	}
	for _, s := range obj.Symbols {
		f.Symbols = append(f.Symbols, Symbol{
			Name:   s.Name,
			Offset: uint64(s.Offset),
			Size:   uint64(s.Size),
			Global: s.Exported,
		})
	}
	return f, nil
}

type sectionHeader struct {
	name      uint32
	typ       elf.SectionType
	flags     elf.SectionFlag
	addr      uint64
	offset    uint64
	size      uint64
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
}

type stringTable struct {
	buf bytes.Buffer
	idx map[string]uint32
}

func newStringTable() *stringTable {
	t := &stringTable{idx: make(map[string]uint32)}
	t.buf.WriteByte(0)
	t.idx[""] = 0
	return t
}

func (t *stringTable) add(s string) uint32 {
	if off, ok := t.idx[s]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.idx[s] = off
	return off
}

// Bytes encodes the object. Section order: .text, .rela.text (when there
// are relocations), the extra sections, .symtab, .strtab, .shstrtab.
func (f *File) Bytes() ([]byte, error) {
	relType, err := absoluteRelocation(f.Machine)
	if err != nil {
		return nil, err
	}
	shstr := newStringTable()
	strtab := newStringTable()

	var (
		headers []sectionHeader
		payload [][]byte
	)
	add := func(h sectionHeader, data []byte) uint32 {
		headers = append(headers, h)
		payload = append(payload, data)
		return uint32(len(headers))
	}
	headers = append(headers, sectionHeader{})
	payload = append(payload, nil)

	textIndex := add(sectionHeader{
		name:      shstr.add(".text"),
		typ:       elf.SHT_PROGBITS,
		flags:     elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		addr:      f.Address,
		size:      uint64(len(f.Text)),
		addralign: textAlignment,
	}, f.Text) - 1

	// Symbols: null, section symbol for .text, locals, then globals.
	syms := append([]Symbol(nil), f.Symbols...)
	sort.SliceStable(syms, func(i, j int) bool { return !syms[i].Global && syms[j].Global })
	var symtab bytes.Buffer
	symtab.Write(make([]byte, symbolSize))
	writeSymbol(&symtab, 0, elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION), uint16(textIndex), 0, 0)
	firstGlobal := uint32(2)
	for _, s := range syms {
		if s.Offset+s.Size > uint64(len(f.Text)) {
			return nil, fmt.Errorf("object: symbol %q outside .text", s.Name)
		}
		bind := elf.STB_LOCAL
		if s.Global {
			bind = elf.STB_GLOBAL
		} else {
			firstGlobal++
		}
		writeSymbol(&symtab, strtab.add(s.Name), elf.ST_INFO(bind, elf.STT_FUNC), uint16(textIndex), s.Offset, s.Size)
	}

	var symtabIndex uint32
	if len(f.Relocations) > 0 {
		// .symtab follows the extra sections; its index is known up front.
		symtabIndex = uint32(len(headers)) + 1 + uint32(len(f.Sections))
		var rela bytes.Buffer
		for _, r := range f.Relocations {
			if r.Offset+8 > uint64(len(f.Text)) {
				return nil, fmt.Errorf("object: relocation at %#x outside .text", r.Offset)
			}
			var ent [relaSize]byte
			binary.LittleEndian.PutUint64(ent[0:], r.Offset)
			binary.LittleEndian.PutUint64(ent[8:], elf.R_INFO(1, relType))
			binary.LittleEndian.PutUint64(ent[16:], uint64(r.Addend))
			rela.Write(ent[:])
		}
		add(sectionHeader{
			name:      shstr.add(".rela.text"),
			typ:       elf.SHT_RELA,
			flags:     elf.SHF_INFO_LINK,
			size:      uint64(rela.Len()),
			link:      symtabIndex,
			info:      textIndex,
			addralign: 8,
			entsize:   relaSize,
		}, rela.Bytes())
	}
	for _, s := range f.Sections {
		h := sectionHeader{
			name:      shstr.add(s.Name),
			typ:       elf.SHT_PROGBITS,
			size:      uint64(len(s.Data)),
			addralign: 1,
		}
		if s.Name == ".debug_str" {
			h.flags = elf.SHF_MERGE | elf.SHF_STRINGS
			h.entsize = 1
		}
		add(h, s.Data)
	}
	strtabIndex := uint32(len(headers)) + 1
	gotSymtab := add(sectionHeader{
		name:      shstr.add(".symtab"),
		typ:       elf.SHT_SYMTAB,
		size:      uint64(symtab.Len()),
		link:      strtabIndex,
		info:      firstGlobal,
		addralign: 8,
		entsize:   symbolSize,
	}, symtab.Bytes()) - 1
	if symtabIndex != 0 && gotSymtab != symtabIndex {
		return nil, fmt.Errorf("object: internal error: .symtab at %d, expected %d", gotSymtab, symtabIndex)
	}
	add(sectionHeader{
		name:      shstr.add(".strtab"),
		typ:       elf.SHT_STRTAB,
		size:      uint64(strtab.buf.Len()),
		addralign: 1,
	}, strtab.buf.Bytes())
	shstrName := shstr.add(".shstrtab")
	shstrIndex := add(sectionHeader{
		name:      shstrName,
		typ:       elf.SHT_STRTAB,
		addralign: 1,
	}, nil) - 1
	payload[shstrIndex] = shstr.buf.Bytes()
	headers[shstrIndex].size = uint64(shstr.buf.Len())

	out := make([]byte, elfHeaderSize)
	for i := 1; i < len(headers); i++ {
		if a := int(headers[i].addralign); a > 1 {
			for len(out)%a != 0 {
				out = append(out, 0)
			}
		}
		headers[i].offset = uint64(len(out))
		out = append(out, payload[i]...)
	}
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	shoff := uint64(len(out))
	for _, h := range headers {
		out = appendSectionHeader(out, h)
	}
	fillELFHeader(out[:elfHeaderSize], f.Machine, shoff, uint16(len(headers)), uint16(shstrIndex))
	return out, nil
}

func writeSymbol(buf *bytes.Buffer, name uint32, info byte, shndx uint16, value, size uint64) {
	var ent [symbolSize]byte
	binary.LittleEndian.PutUint32(ent[0:], name)
	ent[4] = info
	binary.LittleEndian.PutUint16(ent[6:], shndx)
	binary.LittleEndian.PutUint64(ent[8:], value)
	binary.LittleEndian.PutUint64(ent[16:], size)
	buf.Write(ent[:])
}

func appendSectionHeader(out []byte, h sectionHeader) []byte {
	var ent [sectionHeaderSize]byte
	binary.LittleEndian.PutUint32(ent[0:], h.name)
	binary.LittleEndian.PutUint32(ent[4:], uint32(h.typ))
	binary.LittleEndian.PutUint64(ent[8:], uint64(h.flags))
	binary.LittleEndian.PutUint64(ent[16:], h.addr)
	binary.LittleEndian.PutUint64(ent[24:], h.offset)
	binary.LittleEndian.PutUint64(ent[32:], h.size)
	binary.LittleEndian.PutUint32(ent[40:], h.link)
	binary.LittleEndian.PutUint32(ent[44:], h.info)
	binary.LittleEndian.PutUint64(ent[48:], h.addralign)
	binary.LittleEndian.PutUint64(ent[56:], h.entsize)
	return append(out, ent[:]...)
}

func fillELFHeader(buf []byte, machine elf.Machine, shoff uint64, shnum, shstrndx uint16) {
	for idx := range buf {
		buf[idx] = 0
	}
	buf[0] = 0x7f
	buf[1] = 'E'
	buf[2] = 'L'
	buf[3] = 'F'
	buf[4] = byte(elf.ELFCLASS64)
	buf[5] = byte(elf.ELFDATA2LSB)
	buf[6] = byte(elf.EV_CURRENT)

	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_REL))
	binary.LittleEndian.PutUint16(buf[18:], uint16(machine))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[24:], 0) // no entry point
	binary.LittleEndian.PutUint64(buf[32:], 0) // no program headers
	binary.LittleEndian.PutUint64(buf[40:], shoff)
	binary.LittleEndian.PutUint32(buf[48:], 0) // flags
	binary.LittleEndian.PutUint16(buf[52:], elfHeaderSize)
	binary.LittleEndian.PutUint16(buf[54:], 0)
	binary.LittleEndian.PutUint16(buf[56:], 0)
	binary.LittleEndian.PutUint16(buf[58:], sectionHeaderSize)
	binary.LittleEndian.PutUint16(buf[60:], shnum)
	binary.LittleEndian.PutUint16(buf[62:], shstrndx)
}
