package elfobj

import (
	"debug/elf"
	"encoding/binary"
)

// field locates a fixed-width integer inside a table entry.
type field struct {
	off, size int
}

type symLayout struct {
	entsize                                int
	name, info, other, shndx, value, sizef field
}

// Elf64_Sym and Elf32_Sym order their members differently.
var (
	sym64Layout = symLayout{
		entsize: 24,
		name:    field{0, 4},
		info:    field{4, 1},
		other:   field{5, 1},
		shndx:   field{6, 2},
		value:   field{8, 8},
		sizef:   field{16, 8},
	}
	sym32Layout = symLayout{
		entsize: 16,
		name:    field{0, 4},
		value:   field{4, 4},
		sizef:   field{8, 4},
		info:    field{12, 1},
		other:   field{13, 1},
		shndx:   field{14, 2},
	}
)

type relLayout struct {
	entsize              int
	offset, info, addend field
	hasAddend            bool
}

var (
	rel64Layout  = relLayout{entsize: 16, offset: field{0, 8}, info: field{8, 8}}
	rela64Layout = relLayout{entsize: 24, offset: field{0, 8}, info: field{8, 8}, addend: field{16, 8}, hasAddend: true}
	rel32Layout  = relLayout{entsize: 8, offset: field{0, 4}, info: field{4, 4}}
	rela32Layout = relLayout{entsize: 12, offset: field{0, 4}, info: field{4, 4}, addend: field{8, 4}, hasAddend: true}
)

func symLayoutFor(class elf.Class) symLayout {
	if class == elf.ELFCLASS32 {
		return sym32Layout
	}
	return sym64Layout
}

func relLayoutFor(class elf.Class, typ elf.SectionType) (relLayout, bool) {
	switch {
	case typ == elf.SHT_RELA && class == elf.ELFCLASS32:
		return rela32Layout, true
	case typ == elf.SHT_RELA:
		return rela64Layout, true
	case typ == elf.SHT_REL && class == elf.ELFCLASS32:
		return rel32Layout, true
	case typ == elf.SHT_REL:
		return rel64Layout, true
	}
	return relLayout{}, false
}

// arena reads and writes table entries in a section's own buffer.
type arena struct {
	buf   []byte
	order binary.ByteOrder
}

func (a arena) get(base int, f field) uint64 {
	b := a.buf[base+f.off : base+f.off+f.size]
	switch f.size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(a.order.Uint16(b))
	case 4:
		return uint64(a.order.Uint32(b))
	default:
		return a.order.Uint64(b)
	}
}

func (a arena) put(base int, f field, v uint64) {
	b := a.buf[base+f.off : base+f.off+f.size]
	switch f.size {
	case 1:
		b[0] = byte(v)
	case 2:
		a.order.PutUint16(b, uint16(v))
	case 4:
		a.order.PutUint32(b, uint32(v))
	default:
		a.order.PutUint64(b, v)
	}
}

// signed sign-extends a field value read by get.
func signed(v uint64, f field) int64 {
	shift := 64 - 8*uint(f.size)
	return int64(v<<shift) >> shift
}
