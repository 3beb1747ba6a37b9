// Package elfobj is an in-memory ELF object model with a writer that lays the
// file out again from scratch, a clone engine that copies one object into
// another while re-resolving index cross-references, and raw accessors for
// symbol and relocation entries.
package elfobj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const sectionHeaderStrTable = ".shstrtab"

// Header carries the ELF file header fields that survive a rewrite. Offsets,
// counts and entry sizes are derived by the writer.
type Header struct {
	Class      elf.Class
	Data       elf.Data
	OSABI      elf.OSABI
	ABIVersion uint8
	Type       elf.Type
	Machine    elf.Machine
	Entry      uint64
	// Flags is e_flags. AMDGPU stores the target processor here.
	Flags uint32
}

func (h Header) ByteOrder() binary.ByteOrder {
	if h.Data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

type Section struct {
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Link      uint32
	Info      uint32
	Addr      uint64
	Addralign uint64
	Entsize   uint64
	// Size is sh_size. It matches len(Data) for every type but SHT_NOBITS.
	Size uint64
	Data []byte
	// Offset is the file offset the section was parsed from, or the one
	// assigned by the last Write.
	Offset uint64

	index int
}

// Index is the position of the section in its object's section table.
func (s *Section) Index() int { return s.index }

func (s *Section) SetData(data []byte) {
	s.Data = data
	s.Size = uint64(len(data))
}

func (s *Section) allocated() bool { return s.Flags&elf.SHF_ALLOC != 0 }

type Segment struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64

	// Sections lists the indices of the sections mapped into this segment.
	Sections []int
}

// Contains reports whether the section's address range lies within the
// segment's virtual address range. Only allocated sections have addresses.
func (p *Segment) Contains(s *Section) bool {
	if !s.allocated() {
		return false
	}
	return s.Addr >= p.Vaddr && s.Addr+s.Size <= p.Vaddr+p.Memsz
}

type Object struct {
	Header   Header
	Sections []*Section
	Segments []*Segment

	shstrndx int
}

// New returns an empty object with the given header. Like any freshly
// written ELF file it starts with the null section followed by the section
// header string table, whose contents are regenerated on every Write.
func New(h Header) *Object {
	o := &Object{Header: h}
	o.AddSection("")
	shstrtab := o.AddSection(sectionHeaderStrTable)
	shstrtab.Type = elf.SHT_STRTAB
	shstrtab.Addralign = 1
	o.shstrndx = shstrtab.index
	return o
}

// Parse decodes an ELF image. Section contents are copied out of data, so the
// returned object does not alias the input buffer.
func Parse(data []byte) (*Object, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing ELF: %w", err)
	}
	o := &Object{
		Header: Header{
			Class:      f.Class,
			Data:       f.Data,
			OSABI:      f.OSABI,
			ABIVersion: f.ABIVersion,
			Type:       f.Type,
			Machine:    f.Machine,
			Entry:      f.Entry,
		},
	}
	order := o.Header.ByteOrder()
	// debug/elf does not expose e_flags or e_shstrndx.
	var shstrndx int
	switch f.Class {
	case elf.ELFCLASS64:
		o.Header.Flags = order.Uint32(data[48:52])
		shstrndx = int(order.Uint16(data[62:64]))
	case elf.ELFCLASS32:
		o.Header.Flags = order.Uint32(data[36:40])
		shstrndx = int(order.Uint16(data[50:52]))
	}

	for i, s := range f.Sections {
		sec := &Section{
			Name:      s.Name,
			Type:      s.Type,
			Flags:     s.Flags,
			Link:      s.Link,
			Info:      s.Info,
			Addr:      s.Addr,
			Addralign: s.Addralign,
			Entsize:   s.Entsize,
			Size:      s.Size,
			Offset:    s.Offset,
			index:     i,
		}
		if s.Type != elf.SHT_NOBITS && s.Type != elf.SHT_NULL {
			// Raw bytes, never the decompressed view of SHF_COMPRESSED sections.
			end := s.Offset + s.FileSize
			if end < s.Offset || end > uint64(len(data)) {
				return nil, fmt.Errorf("section %q: range [%#x, %#x) is outside the file", s.Name, s.Offset, end)
			}
			sec.Data = bytes.Clone(data[s.Offset:end])
			sec.Size = s.FileSize
		}
		o.Sections = append(o.Sections, sec)
	}
	if shstrndx >= len(o.Sections) {
		shstrndx = 0
		for _, s := range o.Sections {
			if s.Type == elf.SHT_STRTAB && s.Name == sectionHeaderStrTable {
				shstrndx = s.index
				break
			}
		}
	}
	o.shstrndx = shstrndx

	for _, p := range f.Progs {
		o.Segments = append(o.Segments, &Segment{
			Type:   p.Type,
			Flags:  p.Flags,
			Off:    p.Off,
			Vaddr:  p.Vaddr,
			Paddr:  p.Paddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  p.Align,
		})
	}
	o.MapSections()
	return o, nil
}

// AddSection appends an empty section and returns it.
func (o *Object) AddSection(name string) *Section {
	s := &Section{Name: name, index: len(o.Sections)}
	o.Sections = append(o.Sections, s)
	return s
}

func (o *Object) AddSegment(p Segment) *Segment {
	seg := &p
	o.Segments = append(o.Segments, seg)
	return seg
}

// SectionHeaderStringTable returns the section whose contents the writer
// regenerates from section names.
func (o *Object) SectionHeaderStringTable() *Section {
	if o.shstrndx <= 0 || o.shstrndx >= len(o.Sections) {
		return nil
	}
	return o.Sections[o.shstrndx]
}

// SetSectionHeaderStringTable makes s the table the writer fills with
// section names.
func (o *Object) SetSectionHeaderStringTable(s *Section) {
	o.shstrndx = s.index
}

// Section returns the first section with the given name, or nil.
func (o *Object) Section(name string) *Section {
	for _, s := range o.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (o *Object) SectionByType(typ elf.SectionType) *Section {
	for _, s := range o.Sections {
		if s.Type == typ {
			return s
		}
	}
	return nil
}

func (o *Object) SymbolTableSection() *Section {
	return o.SectionByType(elf.SHT_SYMTAB)
}

// StringTableSection returns the string table holding symbol names: the one
// linked from the symbol table when that link is valid, otherwise the first
// string table that is not the section header string table.
func (o *Object) StringTableSection() *Section {
	if symtab := o.SymbolTableSection(); symtab != nil {
		if l := int(symtab.Link); l > 0 && l < len(o.Sections) && o.Sections[l].Type == elf.SHT_STRTAB {
			return o.Sections[l]
		}
	}
	for _, s := range o.Sections {
		if s.Type == elf.SHT_STRTAB && s.index != o.shstrndx {
			return s
		}
	}
	return nil
}

// ReplaceSectionContents overwrites the named section's bytes and size.
// Dependent sections such as a matching relocation table are left alone.
func (o *Object) ReplaceSectionContents(name string, data []byte) bool {
	s := o.Section(name)
	if s == nil {
		return false
	}
	s.SetData(bytes.Clone(data))
	return true
}

// MapSections assigns every allocated section to the first segment whose
// virtual address range contains it.
func (o *Object) MapSections() {
	for _, p := range o.Segments {
		p.Sections = p.Sections[:0]
	}
	for _, s := range o.Sections {
		for _, p := range o.Segments {
			if p.Contains(s) {
				p.Sections = append(p.Sections, s.index)
				break
			}
		}
	}
}

// SegmentByType returns the first segment of the given type, or nil.
func (o *Object) SegmentByType(typ elf.ProgType) *Segment {
	for _, p := range o.Segments {
		if p.Type == typ {
			return p
		}
	}
	return nil
}
