package elfobj

import (
	"debug/elf"
	"fmt"
)

// fileLayout is the set of file-level offsets computed before anything is
// written. Section and segment offsets are stored on the objects themselves.
type fileLayout struct {
	ehsize, phentsize, shentsize uint16

	phoff uint64
	shoff uint64
	// names holds each section's offset into the section header string table.
	names []uint32
}

func (l *fileLayout) phsize(n int) uint64 { return uint64(n) * uint64(l.phentsize) }

// layout assigns file offsets to every section and segment.
//
// The program header table follows the file header. Sections follow in table
// order. The first section of a loadable segment opens a fresh region whose
// offset is congruent to the segment's address modulo its alignment, and the
// segment's other sections keep their relative distance from it, so the bytes
// between the region start and its first section are zero. Segments that are
// not loadable take their offset from the sections they cover.
func (o *Object) layout() (*fileLayout, error) {
	l := &fileLayout{}
	switch o.Header.Class {
	case elf.ELFCLASS32:
		l.ehsize, l.phentsize, l.shentsize = 52, 32, 40
	case elf.ELFCLASS64:
		l.ehsize, l.phentsize, l.shentsize = 64, 56, 64
	default:
		return nil, fmt.Errorf("unknown ELF class: %v", o.Header.Class)
	}
	if err := o.buildSectionNames(l); err != nil {
		return nil, err
	}

	cursor := uint64(l.ehsize)
	if len(o.Segments) > 0 {
		l.phoff = cursor
		cursor += l.phsize(len(o.Segments))
	}

	placed := make([]bool, len(o.Segments))
	for _, s := range o.Sections {
		if s.Type == elf.SHT_NULL {
			s.Offset = 0
			continue
		}
		off := alignUp(cursor, s.Addralign)
		if j := o.loadSegmentFor(s); j >= 0 {
			seg := o.Segments[j]
			if !placed[j] {
				seg.Off = alignCongruent(cursor, seg.Vaddr, seg.Align)
				placed[j] = true
			}
			off = seg.Off + (s.Addr - seg.Vaddr)
			if off < cursor && s.Type != elf.SHT_NOBITS {
				return nil, fmt.Errorf("section %q at %#x overlaps data preceding it in its segment", s.Name, s.Addr)
			}
		}
		s.Offset = off
		if s.Type != elf.SHT_NOBITS {
			cursor = off + uint64(len(s.Data))
		}
	}

	// Loadable segments without sections are backed by zeros.
	for j, seg := range o.Segments {
		if seg.Type != elf.PT_LOAD || placed[j] {
			continue
		}
		seg.Off = alignCongruent(cursor, seg.Vaddr, seg.Align)
		cursor = seg.Off + seg.Filesz
	}

	phsz := l.phsize(len(o.Segments))
	for _, seg := range o.Segments {
		switch seg.Type {
		case elf.PT_LOAD:
		case elf.PT_PHDR:
			seg.Off = l.phoff
			seg.Filesz = phsz
			seg.Memsz = phsz
		default:
			if off, ok := o.derivedSegmentOffset(seg); ok {
				seg.Off = off
			}
		}
	}

	l.shoff = alignUp(cursor, 8)
	return l, nil
}

// loadSegmentFor returns the index of the first PT_LOAD segment containing s,
// or -1.
func (o *Object) loadSegmentFor(s *Section) int {
	for j, p := range o.Segments {
		if p.Type == elf.PT_LOAD && p.Contains(s) {
			return j
		}
	}
	return -1
}

// derivedSegmentOffset maps a segment's start address to a file offset using
// the lowest-addressed section it covers, falling back to the loadable
// segment that contains its start address.
func (o *Object) derivedSegmentOffset(seg *Segment) (uint64, bool) {
	var first *Section
	for _, s := range o.Sections {
		if s.Type == elf.SHT_NOBITS || !seg.Contains(s) {
			continue
		}
		if first == nil || s.Addr < first.Addr {
			first = s
		}
	}
	if first != nil && first.Offset >= first.Addr-seg.Vaddr {
		return first.Offset - (first.Addr - seg.Vaddr), true
	}
	for _, p := range o.Segments {
		if p.Type == elf.PT_LOAD && seg.Vaddr >= p.Vaddr && seg.Vaddr < p.Vaddr+p.Memsz {
			return p.Off + (seg.Vaddr - p.Vaddr), true
		}
	}
	return 0, false
}

// buildSectionNames regenerates the section header string table.
func (o *Object) buildSectionNames(l *fileLayout) error {
	l.names = make([]uint32, len(o.Sections))
	shstrtab := o.SectionHeaderStringTable()
	if shstrtab == nil {
		if len(o.Sections) > 0 {
			return fmt.Errorf("object has no section header string table")
		}
		return nil
	}
	data := []byte{0}
	seen := map[string]uint32{"": 0}
	for i, s := range o.Sections {
		if idx, ok := seen[s.Name]; ok {
			l.names[i] = idx
			continue
		}
		name, err := encodeName(s.Name)
		if err != nil {
			return fmt.Errorf("section %d: %w", i, err)
		}
		idx := uint32(len(data))
		seen[s.Name] = idx
		l.names[i] = idx
		data = append(data, name...)
	}
	shstrtab.SetData(data)
	return nil
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

// alignCongruent returns the smallest offset >= cursor that is congruent to
// addr modulo align.
func alignCongruent(cursor, addr, align uint64) uint64 {
	if align <= 1 {
		return cursor
	}
	off := cursor - cursor%align + addr%align
	if off < cursor {
		off += align
	}
	return off
}
