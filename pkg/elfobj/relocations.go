package elfobj

import "debug/elf"

// Relocation is one REL or RELA entry. Addend is zero for REL tables.
type Relocation struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

func (o *Object) relocations(s *Section) (arena, relLayout, bool) {
	if s == nil {
		return arena{}, relLayout{}, false
	}
	l, ok := relLayoutFor(o.Header.Class, s.Type)
	if !ok {
		return arena{}, relLayout{}, false
	}
	return arena{buf: s.Data, order: o.Header.ByteOrder()}, l, true
}

// RelocationCount returns the number of entries in a REL or RELA section.
func (o *Object) RelocationCount(s *Section) int {
	a, l, ok := o.relocations(s)
	if !ok {
		return 0
	}
	return len(a.buf) / l.entsize
}

func (o *Object) RelocationEntry(s *Section, i int) (Relocation, bool) {
	a, l, ok := o.relocations(s)
	if !ok || i < 0 || i >= len(a.buf)/l.entsize {
		return Relocation{}, false
	}
	base := i * l.entsize
	r := Relocation{Offset: a.get(base, l.offset)}
	info := a.get(base, l.info)
	if o.Header.Class == elf.ELFCLASS32 {
		r.Sym, r.Type = uint32(info>>8), uint32(info&0xff)
	} else {
		r.Sym, r.Type = uint32(info>>32), uint32(info)
	}
	if l.hasAddend {
		r.Addend = signed(a.get(base, l.addend), l.addend)
	}
	return r, true
}

// UpdateRelocationEntry overwrites entry i. It reports false when i is out of
// range or s is not a relocation section.
func (o *Object) UpdateRelocationEntry(s *Section, i int, r Relocation) bool {
	a, l, ok := o.relocations(s)
	if !ok || i < 0 || i >= len(a.buf)/l.entsize {
		return false
	}
	base := i * l.entsize
	var info uint64
	if o.Header.Class == elf.ELFCLASS32 {
		info = uint64(r.Sym)<<8 | uint64(r.Type&0xff)
	} else {
		info = uint64(r.Sym)<<32 | uint64(r.Type)
	}
	a.put(base, l.offset, r.Offset)
	a.put(base, l.info, info)
	if l.hasAddend {
		a.put(base, l.addend, uint64(r.Addend))
	}
	return true
}
