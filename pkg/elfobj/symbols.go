package elfobj

import (
	"bytes"
	"debug/elf"
)

type Symbol struct {
	// Index is the entry's position in the symbol table.
	Index   int
	NameOff uint32
	Info    uint8
	Other   uint8
	Shndx   uint16
	Value   uint64
	Size    uint64
}

func (s Symbol) Type() elf.SymType { return elf.ST_TYPE(s.Info) }
func (s Symbol) Bind() elf.SymBind { return elf.ST_BIND(s.Info) }

func (o *Object) symtab() (*Section, arena, symLayout) {
	s := o.SymbolTableSection()
	if s == nil {
		return nil, arena{}, symLayout{}
	}
	return s, arena{buf: s.Data, order: o.Header.ByteOrder()}, symLayoutFor(o.Header.Class)
}

// SymbolCount returns the number of entries in the symbol table, including
// the null entry.
func (o *Object) SymbolCount() int {
	s, a, l := o.symtab()
	if s == nil {
		return 0
	}
	return len(a.buf) / l.entsize
}

func (o *Object) SymbolByIndex(i int) (Symbol, bool) {
	s, a, l := o.symtab()
	if s == nil || i < 0 || i >= len(a.buf)/l.entsize {
		return Symbol{}, false
	}
	base := i * l.entsize
	return Symbol{
		Index:   i,
		NameOff: uint32(a.get(base, l.name)),
		Info:    uint8(a.get(base, l.info)),
		Other:   uint8(a.get(base, l.other)),
		Shndx:   uint16(a.get(base, l.shndx)),
		Value:   a.get(base, l.value),
		Size:    a.get(base, l.sizef),
	}, true
}

// Symbols decodes every symbol table entry.
func (o *Object) Symbols() []Symbol {
	n := o.SymbolCount()
	res := make([]Symbol, 0, n)
	for i := 0; i < n; i++ {
		sym, _ := o.SymbolByIndex(i)
		res = append(res, sym)
	}
	return res
}

// SymbolName reads the symbol's name from the symbol string table.
func (o *Object) SymbolName(sym Symbol) string {
	strtab := o.StringTableSection()
	if strtab == nil || int(sym.NameOff) >= len(strtab.Data) {
		return ""
	}
	b := strtab.Data[sym.NameOff:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// SymbolByName finds the symbol by locating its name in the string table
// first. String tables share suffixes, so every occurrence of the
// NUL-terminated name is a candidate name offset.
func (o *Object) SymbolByName(name string) (Symbol, bool) {
	strtab := o.StringTableSection()
	if strtab == nil || name == "" {
		return Symbol{}, false
	}
	needle := append([]byte(name), 0)
	candidates := map[uint32]struct{}{}
	for start := 0; start < len(strtab.Data); {
		i := bytes.Index(strtab.Data[start:], needle)
		if i < 0 {
			break
		}
		candidates[uint32(start+i)] = struct{}{}
		start += i + 1
	}
	if len(candidates) == 0 {
		return Symbol{}, false
	}
	for i, n := 0, o.SymbolCount(); i < n; i++ {
		sym, _ := o.SymbolByIndex(i)
		if _, ok := candidates[sym.NameOff]; ok {
			return sym, true
		}
	}
	return Symbol{}, false
}

// UpdateSymbol overwrites value and size of the entry that matches sym on
// name offset, info, other and section index. It never adds an entry.
func (o *Object) UpdateSymbol(sym Symbol) bool {
	s, a, l := o.symtab()
	if s == nil {
		return false
	}
	for i, n := 0, len(a.buf)/l.entsize; i < n; i++ {
		base := i * l.entsize
		if uint32(a.get(base, l.name)) != sym.NameOff ||
			uint8(a.get(base, l.info)) != sym.Info ||
			uint8(a.get(base, l.other)) != sym.Other ||
			uint16(a.get(base, l.shndx)) != sym.Shndx {
			continue
		}
		a.put(base, l.value, sym.Value)
		a.put(base, l.sizef, sym.Size)
		return true
	}
	return false
}

func (o *Object) setSymbolSection(i int, shndx uint16) {
	_, a, l := o.symtab()
	a.put(i*l.entsize, l.shndx, uint64(shndx))
}

// SymbolFileOffset returns where the symbol's bytes start in the file the
// object was parsed from, and the section holding them.
func (o *Object) SymbolFileOffset(sym Symbol) (uint64, *Section, bool) {
	if sym.Shndx == uint16(elf.SHN_UNDEF) || int(sym.Shndx) >= len(o.Sections) {
		return 0, nil, false
	}
	sec := o.Sections[sym.Shndx]
	if sec.Type == elf.SHT_NOBITS {
		return 0, nil, false
	}
	rel := sym.Value
	if o.Header.Type != elf.ET_REL {
		if sym.Value < sec.Addr {
			return 0, nil, false
		}
		rel = sym.Value - sec.Addr
	}
	if rel+sym.Size > uint64(len(sec.Data)) {
		return 0, nil, false
	}
	return sec.Offset + rel, sec, true
}

// SymbolData returns the symbol's bytes as a slice of its section's buffer.
func (o *Object) SymbolData(sym Symbol) ([]byte, bool) {
	off, sec, ok := o.SymbolFileOffset(sym)
	if !ok {
		return nil, false
	}
	rel := off - sec.Offset
	return sec.Data[rel : rel+sym.Size], true
}
