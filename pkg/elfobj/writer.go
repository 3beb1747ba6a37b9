package elfobj

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/spf13/afero/mem"
)

// Write serializes the object. Offsets are recomputed from scratch and the
// section header string table is regenerated, so the output never depends on
// where the object was parsed from.
//
//	+-------------------------------+
//	| ELF File Header               |
//	+-------------------------------+
//	| Program Header Table          |
//	+-------------------------------+
//	| Section contents              |
//	| ...                           |
//	+-------------------------------+
//	| Section Header Table          |
//	+-------------------------------+
func (o *Object) Write(dst io.WriteSeeker) error {
	l, err := o.layout()
	if err != nil {
		return err
	}
	w := &writer{dst: dst, class: o.Header.Class, order: o.Header.ByteOrder()}

	w.writeFileHeader(o, l)
	if w.err != nil {
		return fmt.Errorf("failed to write file header: %w", w.err)
	}
	w.writeSegments(o.Segments)
	if w.err != nil {
		return fmt.Errorf("failed to write segments: %w", w.err)
	}
	w.writeSections(o.Sections)
	if w.err != nil {
		return fmt.Errorf("failed to write sections: %w", w.err)
	}
	w.padTo(l.shoff)
	w.writeSectionHeaders(o.Sections, l)
	if w.err != nil {
		return fmt.Errorf("failed to write section headers: %w", w.err)
	}
	return nil
}

// Bytes serializes the object into memory.
func (o *Object) Bytes() ([]byte, error) {
	f := mem.NewFileHandle(mem.CreateFile("elf"))
	defer f.Close()
	if err := o.Write(f); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}

type writer struct {
	dst   io.WriteSeeker
	class elf.Class
	order binary.ByteOrder
	err   error
}

func (w *writer) writeFileHeader(o *Object, l *fileLayout) {
	h := o.Header
	w.write([]byte{
		0x7f, 'E', 'L', 'F', // Magic number
		byte(h.Class),
		byte(h.Data),
		byte(elf.EV_CURRENT),
		byte(h.OSABI),
		h.ABIVersion,
		0, 0, 0, 0, 0, 0, 0, // Padding
	})
	w.u16(uint16(h.Type))          // e_type
	w.u16(uint16(h.Machine))       // e_machine
	w.u32(uint32(elf.EV_CURRENT))  // e_version
	w.word(h.Entry)                // e_entry
	w.word(l.phoff)                // e_phoff
	w.word(l.shoff)                // e_shoff
	w.u32(h.Flags)                 // e_flags
	w.u16(l.ehsize)                // e_ehsize
	w.u16(l.phentsize)             // e_phentsize
	w.u16(uint16(len(o.Segments))) // e_phnum
	w.u16(l.shentsize)             // e_shentsize
	w.u16(uint16(len(o.Sections))) // e_shnum
	w.u16(uint16(o.shstrndx))      // e_shstrndx

	if here := w.here(); w.err == nil && here != int64(l.ehsize) {
		w.err = fmt.Errorf("internal error, ELF header size %d", here)
	}
}

func (w *writer) writeSegments(progs []*Segment) {
	for _, p := range progs {
		switch w.class {
		case elf.ELFCLASS32:
			w.u32(uint32(p.Type))
			w.u32(uint32(p.Off))
			w.u32(uint32(p.Vaddr))
			w.u32(uint32(p.Paddr))
			w.u32(uint32(p.Filesz))
			w.u32(uint32(p.Memsz))
			w.u32(uint32(p.Flags))
			w.u32(uint32(p.Align))
		default:
			w.u32(uint32(p.Type))
			w.u32(uint32(p.Flags))
			w.u64(p.Off)
			w.u64(p.Vaddr)
			w.u64(p.Paddr)
			w.u64(p.Filesz)
			w.u64(p.Memsz)
			w.u64(p.Align)
		}
	}
}

func (w *writer) writeSections(sections []*Section) {
	for _, s := range sections {
		if s.Type == elf.SHT_NULL || s.Type == elf.SHT_NOBITS || len(s.Data) == 0 {
			continue
		}
		w.padTo(s.Offset)
		w.write(s.Data)
		if w.err != nil {
			w.err = fmt.Errorf("section %q: %w", s.Name, w.err)
			return
		}
	}
}

func (w *writer) writeSectionHeaders(sections []*Section, l *fileLayout) {
	for i, s := range sections {
		size := s.Size
		if s.Type != elf.SHT_NOBITS {
			size = uint64(len(s.Data))
		}
		w.u32(l.names[i])
		w.u32(uint32(s.Type))
		w.word(uint64(s.Flags))
		w.word(s.Addr)
		w.word(s.Offset)
		w.word(size)
		w.u32(s.Link)
		w.u32(s.Info)
		w.word(s.Addralign)
		w.word(s.Entsize)
	}
}

// here returns the current seek offset from the start of the file.
func (w *writer) here() int64 {
	r, err := w.dst.Seek(0, io.SeekCurrent)
	if err != nil && w.err == nil {
		w.err = err
	}
	return r
}

// padTo writes zeros up to the given file offset.
func (w *writer) padTo(off uint64) {
	here := w.here()
	if w.err != nil {
		return
	}
	if uint64(here) > off {
		w.err = fmt.Errorf("internal error, offset %#x already passed (at %#x)", off, here)
		return
	}
	if n := off - uint64(here); n > 0 {
		w.write(make([]byte, n))
	}
}

func (w *writer) write(buf []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.dst.Write(buf)
}

func (w *writer) u16(n uint16) {
	if w.err == nil {
		w.err = binary.Write(w.dst, w.order, n)
	}
}

func (w *writer) u32(n uint32) {
	if w.err == nil {
		w.err = binary.Write(w.dst, w.order, n)
	}
}

func (w *writer) u64(n uint64) {
	if w.err == nil {
		w.err = binary.Write(w.dst, w.order, n)
	}
}

// word writes an address-sized value for the object's class.
func (w *writer) word(n uint64) {
	if w.class == elf.ELFCLASS32 {
		w.u32(uint32(n))
		return
	}
	w.u64(n)
}
