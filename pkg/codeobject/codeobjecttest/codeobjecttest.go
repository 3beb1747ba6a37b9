// Package codeobjecttest builds small gfx908 code objects for tests.
package codeobjecttest

import (
	"debug/elf"
	"encoding/binary"

	"github.com/gpuinst/gpupatch/pkg/elfobj"
	"github.com/gpuinst/gpupatch/pkg/elfobj/elftest"
	"github.com/gpuinst/gpupatch/pkg/kerneldesc"
	"github.com/gpuinst/gpupatch/pkg/notemeta/notetest"
)

// Addresses used by Object.
const (
	NoteAddr   = 0x200
	RodataAddr = 0x4000
	TextAddr   = 0x5000

	// Gfx908 is the e_flags value of a gfx908 object.
	Gfx908 = 0x30
	// SGPRGranule is the GRANULATED_WAVEFRONT_SGPR_COUNT of every
	// descriptor Object emits.
	SGPRGranule = 2
)

// Descriptor returns a gfx908 kernel descriptor that enables the private
// segment buffer and the kernarg segment pointer.
func Descriptor(kernargSize uint32) []byte {
	raw := make([]byte, kerneldesc.Size)
	binary.LittleEndian.PutUint32(raw[8:], kernargSize)
	binary.LittleEndian.PutUint64(raw[16:], 0xfc0)
	binary.LittleEndian.PutUint32(raw[48:], 0x00af0081)
	binary.LittleEndian.PutUint32(raw[52:], 0x0000008c)
	binary.LittleEndian.PutUint16(raw[56:], 0x0009)
	return raw
}

// Object returns a code object with a metadata note describing kernels, one
// descriptor per kernel in .rodata and one instruction per kernel in .text.
// The note section is followed by slack zero bytes.
func Object(slack int, kernels ...notetest.Kernel) *elfobj.Object {
	o := elfobj.New(elfobj.Header{
		Class:      elf.ELFCLASS64,
		Data:       elf.ELFDATA2LSB,
		OSABI:      elf.OSABI(64),
		ABIVersion: 2,
		Type:       elf.ET_DYN,
		Machine:    elf.EM_AMDGPU,
		Flags:      Gfx908,
	})

	noteData := append(notetest.Note(kernels...), make([]byte, slack)...)
	note := o.AddSection(".note")
	note.Type = elf.SHT_NOTE
	note.Flags = elf.SHF_ALLOC
	note.Addr = NoteAddr
	note.Addralign = 4
	note.SetData(noteData)

	var descs, code []byte
	for _, k := range kernels {
		descs = append(descs, Descriptor(uint32(k.KernargSegmentSize))...)
		code = binary.LittleEndian.AppendUint32(code, 0xbf810000) // s_endpgm
	}
	rodata := o.AddSection(".rodata")
	rodata.Type = elf.SHT_PROGBITS
	rodata.Flags = elf.SHF_ALLOC
	rodata.Addr = RodataAddr
	rodata.Addralign = 64
	rodata.SetData(descs)

	text := o.AddSection(".text")
	text.Type = elf.SHT_PROGBITS
	text.Flags = elf.SHF_ALLOC | elf.SHF_EXECINSTR
	text.Addr = TextAddr
	text.Addralign = 256
	text.SetData(code)

	var syms []elftest.Sym
	for i, k := range kernels {
		syms = append(syms,
			elftest.Sym{Name: k.Name + ".kd", Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT), Shndx: uint16(rodata.Index()), Value: RodataAddr + uint64(i)*kerneldesc.Size, Size: kerneldesc.Size},
			elftest.Sym{Name: k.Name, Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: uint16(text.Index()), Value: TextAddr + uint64(i)*4, Size: 4},
		)
	}
	symtabData, strtabData := elftest.SymbolTable(syms...)
	strtab := o.AddSection(".strtab")
	strtab.Type = elf.SHT_STRTAB
	strtab.Addralign = 1
	strtab.SetData(strtabData)

	symtab := o.AddSection(".symtab")
	symtab.Type = elf.SHT_SYMTAB
	symtab.Link = uint32(strtab.Index())
	symtab.Info = 1
	symtab.Addralign = 8
	symtab.Entsize = 24
	symtab.SetData(symtabData)

	o.AddSegment(elfobj.Segment{Type: elf.PT_LOAD, Flags: elf.PF_R, Memsz: RodataAddr + uint64(len(descs)), Filesz: RodataAddr + uint64(len(descs)), Align: 0x1000})
	o.AddSegment(elfobj.Segment{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: TextAddr, Paddr: TextAddr, Filesz: uint64(len(code)), Memsz: uint64(len(code)), Align: 0x1000})
	o.AddSegment(elfobj.Segment{Type: elf.PT_NOTE, Flags: elf.PF_R, Vaddr: NoteAddr, Paddr: NoteAddr, Filesz: uint64(len(noteData)), Memsz: uint64(len(noteData)), Align: 4})
	o.MapSections()
	return o
}

// Bytes serializes Object.
func Bytes(slack int, kernels ...notetest.Kernel) []byte {
	raw, err := Object(slack, kernels...).Bytes()
	if err != nil {
		panic(err)
	}
	return raw
}
