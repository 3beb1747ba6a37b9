// Package elftest builds small synthetic ELF objects for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/gpuinst/gpupatch/pkg/elfobj"
)

type Sym struct {
	Name  string
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// SymbolTable encodes ELF64 little-endian symbol and string tables. The null
// symbol is prepended.
func SymbolTable(syms ...Sym) (symtab, strtab []byte) {
	var st, str bytes.Buffer
	str.WriteByte(0)
	st.Write(make([]byte, 24))
	for _, s := range syms {
		nameOff := uint32(0)
		if s.Name != "" {
			nameOff = uint32(str.Len())
			str.WriteString(s.Name)
			str.WriteByte(0)
		}
		_ = binary.Write(&st, binary.LittleEndian, elf.Sym64{
			Name:  nameOff,
			Info:  s.Info,
			Other: s.Other,
			Shndx: s.Shndx,
			Value: s.Value,
			Size:  s.Size,
		})
	}
	return st.Bytes(), str.Bytes()
}

// Rela64 encodes ELF64 little-endian RELA entries.
func Rela64(entries ...elf.Rela64) []byte {
	var b bytes.Buffer
	for _, e := range entries {
		_ = binary.Write(&b, binary.LittleEndian, e)
	}
	return b.Bytes()
}

func x8664(typ elf.Type) elfobj.Header {
	return elfobj.Header{
		Class:   elf.ELFCLASS64,
		Data:    elf.ELFDATA2LSB,
		OSABI:   elf.ELFOSABI_NONE,
		Type:    typ,
		Machine: elf.EM_X86_64,
	}
}

// Relocatable returns an x86-64 relocatable object laid out as
//
//	0 null, 1 .text, 2 .rela.text, 3 .data, 4 .symtab, 5 .strtab, 6 .shstrtab
//
// with the section header string table last, the way assemblers emit it.
func Relocatable() *elfobj.Object {
	o := &elfobj.Object{Header: x8664(elf.ET_REL)}
	o.AddSection("")

	text := o.AddSection(".text")
	text.Type = elf.SHT_PROGBITS
	text.Flags = elf.SHF_ALLOC | elf.SHF_EXECINSTR
	text.Addralign = 16
	text.SetData([]byte{0x55, 0x48, 0x89, 0xe5, 0x8b, 0x05, 0, 0, 0, 0, 0x5d, 0xc3, 0x90, 0x90, 0x90, 0x90})

	rela := o.AddSection(".rela.text")
	rela.Type = elf.SHT_RELA
	rela.Flags = elf.SHF_INFO_LINK
	rela.Link = 4
	rela.Info = 1
	rela.Addralign = 8
	rela.Entsize = 24
	rela.SetData(Rela64(elf.Rela64{Off: 6, Info: elf.R_INFO(1, uint32(elf.R_X86_64_PC32)), Addend: -4}))

	data := o.AddSection(".data")
	data.Type = elf.SHT_PROGBITS
	data.Flags = elf.SHF_ALLOC | elf.SHF_WRITE
	data.Addralign = 8
	data.SetData([]byte{1, 0, 0, 0, 0, 0, 0, 0})

	symtabData, strtabData := SymbolTable(
		Sym{Name: "counter", Info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_OBJECT), Shndx: 3, Size: 8},
		Sym{Name: "main", Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: 1, Size: 16},
		Sym{Name: "answer", Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_NOTYPE), Shndx: uint16(elf.SHN_ABS), Value: 42},
	)
	symtab := o.AddSection(".symtab")
	symtab.Type = elf.SHT_SYMTAB
	symtab.Link = 5
	symtab.Info = 2
	symtab.Addralign = 8
	symtab.Entsize = 24
	symtab.SetData(symtabData)

	strtab := o.AddSection(".strtab")
	strtab.Type = elf.SHT_STRTAB
	strtab.Addralign = 1
	strtab.SetData(strtabData)

	shstrtab := o.AddSection(".shstrtab")
	shstrtab.Type = elf.SHT_STRTAB
	shstrtab.Addralign = 1
	o.SetSectionHeaderStringTable(shstrtab)
	return o
}

// Addresses used by Executable.
const (
	ExecBase          = 0x400000
	FatbinAddr        = 0x401000
	TextAddr          = 0x402000
	FatbinWrapperAddr = 0x403000
)

// Executable returns an x86-64 executable embedding container in a
// .hip_fatbin section. The .hipFatBinSegment wrapper points at it and a
// relative relocation in .rela.dyn carries the same address.
func Executable(container []byte) *elfobj.Object {
	o := elfobj.New(x8664(elf.ET_EXEC))
	o.Header.Entry = TextAddr

	rodata := o.AddSection(".rodata")
	rodata.Type = elf.SHT_PROGBITS
	rodata.Flags = elf.SHF_ALLOC
	rodata.Addr = ExecBase + 0x200
	rodata.Addralign = 16
	rodata.SetData([]byte("hello, gpu\x00\x00\x00\x00\x00\x00"))

	relaDyn := o.AddSection(".rela.dyn")
	relaDyn.Type = elf.SHT_RELA
	relaDyn.Flags = elf.SHF_ALLOC
	relaDyn.Addr = ExecBase + 0x210
	relaDyn.Addralign = 8
	relaDyn.Entsize = 24
	relaDyn.SetData(Rela64(elf.Rela64{
		Off:    FatbinWrapperAddr + 8,
		Info:   elf.R_INFO(0, uint32(elf.R_X86_64_RELATIVE)),
		Addend: FatbinAddr,
	}))

	fatbin := o.AddSection(".hip_fatbin")
	fatbin.Type = elf.SHT_PROGBITS
	fatbin.Flags = elf.SHF_ALLOC
	fatbin.Addr = FatbinAddr
	fatbin.Addralign = 0x1000
	fatbin.SetData(container)

	text := o.AddSection(".text")
	text.Type = elf.SHT_PROGBITS
	text.Flags = elf.SHF_ALLOC | elf.SHF_EXECINSTR
	text.Addr = TextAddr
	text.Addralign = 16
	text.SetData([]byte{0x31, 0xc0, 0xc3, 0x90})

	wrapper := o.AddSection(".hipFatBinSegment")
	wrapper.Type = elf.SHT_PROGBITS
	wrapper.Flags = elf.SHF_ALLOC | elf.SHF_WRITE
	wrapper.Addr = FatbinWrapperAddr
	wrapper.Addralign = 8
	wrapperData := make([]byte, 24)
	binary.LittleEndian.PutUint32(wrapperData[0:], 0x48495046)
	binary.LittleEndian.PutUint32(wrapperData[4:], 1)
	binary.LittleEndian.PutUint64(wrapperData[8:], FatbinAddr)
	wrapper.SetData(wrapperData)

	bss := o.AddSection(".bss")
	bss.Type = elf.SHT_NOBITS
	bss.Flags = elf.SHF_ALLOC | elf.SHF_WRITE
	bss.Addr = FatbinWrapperAddr + 0x18
	bss.Addralign = 8
	bss.Size = 0x100

	symtabData, strtabData := SymbolTable(
		Sym{Name: "main", Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: uint16(text.Index()), Value: TextAddr, Size: 4},
		Sym{Name: "__hip_fatbin", Info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_OBJECT), Shndx: uint16(fatbin.Index()), Value: FatbinAddr, Size: uint64(len(container))},
	)
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

	const phnum = 5
	o.AddSegment(elfobj.Segment{Type: elf.PT_PHDR, Flags: elf.PF_R, Off: 64, Vaddr: ExecBase + 64, Paddr: ExecBase + 64, Filesz: phnum * 56, Memsz: phnum * 56, Align: 8})
	o.AddSegment(elfobj.Segment{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: ExecBase, Paddr: ExecBase, Filesz: 0x1000 + uint64(len(container)), Memsz: 0x1000 + uint64(len(container)), Align: 0x1000})
	o.AddSegment(elfobj.Segment{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: TextAddr, Paddr: TextAddr, Filesz: 4, Memsz: 4, Align: 0x1000})
	o.AddSegment(elfobj.Segment{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: FatbinWrapperAddr, Paddr: FatbinWrapperAddr, Filesz: 0x18, Memsz: 0x118, Align: 0x1000})
	o.AddSegment(elfobj.Segment{Type: elf.PT_GNU_STACK, Flags: elf.PF_R | elf.PF_W, Align: 16})
	o.MapSections()
	return o
}
