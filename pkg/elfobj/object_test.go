package elfobj_test

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpuinst/gpupatch/pkg/elfobj"
	"github.com/gpuinst/gpupatch/pkg/elfobj/elftest"
)

func TestParseRejectsGarbage(t *testing.T) {
	_, err := elfobj.Parse([]byte("definitely not an ELF file"))
	require.Error(t, err)
}

func TestWriteExecutableLayout(t *testing.T) {
	container := bytes.Repeat([]byte{0xab}, 100)
	raw, err := elftest.Executable(container).Bytes()
	require.NoError(t, err)

	f, err := elf.NewFile(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, elf.ET_EXEC, f.Type)
	require.Equal(t, uint64(elftest.TextAddr), f.Entry)
	require.Len(t, f.Progs, 5)

	phdr := f.Progs[0]
	require.Equal(t, elf.PT_PHDR, phdr.Type)
	require.Equal(t, uint64(64), phdr.Off)
	require.Equal(t, uint64(5*56), phdr.Filesz)

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		require.Equal(t, p.Vaddr%p.Align, p.Off%p.Align, "segment at %#x", p.Vaddr)
	}

	// Every allocated section's bytes sit where its segment maps its address.
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Type == elf.SHT_NOBITS {
			continue
		}
		var load *elf.Prog
		for _, p := range f.Progs {
			if p.Type == elf.PT_LOAD && s.Addr >= p.Vaddr && s.Addr+s.Size <= p.Vaddr+p.Memsz {
				load = p
				break
			}
		}
		require.NotNil(t, load, s.Name)
		require.Equal(t, load.Off+(s.Addr-load.Vaddr), s.Offset, s.Name)
	}

	fatbin := f.Section(".hip_fatbin")
	data, err := fatbin.Data()
	require.NoError(t, err)
	require.Equal(t, container, data)

	// The first loadable segment starts with zeros where the header used to be.
	first := f.Progs[1]
	require.Equal(t, make([]byte, 0x200), raw[first.Off:first.Off+0x200])
}

func TestParseRoundTrip(t *testing.T) {
	raw, err := elftest.Executable([]byte("payload")).Bytes()
	require.NoError(t, err)
	o, err := elfobj.Parse(raw)
	require.NoError(t, err)

	again, err := o.Bytes()
	require.NoError(t, err)
	require.Equal(t, raw, again)

	require.Equal(t, elf.EM_X86_64, o.Header.Machine)
	require.Equal(t, ".shstrtab", o.SectionHeaderStringTable().Name)
	require.Nil(t, o.Section(".missing"))
	require.Equal(t, ".rela.dyn", o.SectionByType(elf.SHT_RELA).Name)

	load := o.Segments[1]
	require.Equal(t, elf.PT_LOAD, load.Type)
	names := make([]string, 0, len(load.Sections))
	for _, i := range load.Sections {
		names = append(names, o.Sections[i].Name)
	}
	require.Equal(t, []string{".rodata", ".rela.dyn", ".hip_fatbin"}, names)
}

func TestHeaderFlagsSurvive(t *testing.T) {
	o := elfobj.New(elfobj.Header{
		Class:   elf.ELFCLASS64,
		Data:    elf.ELFDATA2LSB,
		OSABI:   elf.OSABI(64), // ELFOSABI_AMDGPU_HSA
		Type:    elf.ET_DYN,
		Machine: elf.EM_AMDGPU,
		Flags:   0x530, // gfx908 with xnack off
	})
	o.Header.ABIVersion = 2
	raw, err := o.Bytes()
	require.NoError(t, err)

	parsed, err := elfobj.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, o.Header, parsed.Header)
}
