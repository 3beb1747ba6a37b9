package elfobj_test

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpuinst/gpupatch/pkg/elfobj"
	"github.com/gpuinst/gpupatch/pkg/elfobj/elftest"
	"github.com/gpuinst/gpupatch/pkg/fault"
)

func parseRelocatable(t *testing.T) *elfobj.Object {
	t.Helper()
	raw, err := elftest.Relocatable().Bytes()
	require.NoError(t, err)
	src, err := elfobj.Parse(raw)
	require.NoError(t, err)
	return src
}

func TestCloneRelocatable(t *testing.T) {
	src := parseRelocatable(t)
	require.Equal(t, ".shstrtab", src.Sections[6].Name)

	dst, err := elfobj.CloneRelocatable(src)
	require.NoError(t, err)

	// The target's own string table sits at index 1 and shifts the rest.
	require.Equal(t, ".shstrtab", dst.Sections[1].Name)
	require.Equal(t, ".text", dst.Sections[2].Name)
	require.Len(t, dst.Sections, len(src.Sections))

	t.Run("fidelity", func(t *testing.T) {
		for _, s := range src.Sections {
			if s.Type == elf.SHT_NULL || s.Name == ".shstrtab" {
				continue
			}
			c := dst.Section(s.Name)
			require.NotNil(t, c, s.Name)
			require.Equal(t, s.Type, c.Type, s.Name)
			require.Equal(t, s.Flags, c.Flags, s.Name)
			require.Equal(t, s.Addr, c.Addr, s.Name)
			require.Equal(t, s.Size, c.Size, s.Name)
			require.Equal(t, s.Addralign, c.Addralign, s.Name)
			require.Equal(t, s.Entsize, c.Entsize, s.Name)
			if s.Type != elf.SHT_SYMTAB {
				require.Equal(t, s.Data, c.Data, s.Name)
			}
		}
	})

	t.Run("links resolve by name", func(t *testing.T) {
		symtab := dst.Section(".symtab")
		require.Equal(t, ".strtab", dst.Sections[symtab.Link].Name)
		rela := dst.Section(".rela.text")
		require.Equal(t, ".symtab", dst.Sections[rela.Link].Name)
		require.Equal(t, ".text", dst.Sections[rela.Info].Name)
	})

	t.Run("symbol section indices", func(t *testing.T) {
		for i, n := 0, src.SymbolCount(); i < n; i++ {
			want, ok := src.SymbolByIndex(i)
			require.True(t, ok)
			got, ok := dst.SymbolByIndex(i)
			require.True(t, ok)
			require.Equal(t, src.SymbolName(want), dst.SymbolName(got))
			require.Equal(t, want.Value, got.Value)
			switch {
			case want.Shndx == uint16(elf.SHN_UNDEF), want.Shndx >= uint16(elf.SHN_LORESERVE):
				require.Equal(t, want.Shndx, got.Shndx)
			default:
				require.Equal(t, src.Sections[want.Shndx].Name, dst.Sections[got.Shndx].Name)
			}
		}
	})

	t.Run("serialized clone", func(t *testing.T) {
		raw, err := dst.Bytes()
		require.NoError(t, err)
		f, err := elf.NewFile(bytes.NewReader(raw))
		require.NoError(t, err)
		require.Equal(t, ".shstrtab", f.Sections[1].Name)
		require.Equal(t, ".rela.text", f.Sections[3].Name)
		syms, err := f.Symbols()
		require.NoError(t, err)
		require.Len(t, syms, 3)
		require.Equal(t, "main", syms[1].Name)
		require.Equal(t, ".text", f.Sections[syms[1].Section].Name)
		require.Equal(t, ".data", f.Sections[syms[0].Section].Name)
		require.Equal(t, elf.SHN_ABS, syms[2].Section)
	})
}

func TestCloneEngineIndexMaps(t *testing.T) {
	src := parseRelocatable(t)
	c, err := elfobj.NewCloneEngine(src, elf.ET_REL)
	require.NoError(t, err)
	c.CloneSections()

	require.Equal(t, -1, c.TargetIndex(0))
	require.Equal(t, -1, c.TargetIndex(6), "section header string table is not cloned")
	for si := 1; si < 6; si++ {
		ti := c.TargetIndex(si)
		require.Equal(t, si+1, ti)
		require.Equal(t, si, c.SourceIndex(ti))
	}
	require.Equal(t, -1, c.SourceIndex(1))
	require.Equal(t, -1, c.TargetIndex(100))
}

func TestCloneRejectsOtherKinds(t *testing.T) {
	raw, err := elftest.Executable([]byte("bundle")).Bytes()
	require.NoError(t, err)
	src, err := elfobj.Parse(raw)
	require.NoError(t, err)

	_, err = elfobj.CloneRelocatable(src)
	require.ErrorIs(t, err, fault.ErrUnsupportedInputKind)
}

func TestCloneLinkOutOfBounds(t *testing.T) {
	src := parseRelocatable(t)
	src.Section(".symtab").Link = 42

	_, err := elfobj.CloneRelocatable(src)
	require.Error(t, err)
	require.True(t, fault.IsViolation(err))
}

func TestCloneSymbolSectionOutOfBounds(t *testing.T) {
	src := parseRelocatable(t)
	sym, ok := src.SymbolByName("main")
	require.True(t, ok)
	symtab := src.SymbolTableSection()
	// Elf64_Sym.st_shndx lives at offset 6.
	symtab.Data[sym.Index*24+6] = 0x40

	_, err := elfobj.CloneRelocatable(src)
	require.True(t, fault.IsViolation(err))
}

func TestCloneKeepsLinksToDroppedSections(t *testing.T) {
	src := parseRelocatable(t)
	// Point .data's link at the section header string table, which is dropped.
	src.Section(".data").Link = 6

	dst, err := elfobj.CloneRelocatable(src)
	require.NoError(t, err)
	require.EqualValues(t, 6, dst.Section(".data").Link)
}
