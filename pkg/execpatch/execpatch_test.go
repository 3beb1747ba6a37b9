package execpatch

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuinst/gpupatch/pkg/elfobj"
	"github.com/gpuinst/gpupatch/pkg/elfobj/elftest"
	"github.com/gpuinst/gpupatch/pkg/fault"
	"github.com/gpuinst/gpupatch/pkg/gpucontext"
)

const newFatbinAddr = 0x404000

func parsedExecutable(t *testing.T, container []byte) *elfobj.Object {
	t.Helper()
	raw, err := elftest.Executable(container).Bytes()
	require.NoError(t, err)
	o, err := elfobj.Parse(raw)
	require.NoError(t, err)
	return o
}

func sectionNames(o *elfobj.Object) []string {
	var names []string
	for _, s := range o.Sections {
		names = append(names, s.Name)
	}
	return names
}

func TestCloneExecutable(t *testing.T) {
	src := parsedExecutable(t, []byte("old bundle"))
	dst, err := CloneExecutable(src)
	require.NoError(t, err)

	require.Equal(t, src.Header, dst.Header)
	require.Equal(t, []string{
		"", ".shstrtab", ".rodata", ".rela.dyn", ".hip_fatbin", ".text",
		".hipFatBinSegment", ".bss", ".strtab", ".symtab",
	}, sectionNames(dst))
	require.Len(t, dst.Segments, len(src.Segments))

	// The symbol table's link follows the string table to its new index.
	require.Equal(t, uint32(dst.Section(".strtab").Index()), dst.Section(".symtab").Link)

	sym, ok := dst.SymbolByName("__hip_fatbin")
	require.True(t, ok)
	require.Equal(t, ".hip_fatbin", dst.Sections[sym.Shndx].Name)

	rodata := dst.Section(".rodata").Index()
	require.Contains(t, dst.Segments[1].Sections, rodata)
	require.Equal(t, dst.Sections[dst.Segments[3].Sections[0]].Name, ".hipFatBinSegment")
}

func TestCloneExecutableRejectsRelocatable(t *testing.T) {
	_, err := CloneExecutable(elftest.Relocatable())
	require.True(t, errors.Is(err, fault.ErrUnsupportedInputKind))
}

func TestAppendContainer(t *testing.T) {
	exec, err := CloneExecutable(parsedExecutable(t, []byte("old bundle")))
	require.NoError(t, err)

	container := bytes.Repeat([]byte{0xcd}, 3000)
	addr, err := AppendContainer(exec, container)
	require.NoError(t, err)
	require.Equal(t, uint64(newFatbinAddr), addr)

	wrapper := exec.Section(FatbinWrapperSection)
	require.Equal(t, uint64(newFatbinAddr), binary.LittleEndian.Uint64(wrapper.Data[8:]))

	rela := exec.Section(".rela.dyn")
	r, ok := exec.RelocationEntry(rela, 0)
	require.True(t, ok)
	require.Equal(t, int64(newFatbinAddr), r.Addend)
	require.Equal(t, uint64(elftest.FatbinWrapperAddr+8), r.Offset)

	raw, err := exec.Bytes()
	require.NoError(t, err)
	f, err := elf.NewFile(bytes.NewReader(raw))
	require.NoError(t, err)

	s := f.Section(NewFatbinSection)
	require.NotNil(t, s)
	old := f.Section(FatbinSection)
	assert.Equal(t, old.Type, s.Type)
	assert.Equal(t, old.Flags, s.Flags)
	assert.Equal(t, old.Addralign, s.Addralign)
	data, err := s.Data()
	require.NoError(t, err)
	require.Equal(t, container, data)

	last := f.Progs[len(f.Progs)-1]
	require.Equal(t, elf.PT_LOAD, last.Type)
	require.Equal(t, elf.PF_R, last.Flags)
	require.Equal(t, uint64(newFatbinAddr), last.Vaddr)
	require.Equal(t, uint64(len(container)), last.Filesz)
	require.Equal(t, uint64(0x1000), last.Align)
	require.Equal(t, s.Offset, last.Off)

	// The old bundle is left where it was.
	oldData, err := old.Data()
	require.NoError(t, err)
	require.Equal(t, []byte("old bundle"), oldData)
}

func TestAppendContainerMissingSections(t *testing.T) {
	for _, name := range []string{FatbinSection, FatbinWrapperSection} {
		t.Run(name, func(t *testing.T) {
			exec, err := CloneExecutable(parsedExecutable(t, []byte("old")))
			require.NoError(t, err)
			exec.Section(name).Name = ".renamed"
			_, err = AppendContainer(exec, []byte("new"))
			require.True(t, fault.IsViolation(err))
		})
	}
}

func TestRelocateProgramHeaders(t *testing.T) {
	exec, err := CloneExecutable(parsedExecutable(t, []byte("old")))
	require.NoError(t, err)
	_, err = AppendContainer(exec, []byte("new bundle"))
	require.NoError(t, err)
	raw, err := exec.Bytes()
	require.NoError(t, err)

	before, err := elf.NewFile(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, before.Progs, 6)
	load := before.Progs[1]
	require.Equal(t, uint64(0x1000), load.Off)

	require.NoError(t, RelocateProgramHeaders(raw))
	require.Equal(t, load.Off, binary.LittleEndian.Uint64(raw[32:]))

	after, err := elf.NewFile(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, after.Progs, 6)

	phdr := after.Progs[0]
	require.Equal(t, elf.PT_PHDR, phdr.Type)
	require.Equal(t, load.Off, phdr.Off)
	require.Equal(t, load.Vaddr, phdr.Vaddr)
	require.Equal(t, load.Paddr, phdr.Paddr)
	require.Equal(t, uint64(6*56), phdr.Filesz)

	for i := 1; i < len(after.Progs); i++ {
		require.Equal(t, before.Progs[i].ProgHeader, after.Progs[i].ProgHeader, "segment %d", i)
	}

	// Section contents did not move.
	data, err := after.Section(".rodata").Data()
	require.NoError(t, err)
	require.Equal(t, []byte("hello, gpu\x00\x00\x00\x00\x00\x00"), data)
}

// tightExecutable has its first section right after the start of the first
// loadable segment, leaving no room for the program header table.
func tightExecutable(t *testing.T) []byte {
	t.Helper()
	o := elftest.Executable([]byte("old"))
	o.Section(".rodata").Addr = elftest.ExecBase + 0x40
	raw, err := o.Bytes()
	require.NoError(t, err)
	return raw
}

func TestRelocateProgramHeadersNoRoom(t *testing.T) {
	err := RelocateProgramHeaders(tightExecutable(t))
	require.True(t, fault.IsViolation(err), "%v", err)

	err = RelocateProgramHeaders([]byte("not an elf"))
	require.Error(t, err)
	require.False(t, fault.IsViolation(err))
}

func TestPatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := gpucontext.WithFs(context.Background(), fs)

	raw, err := elftest.Executable([]byte("old bundle")).Bytes()
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/work/app", raw, 0o755))

	container := []byte("__CLANG_OFFLOAD_BUNDLE__ new")
	require.NoError(t, Patch(ctx, "/work/app", container, "/work/app.patched"))

	out, err := afero.ReadFile(fs, "/work/app.patched")
	require.NoError(t, err)
	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)

	data, err := f.Section(NewFatbinSection).Data()
	require.NoError(t, err)
	require.Equal(t, container, data)
	require.Equal(t, f.Progs[1].Off, f.Progs[0].Off)

	fi, err := fs.Stat("/work/app.patched")
	require.NoError(t, err)
	require.Equal(t, "-rwxr-xr-x", fi.Mode().Perm().String())

	entries, err := afero.ReadDir(fs, "/work")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestPatchFailureLeavesNoOutput(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := gpucontext.WithFs(context.Background(), fs)
	require.NoError(t, afero.WriteFile(fs, "/work/app", tightExecutable(t), 0o755))

	err := Patch(ctx, "/work/app", []byte("new"), "/work/app.patched")
	require.True(t, fault.IsViolation(err), "%v", err)

	entries, err := afero.ReadDir(fs, "/work")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
