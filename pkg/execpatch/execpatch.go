// Package execpatch swaps the offload bundle embedded in a HIP host
// executable for a new one without relinking.
//
// The executable is cloned, the new bundle is appended in a read-only
// loadable segment of its own and the runtime's fat binary wrapper is
// pointed at it. Because the clone grows the program header table, the
// table is finally moved into the zero padding at the start of the first
// loadable segment, where the loader can map it.
package execpatch

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/gpuinst/gpupatch/pkg/elfobj"
	"github.com/gpuinst/gpupatch/pkg/fault"
	"github.com/gpuinst/gpupatch/pkg/fsutil"
	"github.com/gpuinst/gpupatch/pkg/gpucontext"
)

const (
	FatbinSection        = ".hip_fatbin"
	FatbinWrapperSection = ".hipFatBinSegment"
	NewFatbinSection     = ".new_fatbin"

	// The wrapper is {u32 magic, u32 version, u64 fatbin, u64 unused}.
	wrapperPointerOffset = 8
)

// CloneExecutable copies an executable or shared object section by section
// and segment by segment.
func CloneExecutable(src *elfobj.Object) (*elfobj.Object, error) {
	c, err := elfobj.NewCloneEngine(src, elf.ET_EXEC, elf.ET_DYN)
	if err != nil {
		return nil, err
	}
	dst, err := c.Clone()
	if err != nil {
		return nil, err
	}
	c.CloneSegments()
	return dst, nil
}

// AppendContainer places container in a new .new_fatbin section past the
// end of the address space, maps it with a new read-only PT_LOAD segment and
// redirects the fat binary wrapper to it. It returns the new address.
func AppendContainer(exec *elfobj.Object, container []byte) (uint64, error) {
	fatbin := exec.Section(FatbinSection)
	if fatbin == nil {
		return 0, fault.Violationf("executable has no %s section", FatbinSection)
	}
	wrapper := exec.Section(FatbinWrapperSection)
	if wrapper == nil {
		return 0, fault.Violationf("executable has no %s section", FatbinWrapperSection)
	}
	if len(wrapper.Data) < wrapperPointerOffset+8 {
		return 0, fault.Violationf("%s is %d bytes, too short for the fat binary pointer", FatbinWrapperSection, len(wrapper.Data))
	}

	end := lo.Max(lo.Map(exec.Segments, func(p *elfobj.Segment, _ int) uint64 {
		return p.Vaddr + p.Memsz
	}))
	next := alignUp(end, fatbin.Addralign)

	s := exec.AddSection(NewFatbinSection)
	s.Type = fatbin.Type
	s.Flags = fatbin.Flags
	s.Info = fatbin.Info
	s.Addralign = fatbin.Addralign
	s.Entsize = fatbin.Entsize
	s.Addr = next
	s.SetData(bytes.Clone(container))

	exec.AddSegment(elfobj.Segment{
		Type:   elf.PT_LOAD,
		Flags:  elf.PF_R,
		Vaddr:  next,
		Paddr:  next,
		Filesz: uint64(len(container)),
		Memsz:  uint64(len(container)),
		Align:  fatbin.Addralign,
	})
	exec.MapSections()

	exec.Header.ByteOrder().PutUint64(wrapper.Data[wrapperPointerOffset:], next)
	updateRelativeRelocations(exec, wrapper.Addr+wrapperPointerOffset, next)
	return next, nil
}

// updateRelativeRelocations rewrites the addend of every relative relocation
// that fills in the pointer at addr. Position-independent executables take
// the pointer from the relocation rather than from the section bytes.
func updateRelativeRelocations(exec *elfobj.Object, addr, target uint64) int {
	relative, ok := relativeType(exec.Header.Machine)
	if !ok {
		return 0
	}
	var n int
	for _, s := range exec.Sections {
		if s.Type != elf.SHT_RELA || s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		for i, count := 0, exec.RelocationCount(s); i < count; i++ {
			r, _ := exec.RelocationEntry(s, i)
			if r.Type != relative || r.Offset != addr {
				continue
			}
			r.Addend = int64(target)
			exec.UpdateRelocationEntry(s, i, r)
			n++
		}
	}
	return n
}

func relativeType(m elf.Machine) (uint32, bool) {
	switch m {
	case elf.EM_X86_64:
		return uint32(elf.R_X86_64_RELATIVE), true
	case elf.EM_AARCH64:
		return uint32(elf.R_AARCH64_RELATIVE), true
	case elf.EM_PPC64:
		return uint32(elf.R_PPC64_RELATIVE), true
	}
	return 0, false
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

// FinalizePatch moves the program header table of the file at path into the
// leading zero padding of its first PT_LOAD segment. It edits the file in
// place.
func FinalizePatch(fs afero.Fs, path string) error {
	raw, err := fsutil.ReadFile(fs, path)
	if err != nil {
		return err
	}
	if err := RelocateProgramHeaders(raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	f, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(raw, 0); err != nil {
		_ = f.Close()
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	return f.Close()
}

type phdrLayout struct {
	phoff, phentsize, phnum int // e_* field offsets in the file header
	wide                        bool
	off, vaddr, paddr           int // p_* field offsets in a program header
}

var (
	phdrLayout32 = phdrLayout{phoff: 28, phentsize: 42, phnum: 44, off: 4, vaddr: 8, paddr: 12}
	phdrLayout64 = phdrLayout{phoff: 32, phentsize: 54, phnum: 56, wide: true, off: 8, vaddr: 16, paddr: 24}
)

// RelocateProgramHeaders is the in-memory part of FinalizePatch.
func RelocateProgramHeaders(raw []byte) error {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parsing ELF: %w", err)
	}
	l := phdrLayout32
	if f.Class == elf.ELFCLASS64 {
		l = phdrLayout64
	}
	order := f.ByteOrder
	word := func(off int) uint64 {
		if l.wide {
			return order.Uint64(raw[off:])
		}
		return uint64(order.Uint32(raw[off:]))
	}
	putWord := func(off int, v uint64) {
		if l.wide {
			order.PutUint64(raw[off:], v)
		} else {
			order.PutUint32(raw[off:], uint32(v))
		}
	}

	phoff := word(l.phoff)
	phentsize := uint64(order.Uint16(raw[l.phentsize:]))
	tableSize := phentsize * uint64(order.Uint16(raw[l.phnum:]))

	load, ok := lo.Find(f.Progs, func(p *elf.Prog) bool { return p.Type == elf.PT_LOAD })
	if !ok {
		return fault.Violationf("no PT_LOAD segment")
	}
	if load.Off+load.Filesz > uint64(len(raw)) {
		return fault.Violationf("first PT_LOAD [%#x, +%d) is outside the %d byte file", load.Off, load.Filesz, len(raw))
	}
	if zeros := leadingZeros(raw[load.Off:load.Off+load.Filesz], tableSize); zeros < tableSize {
		return fault.Violationf("first PT_LOAD at %#x starts with %d zero bytes, the program header table needs %d", load.Off, zeros, tableSize)
	}

	copy(raw[load.Off:], raw[phoff:phoff+tableSize])

	self := lo.IndexOf(lo.Map(f.Progs, func(p *elf.Prog, _ int) elf.ProgType { return p.Type }), elf.PT_PHDR)
	if self < 0 {
		self = 0
	}
	entry := int(load.Off) + self*int(phentsize)
	putWord(entry+l.vaddr, load.Vaddr)
	putWord(entry+l.paddr, load.Paddr)
	putWord(entry+l.off, load.Off)
	putWord(l.phoff, load.Off)
	return nil
}

// leadingZeros counts the zero bytes at the start of b, up to limit.
func leadingZeros(b []byte, limit uint64) uint64 {
	var n uint64
	for n < limit && n < uint64(len(b)) && b[n] == 0 {
		n++
	}
	return n
}

// Patch writes a copy of the executable at execPath to outPath with its
// offload bundle replaced by container.
func Patch(ctx context.Context, execPath string, container []byte, outPath string) error {
	fs := gpucontext.Fs(ctx)
	logger := log.With(gpucontext.Logger(ctx), "exec", execPath)

	raw, err := fsutil.ReadFile(fs, execPath)
	if err != nil {
		return err
	}
	src, err := elfobj.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", execPath, err)
	}
	exec, err := CloneExecutable(src)
	if err != nil {
		return fmt.Errorf("%s: %w", execPath, err)
	}
	addr, err := AppendContainer(exec, container)
	if err != nil {
		return fmt.Errorf("%s: %w", execPath, err)
	}
	level.Debug(logger).Log("msg", "appended offload bundle", "addr", fmt.Sprintf("%#x", addr), "size", len(container), "segments", len(exec.Segments))

	err = fsutil.ReplaceFile(fs, outPath, fsutil.Mode(fs, execPath, 0o755), func(w io.Writer) error {
		out, err := exec.Bytes()
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	}, FinalizePatch)
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "patched executable", "out", outPath)
	return nil
}
