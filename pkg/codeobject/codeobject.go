// Package codeobject locates kernel descriptors and the metadata note inside
// an AMDGPU code object and applies the instrumentation edits to them.
//
// Descriptor and note edits are made in place on the file image, so every
// other byte of the object is preserved.
package codeobject

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"github.com/gpuinst/gpupatch/pkg/elfobj"
	"github.com/gpuinst/gpupatch/pkg/fault"
	"github.com/gpuinst/gpupatch/pkg/fsutil"
	"github.com/gpuinst/gpupatch/pkg/kerneldesc"
	"github.com/gpuinst/gpupatch/pkg/notemeta"
)

// DescriptorSuffix ends the name of every kernel descriptor symbol.
const DescriptorSuffix = ".kd"

// File is a parsed code object together with the image it was parsed from.
type File struct {
	Path   string
	Raw    []byte
	Object *elfobj.Object
}

// Load reads and parses the code object at path. Objects for other machines
// are rejected with fault.ErrUnsupportedInputKind.
func Load(fs afero.Fs, path string) (*File, error) {
	raw, err := fsutil.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	f, err := New(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// New parses a code object image. The image is retained and edited in place.
func New(raw []byte) (*File, error) {
	o, err := elfobj.Parse(raw)
	if err != nil {
		return nil, err
	}
	if o.Header.Machine != elf.EM_AMDGPU {
		return nil, fault.Unsupportedf("machine %s is not AMDGPU", o.Header.Machine)
	}
	return &File{Raw: raw, Object: o}, nil
}

// Target returns the processor name encoded in e_flags, e.g. gfx908.
func (f *File) Target() (string, bool) {
	return kerneldesc.TargetFromFlags(f.Object.Header.Flags)
}

// IsKernelDescriptor reports whether sym is a kernel descriptor: a 64 byte
// data object named <kernel>.kd in a read-only allocated section.
func IsKernelDescriptor(o *elfobj.Object, sym elfobj.Symbol) bool {
	if sym.Type() != elf.STT_OBJECT || sym.Size != kerneldesc.Size {
		return false
	}
	if int(sym.Shndx) >= len(o.Sections) || sym.Shndx >= uint16(elf.SHN_LORESERVE) {
		return false
	}
	sec := o.Sections[sym.Shndx]
	if sec.Flags&elf.SHF_ALLOC == 0 || sec.Flags&(elf.SHF_WRITE|elf.SHF_EXECINSTR) != 0 {
		return false
	}
	return strings.HasSuffix(o.SymbolName(sym), DescriptorSuffix)
}

// KernelDescriptor is a descriptor found in a code object.
type KernelDescriptor struct {
	// Kernel is the symbol name without the .kd suffix.
	Kernel     string
	Symbol     elfobj.Symbol
	FileOffset uint64
	Descriptor *kerneldesc.Descriptor
}

// Descriptors decodes every kernel descriptor in symbol table order.
func (f *File) Descriptors() ([]*KernelDescriptor, error) {
	var res []*KernelDescriptor
	for _, sym := range f.Object.Symbols() {
		if !IsKernelDescriptor(f.Object, sym) {
			continue
		}
		kd, err := f.decodeDescriptor(sym)
		if err != nil {
			return nil, err
		}
		res = append(res, kd)
	}
	return res, nil
}

// Descriptor returns the descriptor of the named kernel. A kernel without a
// descriptor symbol returns nil and no error.
func (f *File) Descriptor(kernel string) (*KernelDescriptor, error) {
	sym, ok := f.Object.SymbolByName(kernel + DescriptorSuffix)
	if !ok || !IsKernelDescriptor(f.Object, sym) {
		return nil, nil
	}
	return f.decodeDescriptor(sym)
}

func (f *File) decodeDescriptor(sym elfobj.Symbol) (*KernelDescriptor, error) {
	name := strings.TrimSuffix(f.Object.SymbolName(sym), DescriptorSuffix)
	off, _, ok := f.Object.SymbolFileOffset(sym)
	if !ok || off+kerneldesc.Size > uint64(len(f.Raw)) {
		return nil, fault.Violationf("kernel descriptor %s%s lies outside its section", name, DescriptorSuffix)
	}
	d, err := kerneldesc.Decode(f.Raw[off : off+kerneldesc.Size])
	if err != nil {
		return nil, fmt.Errorf("kernel %s: %w", name, err)
	}
	return &KernelDescriptor{Kernel: name, Symbol: sym, FileOffset: off, Descriptor: d}, nil
}

// writeDescriptor stores kd back into the image and into the parsed section.
func (f *File) writeDescriptor(kd *KernelDescriptor) {
	kd.Descriptor.EncodeTo(f.Raw[kd.FileOffset : kd.FileOffset+kerneldesc.Size])
	if data, ok := f.Object.SymbolData(kd.Symbol); ok {
		kd.Descriptor.EncodeTo(data)
	}
}

// NoteSection returns the note section holding the AMDGPU metadata note, or
// nil.
func (f *File) NoteSection() *elfobj.Section {
	for _, s := range f.Object.Sections {
		if s.Type != elf.SHT_NOTE {
			continue
		}
		notes, err := notemeta.ParseNotes(s.Data)
		if err != nil {
			continue
		}
		if notemeta.FindMetadata(notes) >= 0 {
			return s
		}
	}
	return nil
}

// Metadata decodes the metadata document.
func (f *File) Metadata() (*notemeta.Document, error) {
	s := f.NoteSection()
	if s == nil {
		return nil, fault.Violationf("no AMDGPU metadata note")
	}
	notes, err := notemeta.ParseNotes(s.Data)
	if err != nil {
		return nil, err
	}
	return notemeta.Decode(notes[notemeta.FindMetadata(notes)].Desc)
}
