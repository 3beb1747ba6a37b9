package codeobject

import (
	"debug/elf"

	"github.com/gpuinst/gpupatch/pkg/elfobj"
	"github.com/gpuinst/gpupatch/pkg/fault"
	"github.com/gpuinst/gpupatch/pkg/notemeta"
)

// UpdateKernelDescriptors prepares the descriptors of the named kernels for
// the instrumentation argument. The SGPR allocation is raised to the gfx908
// maximum the instrumented code may use, and the kernarg size is taken from
// the metadata note when it describes the kernel. It returns the kernels it
// changed and the names without a descriptor.
func (f *File) UpdateKernelDescriptors(names []string) (updated, missing []string, err error) {
	var doc *notemeta.Document
	if f.NoteSection() != nil {
		if doc, err = f.Metadata(); err != nil {
			return nil, nil, err
		}
	}
	for _, name := range names {
		kd, err := f.Descriptor(name)
		if err != nil {
			return nil, nil, err
		}
		if kd == nil {
			missing = append(missing, name)
			continue
		}
		changed, err := kd.Descriptor.ReserveSGPRs(notemeta.MaxSGPRCount)
		if err != nil {
			return nil, nil, err
		}
		if doc != nil {
			if k, ok := doc.Kernel(name); ok {
				size, err := k.KernargSegmentSize()
				if err != nil {
					return nil, nil, fault.Violationf("kernel %s: %v", name, err)
				}
				if size > 0xffffffff {
					return nil, nil, fault.Violationf("kernel %s: kernarg segment size %d does not fit the descriptor", name, size)
				}
				if kd.Descriptor.KernargSize != uint32(size) {
					kd.Descriptor.KernargSize = uint32(size)
					changed = true
				}
			}
		}
		if changed {
			f.writeDescriptor(kd)
			updated = append(updated, name)
		}
	}
	return updated, missing, nil
}

// PatchNote inserts the instrumentation argument into the named kernels'
// metadata and writes the note back over the original section. The patched
// notes must fit the section. The remainder of the section is zeroed.
func (f *File) PatchNote(names []string) (changed, missing []string, err error) {
	s := f.NoteSection()
	if s == nil {
		return nil, nil, fault.Violationf("no AMDGPU metadata note")
	}
	notes, err := notemeta.ParseNotes(s.Data)
	if err != nil {
		return nil, nil, err
	}
	i := notemeta.FindMetadata(notes)
	out, changed, missing, err := notemeta.PatchNote(notes[i].Bytes(), names)
	if err != nil {
		return nil, nil, err
	}
	if len(changed) == 0 {
		return nil, missing, nil
	}
	if notes[i], _, err = notemeta.ParseNote(out); err != nil {
		return nil, nil, err
	}

	encoded := notemeta.EncodeNotes(notes)
	if len(encoded) > len(s.Data) {
		return nil, nil, fault.Violationf("patched notes need %d bytes, section %s has %d", len(encoded), s.Name, len(s.Data))
	}
	if s.Offset+uint64(len(s.Data)) > uint64(len(f.Raw)) {
		return nil, nil, fault.Violationf("section %s lies outside the file", s.Name)
	}
	data := make([]byte, len(s.Data))
	copy(data, encoded)
	copy(f.Raw[s.Offset:], data)
	s.Data = data
	return changed, missing, nil
}

// UpdateNotePhdr moves the .note section to the address of the PT_NOTE
// segment and sizes the segment to the section. It is used after the note
// section was replaced with a larger one.
func UpdateNotePhdr(o *elfobj.Object) error {
	s := o.Section(".note")
	if s == nil {
		s = o.SectionByType(elf.SHT_NOTE)
	}
	if s == nil {
		return fault.Violationf("no note section")
	}
	p := o.SegmentByType(elf.PT_NOTE)
	if p == nil {
		return fault.Violationf("no PT_NOTE segment")
	}
	s.Addr = p.Vaddr
	p.Filesz = s.Size
	p.Memsz = s.Size
	o.MapSections()
	return nil
}
