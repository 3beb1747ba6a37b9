package elfobj

import (
	"bytes"
	"debug/elf"

	"github.com/samber/lo"

	"github.com/gpuinst/gpupatch/pkg/fault"
)

// noSection marks a section without a counterpart in the other object.
const noSection = -1

// CloneEngine copies sections from a source object into a new target and
// keeps the index correspondence between the two, so cross-references that
// are expressed as section indices can be re-resolved once the target's own
// section table has settled.
type CloneEngine struct {
	src, dst *Object

	srcToDst []int
	dstToSrc []int
}

// NewCloneEngine fails with fault.ErrUnsupportedInputKind unless the source
// object's type is one of kinds.
func NewCloneEngine(src *Object, kinds ...elf.Type) (*CloneEngine, error) {
	if !lo.Contains(kinds, src.Header.Type) {
		return nil, fault.Unsupportedf("object type %s, want one of %v", src.Header.Type, kinds)
	}
	dst := New(src.Header)
	c := &CloneEngine{
		src:      src,
		dst:      dst,
		srcToDst: make([]int, len(src.Sections)),
		dstToSrc: make([]int, len(dst.Sections)),
	}
	for i := range c.srcToDst {
		c.srcToDst[i] = noSection
	}
	for i := range c.dstToSrc {
		c.dstToSrc[i] = noSection
	}
	return c, nil
}

func (c *CloneEngine) Source() *Object { return c.src }
func (c *CloneEngine) Target() *Object { return c.dst }

// TargetIndex returns the target index of source section i, or -1.
func (c *CloneEngine) TargetIndex(i int) int {
	if i < 0 || i >= len(c.srcToDst) {
		return noSection
	}
	return c.srcToDst[i]
}

// SourceIndex returns the source index of target section i, or -1.
func (c *CloneEngine) SourceIndex(i int) int {
	if i < 0 || i >= len(c.dstToSrc) {
		return noSection
	}
	return c.dstToSrc[i]
}

// shouldClone drops the null section and the section header string table;
// the target has its own of both.
func shouldClone(s *Section) bool {
	if s.Type == elf.SHT_NULL {
		return false
	}
	return !(s.Type == elf.SHT_STRTAB && s.Name == sectionHeaderStrTable)
}

// CloneSections appends a verbatim copy of every cloneable source section to
// the target. Link fields still hold source indices afterwards.
func (c *CloneEngine) CloneSections() {
	for _, s := range c.src.Sections {
		if !shouldClone(s) {
			continue
		}
		t := c.dst.AddSection(s.Name)
		t.Type = s.Type
		t.Flags = s.Flags
		t.Link = s.Link
		t.Info = s.Info
		t.Addr = s.Addr
		t.Addralign = s.Addralign
		t.Entsize = s.Entsize
		t.Size = s.Size
		t.Data = bytes.Clone(s.Data)

		c.srcToDst[s.index] = t.index
		c.dstToSrc = append(c.dstToSrc, s.index)
	}
}

// CloneSegments copies every source segment and maps the target's sections
// into them by address.
func (c *CloneEngine) CloneSegments() {
	for _, p := range c.src.Segments {
		c.dst.AddSegment(Segment{
			Type:   p.Type,
			Flags:  p.Flags,
			Off:    p.Off,
			Vaddr:  p.Vaddr,
			Paddr:  p.Paddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  p.Align,
		})
	}
	c.dst.MapSections()
}

// CorrectSectionLinks rewrites every cloned section's link to the target index
// of the section its source linked to. Links to sections that were not cloned
// keep their copied value.
func (c *CloneEngine) CorrectSectionLinks() error {
	return c.correct("link", func(s *Section) *uint32 { return &s.Link })
}

// CorrectSectionInfoForRelocationSections does the same for the info field of
// REL and RELA sections, which names the section the relocations apply to.
func (c *CloneEngine) CorrectSectionInfoForRelocationSections() error {
	return c.correct("info", func(s *Section) *uint32 {
		if s.Type != elf.SHT_REL && s.Type != elf.SHT_RELA {
			return nil
		}
		return &s.Info
	})
}

func (c *CloneEngine) correct(what string, ref func(*Section) *uint32) error {
	for ti, t := range c.dst.Sections {
		si := c.dstToSrc[ti]
		if si == noSection {
			continue
		}
		srcRef := ref(c.src.Sections[si])
		if srcRef == nil {
			continue
		}
		idx := int(*srcRef)
		if idx >= len(c.src.Sections) {
			return fault.Violationf("section %q: %s %d is outside the section table (%d sections)", t.Name, what, idx, len(c.src.Sections))
		}
		if mapped := c.srcToDst[idx]; mapped != noSection {
			*ref(t) = uint32(mapped)
		}
	}
	return nil
}

// CorrectSectionIndexForSymbols rewrites the section index of every symbol in
// the target's symbol table. Reserved indices and symbols owned by sections
// that were not cloned are left as they are.
func (c *CloneEngine) CorrectSectionIndexForSymbols() error {
	if c.src.SymbolTableSection() == nil {
		return nil
	}
	if c.dst.SymbolTableSection() == nil {
		return fault.Violationf("target object has no symbol table")
	}
	for i, n := 0, c.dst.SymbolCount(); i < n; i++ {
		sym, _ := c.dst.SymbolByIndex(i)
		if sym.Shndx == uint16(elf.SHN_UNDEF) || sym.Shndx >= uint16(elf.SHN_LORESERVE) {
			continue
		}
		if int(sym.Shndx) >= len(c.src.Sections) {
			return fault.Violationf("symbol %d: section index %d is outside the section table", i, sym.Shndx)
		}
		if mapped := c.srcToDst[sym.Shndx]; mapped != noSection {
			c.dst.setSymbolSection(i, uint16(mapped))
		}
	}
	return nil
}

// Clone runs the full section clone with every index correction.
func (c *CloneEngine) Clone() (*Object, error) {
	c.CloneSections()
	if err := c.CorrectSectionLinks(); err != nil {
		return nil, err
	}
	if err := c.CorrectSectionInfoForRelocationSections(); err != nil {
		return nil, err
	}
	if err := c.CorrectSectionIndexForSymbols(); err != nil {
		return nil, err
	}
	return c.dst, nil
}

// CloneRelocatable clones a relocatable object. Any other object type is
// rejected with fault.ErrUnsupportedInputKind.
func CloneRelocatable(src *Object) (*Object, error) {
	c, err := NewCloneEngine(src, elf.ET_REL)
	if err != nil {
		return nil, err
	}
	return c.Clone()
}
