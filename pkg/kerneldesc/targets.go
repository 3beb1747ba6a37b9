package kerneldesc

import (
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/gpuinst/gpupatch/pkg/fault"
)

// Family groups the GPU targets that share a descriptor layout.
type Family int

const (
	GFX9 Family = iota
	GFX90A
	GFX10
	GFX11
)

func (f Family) String() string {
	switch f {
	case GFX9:
		return "gfx9"
	case GFX90A:
		return "gfx90a"
	case GFX10:
		return "gfx10"
	case GFX11:
		return "gfx11"
	}
	return "unknown"
}

// ParseTarget maps a processor name such as "gfx908" or an offload target
// triple ending in one to its family.
func ParseTarget(name string) (Family, error) {
	if j := strings.IndexByte(name, ':'); j >= 0 {
		name = name[:j]
	}
	if i := strings.LastIndexByte(name, '-'); i >= 0 {
		name = name[i+1:]
	}
	switch {
	case name == "gfx90a", strings.HasPrefix(name, "gfx94"), strings.HasPrefix(name, "gfx95"):
		return GFX90A, nil
	case strings.HasPrefix(name, "gfx9"):
		return GFX9, nil
	case strings.HasPrefix(name, "gfx10"):
		return GFX10, nil
	case strings.HasPrefix(name, "gfx11"):
		return GFX11, nil
	}
	return 0, errors.Errorf("unsupported target %q", name)
}

// EF_AMDGPU_MACH values of the targets we know how to describe.
var machTargets = map[uint32]string{
	0x2c: "gfx900",
	0x2f: "gfx906",
	0x30: "gfx908",
	0x36: "gfx1030",
	0x3f: "gfx90a",
	0x40: "gfx940",
	0x41: "gfx1100",
	0x4c: "gfx942",
}

// TargetFromFlags decodes the processor name from an AMDGPU e_flags value.
func TargetFromFlags(eflags uint32) (string, bool) {
	name, ok := machTargets[eflags&0xff]
	return name, ok
}

// Layout describes the target-specific view of a descriptor.
type Layout struct {
	Family Family
	// Rsrc3 lists the sub-fields of COMPUTE_PGM_RSRC3.
	Rsrc3 []Field
	// Reserved lists the sub-fields that must be zero.
	Reserved []Field
}

// Fields returns every sub-field for the layout in word and bit order.
func (l Layout) Fields() []Field {
	out := make([]Field, 0, len(CommonFields)+len(l.Rsrc3))
	for _, f := range CommonFields {
		if f.Word == KernelCodeProperties {
			break
		}
		out = append(out, f)
	}
	out = append(out, l.Rsrc3...)
	for _, f := range CommonFields {
		if f.Word == KernelCodeProperties {
			out = append(out, f)
		}
	}
	return out
}

// Bits the command processor fills in at dispatch; compilers leave them zero.
var cpOwned = []Field{
	Priority, Priv, DebugMode, Bulky, CdbgUser, Rsrc1Reserved0,
	EnableTrapHandler, EnableExceptionAddressWatch, EnableExceptionMemory,
	GranulatedLDSSize, Rsrc2Reserved0,
	PropertiesReserved0, PropertiesReserved1,
}

func reserved(extra ...Field) []Field {
	return append(append([]Field(nil), cpOwned...), extra...)
}

var layouts = map[Family]Layout{
	GFX9: {
		Family:   GFX9,
		Rsrc3:    []Field{GFX9Rsrc3},
		Reserved: reserved(WGPMode, MemOrdered, FwdProgress, EnableWavefrontSize32, GFX9Rsrc3),
	},
	GFX90A: {
		Family:   GFX90A,
		Rsrc3:    []Field{GFX90AAccumOffset, GFX90AReserved0, GFX90ATgSplit, GFX90AReserved1},
		Reserved: reserved(WGPMode, MemOrdered, FwdProgress, EnableWavefrontSize32, GFX90AReserved0, GFX90AReserved1),
	},
	GFX10: {
		Family:   GFX10,
		Rsrc3:    []Field{GFX10SharedVGPRCount, GFX11InstPrefSize, GFX11TrapOnStart, GFX11TrapOnEnd, GFX10Reserved, GFX10ImageOp},
		Reserved: reserved(GFX11InstPrefSize, GFX11TrapOnStart, GFX11TrapOnEnd, GFX10Reserved),
	},
	GFX11: {
		Family:   GFX11,
		Rsrc3:    []Field{GFX10SharedVGPRCount, GFX11InstPrefSize, GFX11TrapOnStart, GFX11TrapOnEnd, GFX10Reserved, GFX10ImageOp},
		Reserved: reserved(GFX10Reserved),
	},
}

func LayoutFor(f Family) Layout {
	return layouts[f]
}

// Validate checks the reserved sub-fields of the target family and reports
// every non-zero one.
func (d *Descriptor) Validate(f Family) error {
	l, ok := layouts[f]
	if !ok {
		return fault.Unsupportedf("no descriptor layout for family %d", f)
	}
	var result *multierror.Error
	for _, rf := range l.Reserved {
		if v := d.Get(rf); v != 0 {
			result = multierror.Append(result, fault.Violationf("%s: %s.%s is %#x, must be 0", f, rf.Word, rf.Name, v))
		}
	}
	return result.ErrorOrNil()
}
