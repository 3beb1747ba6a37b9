package notemeta

import (
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/gpuinst/gpupatch/pkg/fault"
)

const (
	// InstrumentationArgName names the argument that carries the
	// instrumentation buffer pointer.
	InstrumentationArgName = "dyninst_mem"
	// MaxSGPRCount is the SGPR count requested for patched kernels, the
	// gfx908 maximum.
	MaxSGPRCount = 102

	pointerSize = 8
)

func isHidden(arg *Map) bool {
	kind, _ := arg.String(".value_kind")
	return strings.HasPrefix(kind, "hidden")
}

// FirstHiddenArgument returns the index of the first argument whose value
// kind is hidden_*.
func FirstHiddenArgument(args []Map) (int, error) {
	for i := range args {
		if isHidden(&args[i]) {
			return i, nil
		}
	}
	return -1, fault.Violationf("kernel has no hidden arguments")
}

// InsertionIndex is the argument index at which the launch interceptor
// places the instrumentation pointer: the existing instrumentation argument
// of a patched kernel, or the first hidden argument otherwise.
func InsertionIndex(k *Kernel) (int, error) {
	if i := k.ArgIndex(InstrumentationArgName); i >= 0 {
		return i, nil
	}
	return FirstHiddenArgument(k.Args)
}

// checkHiddenTail verifies that the arguments from first on are all hidden
// and laid out at non-decreasing offsets.
func checkHiddenTail(k *Kernel, first int) error {
	var prev uint64
	for i := first; i < len(k.Args); i++ {
		arg := &k.Args[i]
		if !isHidden(arg) {
			name, _ := arg.String(".name")
			return fault.Violationf("kernel %s: argument %d (%s) follows a hidden argument", k.Name(), i, name)
		}
		off, err := arg.Uint(".offset")
		if err != nil {
			return fault.Violationf("kernel %s: argument %d: %v", k.Name(), i, err)
		}
		if off < prev {
			return fault.Violationf("kernel %s: hidden argument %d at offset %d precedes offset %d", k.Name(), i, off, prev)
		}
		prev = off
	}
	return nil
}

func instrumentationArg(offset uint64) Map {
	str := func(s string) msgpack.RawMessage {
		return encodeRaw(func(enc *msgpack.Encoder) error { return enc.EncodeString(s) })
	}
	boolean := func(b bool) msgpack.RawMessage {
		return encodeRaw(func(enc *msgpack.Encoder) error { return enc.EncodeBool(b) })
	}
	num := func(n uint64) msgpack.RawMessage {
		return encodeRaw(func(enc *msgpack.Encoder) error { return enc.EncodeUint(n) })
	}
	// Sorted, the way the compiler emits argument maps.
	return Map{Entries: []Entry{
		{".actual_access", str("read_write")},
		{".address_space", str("global")},
		{".is_const", boolean(true)},
		{".is_restrict", boolean(false)},
		{".is_volatile", boolean(false)},
		{".name", str(InstrumentationArgName)},
		{".offset", num(offset)},
		{".size", num(pointerSize)},
		{".value_kind", str("global_buffer")},
	}}
}

func alignUp(v, a uint64) uint64 { return (v + a - 1) / a * a }

// InsertInstrumentationArgument adds the instrumentation pointer argument in
// front of the kernel's hidden arguments. The pointer takes the first 8-byte
// aligned slot at or after the first hidden argument, every hidden argument
// moves up by the bytes consumed, and the kernarg segment grows by the same
// amount. A kernel that already has the argument is left as is and false is
// returned.
func InsertInstrumentationArgument(k *Kernel) (bool, error) {
	if k.ArgIndex(InstrumentationArgName) >= 0 {
		return false, nil
	}
	h, err := FirstHiddenArgument(k.Args)
	if err != nil {
		return false, fault.Violationf("kernel %s: no hidden arguments to insert before", k.Name())
	}
	if err := checkHiddenTail(k, h); err != nil {
		return false, err
	}
	segmentSize, err := k.KernargSegmentSize()
	if err != nil {
		return false, fault.Violationf("kernel %s: %v", k.Name(), err)
	}

	hiddenOff, _ := k.Args[h].Uint(".offset")
	off := alignUp(hiddenOff, pointerSize)
	span := off + pointerSize - hiddenOff
	for i := h; i < len(k.Args); i++ {
		o, _ := k.Args[i].Uint(".offset")
		k.Args[i].SetUint(".offset", o+span)
	}

	args := make([]Map, 0, len(k.Args)+1)
	args = append(args, k.Args[:h]...)
	args = append(args, instrumentationArg(off))
	args = append(args, k.Args[h:]...)
	k.Args = args

	k.SetUint(".kernarg_segment_size", segmentSize+span)
	k.SetUint(".sgpr_count", MaxSGPRCount)
	k.markModified()
	return true, nil
}

// PatchKernels inserts the instrumentation argument into every kernel of doc
// named in names. It returns the kernels it changed and the names that
// matched no kernel.
func PatchKernels(doc *Document, names []string) (changed, missing []string, err error) {
	for _, name := range names {
		k, ok := doc.Kernel(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		patched, err := InsertInstrumentationArgument(k)
		if err != nil {
			return nil, nil, err
		}
		if patched {
			changed = append(changed, name)
		}
	}
	return changed, missing, nil
}

// PatchNote decodes a metadata note, patches the named kernels and returns
// the re-encoded note. When nothing changed the input bytes are returned.
func PatchNote(raw []byte, names []string) (out []byte, changed, missing []string, err error) {
	note, _, err := ParseNote(raw)
	if err != nil {
		return nil, nil, nil, err
	}
	if !note.IsMetadata() {
		return nil, nil, nil, fault.Violationf("note %q type %d is not AMDGPU metadata", note.Name, note.Type)
	}
	doc, err := Decode(note.Desc)
	if err != nil {
		return nil, nil, nil, err
	}
	changed, missing, err = PatchKernels(doc, names)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(changed) == 0 {
		return raw, nil, missing, nil
	}
	note.Desc, err = doc.Encode()
	if err != nil {
		return nil, nil, nil, err
	}
	return note.Bytes(), changed, missing, nil
}
