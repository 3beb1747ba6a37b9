// Package notetest builds AMDGPU metadata notes for tests.
package notetest

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/gpuinst/gpupatch/pkg/notemeta"
)

type Arg struct {
	Name      string
	Offset    uint64
	Size      uint64
	ValueKind string
}

type Kernel struct {
	Name               string
	KernargSegmentSize uint64
	SGPRCount          uint64
	Args               []Arg
}

// Vector returns a kernel with three pointer arguments followed by the usual
// hidden block, the layout clang emits for a simple c = a + b kernel.
func Vector(name string) Kernel {
	return Kernel{
		Name:               name,
		KernargSegmentSize: 80,
		SGPRCount:          16,
		Args: []Arg{
			{Name: "a", Offset: 0, Size: 8, ValueKind: "global_buffer"},
			{Name: "b", Offset: 8, Size: 8, ValueKind: "global_buffer"},
			{Name: "c", Offset: 16, Size: 8, ValueKind: "global_buffer"},
			{Offset: 24, Size: 8, ValueKind: "hidden_global_offset_x"},
			{Offset: 32, Size: 8, ValueKind: "hidden_global_offset_y"},
			{Offset: 40, Size: 8, ValueKind: "hidden_global_offset_z"},
			{Offset: 48, Size: 8, ValueKind: "hidden_none"},
			{Offset: 56, Size: 8, ValueKind: "hidden_none"},
			{Offset: 64, Size: 8, ValueKind: "hidden_none"},
			{Offset: 72, Size: 8, ValueKind: "hidden_multigrid_sync_arg"},
		},
	}
}

func (k Kernel) value() map[string]interface{} {
	args := make([]interface{}, 0, len(k.Args))
	for _, a := range k.Args {
		m := map[string]interface{}{
			".offset":     a.Offset,
			".size":       a.Size,
			".value_kind": a.ValueKind,
		}
		if a.Name != "" {
			m[".name"] = a.Name
			m[".address_space"] = "global"
			m[".actual_access"] = "read_only"
		}
		args = append(args, m)
	}
	return map[string]interface{}{
		".name":                       k.Name,
		".symbol":                     k.Name + ".kd",
		".args":                       args,
		".kernarg_segment_size":       k.KernargSegmentSize,
		".kernarg_segment_align":      8,
		".group_segment_fixed_size":   0,
		".private_segment_fixed_size": 0,
		".sgpr_count":                 k.SGPRCount,
		".vgpr_count":                 4,
		".wavefront_size":             64,
		".max_flat_workgroup_size":    1024,
	}
}

// Document encodes a metadata document with sorted keys.
func Document(kernels ...Kernel) []byte {
	ks := make([]interface{}, 0, len(kernels))
	for _, k := range kernels {
		ks = append(ks, k.value())
	}
	var b bytes.Buffer
	enc := msgpack.NewEncoder(&b)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(map[string]interface{}{
		"amdhsa.version": []interface{}{1, 2},
		"amdhsa.target":  "amdgcn-amd-amdhsa--gfx908",
		"amdhsa.kernels": ks,
	}); err != nil {
		panic(err)
	}
	return b.Bytes()
}

// Note wraps Document in an NT_AMDGPU_METADATA note record.
func Note(kernels ...Kernel) []byte {
	n := &notemeta.Note{Name: notemeta.NoteName, Type: notemeta.TypeMetadata, Desc: Document(kernels...)}
	return n.Bytes()
}
