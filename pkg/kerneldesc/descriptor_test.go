package kerneldesc

import (
	"encoding/binary"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuinst/gpupatch/pkg/fault"
)

// gfx908Descriptor returns the descriptor image of a small gfx908 kernel
// that uses the private segment buffer and the kernarg segment pointer.
func gfx908Descriptor() []byte {
	raw := make([]byte, Size)
	binary.LittleEndian.PutUint32(raw[0:], 0x100)
	binary.LittleEndian.PutUint32(raw[8:], 0x118)
	binary.LittleEndian.PutUint64(raw[16:], 0xfc0)
	binary.LittleEndian.PutUint32(raw[48:], 0x00af0081)
	binary.LittleEndian.PutUint32(raw[52:], 0x0000008c)
	binary.LittleEndian.PutUint16(raw[56:], 0x0009)
	return raw
}

func TestDecode(t *testing.T) {
	d, err := Decode(gfx908Descriptor())
	require.NoError(t, err)

	assert.Equal(t, uint32(0x100), d.GroupSegmentFixedSize)
	assert.Equal(t, uint32(0), d.PrivateSegmentFixedSize)
	assert.Equal(t, uint32(0x118), d.KernargSize)
	assert.Equal(t, int64(0xfc0), d.KernelCodeEntryByteOffset)
	assert.Equal(t, uint32(0x00af0081), d.Rsrc1())
	assert.Equal(t, uint32(0x8c), d.Rsrc2())
	assert.Equal(t, uint32(0), d.Rsrc3())
	assert.Equal(t, uint16(0x9), d.Properties())

	for _, tc := range []struct {
		field Field
		want  uint32
	}{
		{GranulatedWorkitemVGPRCount, 1},
		{GranulatedWavefrontSGPRCount, 2},
		{FloatDenormMode32, 3},
		{FloatDenormMode1664, 3},
		{EnableDX10Clamp, 1},
		{EnableIEEEMode, 1},
		{Priv, 0},
		{EnablePrivateSegment, 0},
		{UserSGPRCount, 6},
		{EnableSGPRWorkgroupIDX, 1},
		{EnableSGPRWorkgroupIDY, 0},
		{EnableSGPRPrivateSegmentBuffer, 1},
		{EnableSGPRKernargSegmentPtr, 1},
		{EnableSGPRDispatchPtr, 0},
	} {
		t.Run(tc.field.Name, func(t *testing.T) {
			assert.Equal(t, tc.want, d.Get(tc.field))
		})
	}
	assert.Equal(t, uint32(4), d.KernargPointerRegister())
}

func TestEncodeRoundTrip(t *testing.T) {
	raw := gfx908Descriptor()
	d, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, raw, d.Encode())

	// In place, inside a larger buffer.
	buf := make([]byte, 3*Size)
	for i := range buf {
		buf[i] = 0xff
	}
	d.EncodeTo(buf[Size:])
	require.Equal(t, raw, buf[Size:2*Size])
	require.Equal(t, byte(0xff), buf[Size-1])
	require.Equal(t, byte(0xff), buf[2*Size])
}

func TestDecodeViolations(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  func() []byte
	}{
		{"short", func() []byte { return gfx908Descriptor()[:63] }},
		{"long", func() []byte { return append(gfx908Descriptor(), 0) }},
		{"reserved0", func() []byte { r := gfx908Descriptor(); r[13] = 1; return r }},
		{"reserved1", func() []byte { r := gfx908Descriptor(); r[43] = 1; return r }},
		{"reserved2", func() []byte { r := gfx908Descriptor(); r[58] = 1; return r }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.raw())
			require.Error(t, err)
			require.True(t, fault.IsViolation(err))
		})
	}
}

func TestSetEveryField(t *testing.T) {
	for _, f := range append(append([]Field(nil), CommonFields...), LayoutFor(GFX90A).Rsrc3...) {
		t.Run(f.Word.String()+"."+f.Name, func(t *testing.T) {
			d, err := Decode(gfx908Descriptor())
			require.NoError(t, err)
			before := d.Word(f.Word)

			require.NoError(t, d.Set(f, f.Max()))
			assert.Equal(t, f.Max(), d.Get(f))
			// Bits outside the field are untouched.
			assert.Equal(t, before&^f.Mask(), d.Word(f.Word)&^f.Mask())

			require.NoError(t, d.Set(f, 0))
			assert.Equal(t, uint32(0), d.Get(f))

			redecoded, err := Decode(d.Encode())
			require.NoError(t, err)
			assert.Equal(t, d, redecoded)
		})
	}
}

func TestSetOverflow(t *testing.T) {
	d, err := Decode(gfx908Descriptor())
	require.NoError(t, err)
	rsrc1 := d.Rsrc1()

	require.Error(t, d.Set(GranulatedWavefrontSGPRCount, 16))
	require.Error(t, d.Set(EnableDX10Clamp, 2))
	// A failed set never truncates.
	require.Equal(t, rsrc1, d.Rsrc1())

	require.Error(t, d.SetWord(KernelCodeProperties, 0x10000))
	require.NoError(t, d.SetWord(KernelCodeProperties, 0xffff))
	require.NoError(t, d.SetWord(Rsrc1, 0xffffffff))
}

func TestKernargPointerRegister(t *testing.T) {
	for _, tc := range []struct {
		name                    string
		buffer, dispatch, queue uint32
		want                    uint32
	}{
		{"none", 0, 0, 0, 0},
		{"private segment buffer", 1, 0, 0, 4},
		{"dispatch ptr", 0, 1, 0, 2},
		{"all", 1, 1, 1, 8},
		{"dispatch and queue", 0, 1, 1, 4},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := &Descriptor{}
			require.NoError(t, d.Set(EnableSGPRPrivateSegmentBuffer, tc.buffer))
			require.NoError(t, d.Set(EnableSGPRDispatchPtr, tc.dispatch))
			require.NoError(t, d.Set(EnableSGPRQueuePtr, tc.queue))
			require.Equal(t, tc.want, d.KernargPointerRegister())
		})
	}
}

func TestReserveSGPRs(t *testing.T) {
	require.Equal(t, uint32(14), SGPRGranule(102))

	d, err := Decode(gfx908Descriptor())
	require.NoError(t, err)
	changed, err := d.ReserveSGPRs(102)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, uint32(14), d.Get(GranulatedWavefrontSGPRCount))

	changed, err = d.ReserveSGPRs(102)
	require.NoError(t, err)
	require.False(t, changed)

	// Never lowered.
	require.NoError(t, d.Set(GranulatedWavefrontSGPRCount, 15))
	changed, err = d.ReserveSGPRs(102)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, uint32(15), d.Get(GranulatedWavefrontSGPRCount))
}

func TestValidate(t *testing.T) {
	d, err := Decode(gfx908Descriptor())
	require.NoError(t, err)
	for _, f := range []Family{GFX9, GFX90A, GFX10, GFX11} {
		require.NoError(t, d.Validate(f), f.String())
	}

	require.NoError(t, d.Set(Priv, 1))
	require.NoError(t, d.SetWord(Rsrc3, 0x1))
	require.NoError(t, d.Set(EnableWavefrontSize32, 1))

	err = d.Validate(GFX9)
	require.True(t, fault.IsViolation(err))
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	require.Len(t, merr.Errors, 3)

	// ACCUM_OFFSET and wave32 are legal elsewhere, PRIV never is.
	err = d.Validate(GFX10)
	require.ErrorAs(t, err, &merr)
	require.Len(t, merr.Errors, 1)
	require.Contains(t, err.Error(), "PRIV")

	require.NoError(t, d.Set(GFX11InstPrefSize, 3))
	require.NoError(t, d.Set(Priv, 0))
	require.Error(t, d.Validate(GFX10))
	require.NoError(t, d.Validate(GFX11))
}

func TestParseTarget(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Family
		err  bool
	}{
		{"gfx908", GFX9, false},
		{"gfx906", GFX9, false},
		{"gfx90a", GFX90A, false},
		{"gfx942", GFX90A, false},
		{"gfx1030", GFX10, false},
		{"gfx1100", GFX11, false},
		{"hipv4-amdgcn-amd-amdhsa--gfx908", GFX9, false},
		{"hipv4-amdgcn-amd-amdhsa--gfx90a:xnack+", GFX90A, false},
		{"gfx803", 0, true},
		{"sm_80", 0, true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseTarget(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	name, ok := TargetFromFlags(0x530)
	require.True(t, ok)
	require.Equal(t, "gfx908", name)
	_, ok = TargetFromFlags(0x01)
	require.False(t, ok)
}

func TestLayoutFields(t *testing.T) {
	fields := LayoutFor(GFX90A).Fields()
	require.Len(t, fields, len(CommonFields)+4)
	// Words come out in order, RSRC3 between RSRC2 and the properties.
	last := Rsrc1
	for _, f := range fields {
		require.GreaterOrEqual(t, f.Word, last, f.Name)
		last = f.Word
	}
}
