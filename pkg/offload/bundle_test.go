package offload

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuinst/gpupatch/pkg/fault"
)

const (
	hostID   = "host-x86_64-unknown-linux-gnu-"
	gfx906ID = "hipv4-amdgcn-amd-amdhsa--gfx906"
	gfx908ID = "hipv4-amdgcn-amd-amdhsa--gfx908"
	gfx90aID = "hipv4-amdgcn-amd-amdhsa--gfx90a"
)

func fill(n int, b byte) []byte { return bytes.Repeat([]byte{b}, n) }

// threeTargets is a bundle with A at 4096 (100 bytes), B at 8192 (5000
// bytes) and C at 16384 (10 bytes).
func threeTargets() *Bundle {
	return New(
		Object{ID: gfx906ID, Payload: fill(100, 'A')},
		Object{ID: gfx908ID, Payload: fill(5000, 'B')},
		Object{ID: gfx90aID, Payload: fill(10, 'C')},
	)
}

func offsets(b *Bundle) []uint64 {
	var out []uint64
	for _, e := range b.Entries {
		out = append(out, e.Offset)
	}
	return out
}

func TestNewLayout(t *testing.T) {
	b := threeTargets()
	require.Equal(t, []uint64{4096, 8192, 16384}, offsets(b))
	require.NoError(t, b.Validate())
}

func TestParseRoundTrip(t *testing.T) {
	raw, err := threeTargets().Bytes()
	require.NoError(t, err)
	require.Equal(t, Magic, string(raw[:24]))
	require.Equal(t, uint64(3), binary.LittleEndian.Uint64(raw[24:]))
	require.Len(t, raw, 16384+10)

	b, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, b.Entries, 3)
	require.Equal(t, gfx908ID, b.Entries[1].ID)
	require.Equal(t, fill(5000, 'B'), b.Entries[1].Payload())
	require.Equal(t, []uint64{4096, 8192, 16384}, offsets(b))

	again, err := b.Bytes()
	require.NoError(t, err)
	require.Equal(t, raw, again)
}

func TestParseErrors(t *testing.T) {
	raw, err := threeTargets().Bytes()
	require.NoError(t, err)

	for _, tc := range []struct {
		name      string
		raw       []byte
		violation bool
	}{
		{"empty", nil, true},
		{"bad magic", append([]byte("__CLANG_OFFLOAD_BUNDLF__"), raw[24:]...), true},
		{"truncated count", raw[:28], false},
		{"truncated entry table", raw[:60], false},
		{"truncated payload", raw[:8192+100], false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.raw)
			require.Error(t, err)
			assert.Equal(t, tc.violation, fault.IsViolation(err), "%v", err)
		})
	}
}

func TestFindByArchSuffix(t *testing.T) {
	b := New(
		Object{ID: hostID},
		Object{ID: gfx908ID, Payload: []byte{1}},
		Object{ID: "hipv4-amdgcn-amd-amdhsa--gfx908", Payload: []byte{2}},
	)
	assert.Equal(t, 2, b.FindByArchSuffix("gfx908"), "last match wins")
	assert.Equal(t, 0, b.FindByArchSuffix("linux-gnu-"))
	assert.Equal(t, -1, b.FindByArchSuffix("gfx1030"))
}

func TestReplace(t *testing.T) {
	for _, tc := range []struct {
		name    string
		arch    string
		size    int
		offsets []uint64
	}{
		{"grow middle", "gfx908", 9000, []uint64{4096, 8192, 20480}},
		{"grow first cascades", "gfx906", 5000, []uint64{4096, 12288, 20480}},
		{"shrink keeps offsets", "gfx908", 10, []uint64{4096, 8192, 16384}},
		{"grow last", "gfx90a", 100000, []uint64{4096, 8192, 16384}},
		{"exact fit", "gfx906", 4096, []uint64{4096, 8192, 16384}},
		{"one byte over", "gfx906", 4097, []uint64{4096, 12288, 20480}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := threeTargets()
			payload := fill(tc.size, 'N')
			index, err := b.Replace(tc.arch, payload)
			require.NoError(t, err)
			require.Equal(t, tc.arch, b.Entries[index].ID[len(b.Entries[index].ID)-len(tc.arch):])
			require.Equal(t, tc.offsets, offsets(b))
			require.NoError(t, b.Validate())

			raw, err := b.Bytes()
			require.NoError(t, err)
			parsed, err := Parse(raw)
			require.NoError(t, err)
			require.Equal(t, tc.offsets, offsets(parsed))
			require.Equal(t, payload, parsed.Entries[index].Payload())
			for i, e := range parsed.Entries {
				if i != index {
					require.Equal(t, threeTargets().Entries[i].Payload(), e.Payload())
				}
			}
		})
	}

	_, err := threeTargets().Replace("gfx1100", nil)
	require.True(t, fault.IsViolation(err))
}

func TestWriteOffsetMismatch(t *testing.T) {
	b := threeTargets()
	b.Entries[2].Offset = 8192 + 100
	_, err := b.Bytes()
	require.True(t, fault.IsViolation(err))

	err = b.Validate()
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	// Overlap with B and misalignment.
	require.Len(t, merr.Errors, 2)
}

func TestValidateHeaderOverlap(t *testing.T) {
	b := threeTargets()
	b.Entries[0].Offset = 0
	require.True(t, fault.IsViolation(b.Validate()))
}

func compressed(t *testing.T, version, method uint16, bundle []byte) []byte {
	t.Helper()
	var stream bytes.Buffer
	switch method {
	case MethodZstd:
		enc, err := zstd.NewWriter(nil)
		require.NoError(t, err)
		stream.Write(enc.EncodeAll(bundle, nil))
		require.NoError(t, enc.Close())
	case MethodZlib:
		zw := zlib.NewWriter(&stream)
		_, err := zw.Write(bundle)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
	}

	var hdr bytes.Buffer
	hdr.WriteString(CompressedMagic)
	w := func(v any) { require.NoError(t, binary.Write(&hdr, binary.LittleEndian, v)) }
	w(version)
	w(method)
	switch version {
	case 1:
		w(uint32(len(bundle)))
	case 2:
		w(uint32(4 + 2 + 2 + 4 + 4 + 8 + stream.Len()))
		w(uint32(len(bundle)))
	case 3:
		w(uint64(4 + 2 + 2 + 8 + 8 + 8 + stream.Len()))
		w(uint64(len(bundle)))
	}
	w(uint64(0xfeedface))
	return append(hdr.Bytes(), stream.Bytes()...)
}

func TestLoadCompressed(t *testing.T) {
	raw, err := threeTargets().Bytes()
	require.NoError(t, err)

	for _, tc := range []struct {
		name            string
		version, method uint16
	}{
		{"v1 zlib", 1, MethodZlib},
		{"v2 zstd", 2, MethodZstd},
		{"v3 zstd", 3, MethodZstd},
		{"v3 zlib", 3, MethodZlib},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ccob := compressed(t, tc.version, tc.method, raw)
			require.True(t, IsCompressed(ccob))

			h, _, err := ParseCompressedHeader(ccob)
			require.NoError(t, err)
			require.Equal(t, tc.version, h.Version)
			require.Equal(t, uint64(len(raw)), h.UncompressedSize)
			require.Equal(t, uint64(0xfeedface), h.Hash)

			b, err := Load(ccob)
			require.NoError(t, err)
			require.Equal(t, fill(5000, 'B'), b.Entries[b.FindByArchSuffix("gfx908")].Payload())
		})
	}

	t.Run("plain", func(t *testing.T) {
		require.False(t, IsCompressed(raw))
		b, err := Load(raw)
		require.NoError(t, err)
		require.Len(t, b.Entries, 3)
	})

	t.Run("unknown method", func(t *testing.T) {
		ccob := compressed(t, 2, MethodZstd, raw)
		binary.LittleEndian.PutUint16(ccob[6:], 7)
		_, err := Decompress(ccob)
		require.Error(t, err)
	})

	t.Run("unknown version", func(t *testing.T) {
		ccob := compressed(t, 2, MethodZstd, raw)
		binary.LittleEndian.PutUint16(ccob[4:], 9)
		_, err := Decompress(ccob)
		require.Error(t, err)
	})
}
