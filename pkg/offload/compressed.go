package offload

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// CompressedMagic starts a compressed offload bundle.
const CompressedMagic = "CCOB"

// Compression methods of a compressed bundle header.
const (
	MethodZlib uint16 = 0
	MethodZstd uint16 = 1
)

// CompressedHeader is the header clang writes in front of a compressed
// bundle. Version 1 has no total size, version 2 stores 32-bit sizes and
// version 3 stores 64-bit sizes.
type CompressedHeader struct {
	Version          uint16
	Method           uint16
	TotalSize        uint64
	UncompressedSize uint64
	Hash             uint64
}

func IsCompressed(raw []byte) bool {
	return bytes.HasPrefix(raw, []byte(CompressedMagic))
}

// ParseCompressedHeader decodes the header and returns it with the offset of
// the compressed stream.
func ParseCompressedHeader(raw []byte) (CompressedHeader, int, error) {
	var h CompressedHeader
	if !IsCompressed(raw) {
		return h, 0, errors.New("not a compressed offload bundle")
	}
	r := &reader{buf: raw, off: len(CompressedMagic)}
	u16 := func(what string) uint16 {
		if b := r.bytes(2, what); b != nil {
			return le.Uint16(b)
		}
		return 0
	}
	u32 := func(what string) uint64 {
		if b := r.bytes(4, what); b != nil {
			return uint64(le.Uint32(b))
		}
		return 0
	}
	h.Version = u16("version")
	h.Method = u16("method")
	switch h.Version {
	case 1:
		h.UncompressedSize = u32("uncompressed size")
	case 2:
		h.TotalSize = u32("total size")
		h.UncompressedSize = u32("uncompressed size")
	case 3:
		h.TotalSize = r.u64("total size")
		h.UncompressedSize = r.u64("uncompressed size")
	default:
		if r.err == nil {
			return h, 0, errors.Errorf("unsupported compressed bundle version %d", h.Version)
		}
	}
	h.Hash = r.u64("hash")
	if r.err != nil {
		return h, 0, r.err
	}
	return h, r.off, nil
}

// Decompress inflates a compressed bundle. The content hash is not checked.
func Decompress(raw []byte) ([]byte, error) {
	h, off, err := ParseCompressedHeader(raw)
	if err != nil {
		return nil, err
	}
	end := len(raw)
	if h.TotalSize != 0 && h.TotalSize <= uint64(len(raw)) {
		end = int(h.TotalSize)
	}
	if end < off {
		return nil, errors.Errorf("compressed bundle total size %d is smaller than its header", end)
	}
	stream := raw[off:end]

	var out []byte
	switch h.Method {
	case MethodZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		out, err = dec.DecodeAll(stream, nil)
		if err != nil {
			return nil, errors.Wrap(err, "zstd")
		}
	case MethodZlib:
		zr, err := zlib.NewReader(bytes.NewReader(stream))
		if err != nil {
			return nil, errors.Wrap(err, "zlib")
		}
		defer zr.Close()
		out, err = io.ReadAll(zr)
		if err != nil {
			return nil, errors.Wrap(err, "zlib")
		}
	default:
		return nil, errors.Errorf("unsupported compression method %d", h.Method)
	}
	if uint64(len(out)) != h.UncompressedSize {
		return nil, errors.Errorf("decompressed %d bytes, header says %d", len(out), h.UncompressedSize)
	}
	return out, nil
}

// Load parses a bundle, decompressing it first when needed.
func Load(raw []byte) (*Bundle, error) {
	if IsCompressed(raw) {
		var err error
		if raw, err = Decompress(raw); err != nil {
			return nil, err
		}
	}
	return Parse(raw)
}
