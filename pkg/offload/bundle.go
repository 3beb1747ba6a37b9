// Package offload reads and rewrites clang offload bundles, the
// multi-target containers that HIP executables embed in .hip_fatbin.
package offload

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/gpuinst/gpupatch/pkg/fault"
)

const (
	Magic = "__CLANG_OFFLOAD_BUNDLE__"
	// Alignment of every code object inside a bundle, relative to its start.
	Alignment = 4096
)

var le = binary.LittleEndian

// Entry is one code object of a bundle.
type Entry struct {
	// ID is the offload target triple, e.g. hipv4-amdgcn-amd-amdhsa--gfx908.
	ID     string
	Offset uint64
	Size   uint64

	payload []byte
}

// Payload returns the entry's code object. After Parse it aliases the parsed
// buffer.
func (e *Entry) Payload() []byte { return e.payload }

type Bundle struct {
	Entries []*Entry
}

// Object is a code object to place in a new bundle.
type Object struct {
	ID      string
	Payload []byte
}

// New lays the objects out the way the bundler does: the header first, then
// every payload at the next aligned offset.
func New(objects ...Object) *Bundle {
	b := &Bundle{}
	for _, o := range objects {
		b.Entries = append(b.Entries, &Entry{ID: o.ID, Size: uint64(len(o.Payload)), payload: o.Payload})
	}
	cursor := b.headerSize()
	for _, e := range b.Entries {
		e.Offset = alignUp(cursor, Alignment)
		cursor = e.Offset + e.Size
	}
	return b
}

// Parse decodes an uncompressed bundle.
func Parse(raw []byte) (*Bundle, error) {
	if len(raw) < len(Magic) || string(raw[:len(Magic)]) != Magic {
		return nil, fault.Violationf("not a clang offload bundle: bad magic")
	}
	r := &reader{buf: raw, off: len(Magic)}
	count := r.u64("entry count")
	if r.err == nil && count > uint64(len(raw)) {
		return nil, errors.Errorf("implausible entry count %d", count)
	}
	b := &Bundle{Entries: make([]*Entry, 0, count)}
	for i := uint64(0); i < count && r.err == nil; i++ {
		e := &Entry{}
		e.Offset = r.u64("entry offset")
		e.Size = r.u64("entry size")
		idLen := r.u64("id length")
		e.ID = string(r.bytes(idLen, "id"))
		if r.err != nil {
			break
		}
		end := e.Offset + e.Size
		if end < e.Offset || end > uint64(len(raw)) {
			return nil, errors.Errorf("entry %d (%s): payload [%#x, %#x) is outside the %d byte bundle", i, e.ID, e.Offset, end, len(raw))
		}
		e.payload = raw[e.Offset:end]
		b.Entries = append(b.Entries, e)
	}
	if r.err != nil {
		return nil, r.err
	}
	return b, nil
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) bytes(n uint64, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)-r.off) {
		r.err = errors.Errorf("truncated bundle reading %s at %#x", what, r.off)
		return nil
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b
}

func (r *reader) u64(what string) uint64 {
	b := r.bytes(8, what)
	if b == nil {
		return 0
	}
	return le.Uint64(b)
}

// FindByArchSuffix returns the index of the last entry whose id ends with
// arch, or -1.
func (b *Bundle) FindByArchSuffix(arch string) int {
	index := -1
	for i, e := range b.Entries {
		if strings.HasSuffix(e.ID, arch) {
			index = i
		}
	}
	return index
}

func alignUp(v, a uint64) uint64 {
	if a <= 1 {
		return v
	}
	if r := v % a; r != 0 {
		return v + a - r
	}
	return v
}

// Replace swaps the code object of the arch entry for payload. Entries
// after it that would overlap are moved to the next aligned offset past
// their predecessor. Entries before it keep their offsets.
func (b *Bundle) Replace(arch string, payload []byte) (int, error) {
	index := b.FindByArchSuffix(arch)
	if index < 0 {
		return -1, fault.Violationf("bundle has no %s entry", arch)
	}
	e := b.Entries[index]
	e.Size = uint64(len(payload))
	e.payload = payload
	for i := index + 1; i < len(b.Entries); i++ {
		prev, cur := b.Entries[i-1], b.Entries[i]
		if end := prev.Offset + prev.Size; end > cur.Offset {
			cur.Offset = alignUp(end, Alignment)
		}
	}
	return index, nil
}

func (b *Bundle) headerSize() uint64 {
	n := uint64(len(Magic) + 8)
	for _, e := range b.Entries {
		n += 24 + uint64(len(e.ID))
	}
	return n
}

// Validate reports every entry that overlaps the header or another entry,
// or that is not aligned.
func (b *Bundle) Validate() error {
	var result *multierror.Error
	hdr := b.headerSize()
	for i, e := range b.Entries {
		if e.Size == 0 {
			continue
		}
		if e.Offset < hdr {
			result = multierror.Append(result, fault.Violationf("entry %d (%s) at %#x overlaps the %d byte header", i, e.ID, e.Offset, hdr))
		}
		if e.Offset%Alignment != 0 {
			result = multierror.Append(result, fault.Violationf("entry %d (%s) at %#x is not %d-byte aligned", i, e.ID, e.Offset, Alignment))
		}
		for j := i + 1; j < len(b.Entries); j++ {
			o := b.Entries[j]
			if o.Size == 0 {
				continue
			}
			if e.Offset < o.Offset+o.Size && o.Offset < e.Offset+e.Size {
				result = multierror.Append(result, fault.Violationf("entries %d (%s) and %d (%s) overlap", i, e.ID, j, o.ID))
			}
		}
	}
	return result.ErrorOrNil()
}

// WriteTo serializes the bundle. Every payload is preceded by the zero
// padding that brings the stream to its declared offset.
func (b *Bundle) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	cw.write([]byte(Magic))
	cw.u64(uint64(len(b.Entries)))
	for _, e := range b.Entries {
		cw.u64(e.Offset)
		cw.u64(e.Size)
		cw.u64(uint64(len(e.ID)))
		cw.write([]byte(e.ID))
	}
	for i, e := range b.Entries {
		if cw.err != nil {
			break
		}
		if uint64(cw.n) > e.Offset {
			return cw.n, fault.Violationf("entry %d (%s): stream is at %#x past its offset %#x", i, e.ID, cw.n, e.Offset)
		}
		cw.write(make([]byte, e.Offset-uint64(cw.n)))
		if uint64(len(e.payload)) != e.Size {
			return cw.n, fault.Violationf("entry %d (%s): payload is %d bytes, size says %d", i, e.ID, len(e.payload), e.Size)
		}
		cw.write(e.payload)
	}
	return cw.n, cw.err
}

// Bytes returns the serialized bundle.
func (b *Bundle) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) write(p []byte) {
	if c.err != nil {
		return
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
}

func (c *countingWriter) u64(v uint64) {
	var b [8]byte
	le.PutUint64(b[:], v)
	c.write(b[:])
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s [%#x, +%d)", e.ID, e.Offset, e.Size)
}
