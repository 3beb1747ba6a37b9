// Package kerneldesc decodes and encodes the 64-byte AMDHSA kernel
// descriptor and gives typed access to the bit-fields of its packed words.
package kerneldesc

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/gpuinst/gpupatch/pkg/fault"
)

// Size is the size of a kernel descriptor in bytes.
const Size = 64

// Byte offsets of the descriptor fields.
const (
	offGroupSegmentFixedSize   = 0
	offPrivateSegmentFixedSize = 4
	offKernargSize             = 8
	offReserved0               = 12
	offKernelCodeEntryOffset   = 16
	offReserved1               = 24
	offRsrc3                   = 44
	offRsrc1                   = 48
	offRsrc2                   = 52
	offKernelCodeProperties    = 56
	offReserved2               = 58
)

var reservedSpans = []struct {
	name     string
	off, len int
}{
	{"reserved0", offReserved0, 4},
	{"reserved1", offReserved1, 20},
	{"reserved2", offReserved2, 6},
}

var le = binary.LittleEndian

// Descriptor is a decoded kernel descriptor. The reserved byte ranges are
// always zero and are not represented.
type Descriptor struct {
	GroupSegmentFixedSize     uint32
	PrivateSegmentFixedSize   uint32
	KernargSize               uint32
	KernelCodeEntryByteOffset int64

	words [4]uint32
}

// Decode parses a kernel descriptor. Non-zero reserved bytes are a format
// violation.
func Decode(raw []byte) (*Descriptor, error) {
	if len(raw) != Size {
		return nil, fault.Violationf("kernel descriptor is %d bytes, want %d", len(raw), Size)
	}
	for _, r := range reservedSpans {
		for i, b := range raw[r.off : r.off+r.len] {
			if b != 0 {
				return nil, fault.Violationf("kernel descriptor %s byte %d is %#x", r.name, i, b)
			}
		}
	}
	d := &Descriptor{
		GroupSegmentFixedSize:     le.Uint32(raw[offGroupSegmentFixedSize:]),
		PrivateSegmentFixedSize:   le.Uint32(raw[offPrivateSegmentFixedSize:]),
		KernargSize:               le.Uint32(raw[offKernargSize:]),
		KernelCodeEntryByteOffset: int64(le.Uint64(raw[offKernelCodeEntryOffset:])),
	}
	d.words[Rsrc1] = le.Uint32(raw[offRsrc1:])
	d.words[Rsrc2] = le.Uint32(raw[offRsrc2:])
	d.words[Rsrc3] = le.Uint32(raw[offRsrc3:])
	d.words[KernelCodeProperties] = uint32(le.Uint16(raw[offKernelCodeProperties:]))
	return d, nil
}

// Encode returns the 64-byte image of the descriptor.
func (d *Descriptor) Encode() []byte {
	raw := make([]byte, Size)
	d.EncodeTo(raw)
	return raw
}

// EncodeTo writes the descriptor over the first Size bytes of dst, which
// lets callers patch a descriptor in place inside a larger buffer.
func (d *Descriptor) EncodeTo(dst []byte) {
	_ = dst[Size-1]
	clear(dst[:Size])
	le.PutUint32(dst[offGroupSegmentFixedSize:], d.GroupSegmentFixedSize)
	le.PutUint32(dst[offPrivateSegmentFixedSize:], d.PrivateSegmentFixedSize)
	le.PutUint32(dst[offKernargSize:], d.KernargSize)
	le.PutUint64(dst[offKernelCodeEntryOffset:], uint64(d.KernelCodeEntryByteOffset))
	le.PutUint32(dst[offRsrc3:], d.words[Rsrc3])
	le.PutUint32(dst[offRsrc1:], d.words[Rsrc1])
	le.PutUint32(dst[offRsrc2:], d.words[Rsrc2])
	le.PutUint16(dst[offKernelCodeProperties:], uint16(d.words[KernelCodeProperties]))
}

// Word returns the raw value of a packed word.
func (d *Descriptor) Word(w Word) uint32 { return d.words[w] }

// SetWord replaces a packed word. KERNEL_CODE_PROPERTIES is 16 bits wide.
func (d *Descriptor) SetWord(w Word, v uint32) error {
	if w.bits() < 32 && v>>w.bits() != 0 {
		return errors.Errorf("%s: value %#x does not fit in %d bits", w, v, w.bits())
	}
	d.words[w] = v
	return nil
}

func (d *Descriptor) Rsrc1() uint32      { return d.words[Rsrc1] }
func (d *Descriptor) Rsrc2() uint32      { return d.words[Rsrc2] }
func (d *Descriptor) Rsrc3() uint32      { return d.words[Rsrc3] }
func (d *Descriptor) Properties() uint16 { return uint16(d.words[KernelCodeProperties]) }

// Get extracts a sub-field.
func (d *Descriptor) Get(f Field) uint32 {
	return (d.words[f.Word] & f.Mask()) >> f.Shift
}

// Set stores v into a sub-field, leaving the rest of the word untouched.
func (d *Descriptor) Set(f Field, v uint32) error {
	if v > f.Max() {
		return errors.Errorf("%s.%s: value %d exceeds %d-bit field", f.Word, f.Name, v, f.Width)
	}
	d.words[f.Word] = d.words[f.Word]&^f.Mask() | v<<f.Shift
	return nil
}

// Flag reports whether a one-bit field is set.
func (d *Descriptor) Flag(f Field) bool { return d.Get(f) != 0 }

// KernargPointerRegister returns the first SGPR of the kernarg segment
// pointer. User SGPRs are assigned in a fixed order and the pointer follows
// the private segment buffer, dispatch pointer and queue pointer when they
// are enabled.
func (d *Descriptor) KernargPointerRegister() uint32 {
	var sgpr uint32
	if d.Flag(EnableSGPRPrivateSegmentBuffer) {
		sgpr += 4
	}
	if d.Flag(EnableSGPRDispatchPtr) {
		sgpr += 2
	}
	if d.Flag(EnableSGPRQueuePtr) {
		sgpr += 2
	}
	return sgpr
}

// SGPRGranule converts an SGPR count into the granulated encoding used by
// GRANULATED_WAVEFRONT_SGPR_COUNT.
func SGPRGranule(sgprs uint32) uint32 {
	return 2 * (sgprs/16 + 1)
}

// ReserveSGPRs raises the granulated wavefront SGPR count so that at least
// sgprs registers are allocated. It never lowers the count and reports
// whether it changed anything.
func (d *Descriptor) ReserveSGPRs(sgprs uint32) (bool, error) {
	want := SGPRGranule(sgprs)
	if d.Get(GranulatedWavefrontSGPRCount) >= want {
		return false, nil
	}
	if err := d.Set(GranulatedWavefrontSGPRCount, want); err != nil {
		return false, err
	}
	return true, nil
}
