// Package notemeta reads and rewrites the AMDGPU metadata note of a code
// object: the ELF note record, the msgpack document it carries, and the
// kernel argument lists inside that document.
package notemeta

import (
	"bytes"
	"encoding/binary"

	"github.com/gpuinst/gpupatch/pkg/fault"
)

const (
	// NoteName is the owner name of AMDGPU notes.
	NoteName = "AMDGPU"
	// TypeMetadata is NT_AMDGPU_METADATA.
	TypeMetadata = 32

	noteHeaderSize = 12
)

// Note is one ELF note record.
type Note struct {
	// Name is the owner name without its terminating NUL.
	Name string
	Type uint32
	Desc []byte

	// rawName is the name field as read, NUL padding included.
	rawName []byte
}

func align4(n int) int { return (n + 3) &^ 3 }

// ParseNote decodes the note record at the start of raw and returns it with
// the number of bytes it occupies, padding included.
func ParseNote(raw []byte) (*Note, int, error) {
	if len(raw) < noteHeaderSize {
		return nil, 0, fault.Violationf("note is %d bytes, shorter than its header", len(raw))
	}
	namesz := int(binary.LittleEndian.Uint32(raw[0:]))
	descsz := int(binary.LittleEndian.Uint32(raw[4:]))
	typ := binary.LittleEndian.Uint32(raw[8:])
	if namesz < 0 || len(raw)-noteHeaderSize < namesz {
		return nil, 0, fault.Violationf("note name size %d exceeds the %d bytes available", namesz, len(raw)-noteHeaderSize)
	}
	descOff := align4(noteHeaderSize + namesz)
	if descsz < 0 || descOff > len(raw) || len(raw)-descOff < descsz {
		return nil, 0, fault.Violationf("note descriptor size %d exceeds the bytes available", descsz)
	}
	name := raw[noteHeaderSize : noteHeaderSize+namesz]
	n := &Note{
		Name: string(bytes.TrimRight(name, "\x00")),
		Type: typ,
		Desc: raw[descOff : descOff+descsz],

		rawName: bytes.Clone(name),
	}
	end := min(align4(descOff+descsz), len(raw))
	return n, end, nil
}

// ParseNotes decodes every note record in a note section.
func ParseNotes(raw []byte) ([]*Note, error) {
	var notes []*Note
	for off := 0; off < len(raw); {
		// Trailing zero padding after the last record.
		if isZero(raw[off:]) {
			break
		}
		n, size, err := ParseNote(raw[off:])
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
		off += size
	}
	return notes, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// nameField returns the name field to emit: the parsed bytes while Name is
// unchanged, otherwise Name with a single terminating NUL.
func (n *Note) nameField() []byte {
	if n.rawName != nil && string(bytes.TrimRight(n.rawName, "\x00")) == n.Name {
		return n.rawName
	}
	return append([]byte(n.Name), 0)
}

// Bytes encodes the note with a recomputed descriptor size, padding the name
// and the descriptor to four bytes. A parsed name field, namesz included, is
// written back as it was read.
func (n *Note) Bytes() []byte {
	name := n.nameField()
	out := make([]byte, noteHeaderSize, align4(noteHeaderSize+len(name))+align4(len(n.Desc)))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(name)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(n.Desc)))
	binary.LittleEndian.PutUint32(out[8:], n.Type)
	out = append(out, name...)
	out = append(out, make([]byte, align4(len(out))-len(out))...)
	out = append(out, n.Desc...)
	return append(out, make([]byte, align4(len(out))-len(out))...)
}

// IsMetadata reports whether the note carries the AMDGPU msgpack metadata.
func (n *Note) IsMetadata() bool {
	return n.Name == NoteName && n.Type == TypeMetadata
}

// FindMetadata returns the index of the metadata note in notes, or -1.
func FindMetadata(notes []*Note) int {
	for i, n := range notes {
		if n.IsMetadata() {
			return i
		}
	}
	return -1
}

// EncodeNotes concatenates the records of a note section.
func EncodeNotes(notes []*Note) []byte {
	var b bytes.Buffer
	for _, n := range notes {
		b.Write(n.Bytes())
	}
	return b.Bytes()
}
