package notemeta

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/gpuinst/gpupatch/pkg/fault"
)

const kernelsKey = "amdhsa.kernels"

// Entry is one key/value pair of a msgpack map. The value is kept encoded.
type Entry struct {
	Key   string
	Value msgpack.RawMessage
}

// Map is a msgpack map with string keys that remembers its key order, so
// that re-encoding it reproduces the original layout.
type Map struct {
	Entries []Entry
}

func decodeMap(raw []byte) (Map, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return Map{}, err
	}
	if n < 0 {
		return Map{}, errors.New("nil map")
	}
	m := Map{Entries: make([]Entry, 0, n)}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return Map{}, errors.Wrapf(err, "map key %d", i)
		}
		value, err := dec.DecodeRaw()
		if err != nil {
			return Map{}, errors.Wrapf(err, "value of %q", key)
		}
		m.Entries = append(m.Entries, Entry{Key: key, Value: value})
	}
	return m, nil
}

func (m *Map) index(key string) int {
	for i, e := range m.Entries {
		if e.Key == key {
			return i
		}
	}
	return -1
}

func (m *Map) Has(key string) bool { return m.index(key) >= 0 }

func (m *Map) Get(key string) (msgpack.RawMessage, bool) {
	if i := m.index(key); i >= 0 {
		return m.Entries[i].Value, true
	}
	return nil, false
}

// Set replaces the value of an existing key in place or appends a new one.
func (m *Map) Set(key string, value msgpack.RawMessage) {
	if i := m.index(key); i >= 0 {
		m.Entries[i].Value = value
		return
	}
	m.Entries = append(m.Entries, Entry{Key: key, Value: value})
}

// String returns the value of key when it is a string.
func (m *Map) String(key string) (string, bool) {
	raw, ok := m.Get(key)
	if !ok {
		return "", false
	}
	var s string
	if err := msgpack.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Uint returns the value of key as an unsigned integer.
func (m *Map) Uint(key string) (uint64, error) {
	raw, ok := m.Get(key)
	if !ok {
		return 0, errors.Errorf("missing %s", key)
	}
	v, err := msgpack.NewDecoder(bytes.NewReader(raw)).DecodeUint64()
	if err != nil {
		return 0, errors.Wrapf(err, "decoding %s", key)
	}
	return v, nil
}

func (m *Map) SetUint(key string, v uint64) {
	m.Set(key, encodeRaw(func(enc *msgpack.Encoder) error { return enc.EncodeUint(v) }))
}

// Bytes encodes the map, re-emitting every value as it was decoded.
func (m *Map) Bytes() msgpack.RawMessage {
	return encodeRaw(m.encode)
}

func (m *Map) encode(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(len(m.Entries)); err != nil {
		return err
	}
	for _, e := range m.Entries {
		if err := enc.EncodeString(e.Key); err != nil {
			return err
		}
		if err := enc.Encode(e.Value); err != nil {
			return err
		}
	}
	return nil
}

func encodeRaw(fn func(*msgpack.Encoder) error) msgpack.RawMessage {
	var b bytes.Buffer
	// Writes to a bytes.Buffer never fail.
	_ = fn(msgpack.NewEncoder(&b))
	return b.Bytes()
}

// Kernel is one entry of amdhsa.kernels.
type Kernel struct {
	Map
	// Args is the decoded .args list. It is written back into Map when the
	// kernel is modified.
	Args []Map

	raw   msgpack.RawMessage
	dirty bool
}

func decodeKernel(raw msgpack.RawMessage) (*Kernel, error) {
	m, err := decodeMap(raw)
	if err != nil {
		return nil, err
	}
	k := &Kernel{Map: m, raw: raw}
	if args, ok := m.Get(".args"); ok {
		dec := msgpack.NewDecoder(bytes.NewReader(args))
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, errors.Wrap(err, ".args")
		}
		for i := 0; i < n; i++ {
			argRaw, err := dec.DecodeRaw()
			if err != nil {
				return nil, errors.Wrapf(err, ".args[%d]", i)
			}
			arg, err := decodeMap(argRaw)
			if err != nil {
				return nil, errors.Wrapf(err, ".args[%d]", i)
			}
			k.Args = append(k.Args, arg)
		}
	}
	return k, nil
}

func (k *Kernel) Name() string {
	s, _ := k.String(".name")
	return s
}

func (k *Kernel) Symbol() string {
	s, _ := k.String(".symbol")
	return s
}

// Modified reports whether the kernel will be re-encoded rather than copied.
func (k *Kernel) Modified() bool { return k.dirty }

// ArgIndex returns the index of the argument with the given name, or -1.
func (k *Kernel) ArgIndex(name string) int {
	for i := range k.Args {
		if n, _ := k.Args[i].String(".name"); n == name {
			return i
		}
	}
	return -1
}

func (k *Kernel) KernargSegmentSize() (uint64, error) {
	return k.Uint(".kernarg_segment_size")
}

func (k *Kernel) markModified() {
	args := encodeRaw(func(enc *msgpack.Encoder) error {
		if err := enc.EncodeArrayLen(len(k.Args)); err != nil {
			return err
		}
		for i := range k.Args {
			if err := k.Args[i].encode(enc); err != nil {
				return err
			}
		}
		return nil
	})
	k.Set(".args", args)
	k.dirty = true
}

func (k *Kernel) encode(enc *msgpack.Encoder) error {
	if !k.dirty {
		return enc.Encode(k.raw)
	}
	return k.Map.encode(enc)
}

// Document is the decoded metadata note payload.
type Document struct {
	Map
	Kernels []*Kernel
}

// Decode parses a metadata payload. Keys the document does not interpret are
// kept with their order and encoding.
func Decode(payload []byte) (*Document, error) {
	m, err := decodeMap(payload)
	if err != nil {
		return nil, fault.Violationf("metadata is not a msgpack map: %v", err)
	}
	doc := &Document{Map: m}
	kernels, ok := m.Get(kernelsKey)
	if !ok {
		return doc, nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(kernels))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fault.Violationf("%s is not an array: %v", kernelsKey, err)
	}
	for i := 0; i < n; i++ {
		raw, err := dec.DecodeRaw()
		if err != nil {
			return nil, fault.Violationf("%s[%d]: %v", kernelsKey, i, err)
		}
		k, err := decodeKernel(raw)
		if err != nil {
			return nil, fault.Violationf("%s[%d]: %v", kernelsKey, i, err)
		}
		doc.Kernels = append(doc.Kernels, k)
	}
	return doc, nil
}

// Kernel looks a kernel up by .name or .symbol.
func (d *Document) Kernel(name string) (*Kernel, bool) {
	for _, k := range d.Kernels {
		if k.Name() == name || k.Symbol() == name {
			return k, true
		}
	}
	return nil, false
}

// Encode re-encodes the document. Kernels that were not modified are copied
// from their original bytes.
func (d *Document) Encode() ([]byte, error) {
	var b bytes.Buffer
	enc := msgpack.NewEncoder(&b)
	if err := enc.EncodeMapLen(len(d.Entries)); err != nil {
		return nil, err
	}
	for _, e := range d.Entries {
		if err := enc.EncodeString(e.Key); err != nil {
			return nil, err
		}
		if e.Key != kernelsKey {
			if err := enc.Encode(e.Value); err != nil {
				return nil, err
			}
			continue
		}
		if err := enc.EncodeArrayLen(len(d.Kernels)); err != nil {
			return nil, err
		}
		for _, k := range d.Kernels {
			if err := k.encode(enc); err != nil {
				return nil, errors.Wrapf(err, "encoding kernel %s", k.Name())
			}
		}
	}
	return b.Bytes(), nil
}
