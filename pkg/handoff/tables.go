// Package handoff reads and writes the text tables the patching tools hand
// to the launch interceptor, and builds the interceptor's configuration from
// them.
//
// The kernarg table has one line per kernel:
//
//	<kernelName> <kernargBufferSize> <insertionIndex>
//
// The counter table has one line per instrumentation counter, sorted by
// offset:
//
//	<byteOffset> <variableName>
package handoff

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// KernelEntry is one kernarg table row.
type KernelEntry struct {
	Name string
	// KernargSize is the kernel's .kernarg_segment_size.
	KernargSize uint64
	// InsertionIndex is where the instrumentation pointer goes in the launch
	// argument list: the index of the dyninst_mem argument of a patched
	// kernel, the index of the first hidden argument otherwise.
	InsertionIndex int
}

type KernargTable []KernelEntry

// WriteTo writes the table in the kernarg table format.
func (t KernargTable) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	for _, e := range t {
		fmt.Fprintf(&b, "%s %d %d\n", e.Name, e.KernargSize, e.InsertionIndex)
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func ParseKernargTable(r io.Reader) (KernargTable, error) {
	var t KernargTable
	err := scanFields(r, 3, func(line int, f []string) error {
		size, err := strconv.ParseUint(f[1], 10, 64)
		if err != nil {
			return fmt.Errorf("line %d: kernarg size: %w", line, err)
		}
		index, err := strconv.Atoi(f[2])
		if err != nil || index < 0 {
			return fmt.Errorf("line %d: invalid argument index %q", line, f[2])
		}
		t = append(t, KernelEntry{Name: f[0], KernargSize: size, InsertionIndex: index})
		return nil
	})
	return t, err
}

// Counter is one counter table row.
type Counter struct {
	Offset uint64
	Name   string
}

type CounterTable []Counter

func (t CounterTable) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	for _, c := range t {
		fmt.Fprintf(&b, "%d %s\n", c.Offset, c.Name)
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// ParseCounterTable reads a counter table. Rows are returned sorted by
// offset whatever their order in the file.
func ParseCounterTable(r io.Reader) (CounterTable, error) {
	var t CounterTable
	err := scanFields(r, 2, func(line int, f []string) error {
		off, err := strconv.ParseUint(f[0], 10, 64)
		if err != nil {
			return fmt.Errorf("line %d: counter offset: %w", line, err)
		}
		t = append(t, Counter{Offset: off, Name: f[1]})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(t, func(i, j int) bool { return t[i].Offset < t[j].Offset })
	return t, nil
}

// CounterDecl declares one counter variable and its size in bytes.
type CounterDecl struct {
	Name string
	Size uint64
}

// CounterAlignment is the alignment of every counter in the device buffer.
const CounterAlignment = 8

// ParseCounterLayout reads "<variableName> <sizeBytes>" lines.
func ParseCounterLayout(r io.Reader) ([]CounterDecl, error) {
	var decls []CounterDecl
	err := scanFields(r, 2, func(line int, f []string) error {
		size, err := strconv.ParseUint(f[1], 10, 64)
		if err != nil {
			return fmt.Errorf("line %d: counter size: %w", line, err)
		}
		decls = append(decls, CounterDecl{Name: f[0], Size: size})
		return nil
	})
	return decls, err
}

// LayoutCounters assigns each counter the next 8-aligned offset in
// declaration order. It returns the table and the size of the buffer that
// holds every counter.
func LayoutCounters(decls []CounterDecl) (CounterTable, uint64, error) {
	if dup := lo.FindDuplicatesBy(decls, func(d CounterDecl) string { return d.Name }); len(dup) > 0 {
		return nil, 0, fmt.Errorf("counter %q is declared more than once", dup[0].Name)
	}
	t := make(CounterTable, 0, len(decls))
	var cursor uint64
	for _, d := range decls {
		if d.Size == 0 {
			return nil, 0, fmt.Errorf("counter %q has zero size", d.Name)
		}
		cursor = alignUp(cursor, CounterAlignment)
		t = append(t, Counter{Offset: cursor, Name: d.Name})
		cursor += d.Size
	}
	return t, alignUp(cursor, CounterAlignment), nil
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}

// scanFields calls fn for every non-blank line, which must hold exactly n
// whitespace separated fields. Lines starting with '#' are skipped.
func scanFields(r io.Reader, n int, fn func(line int, fields []string) error) error {
	s := bufio.NewScanner(r)
	for line := 1; s.Scan(); line++ {
		text := strings.TrimSpace(s.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		f := strings.Fields(text)
		if len(f) != n {
			return fmt.Errorf("line %d: want %d fields, got %d", line, n, len(f))
		}
		if err := fn(line, f); err != nil {
			return err
		}
	}
	return s.Err()
}
