package handoff

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKernargTable(t *testing.T) {
	table := KernargTable{
		{Name: "vadd", KernargSize: 88, InsertionIndex: 3},
		{Name: "scale", KernargSize: 28, InsertionIndex: 1},
	}
	var b bytes.Buffer
	n, err := table.WriteTo(&b)
	require.NoError(t, err)
	require.Equal(t, int64(b.Len()), n)
	require.Equal(t, "vadd 88 3\nscale 28 1\n", b.String())

	parsed, err := ParseKernargTable(strings.NewReader("# kernels\n" + b.String() + "\n"))
	require.NoError(t, err)
	require.Equal(t, table, parsed)
}

func TestParseKernargTableErrors(t *testing.T) {
	for _, tc := range []struct {
		name, input string
	}{
		{"too few fields", "vadd 88\n"},
		{"too many fields", "vadd 88 3 4\n"},
		{"bad size", "vadd eighty 3\n"},
		{"negative index", "vadd 88 -1\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseKernargTable(strings.NewReader(tc.input))
			require.Error(t, err)
			require.Contains(t, err.Error(), "line 1")
		})
	}
}

func TestLayoutCounters(t *testing.T) {
	decls, err := ParseCounterLayout(strings.NewReader("hits 4\nbytes 8\nflags 1\nhistogram 20\n"))
	require.NoError(t, err)

	table, size, err := LayoutCounters(decls)
	require.NoError(t, err)
	require.Equal(t, CounterTable{
		{0, "hits"},
		{8, "bytes"},
		{16, "flags"},
		{24, "histogram"},
	}, table)
	require.Equal(t, uint64(48), size)

	var b bytes.Buffer
	_, err = table.WriteTo(&b)
	require.NoError(t, err)
	require.Equal(t, "0 hits\n8 bytes\n16 flags\n24 histogram\n", b.String())

	_, _, err = LayoutCounters([]CounterDecl{{"a", 8}, {"a", 4}})
	require.Error(t, err)
	_, _, err = LayoutCounters([]CounterDecl{{"a", 0}})
	require.Error(t, err)
}

func TestParseCounterTableSorts(t *testing.T) {
	table, err := ParseCounterTable(strings.NewReader("16 c\n0 a\n8 b\n"))
	require.NoError(t, err)
	require.Equal(t, CounterTable{{0, "a"}, {8, "b"}, {16, "c"}}, table)
}

func TestReadConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/run/kernels.txt", []byte("vadd 88 3\nscale 28 1\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/run/counters.txt", []byte("8 misses\n0 hits\n"), 0o644))

	cfg, err := ReadConfig(fs, "/run/kernels.txt", "/run/counters.txt")
	require.NoError(t, err)

	k, ok := cfg.Kernel("vadd")
	require.True(t, ok)
	assert.Equal(t, uint64(88), k.KernargSize)
	_, ok = cfg.Kernel("vmul")
	assert.False(t, ok)

	off, ok := cfg.CounterOffset("misses")
	require.True(t, ok)
	assert.Equal(t, uint64(8), off)
	assert.Equal(t, "hits", cfg.Counters()[0].Name)

	t.Run("without counters", func(t *testing.T) {
		cfg, err := ReadConfig(fs, "/run/kernels.txt", "")
		require.NoError(t, err)
		require.Empty(t, cfg.Counters())
	})

	t.Run("missing table file", func(t *testing.T) {
		_, err := ReadConfig(fs, "/run/nope.txt", "")
		require.ErrorContains(t, err, "/run/nope.txt")
	})

	t.Run("duplicate kernel", func(t *testing.T) {
		require.NoError(t, afero.WriteFile(fs, "/run/dup.txt", []byte("vadd 88 3\nvadd 88 3\n"), 0o644))
		_, err := ReadConfig(fs, "/run/dup.txt", "")
		require.Error(t, err)
	})
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/run/kernels.txt", []byte("vadd 88 3\n"), 0o644))

	t.Setenv(KernargTableEnv, "/run/kernels.txt")
	cfg, err := LoadConfig(fs)
	require.NoError(t, err)
	_, ok := cfg.Kernel("vadd")
	require.True(t, ok)
}

func TestExpandArgs(t *testing.T) {
	cfg, err := NewConfig(KernargTable{
		{Name: "vadd", KernargSize: 88, InsertionIndex: 3},
		{Name: "broken", KernargSize: 8, InsertionIndex: 5},
	}, nil)
	require.NoError(t, err)

	args := []string{"a", "b", "c"}
	out, ok, err := ExpandArgs(cfg, "vadd", args, "inst")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b", "c", "inst"}, out)
	require.Equal(t, []string{"a", "b", "c"}, args)

	out, ok, err = ExpandArgs(cfg, "vsub", args, "inst")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, args, out)

	_, _, err = ExpandArgs(cfg, "broken", args, "inst")
	require.Error(t, err)
}

func TestExpandArgsConcurrent(t *testing.T) {
	cfg, err := NewConfig(KernargTable{{Name: "k", KernargSize: 24, InsertionIndex: 1}}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, ok, err := ExpandArgs(cfg, "k", []int{i, i}, -1)
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []int{i, -1, i}, out)
		}(i)
	}
	wg.Wait()
}
