package fsutil

import (
	"errors"
	"io"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestReadFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in/names", []byte("vadd\n  vsub\tvmul\n"), 0o644))

	names, err := ReadFields(fs, "/in/names")
	require.NoError(t, err)
	require.Equal(t, []string{"vadd", "vsub", "vmul"}, names)

	_, err = ReadFile(fs, "/in/missing")
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Contains(t, err.Error(), "/in/missing")
}

func TestWriteFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/out", 0o755))

	var finalized string
	err := WriteFile(fs, "/out/app", []byte("payload"), 0o755, func(fs afero.Fs, path string) error {
		finalized = path
		data, err := afero.ReadFile(fs, path)
		require.NoError(t, err)
		require.Equal(t, "payload", string(data))
		return nil
	})
	require.NoError(t, err)
	require.NotEqual(t, "/out/app", finalized)

	data, err := afero.ReadFile(fs, "/out/app")
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
	require.Equal(t, os.FileMode(0o755), Mode(fs, "/out/app", 0))

	entries, err := afero.ReadDir(fs, "/out")
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary file is gone")
}

func TestReplaceFileFailureKeepsOriginal(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/app", []byte("old"), 0o644))

	boom := errors.New("boom")
	err := ReplaceFile(fs, "/out/app", 0o644, func(w io.Writer) error {
		_, _ = w.Write([]byte("half"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = WriteFile(fs, "/out/app", []byte("new"), 0o644, func(afero.Fs, string) error { return boom })
	require.ErrorIs(t, err, boom)

	data, err := afero.ReadFile(fs, "/out/app")
	require.NoError(t, err)
	require.Equal(t, "old", string(data))
	entries, err := afero.ReadDir(fs, "/out")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.Equal(t, os.FileMode(0o600), Mode(fs, "/out/missing", 0o600))
}
