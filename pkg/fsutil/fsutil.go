// Package fsutil reads inputs and writes outputs atomically through an
// afero filesystem.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ReadFile reads a whole input file. Errors name the path.
func ReadFile(fs afero.Fs, path string) ([]byte, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}
	return data, nil
}

// ReadFields reads a whitespace separated list, such as a kernel names file.
func ReadFields(fs afero.Fs, path string) ([]string, error) {
	data, err := ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(data)), nil
}

// Mode returns the permission bits of path, or fallback when it cannot be
// stat'ed.
func Mode(fs afero.Fs, path string, fallback os.FileMode) os.FileMode {
	fi, err := fs.Stat(path)
	if err != nil {
		return fallback
	}
	return fi.Mode().Perm()
}

// Finalizer edits a fully written temporary file before it is renamed into
// place.
type Finalizer func(fs afero.Fs, path string) error

// ReplaceFile writes path through a temporary file in the same directory.
// The temporary file is renamed over path only after write and every
// finalizer succeeded, and removed otherwise.
func ReplaceFile(fs afero.Fs, path string, perm os.FileMode, write func(io.Writer) error, finalize ...Finalizer) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := afero.TempFile(fs, dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("could not create temporary file for %s: %w", path, err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = fs.Remove(tmp)
		}
	}()

	if err = write(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	for _, fn := range finalize {
		if err = fn(fs, tmp); err != nil {
			return err
		}
	}
	if err = fs.Chmod(tmp, perm); err != nil {
		return fmt.Errorf("could not set mode of %s: %w", path, err)
	}
	if err = fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("could not rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// WriteFile is ReplaceFile for an in-memory buffer.
func WriteFile(fs afero.Fs, path string, data []byte, perm os.FileMode, finalize ...Finalizer) error {
	return ReplaceFile(fs, path, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}, finalize...)
}
