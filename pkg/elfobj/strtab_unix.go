//go:build unix

package elfobj

import "golang.org/x/sys/unix"

// encodeName returns s as a NUL-terminated string table entry.
func encodeName(s string) ([]byte, error) {
	return unix.ByteSliceFromString(s)
}
