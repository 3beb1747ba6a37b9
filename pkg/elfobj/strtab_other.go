//go:build !unix

package elfobj

import (
	"fmt"
	"strings"
)

func encodeName(s string) ([]byte, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return nil, fmt.Errorf("name %q contains a NUL byte", s)
	}
	return append([]byte(s), 0), nil
}
