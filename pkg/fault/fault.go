// Package fault holds the error kinds shared by the rewriting packages.
//
// A format violation means the input, or an offset computed from it, breaks
// an invariant the pipeline cannot repair. Tools abort on it with a distinct
// exit code. Everything else is an ordinary load or I/O failure.
package fault

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

var (
	ErrFormatViolation      = stderrors.New("format violation")
	ErrUnsupportedInputKind = stderrors.New("unsupported input kind")
)

// Violationf returns an error that wraps ErrFormatViolation.
func Violationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrFormatViolation, format, args...)
}

// Unsupportedf returns an error that wraps ErrUnsupportedInputKind.
func Unsupportedf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrUnsupportedInputKind, format, args...)
}

func IsViolation(err error) bool {
	return stderrors.Is(err, ErrFormatViolation)
}
