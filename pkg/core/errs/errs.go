// Package errs defines the error kinds reported by the tensix core.
//
// Every error returned by the core packages wraps exactly one of the sentinel kinds below, so callers
// can classify failures with errors.Is, while the message carries the offending shape or dtype:
//
//	t2, err := t.Reshape(-1, -1)
//	if errors.Is(err, errs.ErrShape) {
//		...
//	}
//
// Errors are created with github.com/pkg/errors, so they also carry a stack trace (print with "%+v").
package errs

import (
	"github.com/pkg/errors"
)

var (
	// ErrShape reports a volume mismatch, an invalid reshape or an out-of-range pad/unpad region.
	ErrShape = errors.New("shape error")

	// ErrUnsupportedStorage reports an operation invoked on a storage kind that doesn't support it.
	ErrUnsupportedStorage = errors.New("unsupported storage")

	// ErrUnsupportedDataType reports a dtype missing from a conversion dispatch.
	ErrUnsupportedDataType = errors.New("unsupported data type")

	// ErrPrecondition reports a layout or divisibility precondition that doesn't hold.
	ErrPrecondition = errors.New("precondition failed")

	// ErrInvalidArgument reports an out-of-bounds coordinate or otherwise malformed argument.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Shapef returns an error of kind ErrShape with the formatted message.
func Shapef(format string, args ...any) error {
	return errors.Wrapf(ErrShape, format, args...)
}

// UnsupportedStoragef returns an error of kind ErrUnsupportedStorage with the formatted message.
func UnsupportedStoragef(format string, args ...any) error {
	return errors.Wrapf(ErrUnsupportedStorage, format, args...)
}

// UnsupportedDataTypef returns an error of kind ErrUnsupportedDataType with the formatted message.
func UnsupportedDataTypef(format string, args ...any) error {
	return errors.Wrapf(ErrUnsupportedDataType, format, args...)
}

// Preconditionf returns an error of kind ErrPrecondition with the formatted message.
func Preconditionf(format string, args ...any) error {
	return errors.Wrapf(ErrPrecondition, format, args...)
}

// InvalidArgumentf returns an error of kind ErrInvalidArgument with the formatted message.
func InvalidArgumentf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}
