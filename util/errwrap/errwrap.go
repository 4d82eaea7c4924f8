// Package errwrap contains small error helpers used throughout the engine so
// that wrapping and accumulating errors across peer fan-out doesn't need to
// be reinvented at every call site.
package errwrap

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Wrapf adds context onto an existing error chain. If err is nil, nil is
// returned unchanged, so callers can wrap unconditionally.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Append safely appends err onto reterr. Either may be nil; this is meant to
// be used as `reterr = errwrap.Append(reterr, err)` in a loop over peers or
// transactions without special-casing the first iteration.
func Append(reterr, err error) error {
	if reterr == nil {
		return err
	}
	if err == nil {
		return reterr
	}
	return multierror.Append(reterr, err)
}

// String returns the error message, or the empty string for a nil error.
func String(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
