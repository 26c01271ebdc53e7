package cachetable

import (
	"github.com/cockroachdb/errors"

	internalerrors "github.com/cachetable/cachetable/errors"
	"github.com/cachetable/cachetable/internal/base"
)

// ErrNotFound is returned by a maybe-pin call that found no resident or
// fetchable page; it is benign and never logged.
var ErrNotFound = base.ErrNotFound

// ErrAlreadyPresent is returned by Put when the key is already resident.
var ErrAlreadyPresent = errors.New("cachetable: key already present")

// ErrTryAgain is returned by PinNonBlockingWithUnlockers when the pin could
// not complete immediately; the caller must run its own unlockers (already
// done on its behalf) and restart the operation.
var ErrTryAgain = errors.New("cachetable: try again")

// ErrFileDraining is returned when an operation targets a file that is in
// the middle of Close.
var ErrFileDraining = errors.New("cachetable: file is draining")

// invariantViolation wraps err in the package's InvariantError marker and
// hands it to logger.Fatalf, which terminates the process — per spec.md §7,
// invariant violations are never returned to a caller.
func invariantViolation(logger base.Logger, format string, args ...interface{}) {
	err := internalerrors.InvariantError{Err: errors.Newf(format, args...)}
	logger.Fatalf("%s", err.Error())
}
