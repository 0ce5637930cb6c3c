package snapshot

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupt is returned when an archive fails validation: a bad
	// checksum, a missing manifest or an unexpected entry. The stored
	// snapshot is left untouched.
	ErrCorrupt = errors.New("snapshot: corrupt archive")

	// ErrVersionMismatch is returned for archives written in an unsupported
	// format version.
	ErrVersionMismatch = errors.New("snapshot: unsupported format version")

	// ErrNotFound is returned when a snapshot does not exist.
	ErrNotFound = errors.New("snapshot: not found")
)

// VersionMismatchError carries the offending version.
type VersionMismatchError struct {
	Got  int
	Want int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("snapshot: format version %d, expected %d", e.Got, e.Want)
}

func (e *VersionMismatchError) Is(target error) bool { return target == ErrVersionMismatch }

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}
