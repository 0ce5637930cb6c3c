package wal

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed WAL.
	ErrClosed = errors.New("WAL closed")
	// ErrFailed marks a WAL that hit a write or fsync error. It is sticky:
	// once returned, every later append fails with it.
	ErrFailed = errors.New("WAL durable write failed")
	// ErrCompacted is matched by *CompactedError.
	ErrCompacted = errors.New("WAL entries compacted")
	// ErrCorrupt is returned when a sealed segment fails validation.
	ErrCorrupt = errors.New("corrupt WAL segment")

	ErrIncompatibleVersion = errors.New("incompatible WAL version")
	ErrInvalidHeader       = errors.New("invalid WAL header")
	ErrInvalidCRC          = errors.New("invalid WAL record checksum")
	ErrShortRead           = errors.New("short read in WAL record")
	ErrRecordTooLarge      = errors.New("WAL record too large")
)

// CompactedError reports a read below the oldest retained entry.
// The caller has to fall back to a full state transfer.
type CompactedError struct {
	Requested      uint64
	FirstAvailable uint64
}

func (e *CompactedError) Error() string {
	return fmt.Sprintf("WAL seq %d compacted (first available %d)", e.Requested, e.FirstAvailable)
}

// Is makes errors.Is(err, ErrCompacted) work.
func (e *CompactedError) Is(target error) bool { return target == ErrCompacted }
