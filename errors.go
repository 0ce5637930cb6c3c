package vecshard

import (
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/vecshard/collection"
)

var (
	// ErrCollectionNotFound is returned when no collection or alias has the
	// requested name.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrCollectionExists is returned when creating a collection whose name
	// is taken.
	ErrCollectionExists = errors.New("collection already exists")

	// ErrAliasNotFound is returned when an alias operation references an
	// alias that does not exist.
	ErrAliasNotFound = errors.New("alias not found")

	// ErrInvalidConfig is returned for configs that cannot be satisfied by
	// the topology.
	ErrInvalidConfig = collection.ErrInvalidConfig

	// ErrSchemaConflict is returned for duplicate alias names and
	// conflicting field index definitions. Nothing of the rejected batch is
	// applied.
	ErrSchemaConflict = collection.ErrSchemaConflict

	// ErrTimeout is returned when an operation did not complete within its
	// commit timeout. The operation keeps running in the background.
	ErrTimeout = errors.New("operation timed out")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage closed")

	// ErrInvalidName is returned for collection and alias names that are
	// empty or not usable as a single path element.
	ErrInvalidName = errors.New("invalid name")
)

// TimeoutError reports an operation that is still running after its
// commit timeout.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s did not complete within %s", e.Op, e.Timeout)
	}
	return fmt.Sprintf("%s did not complete: %v", e.Op, e.Err)
}

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.Err }

func notFound(name string) error {
	return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
}
