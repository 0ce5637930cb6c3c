package replica

import (
	"errors"
	"fmt"

	"github.com/hupe1980/vecshard/model"
)

var (
	// ErrInsufficientReplicas is returned when fewer replicas are reachable
	// than the operation requires. Nothing was written.
	ErrInsufficientReplicas = errors.New("replica: insufficient replicas")

	// ErrQuorumNotReached is returned when the entry was logged but not
	// enough replicas acknowledged it in time.
	ErrQuorumNotReached = errors.New("replica: quorum not reached")

	// ErrReplicaUnavailable is returned by a replica that failed or timed out.
	ErrReplicaUnavailable = errors.New("replica: unavailable")

	// ErrShardDead is returned after a durable write failure. The shard
	// instance accepts no more writes.
	ErrShardDead = errors.New("replica: shard is dead")

	// ErrUnknownReplica is returned for a peer that is not a member.
	ErrUnknownReplica = errors.New("replica: unknown replica")

	// ErrReplicaExists is returned when adding a peer twice.
	ErrReplicaExists = errors.New("replica: replica already exists")

	// ErrNoTransferer is returned when a replica needs a full transfer but
	// the set has no way to perform one.
	ErrNoTransferer = errors.New("replica: no transferer configured")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("replica: set closed")
)

// QuorumError describes a write or read that did not collect enough
// responses.
type QuorumError struct {
	Required int
	Acked    int
	Errors   []error
}

func (e *QuorumError) Error() string {
	msg := fmt.Sprintf("replica: quorum not reached: %d/%d", e.Acked, e.Required)
	if len(e.Errors) > 0 {
		msg += ": " + errors.Join(e.Errors...).Error()
	}
	return msg
}

// Is matches ErrQuorumNotReached.
func (e *QuorumError) Is(target error) bool { return target == ErrQuorumNotReached }

func (e *QuorumError) Unwrap() []error { return e.Errors }

func unavailable(peer model.PeerID, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrReplicaUnavailable, peer, err)
}
