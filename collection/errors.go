package collection

import "errors"

var (
	// ErrSchemaConflict is returned when a field index change conflicts with
	// an existing or in-flight definition. Nothing is applied.
	ErrSchemaConflict = errors.New("schema conflict")

	// ErrInvalidConfig is returned for a config or patch that breaks an
	// invariant (for example write_consistency_factor > replication_factor).
	ErrInvalidConfig = errors.New("invalid collection config")

	// ErrClosed is returned by a closed collection.
	ErrClosed = errors.New("collection closed")

	// ErrUnknownPeer is returned when a layout names a peer missing from the
	// topology.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrPeerDown is returned by LocalConnector targets of a peer taken down
	// with SetDown.
	ErrPeerDown = errors.New("peer down")
)
