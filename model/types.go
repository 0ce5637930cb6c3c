package model

import (
	"fmt"
	"strconv"
)

// ShardID identifies one partition of a collection. Valid ids are
// [0, shard_number).
type ShardID uint32

// String returns a string representation of the ShardID.
func (id ShardID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// PointID is the user-facing stable identifier of a point.
type PointID uint64

// PeerID identifies a node that can host replicas.
type PeerID string

// Peer is a node identifier plus its address. The peer set is supplied from
// outside; nothing in this module discovers peers.
type Peer struct {
	ID      PeerID `json:"id" yaml:"id"`
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

// String returns a string representation of the Peer.
func (p Peer) String() string {
	if p.Address == "" {
		return string(p.ID)
	}
	return fmt.Sprintf("%s@%s", p.ID, p.Address)
}

// Point is a vector plus an optional payload.
type Point struct {
	ID      PointID        `msgpack:"id" json:"id"`
	Vector  []float32      `msgpack:"v,omitempty" json:"vector,omitempty"`
	Payload map[string]any `msgpack:"p,omitempty" json:"payload,omitempty"`
}

// Record is a point as stored by a shard backend. Version is the WAL
// sequence number of the last operation that touched the point; deleted
// points are kept as tombstones so replicas can be reconciled.
type Record struct {
	ID      PointID        `msgpack:"id" json:"id"`
	Vector  []float32      `msgpack:"v,omitempty" json:"vector,omitempty"`
	Payload map[string]any `msgpack:"p,omitempty" json:"payload,omitempty"`
	Version uint64         `msgpack:"ver" json:"version"`
	Deleted bool           `msgpack:"del,omitempty" json:"deleted,omitempty"`
}

// Point returns the live view of the record.
func (r Record) Point() Point {
	return Point{ID: r.ID, Vector: r.Vector, Payload: r.Payload}
}

// IndexKind is the type of a payload field index.
type IndexKind string

// Supported field index kinds.
const (
	IndexKeyword IndexKind = "keyword"
	IndexInteger IndexKind = "integer"
	IndexFloat   IndexKind = "float"
	IndexBool    IndexKind = "bool"
	IndexGeo     IndexKind = "geo"
	IndexText    IndexKind = "text"
)

// Valid reports whether k is a known index kind.
func (k IndexKind) Valid() bool {
	switch k {
	case IndexKeyword, IndexInteger, IndexFloat, IndexBool, IndexGeo, IndexText:
		return true
	default:
		return false
	}
}

// FieldIndex is one entry of a collection's field index schema.
type FieldIndex struct {
	Field string    `msgpack:"f" json:"field" yaml:"field"`
	Kind  IndexKind `msgpack:"k" json:"kind" yaml:"kind"`
}
