// Package model defines core types shared by the WAL consumers, the shard
// backends and the coordinator.
//
// # Identity Types
//
//   - ShardID: partition index within a collection (uint32)
//   - PointID: user-facing primary key (uint64)
//   - PeerID: node identifier (string)
//
// # Data Types
//
//   - Point: vector with optional payload
//   - Record: stored point with its version (WAL sequence) and tombstone flag
//   - FieldIndex: one (field, kind) entry of a field index schema
package model
