// Package shard defines the contract between the replication layer and the
// storage engine of a single shard.
//
// Operations are the unit of replication: the replica set encodes an
// Operation into the shard's WAL, and every replica decodes it and hands it
// to its Backend together with the sequence number it was logged under.
// Records carry that sequence number as their Version, which is what lets
// reads reconcile diverging replicas (highest version wins) and lets replay
// be idempotent.
//
// Two backends are provided: shard/memory keeps records in a map and
// persists snapshots as a single msgpack file, shard/pebble stores them in
// a Pebble LSM tree.
package shard
