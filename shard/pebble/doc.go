// Package pebble implements a durable shard backend on top of
// cockroachdb/pebble.
//
// Records are stored under "r/<id>" as msgpack. Live point ids are tracked
// in a roaring64 bitmap that drives Scroll and Count. The bitmap, the
// applied sequence number and the schema are written together as one synced
// meta record on Flush; writes in between use NoSync because the shard WAL
// replays them after a crash.
//
// Snapshots are Pebble checkpoints. Load swaps the database directory for a
// checkpoint and reopens it.
package pebble
