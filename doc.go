// Package vecshard is the collection-management layer of a replicated vector
// store.
//
// A collection is split into shards by a consistent-hash ring; each shard is
// a replica set with its own write-ahead log, spread over the peers of an
// explicit topology. vecshard provides:
//
//   - Quorum writes with a configurable write consistency factor
//   - Reads at Any, Majority or All level with last-sequence-wins repair
//   - Replica recovery from the WAL, falling back to a full snapshot transfer
//   - Point-in-time snapshots of one collection or the whole storage
//   - Atomic alias batches and replicated field index changes
//   - Commit timeouts that never roll back work already started
//
// # Quick Start
//
//	ctx := context.Background()
//	st, _ := vecshard.Open(ctx, "./data", vecshard.WithBackend(pebble.Factory))
//	defer st.Close()
//
//	_ = st.CreateCollection(ctx, "docs", collection.Config{
//	    ShardNumber:       4,
//	    ReplicationFactor: 1,
//	}, 0)
//	_ = st.Upsert(ctx, "docs", model.Point{ID: 1, Vector: []float32{0.1, 0.2}})
//	pts, _ := st.Get(ctx, "docs", []model.PointID{1}, replica.ReadMajority)
//
// # Commit Timeouts
//
// CreateCollection, UpdateCollection, DeleteCollection, UpdateAliases and the
// restore operations take a timeout (zero means the default set with
// WithCommitTimeout). When it expires the call returns an error matching
// ErrTimeout, but the operation is not rolled back: it runs to completion in
// the background. Callers confirm the outcome by reading the state back or by
// retrying, which is safe for every structural operation.
//
// # Multiple Peers
//
// The peer set is passed in with WithTopology. How replicas on other peers
// are reached is up to the collection.Connector; the default
// collection.LocalConnector hosts every peer in this process, which is what
// the tests use to simulate peer failures.
//
// # Snapshots
//
// Snapshots are tar archives compressed with zstd or lz4 and written to a
// blobstore.BlobStore: a local directory by default, or MinIO or S3 (see
// Config). A full snapshot bundles every collection plus the alias table.
package vecshard
