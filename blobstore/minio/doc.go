// Package minio provides a BlobStore backed by any S3-compatible object store
// (MinIO, Ceph, Garage, SeaweedFS) through the MinIO Go client.
//
// # Basic Usage
//
//	store, err := minioblob.Dial(minioblob.Options{
//	    Endpoint:  "localhost:9000",
//	    AccessKey: "minioadmin",
//	    SecretKey: "minioadmin",
//	}, "vecshard", "snapshots/")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := store.EnsureBucket(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	s, err := vecshard.Open(ctx, vecshard.WithSnapshotStore(store))
//
// Streaming writes go through a pipe into a single PutObject call, which the
// client turns into a multipart upload for large archives.
package minio
