// Package s3 provides Amazon S3 implementations of blobstore.BlobStore.
//
// # Usage
//
//	store, err := s3.NewFromConfig(ctx, "my-bucket", "snapshots/")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	s, err := vecshard.Open(ctx, vecshard.WithSnapshotStore(store))
//
// Wrap the store in a DDBCommitStore when several nodes publish full
// snapshots into the same bucket; the CURRENT pointer then moves through
// DynamoDB conditional writes.
//
// # Features
//
//   - Range reads for partial fetches
//   - Multipart uploads for large archives, aborted on failure
//   - CRC32C checksums on upload
//   - Automatic pagination for listing
package s3
