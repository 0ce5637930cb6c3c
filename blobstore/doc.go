// Package blobstore stores snapshot archives and their descriptions.
//
// BlobStore is the interface for reading and writing immutable, named blobs.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: in-process, for tests
//   - LocalStore: local file system with atomic renames and mmap reads
//   - minio.Store: any S3-compatible service through minio-go
//   - s3.Store: Amazon S3 with range reads and multipart uploads
//
// # Writing
//
// Create returns a WritableBlob. Nothing is visible under the blob's name
// until Close commits it; Abort throws the partial data away:
//
//	w, err := store.Create(ctx, "snapshots/c/1/snap.tar.zst")
//	if err != nil {
//	    return err
//	}
//	if _, err := io.Copy(w, archive); err != nil {
//	    _ = w.Abort()
//	    return err
//	}
//	return w.Close()
package blobstore
