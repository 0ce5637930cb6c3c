// Package snapshot writes and restores point-in-time archives of collections
// and of whole storages.
//
// A collection archive is a tar stream, compressed with zstd by default, laid
// out as
//
//	shards/<id>/state/...   backend state files
//	shards/<id>/wal.log     WAL entries the state files may be missing
//	manifest.json           written last, carries every file checksum
//
// Each shard is captured while its writes are frozen, so state plus tail is
// exactly the log up to the recorded WAL offset. A full archive nests one
// collection archive per collection next to a storage-level meta.json.
//
// Archives live in a blobstore.BlobStore under collections/<name>/ and full/.
// A JSON description is stored next to each archive once the archive itself
// is committed; List and Describe only read descriptions, and a snapshot
// without one does not exist.
//
// The same archive path streams a donor replica into a recipient during
// recovery (see Manager.Transfer).
package snapshot
