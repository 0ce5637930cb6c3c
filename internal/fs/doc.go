// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: an open file with read/write/sync capabilities
//   - [FileSystem]: filesystem operations (open, remove, rename, etc.)
//
// # Implementations
//
//   - [LocalFS]: production implementation on top of the os package
//   - [FaultyFS]: test utility that injects write, sync, close and rename failures
//
// Durable metadata updates go through [WriteFileAtomic] (temp file, fsync,
// rename, directory fsync). The WAL and the local blob store depend on it.
//
// Tests inject [FaultyFS] to simulate failing disks:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("wal-", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
//	// pass ffs to wal.Open via wal.WithFileSystem
//
// This package intentionally does NOT take context.Context parameters. Local
// filesystem calls are not interruptible at the syscall level; slow remote
// storage lives behind the blobstore package, which is context-aware.
package fs
