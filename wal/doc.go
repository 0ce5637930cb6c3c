// Package wal implements the per-shard write-ahead log.
//
// Every replicated operation is appended here before any replica is asked
// to apply it, so the log is the source of truth for replay after a crash and
// for catching up lagging replicas.
//
// # Guarantees
//
//   - Sequence numbers are gapless and strictly increasing by one.
//   - Append returns only after the entry is durable (DurabilitySync, the
//     default). Concurrent appenders share fsyncs through group commit.
//   - A failed write or fsync is sticky: the WAL refuses further appends with
//     ErrFailed and the owning shard is expected to stop accepting writes.
//   - ReadFrom hands out independent, finite, restartable readers. Reading
//     below the truncation watermark fails with *CompactedError.
//
// # On-disk layout
//
//	wal-00000000000000000001.log   segment, named after its first seq
//	wal-00000000000000004097.log
//	wal.meta                       truncation watermark (atomic rewrite)
//
// Each segment starts with a 12-byte header (magic + version) followed by
// records:
//
//	[CRC32C: 4][Flags: 1][Seq: 8][Length: 4][Payload: Length]
//
// With WithCompression the payload is zstd compressed and Flags bit 0 is set.
// A torn tail in the newest segment is cut off on Open; damage anywhere else
// is reported as ErrCorrupt.
package wal
