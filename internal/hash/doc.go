// Package hash provides hardware-accelerated checksums for data integrity.
//
// All on-disk checksums (WAL records, snapshot archive members) use
// CRC32-Castagnoli, which Go's hash/crc32 accelerates with SSE4.2 on x86 and
// the CRC extension on ARM.
//
// One-shot:
//
//	checksum := hash.CRC32C(data)
//
// Streaming while copying:
//
//	cw := hash.NewChecksumWriter(dst)
//	io.Copy(cw, src)
//	checksum := cw.Sum32()
package hash
