package hash

import (
	"hash"
	"hash/crc32"
	"io"
)

// crc32cTable is pre-computed for the CRC32-Castagnoli polynomial.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the CRC32-Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// UpdateCRC32C extends crc with data.
func UpdateCRC32C(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32cTable, data)
}

// NewCRC32C returns a new CRC32-Castagnoli hash.Hash32.
func NewCRC32C() hash.Hash32 {
	return crc32.New(crc32cTable)
}

// ChecksumWriter forwards writes to an underlying writer while accumulating
// their CRC32C and byte count.
type ChecksumWriter struct {
	w io.Writer
	h hash.Hash32
	n int64
}

// NewChecksumWriter wraps w.
func NewChecksumWriter(w io.Writer) *ChecksumWriter {
	return &ChecksumWriter{w: w, h: NewCRC32C()}
}

func (cw *ChecksumWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.h.Write(p[:n])
	cw.n += int64(n)
	return n, err
}

// Sum32 returns the checksum of everything written so far.
func (cw *ChecksumWriter) Sum32() uint32 { return cw.h.Sum32() }

// Written returns the number of bytes written so far.
func (cw *ChecksumWriter) Written() int64 { return cw.n }
