package wal

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/hupe1980/vecshard/internal/hash"
)

const (
	// recordHeaderSize is [CRC32C: 4][Flags: 1][Seq: 8][Length: 4].
	recordHeaderSize = 17
	maxRecordSize    = 64 << 20

	flagZstd byte = 1 << 0
)

// Entry is one logged operation.
type Entry struct {
	Seq     uint64
	Payload []byte
}

type record struct {
	seq     uint64
	flags   byte
	payload []byte
}

// appendRecord encodes a record onto dst.
// The checksum covers everything after the CRC field.
func appendRecord(dst []byte, seq uint64, flags byte, payload []byte) []byte {
	start := len(dst)
	var header [recordHeaderSize]byte
	header[4] = flags
	binary.LittleEndian.PutUint64(header[5:13], seq)
	binary.LittleEndian.PutUint32(header[13:17], uint32(len(payload))) //nolint:gosec // bounded by maxRecordSize
	dst = append(dst, header[:]...)
	dst = append(dst, payload...)
	binary.LittleEndian.PutUint32(dst[start:start+4], hash.CRC32C(dst[start+4:]))
	return dst
}

// readRecord decodes the next record from r. It returns io.EOF only on a
// clean record boundary. The returned size is the number of bytes consumed by
// a valid record.
func readRecord(r io.Reader, header []byte) (record, int64, error) {
	if _, err := io.ReadFull(r, header[:recordHeaderSize]); err != nil {
		if errors.Is(err, io.EOF) {
			return record{}, 0, io.EOF
		}
		return record{}, 0, ErrShortRead
	}

	checksum := binary.LittleEndian.Uint32(header[0:4])
	flags := header[4]
	seq := binary.LittleEndian.Uint64(header[5:13])
	length := binary.LittleEndian.Uint32(header[13:17])

	if length > maxRecordSize {
		return record{}, 0, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return record{}, 0, ErrShortRead
	}

	crc := hash.UpdateCRC32C(hash.CRC32C(header[4:recordHeaderSize]), payload)
	if crc != checksum {
		return record{}, 0, ErrInvalidCRC
	}

	return record{seq: seq, flags: flags, payload: payload}, recordHeaderSize + int64(length), nil
}
