package snapshot

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/hupe1980/vecshard/internal/hash"
	"github.com/hupe1980/vecshard/replica"
	"github.com/hupe1980/vecshard/shard"
	"github.com/hupe1980/vecshard/wal"
)

// Tail frame: [Seq 8][Len 4][CRC32C 4][payload].
const tailHeaderSize = 16

// writeTail copies WAL entries in [from, through] into path and returns how
// many were written.
func writeTail(path string, log *wal.WAL, from, through uint64) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	n := 0
	if from <= through {
		r, err := log.ReadFrom(from)
		if err != nil {
			return 0, err
		}
		defer r.Close()

		var header [tailHeaderSize]byte
		for e, err := range r.All() {
			if err != nil {
				return n, err
			}
			if e.Seq > through {
				break
			}
			binary.LittleEndian.PutUint64(header[0:8], e.Seq)
			binary.LittleEndian.PutUint32(header[8:12], uint32(len(e.Payload)))
			binary.LittleEndian.PutUint32(header[12:16], hash.CRC32C(e.Payload))
			if _, err := bw.Write(header[:]); err != nil {
				return n, err
			}
			if _, err := bw.Write(e.Payload); err != nil {
				return n, err
			}
			n++
		}
	}
	if err := bw.Flush(); err != nil {
		return n, err
	}
	return n, f.Sync()
}

// replayTail applies the entries of a tail file to target.
func replayTail(ctx context.Context, path string, target replica.Target) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var header [tailHeaderSize]byte
	n := 0
	var last uint64
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, corruptf("tail header: %v", err)
		}
		seq := binary.LittleEndian.Uint64(header[0:8])
		size := binary.LittleEndian.Uint32(header[8:12])
		sum := binary.LittleEndian.Uint32(header[12:16])

		if seq <= last {
			return n, corruptf("tail sequence %d after %d", seq, last)
		}
		last = seq

		payload := make([]byte, size)
		if _, err := io.ReadFull(br, payload); err != nil {
			return n, corruptf("tail payload: %v", err)
		}
		if hash.CRC32C(payload) != sum {
			return n, corruptf("tail checksum mismatch at seq %d", seq)
		}
		op, err := shard.Decode(payload)
		if err != nil {
			return n, corruptf("tail entry %d: %v", seq, err)
		}
		if err := target.Apply(ctx, replica.Entry{Seq: seq, Op: op}); err != nil {
			return n, err
		}
		n++
	}
}
