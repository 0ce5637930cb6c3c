package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/hupe1980/vecshard/internal/fs"
	"github.com/klauspost/compress/zstd"
)

// Reader iterates over a fixed range of WAL entries in sequence order.
// Readers are independent of each other and of concurrent appends.
type Reader struct {
	fs       fs.FileSystem
	segments []segment
	next     uint64 // next expected seq
	upper    uint64 // last seq visible to this reader
	dec      *zstd.Decoder

	f      fs.File
	r      *bufio.Reader
	header [recordHeaderSize]byte
	err    error
}

// Next returns the next entry. It returns io.EOF after the last entry that
// existed when the reader was created.
func (r *Reader) Next() (Entry, error) {
	if r.err != nil {
		return Entry{}, r.err
	}

	for {
		if r.next > r.upper {
			return Entry{}, r.fail(io.EOF)
		}

		if r.f == nil {
			if len(r.segments) == 0 {
				return Entry{}, r.fail(fmt.Errorf("%w: entries from seq %d missing", ErrCorrupt, r.next))
			}
			seg := r.segments[0]
			r.segments = r.segments[1:]

			f, err := r.fs.OpenFile(seg.path, os.O_RDONLY, 0)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					// Truncated underneath us.
					return Entry{}, r.fail(&CompactedError{Requested: r.next, FirstAvailable: seg.lastSeq + 1})
				}
				return Entry{}, r.fail(err)
			}
			if _, err := f.Seek(segmentHeaderSize, io.SeekStart); err != nil {
				f.Close()
				return Entry{}, r.fail(err)
			}
			r.f = f
			r.r = bufio.NewReader(f)
		}

		rec, _, err := readRecord(r.r, r.header[:])
		if errors.Is(err, io.EOF) {
			r.closeFile()
			continue
		}
		if err != nil {
			return Entry{}, r.fail(fmt.Errorf("%w: %w", ErrCorrupt, err))
		}
		if rec.seq < r.next {
			continue
		}
		if rec.seq > r.next {
			return Entry{}, r.fail(fmt.Errorf("%w: expected seq %d, found %d", ErrCorrupt, r.next, rec.seq))
		}

		payload := rec.payload
		if rec.flags&flagZstd != 0 {
			payload, err = r.dec.DecodeAll(rec.payload, nil)
			if err != nil {
				return Entry{}, r.fail(fmt.Errorf("%w: seq %d: %w", ErrCorrupt, rec.seq, err))
			}
		}

		r.next++
		return Entry{Seq: rec.seq, Payload: payload}, nil
	}
}

// All adapts the reader to a range-over-func iterator. Iteration stops at the
// end of the range or at the first error, which is yielded. The reader is
// closed when iteration ends.
func (r *Reader) All() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		defer r.Close()
		for {
			e, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the reader's file handle.
func (r *Reader) Close() error {
	r.closeFile()
	if r.err == nil {
		r.err = ErrClosed
	}
	return nil
}

func (r *Reader) fail(err error) error {
	r.closeFile()
	r.err = err
	return err
}

func (r *Reader) closeFile() {
	if r.f != nil {
		_ = r.f.Close()
		r.f = nil
		r.r = nil
	}
}
