package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hupe1980/vecshard/internal/fs"
	"github.com/hupe1980/vecshard/internal/hash"
	"github.com/hupe1980/vecshard/logging"
)

const (
	segmentMagic      = "VSHRDWAL" // 8 bytes
	segmentVersion    = 1          // 4 bytes
	segmentHeaderSize = 12

	segmentPrefix = "wal-"
	segmentSuffix = ".log"
	metaFileName  = "wal.meta"
)

// segment is one file of the log. Segments are named after the sequence
// number of their first entry.
type segment struct {
	path     string
	firstSeq uint64
	lastSeq  uint64 // firstSeq-1 while empty
	size     int64
}

func (s *segment) empty() bool { return s.lastSeq < s.firstSeq }

func segmentName(firstSeq uint64) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, firstSeq, segmentSuffix)
}

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
	if err != nil || seq == 0 {
		return 0, false
	}
	return seq, true
}

func listSegments(fsys fs.FileSystem, dir string) ([]*segment, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var segs []*segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		first, ok := parseSegmentName(e.Name())
		if !ok {
			continue
		}
		segs = append(segs, &segment{
			path:     filepath.Join(dir, e.Name()),
			firstSeq: first,
			lastSeq:  first - 1,
		})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].firstSeq < segs[j].firstSeq })
	return segs, nil
}

func writeSegmentHeader(w io.Writer) error {
	header := make([]byte, segmentHeaderSize)
	copy(header[0:8], segmentMagic)
	binary.LittleEndian.PutUint32(header[8:12], uint32(segmentVersion))
	_, err := w.Write(header)
	return err
}

func checkSegmentHeader(header []byte) error {
	if string(header[0:8]) != segmentMagic {
		return fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[0:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != segmentVersion {
		return fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, segmentVersion)
	}
	return nil
}

// createSegment creates a new, empty, durable segment file.
func createSegment(fsys fs.FileSystem, dir string, firstSeq uint64) (*segment, fs.File, error) {
	path := filepath.Join(dir, segmentName(firstSeq))
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	if err := writeSegmentHeader(f); err != nil {
		f.Close()
		return nil, nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, nil, err
	}
	if err := fs.SyncDir(fsys, dir); err != nil {
		f.Close()
		return nil, nil, err
	}
	return &segment{
		path:     path,
		firstSeq: firstSeq,
		lastSeq:  firstSeq - 1,
		size:     segmentHeaderSize,
	}, f, nil
}

// scanSegment validates a segment and fills in lastSeq and size. With
// repair set (the newest segment only) a torn tail is cut off instead of
// being reported.
func scanSegment(fsys fs.FileSystem, seg *segment, repair bool, logger *logging.Logger) error {
	f, err := fsys.OpenFile(seg.path, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	header := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		if !repair {
			return fmt.Errorf("%w: %s: %w", ErrInvalidHeader, seg.path, err)
		}
		// Crashed while creating the segment.
		logger.Warn("rewriting torn WAL segment header", "segment", seg.path)
		seg.lastSeq = seg.firstSeq - 1
		seg.size = segmentHeaderSize
		return rewriteSegmentHeader(fsys, seg.path)
	}
	if err := checkSegmentHeader(header); err != nil {
		return err
	}

	r := bufio.NewReader(f)
	valid := int64(segmentHeaderSize)
	expected := seg.firstSeq
	scratch := make([]byte, recordHeaderSize)

	for {
		rec, n, err := readRecord(r, scratch)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !repair {
				return fmt.Errorf("%w: %s at offset %d: %w", ErrCorrupt, seg.path, valid, err)
			}
			logger.Warn("truncating torn WAL tail",
				"segment", seg.path,
				"offset", valid,
				"error", err,
			)
			if err := fsys.Truncate(seg.path, valid); err != nil {
				return err
			}
			break
		}
		if rec.seq != expected {
			return fmt.Errorf("%w: %s: expected seq %d, found %d", ErrCorrupt, seg.path, expected, rec.seq)
		}
		expected++
		valid += n
	}

	seg.lastSeq = expected - 1
	seg.size = valid
	return nil
}

func rewriteSegmentHeader(fsys fs.FileSystem, path string) error {
	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := writeSegmentHeader(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readMeta returns the persisted truncation watermark (0 if none).
func readMeta(fsys fs.FileSystem, dir string) (uint64, error) {
	data, err := fs.ReadFile(fsys, filepath.Join(dir, metaFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	if len(data) != 12 {
		return 0, fmt.Errorf("%w: meta file has %d bytes", ErrCorrupt, len(data))
	}
	if hash.CRC32C(data[:8]) != binary.LittleEndian.Uint32(data[8:12]) {
		return 0, fmt.Errorf("%w: meta checksum mismatch", ErrCorrupt)
	}
	return binary.LittleEndian.Uint64(data[:8]), nil
}

func writeMeta(fsys fs.FileSystem, dir string, truncatedThrough uint64) error {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint64(data[:8], truncatedThrough)
	binary.LittleEndian.PutUint32(data[8:12], hash.CRC32C(data[:8]))
	return fs.WriteFileAtomic(fsys, filepath.Join(dir, metaFileName), data, 0o644)
}
