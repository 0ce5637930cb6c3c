package wal

import (
	"fmt"
	"strings"

	"github.com/hupe1980/vecshard/internal/fs"
	"github.com/hupe1980/vecshard/logging"
)

// Durability controls the durability guarantees of the WAL.
type Durability int

const (
	// DurabilityAsync relies on the OS page cache. Fast but risky.
	DurabilityAsync Durability = iota
	// DurabilitySync waits for fsync before Append returns. Concurrent
	// appenders share one fsync (group commit).
	DurabilitySync
)

func (d Durability) String() string {
	switch d {
	case DurabilityAsync:
		return "async"
	case DurabilitySync:
		return "sync"
	default:
		return fmt.Sprintf("durability(%d)", int(d))
	}
}

// ParseDurability parses "async" or "sync".
func ParseDurability(s string) (Durability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sync":
		return DurabilitySync, nil
	case "async":
		return DurabilityAsync, nil
	default:
		return 0, fmt.Errorf("unknown WAL durability %q", s)
	}
}

const (
	// DefaultSegmentSize is the size after which a new segment is started.
	DefaultSegmentSize = 32 << 20
	// DefaultCompressionLevel is the zstd level used when compression is on.
	DefaultCompressionLevel = 3
)

type options struct {
	fs          fs.FileSystem
	durability  Durability
	segmentSize int64
	compress    bool
	level       int
	startSeq    uint64
	logger      *logging.Logger
}

func defaultOptions() options {
	return options{
		fs:          fs.Default,
		durability:  DurabilitySync,
		segmentSize: DefaultSegmentSize,
		level:       DefaultCompressionLevel,
		startSeq:    1,
		logger:      logging.NoopLogger(),
	}
}

// Option configures a WAL.
type Option func(*options)

// WithFileSystem sets the file system (tests inject fs.FaultyFS).
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		if fsys != nil {
			o.fs = fsys
		}
	}
}

// WithDurability sets the durability mode. Default is DurabilitySync.
func WithDurability(d Durability) Option {
	return func(o *options) {
		o.durability = d
	}
}

// WithSegmentSize sets the segment rotation threshold in bytes.
func WithSegmentSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.segmentSize = n
		}
	}
}

// WithCompression enables per-record zstd compression at the given level (1-22).
// A level <= 0 uses DefaultCompressionLevel.
func WithCompression(level int) Option {
	return func(o *options) {
		o.compress = true
		if level > 0 {
			o.level = level
		}
	}
}

// WithStartSeq sets the first sequence number of an empty log. It is ignored
// when the directory already holds entries. Restored shards use it to keep
// numbering contiguous with the snapshot they came from.
func WithStartSeq(seq uint64) Option {
	return func(o *options) {
		if seq > 0 {
			o.startSeq = seq
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		o.logger = logging.OrNoop(l)
	}
}
