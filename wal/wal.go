package wal

import (
	"fmt"
	"os"
	"sync"

	"github.com/hupe1980/vecshard/internal/fs"
	"github.com/klauspost/compress/zstd"
)

// WAL is a durable, gapless, per-shard append log.
//
// Sequence numbers start at 1 (or at WithStartSeq) and grow by exactly one
// per successful Append. Entries are immutable once appended. The log is
// split into segment files so TruncateUpTo can drop old entries by deleting
// whole files.
type WAL struct {
	mu   sync.Mutex
	fs   fs.FileSystem
	dir  string
	opts options

	segments []*segment // sorted by firstSeq, last one is active
	file     fs.File    // active segment
	offset   int64      // logical bytes written across all segments
	nextSeq  uint64
	firstSeq uint64
	buf      []byte

	// Group commit state
	syncedOffset int64      // Offset known to be fsync'd
	syncing      bool       // Syncer is inside file.Sync
	syncCond     *sync.Cond // Signals the syncer that there is data to sync
	doneCond     *sync.Cond // Signals waiters that a sync completed
	closed       bool
	lastErr      error // Terminal error, sticky
	wg           sync.WaitGroup

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens or creates the WAL stored in dir.
func Open(dir string, optFns ...Option) (*WAL, error) {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}

	if err := o.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	truncated, err := readMeta(o.fs, dir)
	if err != nil {
		return nil, err
	}

	segs, err := listSegments(o.fs, dir)
	if err != nil {
		return nil, err
	}
	for i, seg := range segs {
		if err := scanSegment(o.fs, seg, i == len(segs)-1, o.logger); err != nil {
			return nil, err
		}
		if i > 0 && seg.firstSeq != segs[i-1].lastSeq+1 {
			return nil, fmt.Errorf("%w: gap between %s and %s", ErrCorrupt, segs[i-1].path, seg.path)
		}
	}

	w := &WAL{
		fs:   o.fs,
		dir:  dir,
		opts: o,
	}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	w.dec, err = zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	if o.compress {
		w.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(o.level)))
		if err != nil {
			w.dec.Close()
			return nil, err
		}
	}

	if len(segs) == 0 {
		w.nextSeq = max(o.startSeq, truncated+1)
		seg, f, err := createSegment(o.fs, dir, w.nextSeq)
		if err != nil {
			w.closeCodecs()
			return nil, err
		}
		w.segments = []*segment{seg}
		w.file = f
		w.firstSeq = w.nextSeq
	} else {
		active := segs[len(segs)-1]
		f, err := o.fs.OpenFile(active.path, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			w.closeCodecs()
			return nil, err
		}
		w.file = f
		w.nextSeq = active.lastSeq + 1
		w.firstSeq = max(segs[0].firstSeq, truncated+1)

		// Drop sealed segments that an earlier truncation could not delete.
		kept := make([]*segment, 0, len(segs))
		for i, seg := range segs {
			if i < len(segs)-1 && seg.lastSeq < w.firstSeq {
				if err := o.fs.Remove(seg.path); err != nil && !os.IsNotExist(err) {
					o.logger.Warn("failed to remove compacted WAL segment", "segment", seg.path, "error", err)
				}
				continue
			}
			kept = append(kept, seg)
		}
		w.segments = kept
	}

	for _, seg := range w.segments {
		w.offset += seg.size
	}
	w.syncedOffset = w.offset

	if o.durability == DurabilitySync {
		w.wg.Add(1)
		go w.runSyncer()
	}

	o.logger.Debug("WAL opened",
		"dir", dir,
		"first_seq", w.firstSeq,
		"last_seq", w.nextSeq-1,
		"segments", len(w.segments),
	)
	return w, nil
}

func (w *WAL) closeCodecs() {
	if w.enc != nil {
		_ = w.enc.Close()
	}
	w.dec.Close()
}

// Dir returns the directory of the log.
func (w *WAL) Dir() string { return w.dir }

// LastSeq returns the sequence number of the newest entry, or FirstSeq()-1
// when the log holds no entries.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq - 1
}

// FirstSeq returns the oldest retained sequence number.
func (w *WAL) FirstSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.firstSeq
}

// Size returns the current size of all retained segments in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int64
	for _, seg := range w.segments {
		n += seg.size
	}
	return n
}

// Err returns the sticky failure, if any.
func (w *WAL) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		// Wait until there is data to sync or we are closed
		for w.offset <= w.syncedOffset && !w.closed && w.lastErr == nil {
			w.syncCond.Wait()
		}
		if w.lastErr != nil {
			return
		}
		if w.closed && w.offset <= w.syncedOffset {
			return
		}

		target := w.offset
		f := w.file
		w.syncing = true

		w.mu.Unlock()
		err := f.Sync()
		w.mu.Lock()

		w.syncing = false
		if err != nil {
			w.failLocked(fmt.Errorf("sync: %w", err))
			return
		}
		if target > w.syncedOffset {
			w.syncedOffset = target
		}
		w.doneCond.Broadcast()
	}
}

func (w *WAL) failLocked(err error) error {
	if w.lastErr == nil {
		w.lastErr = fmt.Errorf("%w: %w", ErrFailed, err)
		w.opts.logger.Error("WAL failed", "dir", w.dir, "error", err)
	}
	w.doneCond.Broadcast()
	return w.lastErr
}

// Append durably writes payload and returns its sequence number.
// In DurabilitySync mode it returns only after the entry is fsync'd.
func (w *WAL) Append(payload []byte) (uint64, error) {
	seq, end, err := w.AppendAsync(payload)
	if err != nil {
		return 0, err
	}
	if w.opts.durability == DurabilitySync {
		if err := w.WaitFor(end); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// AppendAsync writes payload to the active segment without waiting for fsync.
// It returns the sequence number and the logical end offset to pass to WaitFor.
func (w *WAL) AppendAsync(payload []byte) (uint64, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var flags byte
	if w.enc != nil {
		payload = w.enc.EncodeAll(payload, nil)
		flags |= flagZstd
	}
	if len(payload) > maxRecordSize {
		return 0, 0, ErrRecordTooLarge
	}

	for {
		if w.closed {
			return 0, 0, ErrClosed
		}
		if w.lastErr != nil {
			return 0, 0, w.lastErr
		}
		active := w.segments[len(w.segments)-1]
		if active.size < w.opts.segmentSize || active.empty() {
			break
		}
		if w.syncing {
			w.doneCond.Wait()
			continue
		}
		if err := w.rotateLocked(); err != nil {
			return 0, 0, w.failLocked(err)
		}
	}

	seq := w.nextSeq
	w.buf = appendRecord(w.buf[:0], seq, flags, payload)
	if _, err := w.file.Write(w.buf); err != nil {
		return 0, 0, w.failLocked(err)
	}

	n := int64(len(w.buf))
	active := w.segments[len(w.segments)-1]
	active.size += n
	active.lastSeq = seq
	w.offset += n
	w.nextSeq++

	if w.opts.durability == DurabilitySync {
		w.syncCond.Signal()
	}
	return seq, w.offset, nil
}

// rotateLocked seals the active segment and starts a new one.
func (w *WAL) rotateLocked() error {
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.syncedOffset = w.offset

	seg, f, err := createSegment(w.fs, w.dir, w.nextSeq)
	if err != nil {
		return err
	}
	w.segments = append(w.segments, seg)
	w.file = f
	w.offset += seg.size
	w.syncedOffset = w.offset

	w.opts.logger.Debug("WAL segment rotated", "dir", w.dir, "first_seq", seg.firstSeq)
	return nil
}

// WaitFor waits until the WAL is synced up to the given logical offset.
func (w *WAL) WaitFor(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.syncedOffset < offset && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if w.closed && w.syncedOffset < offset {
		return ErrClosed
	}
	return nil
}

// Sync ensures all written entries are committed to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}

	if w.opts.durability == DurabilityAsync {
		if err := w.file.Sync(); err != nil {
			return w.failLocked(err)
		}
		w.syncedOffset = w.offset
		return nil
	}

	target := w.offset
	w.syncCond.Signal()
	for w.syncedOffset < target && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	return w.lastErr
}

// ReadFrom returns a reader over the entries [seq, LastSeq()] as of the call.
// Sequence 0 is treated as 1. A seq below FirstSeq fails with *CompactedError.
func (w *WAL) ReadFrom(seq uint64) (*Reader, error) {
	if seq == 0 {
		seq = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}
	if seq < w.firstSeq {
		return nil, &CompactedError{Requested: seq, FirstAvailable: w.firstSeq}
	}

	var segs []segment
	for _, seg := range w.segments {
		if !seg.empty() && seg.lastSeq >= seq {
			segs = append(segs, *seg)
		}
	}

	return &Reader{
		fs:       w.fs,
		segments: segs,
		next:     seq,
		upper:    w.nextSeq - 1,
		dec:      w.dec,
	}, nil
}

// TruncateUpTo discards every entry with a sequence number <= seq. It is
// clamped to LastSeq. Callers must have proven that all consumers applied
// those entries.
func (w *WAL) TruncateUpTo(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	seq = min(seq, w.nextSeq-1)
	if seq < w.firstSeq {
		return nil
	}

	if err := writeMeta(w.fs, w.dir, seq); err != nil {
		return err
	}
	w.firstSeq = seq + 1

	kept := make([]*segment, 0, len(w.segments))
	removed := 0
	for i, seg := range w.segments {
		if i < len(w.segments)-1 && seg.lastSeq <= seq {
			if err := w.fs.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				w.opts.logger.Warn("failed to remove compacted WAL segment", "segment", seg.path, "error", err)
				kept = append(kept, seg)
				continue
			}
			removed++
			continue
		}
		kept = append(kept, seg)
	}
	w.segments = kept

	if removed > 0 {
		if err := fs.SyncDir(w.fs, w.dir); err != nil {
			return err
		}
	}

	w.opts.logger.Debug("WAL truncated",
		"dir", w.dir,
		"through", seq,
		"segments_removed", removed,
	)
	return nil
}

// Close flushes and closes the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	w.syncCond.Signal() // Wake up syncer to exit
	w.mu.Unlock()

	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	var err error
	if w.lastErr == nil && w.syncedOffset < w.offset {
		err = w.file.Sync()
	}
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.closeCodecs()
	return err
}
