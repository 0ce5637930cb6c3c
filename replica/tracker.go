package replica

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// tracker follows which sequence numbers a replica has applied. The
// watermark is the highest seq below which nothing is missing; acks above it
// wait in a bitmap until the gap closes.
type tracker struct {
	mu        sync.Mutex
	watermark uint64
	pending   *roaring64.Bitmap
}

func newTracker(applied uint64) *tracker {
	return &tracker{watermark: applied, pending: roaring64.New()}
}

func (t *tracker) ack(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if seq <= t.watermark {
		return
	}
	if seq != t.watermark+1 {
		t.pending.Add(seq)
		return
	}
	t.watermark = seq
	for t.pending.Contains(t.watermark + 1) {
		t.watermark++
		t.pending.Remove(t.watermark)
	}
}

// reset moves the watermark to applied and forgets older acks.
func (t *tracker) reset(applied uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.watermark = applied
	t.pending.RemoveRange(0, applied+1)
	for t.pending.Contains(t.watermark + 1) {
		t.watermark++
		t.pending.Remove(t.watermark)
	}
}

func (t *tracker) applied() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watermark
}

// gaps returns how many acks are waiting above the watermark.
func (t *tracker) gaps() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending.GetCardinality()
}
