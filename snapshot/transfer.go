package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/hupe1980/vecshard/internal/resource"
	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/replica"
	"github.com/hupe1980/vecshard/wal"
)

var _ replica.Transferer = (*Manager)(nil)

// Transfer streams donor's state through the archive format into recipient.
// The donor keeps accepting writes; the WAL tail covers what arrived during
// the capture and the caller catches up the rest from log.
func (m *Manager) Transfer(ctx context.Context, id model.ShardID, log *wal.WAL, donor, recipient replica.Target) (uint64, error) {
	start := time.Now()
	var offset uint64
	err := m.withTemp(func(tmp string) error {
		c, err := capture(ctx, filepath.Join(tmp, "out"), id, log, donor)
		if err != nil {
			return err
		}

		pr, pw := io.Pipe()
		written := make(chan ShardManifest, 1)
		go func() {
			var sm ShardManifest
			aw, err := newArchiveWriter(resource.NewRateLimitedWriter(ctx, pw, m.opts.resources), m.opts.compression)
			if err == nil {
				var addErr error
				sm, addErr = c.add(ctx, aw)
				err = errors.Join(addErr, aw.Close())
			}
			pw.CloseWithError(err)
			written <- sm
		}()

		in := filepath.Join(tmp, "in")
		if err := extract(ctx, pr, in); err != nil {
			pr.CloseWithError(err)
			<-written
			return err
		}
		// Drain so the writer can finish the compressed stream.
		_, _ = io.Copy(io.Discard, pr)
		sm := <-written

		dir := filepath.Join(in, filepath.FromSlash(shardPrefix(id)))
		if err := verifyFiles(dir, sm.Files); err != nil {
			return err
		}
		offset, err = install(ctx, dir, sm, recipient)
		return err
	})

	m.opts.logger.WithShard(uint32(id)).Debug("shard transfer finished",
		"wal_offset", offset,
		"elapsed", time.Since(start),
		"error", err,
	)
	if err != nil {
		return 0, fmt.Errorf("transfer shard %d: %w", id, err)
	}
	return offset, nil
}
