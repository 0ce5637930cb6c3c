package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/replica"
	"github.com/hupe1980/vecshard/wal"
)

// Source is a shard whose state can be captured. *replica.Set implements it.
type Source interface {
	ShardID() model.ShardID
	// Freeze runs fn while no new entries are appended to log. state is
	// the replica to capture.
	Freeze(ctx context.Context, fn func(log *wal.WAL, state replica.Target) error) error
}

// captured is a shard staged on disk before it is archived.
type captured struct {
	dir      string
	manifest ShardManifest
}

// capture writes state files and the WAL tail of one shard into dir. The
// tail covers everything the state may be missing up to the current end of
// the log.
func capture(ctx context.Context, dir string, id model.ShardID, log *wal.WAL, state replica.Target) (*captured, error) {
	if err := os.MkdirAll(filepath.Join(dir, stateDir), 0o755); err != nil {
		return nil, err
	}
	seq, err := state.Capture(ctx, filepath.Join(dir, stateDir))
	if err != nil {
		return nil, fmt.Errorf("capture shard %d: %w", id, err)
	}

	offset := log.LastSeq()
	n, err := writeTail(filepath.Join(dir, tailName), log, seq+1, offset)
	if err != nil {
		return nil, fmt.Errorf("shard %d tail: %w", id, err)
	}

	return &captured{
		dir: dir,
		manifest: ShardManifest{
			ShardID:     id,
			WALOffset:   offset,
			BackendSeq:  seq,
			TailEntries: n,
		},
	}, nil
}

// captureFrozen captures src under its write freeze.
func captureFrozen(ctx context.Context, dir string, src Source) (*captured, error) {
	var c *captured
	err := src.Freeze(ctx, func(log *wal.WAL, state replica.Target) error {
		var err error
		c, err = capture(ctx, dir, src.ShardID(), log, state)
		return err
	})
	return c, err
}

func shardPrefix(id model.ShardID) string {
	return path.Join(shardsDir, strconv.FormatUint(uint64(id), 10))
}

// add archives a staged shard and fills in the file checksums.
func (c *captured) add(ctx context.Context, aw *archiveWriter) (ShardManifest, error) {
	prefix := shardPrefix(c.manifest.ShardID)
	files, err := aw.writeDir(ctx, prefix, c.dir)
	if err != nil {
		return ShardManifest{}, err
	}
	c.manifest.Files = files
	return c.manifest, nil
}

// writeCollection builds a collection archive from sources. Shards are
// captured one at a time; each capture pauses only its own shard.
func writeCollection(ctx context.Context, w io.Writer, comp Compression, m Manifest, sources []Source, tmp string) (Manifest, error) {
	m.FormatVersion = FormatVersion
	m.Kind = KindCollection

	aw, err := newArchiveWriter(w, comp)
	if err != nil {
		return m, err
	}

	for _, src := range sources {
		dir := filepath.Join(tmp, strconv.FormatUint(uint64(src.ShardID()), 10))
		c, err := captureFrozen(ctx, dir, src)
		if err != nil {
			return m, errors.Join(err, aw.Close())
		}
		sm, err := c.add(ctx, aw)
		if err != nil {
			return m, errors.Join(err, aw.Close())
		}
		m.Shards = append(m.Shards, sm)
		_ = os.RemoveAll(dir)
	}

	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return m, errors.Join(err, aw.Close())
	}
	// The manifest goes last: it carries the checksums of everything before.
	if err := aw.writeBytes(manifestName, data); err != nil {
		return m, errors.Join(err, aw.Close())
	}
	return m, aw.Close()
}

// Archive is an extracted and validated collection archive.
type Archive struct {
	Manifest Manifest
	dir      string
	cleanup  bool
}

// openArchive extracts r into dir and validates it.
func openArchive(ctx context.Context, r io.Reader, dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	a := &Archive{dir: dir, cleanup: true}
	if err := extract(ctx, r, dir); err != nil {
		a.Close()
		return nil, err
	}
	m, err := readManifest(dir)
	if err != nil {
		a.Close()
		return nil, err
	}
	if m.Kind != KindCollection {
		a.Close()
		return nil, corruptf("expected a collection archive, got %q", m.Kind)
	}
	for _, s := range m.Shards {
		if err := verifyFiles(filepath.Join(dir, filepath.FromSlash(shardPrefix(s.ShardID))), s.Files); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.Manifest = m
	return a, nil
}

func readManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, corruptf("missing manifest")
		}
		return m, err
	}
	// Check the version before trusting the rest of the layout.
	var probe struct {
		FormatVersion int `json:"format_version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return m, corruptf("manifest: %v", err)
	}
	if probe.FormatVersion != FormatVersion {
		return m, &VersionMismatchError{Got: probe.FormatVersion, Want: FormatVersion}
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, corruptf("manifest: %v", err)
	}
	return m, nil
}

// InstallShard loads the state of shard id into target and replays the tail.
// It returns the WAL offset the target has reached.
func (a *Archive) InstallShard(ctx context.Context, id model.ShardID, target replica.Target) (uint64, error) {
	sm, ok := a.Manifest.Shard(id)
	if !ok {
		return 0, fmt.Errorf("%w: shard %d not in archive", ErrNotFound, id)
	}
	return install(ctx, filepath.Join(a.dir, filepath.FromSlash(shardPrefix(id))), sm, target)
}

func install(ctx context.Context, dir string, sm ShardManifest, target replica.Target) (uint64, error) {
	if err := target.Install(ctx, filepath.Join(dir, stateDir)); err != nil {
		return 0, fmt.Errorf("install shard %d: %w", sm.ShardID, err)
	}
	n, err := replayTail(ctx, filepath.Join(dir, tailName), target)
	if err != nil {
		return 0, fmt.Errorf("replay shard %d: %w", sm.ShardID, err)
	}
	if n != sm.TailEntries {
		return 0, corruptf("shard %d: replayed %d tail entries, manifest lists %d", sm.ShardID, n, sm.TailEntries)
	}
	return sm.WALOffset, nil
}

// Close removes the extracted files.
func (a *Archive) Close() error {
	if !a.cleanup {
		return nil
	}
	a.cleanup = false
	return os.RemoveAll(a.dir)
}
