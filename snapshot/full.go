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
	"strings"
	"time"

	"github.com/hupe1980/vecshard/blobstore"
	"github.com/hupe1980/vecshard/internal/hash"
)

// CollectionSource is one collection captured into a full snapshot.
type CollectionSource struct {
	Name    string
	Config  json.RawMessage
	Sources []Source
}

// CreateFull snapshots every collection in cols plus storage-level meta into
// one archive. Each collection is stored as a nested collection archive.
func (m *Manager) CreateFull(ctx context.Context, cols []CollectionSource, meta json.RawMessage) (Description, error) {
	start := time.Now()
	createdAt := m.opts.now()

	name, err := m.reserve(ctx, "full-snapshot", fullKey, createdAt)
	if err != nil {
		return Description{}, err
	}
	key := fullKey(name)
	defer m.release(key)

	desc := Description{Name: name, CreatedAt: createdAt}
	for _, c := range cols {
		desc.Collections = append(desc.Collections, c.Name)
	}

	err = m.withTemp(func(tmp string) error {
		nested := make([]string, 0, len(cols))
		for _, c := range cols {
			p, err := m.writeNested(ctx, tmp, c, createdAt)
			if err != nil {
				return fmt.Errorf("collection %s: %w", c.Name, err)
			}
			nested = append(nested, p)
		}
		return m.commit(ctx, key, &desc, func(w io.Writer) error {
			return writeFull(w, m.opts.compression, cols, nested, meta, createdAt)
		})
	})

	elapsed := time.Since(start)
	m.opts.metrics.RecordSnapshot("", desc.Size, elapsed, err)
	m.opts.logger.LogSnapshot(ctx, name, desc.Size, elapsed, err)
	if err != nil {
		return Description{}, err
	}

	if err := m.store.Put(ctx, latestFull, []byte(name)); err != nil {
		return desc, fmt.Errorf("update latest full snapshot: %w", err)
	}
	return desc, nil
}

func (m *Manager) writeNested(ctx context.Context, tmp string, c CollectionSource, createdAt time.Time) (string, error) {
	p := filepath.Join(tmp, c.Name+archiveSuffix)
	f, err := os.Create(p)
	if err != nil {
		return "", err
	}
	work := filepath.Join(tmp, "work-"+c.Name)
	defer os.RemoveAll(work)

	_, err = writeCollection(ctx, f, m.opts.compression, Manifest{
		Collection: c.Name,
		Config:     c.Config,
		CreatedAt:  createdAt,
	}, c.Sources, work)
	if err != nil {
		f.Close()
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", err
	}
	return p, f.Close()
}

func writeFull(w io.Writer, comp Compression, cols []CollectionSource, nested []string, meta json.RawMessage, createdAt time.Time) error {
	aw, err := newArchiveWriter(w, comp)
	if err != nil {
		return err
	}

	man := Manifest{
		FormatVersion: FormatVersion,
		Kind:          KindFull,
		CreatedAt:     createdAt,
		Files:         make(map[string]uint32, len(cols)+1),
	}
	for i, c := range cols {
		name := path.Join(nestedDir, c.Name+archiveSuffix)
		sum, err := aw.writeFile(name, nested[i])
		if err != nil {
			return errors.Join(err, aw.Close())
		}
		man.Files[name] = sum
		man.Collections = append(man.Collections, c.Name)
	}

	if len(meta) == 0 {
		meta = json.RawMessage("{}")
	}
	if err := aw.writeBytes(metaName, meta); err != nil {
		return errors.Join(err, aw.Close())
	}
	man.Files[metaName] = hash.CRC32C(meta)

	data, err := json.MarshalIndent(&man, "", "  ")
	if err != nil {
		return errors.Join(err, aw.Close())
	}
	if err := aw.writeBytes(manifestName, data); err != nil {
		return errors.Join(err, aw.Close())
	}
	return aw.Close()
}

// ListFull returns the full snapshots, newest first.
func (m *Manager) ListFull(ctx context.Context) ([]Description, error) {
	return m.list(ctx, fullPrefix+"/")
}

// DescribeFull returns the description of one full snapshot.
func (m *Manager) DescribeFull(ctx context.Context, name string) (Description, error) {
	return m.readDescription(ctx, fullKey(name)+descSuffix)
}

// OpenFull streams the raw archive of a full snapshot.
func (m *Manager) OpenFull(ctx context.Context, name string) (io.ReadCloser, error) {
	return m.openRaw(ctx, fullKey(name))
}

// LatestFull returns the name of the newest full snapshot.
func (m *Manager) LatestFull(ctx context.Context) (string, error) {
	data, err := blobstore.ReadAll(ctx, m.store, latestFull)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return "", fmt.Errorf("%w: no full snapshot", ErrNotFound)
		}
		return "", err
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", fmt.Errorf("%w: no full snapshot", ErrNotFound)
	}
	return name, nil
}

// DeleteFull removes a full snapshot. If it was the latest, the pointer
// moves to the next newest one.
func (m *Manager) DeleteFull(ctx context.Context, name string) error {
	key := fullKey(name)
	exists, err := blobstore.Exists(ctx, m.store, key+descSuffix)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := m.store.Delete(ctx, key+descSuffix); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, key); err != nil {
		return err
	}

	latest, err := m.LatestFull(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if latest != name {
		return nil
	}
	rest, err := m.ListFull(ctx)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return m.store.Delete(ctx, latestFull)
	}
	return m.store.Put(ctx, latestFull, []byte(rest[0].Name))
}

// FullArchive is an extracted and validated full snapshot.
type FullArchive struct {
	Manifest Manifest
	// Meta is the storage-level document passed to CreateFull.
	Meta json.RawMessage
	dir  string
}

// FetchFull downloads, verifies and extracts a full snapshot. The caller
// must Close the archive.
func (m *Manager) FetchFull(ctx context.Context, name string) (*FullArchive, error) {
	desc, err := m.DescribeFull(ctx, name)
	if err != nil {
		return nil, err
	}
	return fetch(ctx, m, fullKey(name), desc, func(r io.Reader, dir string) (*FullArchive, error) {
		return openFullArchive(ctx, r, dir)
	})
}

func openFullArchive(ctx context.Context, r io.Reader, dir string) (*FullArchive, error) {
	fa := &FullArchive{dir: dir}
	if err := extract(ctx, r, dir); err != nil {
		fa.Close()
		return nil, err
	}
	man, err := readManifest(dir)
	if err != nil {
		fa.Close()
		return nil, err
	}
	if man.Kind != KindFull {
		fa.Close()
		return nil, corruptf("expected a full archive, got %q", man.Kind)
	}
	if err := verifyFiles(dir, man.Files); err != nil {
		fa.Close()
		return nil, err
	}
	meta, err := os.ReadFile(filepath.Join(dir, metaName))
	if err != nil {
		fa.Close()
		return nil, corruptf("meta: %v", err)
	}
	fa.Manifest = man
	fa.Meta = meta
	return fa, nil
}

// Collection extracts the nested archive of one collection. The returned
// archive is removed together with fa.
func (fa *FullArchive) Collection(ctx context.Context, name string) (*Archive, error) {
	f, err := os.Open(filepath.Join(fa.dir, nestedDir, name+archiveSuffix))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: collection %s not in archive", ErrNotFound, name)
		}
		return nil, err
	}
	defer f.Close()

	a, err := openArchive(ctx, f, filepath.Join(fa.dir, "extracted", name))
	if err != nil {
		return nil, err
	}
	if a.Manifest.Collection != name {
		a.Close()
		return nil, corruptf("nested archive %s belongs to %q", name, a.Manifest.Collection)
	}
	return a, nil
}

// Close removes the extracted files.
func (fa *FullArchive) Close() error {
	if fa.dir == "" {
		return nil
	}
	dir := fa.dir
	fa.dir = ""
	return os.RemoveAll(dir)
}
