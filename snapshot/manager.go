package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/vecshard/blobstore"
	"github.com/hupe1980/vecshard/internal/hash"
	"github.com/hupe1980/vecshard/internal/resource"
)

const (
	collectionsPrefix = "collections"
	fullPrefix        = "full"
	descSuffix        = ".json"
	archiveSuffix     = ".snapshot"

	// latestFull names the pointer to the newest full snapshot.
	latestFull = "full/CURRENT"

	nameTimeLayout = "2006-01-02-15-04-05.000000"
)

// Manager creates, lists, restores and deletes snapshots kept in a blob
// store. It is safe for concurrent use.
type Manager struct {
	store blobstore.BlobStore
	opts  options

	mu       sync.Mutex
	reserved map[string]struct{}
}

// NewManager creates a snapshot manager on top of store.
func NewManager(store blobstore.BlobStore, optFns ...Option) *Manager {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		store:    store,
		opts:     opts,
		reserved: make(map[string]struct{}),
	}
}

// Store returns the underlying blob store.
func (m *Manager) Store() blobstore.BlobStore { return m.store }

func collectionKey(collection, name string) string {
	return path.Join(collectionsPrefix, collection, name)
}

func fullKey(name string) string {
	return path.Join(fullPrefix, name)
}

// reserve picks a name no existing or in-flight snapshot uses.
func (m *Manager) reserve(ctx context.Context, scope string, key func(string) string, at time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := scope + "-" + at.UTC().Format(nameTimeLayout)
	for i := 0; ; i++ {
		name := base + archiveSuffix
		if i > 0 {
			name = base + "-" + strconv.Itoa(i) + archiveSuffix
		}
		k := key(name)
		if _, ok := m.reserved[k]; ok {
			continue
		}
		exists, err := blobstore.Exists(ctx, m.store, k+descSuffix)
		if err != nil {
			return "", err
		}
		if !exists {
			exists, err = blobstore.Exists(ctx, m.store, k)
			if err != nil {
				return "", err
			}
		}
		if exists {
			continue
		}
		m.reserved[k] = struct{}{}
		return name, nil
	}
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	delete(m.reserved, key)
	m.mu.Unlock()
}

func (m *Manager) tempDir(pattern string) (string, error) {
	return os.MkdirTemp(m.opts.tempDir, pattern)
}

// commit streams an archive produced by write into key. The archive is only
// visible once the blob commits; the description is stored last.
func (m *Manager) commit(ctx context.Context, key string, desc *Description, write func(w io.Writer) error) error {
	wb, err := m.store.Create(ctx, key)
	if err != nil {
		return err
	}

	cw := hash.NewChecksumWriter(resource.NewRateLimitedWriter(ctx, wb, m.opts.resources))
	if err := write(cw); err != nil {
		return errors.Join(err, wb.Abort())
	}
	if err := wb.Close(); err != nil {
		return err
	}

	desc.Size = cw.Written()
	desc.Checksum = cw.Sum32()
	desc.Compression = m.opts.compression.String()

	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, key+descSuffix, data); err != nil {
		// Without a description the archive is invisible; drop it.
		_ = m.store.Delete(ctx, key)
		return err
	}
	return nil
}

// Create captures sources into a new collection snapshot. config is stored
// verbatim in the manifest.
func (m *Manager) Create(ctx context.Context, collection string, config json.RawMessage, sources []Source) (Description, error) {
	start := time.Now()
	createdAt := m.opts.now()

	name, err := m.reserve(ctx, collection, func(n string) string { return collectionKey(collection, n) }, createdAt)
	if err != nil {
		return Description{}, err
	}
	key := collectionKey(collection, name)
	defer m.release(key)

	desc := Description{Name: name, Collection: collection, CreatedAt: createdAt}
	err = m.withTemp(func(tmp string) error {
		return m.commit(ctx, key, &desc, func(w io.Writer) error {
			man, err := writeCollection(ctx, w, m.opts.compression, Manifest{
				Collection: collection,
				Config:     config,
				CreatedAt:  createdAt,
			}, sources, tmp)
			for _, s := range man.Shards {
				desc.Shards = append(desc.Shards, ShardInfo{ShardID: s.ShardID, WALOffset: s.WALOffset})
			}
			return err
		})
	})

	elapsed := time.Since(start)
	m.opts.metrics.RecordSnapshot(collection, desc.Size, elapsed, err)
	m.opts.logger.WithCollection(collection).LogSnapshot(ctx, name, desc.Size, elapsed, err)
	if err != nil {
		return Description{}, err
	}
	return desc, nil
}

func (m *Manager) withTemp(fn func(tmp string) error) error {
	tmp, err := m.tempDir("vecshard-snapshot-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	return fn(tmp)
}

// List returns the snapshots of a collection, newest first.
func (m *Manager) List(ctx context.Context, collection string) ([]Description, error) {
	return m.list(ctx, collectionsPrefix+"/"+collection+"/")
}

func (m *Manager) list(ctx context.Context, prefix string) ([]Description, error) {
	names, err := m.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var out []Description
	for _, n := range names {
		if !strings.HasSuffix(n, archiveSuffix+descSuffix) {
			continue
		}
		desc, err := m.readDescription(ctx, n)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // deleted concurrently
			}
			return nil, err
		}
		out = append(out, desc)
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *Manager) readDescription(ctx context.Context, key string) (Description, error) {
	var desc Description
	data, err := blobstore.ReadAll(ctx, m.store, key)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return desc, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return desc, err
	}
	if err := json.Unmarshal(data, &desc); err != nil {
		return desc, corruptf("description %s: %v", key, err)
	}
	return desc, nil
}

// Describe returns the description of one collection snapshot.
func (m *Manager) Describe(ctx context.Context, collection, name string) (Description, error) {
	return m.readDescription(ctx, collectionKey(collection, name)+descSuffix)
}

// Open streams the raw archive of a collection snapshot.
func (m *Manager) Open(ctx context.Context, collection, name string) (io.ReadCloser, error) {
	return m.openRaw(ctx, collectionKey(collection, name))
}

func (m *Manager) openRaw(ctx context.Context, key string) (io.ReadCloser, error) {
	b, err := m.store.Open(ctx, key)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	rc, err := b.ReadRange(ctx, 0, b.Size())
	if err != nil {
		b.Close()
		return nil, err
	}
	return &blobReader{ReadCloser: rc, blob: b}, nil
}

type blobReader struct {
	io.ReadCloser
	blob blobstore.Blob
}

func (r *blobReader) Close() error {
	return errors.Join(r.ReadCloser.Close(), r.blob.Close())
}

// fetch downloads key, checks it against desc and extracts it via open.
func fetch[T any](ctx context.Context, m *Manager, key string, desc Description, open func(r io.Reader, dir string) (T, error)) (T, error) {
	var zero T

	rc, err := m.openRaw(ctx, key)
	if err != nil {
		return zero, err
	}
	defer rc.Close()

	dir, err := m.tempDir("vecshard-restore-")
	if err != nil {
		return zero, err
	}

	crc := hash.NewChecksumWriter(io.Discard)
	r := io.TeeReader(resource.NewRateLimitedReader(ctx, rc, m.opts.resources), crc)

	v, openErr := open(r, dir)
	// Drain trailing padding so the checksum covers the whole blob.
	_, drainErr := io.Copy(io.Discard, r)
	if drainErr == nil && (crc.Written() != desc.Size || crc.Sum32() != desc.Checksum) {
		// A damaged blob can fail in any layer; report it as what it is.
		_ = os.RemoveAll(dir)
		return zero, corruptf("%s does not match its description", key)
	}
	if err := errors.Join(openErr, drainErr); err != nil {
		_ = os.RemoveAll(dir)
		return zero, err
	}
	return v, nil
}

// Fetch downloads, verifies and extracts a collection snapshot. The caller
// must Close the archive.
func (m *Manager) Fetch(ctx context.Context, collection, name string) (*Archive, error) {
	desc, err := m.Describe(ctx, collection, name)
	if err != nil {
		return nil, err
	}
	a, err := fetch(ctx, m, collectionKey(collection, name), desc, func(r io.Reader, dir string) (*Archive, error) {
		return openArchive(ctx, r, dir)
	})
	if err != nil {
		return nil, err
	}
	if a.Manifest.Collection != collection {
		a.Close()
		return nil, corruptf("archive belongs to collection %q", a.Manifest.Collection)
	}
	return a, nil
}

// Delete removes a collection snapshot. The description goes first so the
// snapshot disappears from List before its archive is removed.
func (m *Manager) Delete(ctx context.Context, collection, name string) error {
	key := collectionKey(collection, name)
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
	return m.store.Delete(ctx, key)
}

// DeleteScope removes every snapshot of a collection.
func (m *Manager) DeleteScope(ctx context.Context, collection string) error {
	names, err := m.store.List(ctx, collectionsPrefix+"/"+collection+"/")
	if err != nil {
		return err
	}
	var errs []error
	// Descriptions first, as in Delete.
	for _, n := range names {
		if strings.HasSuffix(n, descSuffix) {
			errs = append(errs, m.store.Delete(ctx, n))
		}
	}
	for _, n := range names {
		if !strings.HasSuffix(n, descSuffix) {
			errs = append(errs, m.store.Delete(ctx, n))
		}
	}
	return errors.Join(errs...)
}
