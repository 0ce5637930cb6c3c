package vecshard

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hupe1980/vecshard/blobstore"
	"github.com/hupe1980/vecshard/collection"
	"github.com/hupe1980/vecshard/internal/resource"
	"github.com/hupe1980/vecshard/snapshot"
)

const (
	collectionsDir = "collections"
	generationsDir = "generations"
	replicasDir    = "replicas"
	snapshotsDir   = "snapshots"
	tmpDir         = "tmp"
)

// Storage is the table of contents of a node: it owns every collection, the
// alias table and the snapshot manager, and persists collection descriptors
// and aliases in a registry below the data dir.
//
// Structural operations (create, update, delete, alias updates, restores)
// run under a commit timeout: when it expires the caller gets ErrTimeout
// while the operation continues in the background. They are serialized per
// name; point operations never wait for them.
type Storage struct {
	dir       string
	opts      options
	logger    *Logger
	reg       *registry
	snapshots *snapshot.Manager
	resources *resource.Controller

	// structMu is held shared by structural operations and exclusively by
	// full snapshots and full restores, which need one consistent cut.
	structMu sync.RWMutex
	// names serializes structural operations on the same name.
	names *nameLocks
	// aliasMu serializes writers of the alias table.
	aliasMu sync.Mutex

	// mu guards the collection and alias tables. It is only held to read or
	// swap entries, never across I/O on a collection.
	mu          sync.RWMutex
	collections map[string]*collection.Collection
	aliases     map[string]string

	lifeMu sync.RWMutex
	closed bool
	bg     sync.WaitGroup
}

// Open opens the storage in dir and reopens every registered collection.
// Local replicas are caught up from their WALs before Open returns.
func Open(ctx context.Context, dir string, optFns ...Option) (*Storage, error) {
	if dir == "" {
		return nil, errors.New("data dir is required")
	}
	opts := applyOptions(optFns)
	if err := opts.topology.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, tmpDir), 0o755); err != nil {
		return nil, err
	}

	reg, err := openRegistry(dir)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		dir:         dir,
		opts:        opts,
		logger:      opts.logger,
		reg:         reg,
		names:       newNameLocks(),
		collections: make(map[string]*collection.Collection),
		resources: resource.NewController(resource.Config{
			MaxBackgroundJobs:  opts.backgroundJobs,
			IOLimitBytesPerSec: opts.ioLimit,
		}),
	}
	if s.opts.connector == nil {
		s.opts.connector = collection.NewLocalConnector(filepath.Join(dir, replicasDir), opts.backend)
	}
	if s.opts.blobStore == nil {
		s.opts.blobStore = blobstore.NewLocalStore(filepath.Join(dir, snapshotsDir))
	}
	s.snapshots = snapshot.NewManager(s.opts.blobStore, append([]snapshot.Option{
		snapshot.WithTempDir(filepath.Join(dir, tmpDir)),
		snapshot.WithLogger(opts.logger),
		snapshot.WithMetrics(opts.metrics),
		snapshot.WithResourceController(s.resources),
	}, opts.snapshotOptions...)...)

	descs, aliases, err := reg.load()
	if err != nil {
		reg.close()
		return nil, fmt.Errorf("load registry: %w", err)
	}
	for _, name := range slices.Sorted(maps.Keys(descs)) {
		c, err := collection.Open(ctx, s.collectionDir(descs[name]), descs[name], s.collectionOptions()...)
		if err != nil {
			var merr *multierror.Error
			for _, c := range s.collections {
				merr = multierror.Append(merr, c.Close())
			}
			merr = multierror.Append(merr, fmt.Errorf("open collection %s: %w", name, err), reg.close())
			return nil, merr.ErrorOrNil()
		}
		s.collections[name] = c
	}

	s.sweep(ctx)

	s.aliases = make(map[string]string, len(aliases))
	for alias, target := range aliases {
		if _, ok := s.collections[target]; !ok {
			s.logger.WarnContext(ctx, "dropping dangling alias", "alias", alias, "collection", target)
			continue
		}
		s.aliases[alias] = target
	}
	s.logger.InfoContext(ctx, "storage opened",
		"dir", dir,
		"collections", len(s.collections),
		"aliases", len(s.aliases),
	)
	return s, nil
}

// collectionDir holds the shard WALs of one collection instance. Restored
// generations live apart from the first one, so building one never touches
// the live instance.
func (s *Storage) collectionDir(d collection.Descriptor) string {
	if d.Generation == 0 {
		return filepath.Join(s.dir, collectionsDir, d.Name)
	}
	return filepath.Join(s.dir, generationsDir, d.Name, strconv.FormatUint(d.Generation, 10))
}

// sweep removes WAL dirs of instances that are no longer registered, left
// behind by a crash during a delete or restore.
func (s *Storage) sweep(ctx context.Context) {
	remove := func(dir string) {
		s.logger.WarnContext(ctx, "removing stale collection data", "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			s.logger.WarnContext(ctx, "cannot remove stale collection data", "dir", dir, "error", err)
		}
	}
	live := func(name string, gen uint64) bool {
		c, ok := s.collections[name]
		return ok && c.Generation() == gen
	}

	if entries, err := os.ReadDir(filepath.Join(s.dir, collectionsDir)); err == nil {
		for _, e := range entries {
			if !live(e.Name(), 0) {
				remove(filepath.Join(s.dir, collectionsDir, e.Name()))
			}
		}
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, generationsDir))
	if err != nil {
		return
	}
	for _, e := range entries {
		dir := filepath.Join(s.dir, generationsDir, e.Name())
		gens, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		kept := 0
		for _, g := range gens {
			gen, err := strconv.ParseUint(g.Name(), 10, 64)
			if err == nil && live(e.Name(), gen) {
				kept++
				continue
			}
			remove(filepath.Join(dir, g.Name()))
		}
		if kept == 0 {
			_ = os.Remove(dir)
		}
	}
}

func (s *Storage) collectionOptions(extra ...collection.Option) []collection.Option {
	return append([]collection.Option{
		collection.WithTopology(s.opts.topology),
		collection.WithConnector(s.opts.connector),
		collection.WithTransferer(s.snapshots),
		collection.WithResourceController(s.resources),
		collection.WithLogger(s.logger),
		collection.WithMetrics(s.opts.metrics),
		collection.WithVirtualNodes(s.opts.virtualNodes),
		collection.WithWALOptions(s.opts.walOptions...),
		collection.WithReplicaOptions(s.opts.replicaOptions...),
		collection.WithOnChange(s.persist),
	}, extra...)
}

// persist stores a changed descriptor. Collections being deleted are
// skipped by the registry.
func (s *Storage) persist(d collection.Descriptor) {
	if err := s.reg.updateCollection(d); err != nil {
		s.logger.Error("cannot persist collection descriptor",
			"collection", d.Name,
			"error", err,
		)
	}
}

// Snapshots returns the snapshot manager.
func (s *Storage) Snapshots() *snapshot.Manager { return s.snapshots }

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || len(name) > 255 || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func (s *Storage) isClosed() bool {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()
	return s.closed
}

// Collection returns the collection called name or aliased as name.
func (s *Storage) Collection(name string) (*collection.Collection, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(name)
}

// lockCollection resolves name and takes the structural lock of the
// collection it denotes. The lookup is repeated under the lock so a
// concurrent delete or restore is observed.
func (s *Storage) lockCollection(name string) (*collection.Collection, func(), error) {
	for {
		c, err := s.Collection(name)
		if err != nil {
			return nil, nil, err
		}
		unlock := s.names.lock(c.Name())
		s.mu.RLock()
		cur, ok := s.collections[c.Name()]
		s.mu.RUnlock()
		if ok && cur == c {
			return c, unlock, nil
		}
		unlock()
		if !ok {
			return nil, nil, notFound(name)
		}
	}
}

func (s *Storage) resolveLocked(name string) (*collection.Collection, error) {
	if c, ok := s.collections[name]; ok {
		return c, nil
	}
	if target, ok := s.aliases[name]; ok {
		if c, ok := s.collections[target]; ok {
			return c, nil
		}
	}
	return nil, notFound(name)
}

// commit runs fn detached from ctx's cancellation and waits for it at most
// timeout (the default commit timeout if zero). On expiry it returns a
// *TimeoutError; fn keeps running and Close waits for it.
func (s *Storage) commit(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	s.lifeMu.RLock()
	if s.closed {
		s.lifeMu.RUnlock()
		return ErrClosed
	}
	s.bg.Add(1)
	s.lifeMu.RUnlock()

	if timeout <= 0 {
		timeout = s.opts.commitTimeout
	}

	done := make(chan error, 1)
	detached := context.WithoutCancel(ctx)
	go func() {
		defer s.bg.Done()
		done <- fn(detached)
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case err := <-done:
		return err
	case <-expired:
		s.logger.WarnContext(ctx, "operation continues after commit timeout",
			"operation", op,
			"timeout", timeout,
		)
		return &TimeoutError{Op: op, Timeout: timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for background operations and closes every collection.
func (s *Storage) Close() error {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.lifeMu.Unlock()

	s.bg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	var merr *multierror.Error
	for _, name := range slices.Sorted(maps.Keys(s.collections)) {
		if err := s.collections[name].Close(); err != nil && !errors.Is(err, collection.ErrClosed) {
			merr = multierror.Append(merr, fmt.Errorf("collection %s: %w", name, err))
		}
	}
	if err := s.reg.close(); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}
