package vecshard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hupe1980/vecshard/collection"
	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/snapshot"
)

// SnapshotResult is a created snapshot and how long the call took.
type SnapshotResult struct {
	Snapshot snapshot.Description `json:"snapshot"`
	Elapsed  time.Duration        `json:"time"`
}

// SnapshotList is a listing, newest first, and how long it took.
type SnapshotList struct {
	Snapshots []snapshot.Description `json:"snapshots"`
	Elapsed   time.Duration          `json:"time"`
}

// storageMeta is the storage-level document of a full snapshot.
type storageMeta struct {
	Aliases     map[string]string `json:"aliases"`
	Collections []string          `json:"collections"`
	Self        model.PeerID      `json:"self"`
	Peers       []model.Peer      `json:"peers"`
}

// CreateSnapshot captures every shard of a collection. The call waits at
// most the commit timeout; the snapshot is still written after that.
func (s *Storage) CreateSnapshot(ctx context.Context, name string) (SnapshotResult, error) {
	start := time.Now()
	c, err := s.Collection(name)
	if err != nil {
		return SnapshotResult{}, err
	}
	var desc snapshot.Description
	err = s.commit(ctx, "create snapshot of "+c.Name(), 0, func(ctx context.Context) error {
		var err error
		desc, err = c.Snapshot(ctx, s.snapshots)
		return err
	})
	if err != nil {
		return SnapshotResult{}, err
	}
	return SnapshotResult{Snapshot: desc, Elapsed: time.Since(start)}, nil
}

// ListSnapshots lists the snapshots of a collection, newest first.
func (s *Storage) ListSnapshots(ctx context.Context, name string) (SnapshotList, error) {
	start := time.Now()
	c, err := s.Collection(name)
	if err != nil {
		return SnapshotList{}, err
	}
	ds, err := s.snapshots.List(ctx, c.Name())
	if err != nil {
		return SnapshotList{}, err
	}
	return SnapshotList{Snapshots: ds, Elapsed: time.Since(start)}, nil
}

// DeleteSnapshot removes one snapshot of a collection.
func (s *Storage) DeleteSnapshot(ctx context.Context, name, snapshotName string) error {
	c, err := s.Collection(name)
	if err != nil {
		return err
	}
	return s.snapshots.Delete(ctx, c.Name(), snapshotName)
}

// RecoverSnapshot replaces a collection with the state captured in one of
// its snapshots. A collection that no longer exists is recreated. The
// replacement is built next to the live collection and swapped in only
// once it is complete; a failed recovery leaves the collection as it was.
func (s *Storage) RecoverSnapshot(ctx context.Context, name, snapshotName string, timeout time.Duration) error {
	if err := validateName(name); err != nil {
		return err
	}
	if c, err := s.Collection(name); err == nil {
		name = c.Name()
	}
	return s.commit(ctx, "recover snapshot "+snapshotName, timeout, func(ctx context.Context) error {
		s.structMu.RLock()
		defer s.structMu.RUnlock()
		defer s.names.lock(name)()

		err := s.recoverSnapshot(ctx, name, snapshotName)
		s.logger.LogCollectionChange(ctx, "recover", name, err)
		return err
	})
}

func (s *Storage) recoverSnapshot(ctx context.Context, name, snapshotName string) error {
	s.mu.RLock()
	target, isAlias := s.aliases[name]
	s.mu.RUnlock()
	if isAlias {
		return fmt.Errorf("%w: %q is an alias of %s", ErrSchemaConflict, name, target)
	}

	a, err := s.snapshots.Fetch(ctx, name, snapshotName)
	if err != nil {
		return err
	}
	defer a.Close()

	desc, err := collection.DescriptorOf(a.Manifest)
	if err != nil {
		return fmt.Errorf("%w: %v", snapshot.ErrCorrupt, err)
	}
	desc.Name = name
	return s.restore(ctx, desc, a)
}

// restore builds a new generation of desc.Name from a and swaps it in. The
// caller holds the name lock. The replaced instance is dropped last.
func (s *Storage) restore(ctx context.Context, desc collection.Descriptor, a *snapshot.Archive) error {
	s.mu.RLock()
	old := s.collections[desc.Name]
	s.mu.RUnlock()

	desc.Generation = uint64(time.Now().UnixNano()) //nolint:gosec // positive
	if old != nil && desc.Generation <= old.Generation() {
		desc.Generation = old.Generation() + 1
	}
	dir := s.collectionDir(desc)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	c, err := collection.Open(ctx, dir, desc, s.collectionOptions(collection.WithArchive(a))...)
	if err != nil {
		return err
	}
	if err := s.reg.putCollection(c.Descriptor()); err != nil {
		return multierror.Append(fmt.Errorf("register collection: %w", err), c.Drop(ctx)).ErrorOrNil()
	}

	s.mu.Lock()
	s.collections[desc.Name] = c
	s.mu.Unlock()

	if old != nil {
		if err := old.Drop(ctx); err != nil {
			s.logger.WarnContext(ctx, "cannot fully drop replaced collection",
				"collection", desc.Name,
				"generation", old.Generation(),
				"error", err,
			)
		}
	}
	return nil
}

// CreateFullSnapshot captures every collection plus the alias table under
// one consistent cut: no collection is created, deleted or restored and no
// alias changes while it runs.
func (s *Storage) CreateFullSnapshot(ctx context.Context) (SnapshotResult, error) {
	start := time.Now()
	var desc snapshot.Description
	err := s.commit(ctx, "create full snapshot", 0, func(ctx context.Context) error {
		s.structMu.Lock()
		defer s.structMu.Unlock()

		s.mu.RLock()
		collections := maps.Clone(s.collections)
		aliases := maps.Clone(s.aliases)
		s.mu.RUnlock()

		names := slices.Sorted(maps.Keys(collections))
		cols := make([]snapshot.CollectionSource, 0, len(names))
		for _, name := range names {
			src, err := collections[name].Source()
			if err != nil {
				return fmt.Errorf("collection %s: %w", name, err)
			}
			cols = append(cols, src)
		}
		meta, err := json.Marshal(storageMeta{
			Aliases:     aliases,
			Collections: names,
			Self:        s.opts.topology.Self.ID,
			Peers:       s.opts.topology.Members(),
		})
		if err != nil {
			return err
		}
		desc, err = s.snapshots.CreateFull(ctx, cols, meta)
		return err
	})
	if err != nil {
		return SnapshotResult{}, err
	}
	return SnapshotResult{Snapshot: desc, Elapsed: time.Since(start)}, nil
}

// ListFullSnapshots lists the full snapshots, newest first.
func (s *Storage) ListFullSnapshots(ctx context.Context) (SnapshotList, error) {
	start := time.Now()
	if s.isClosed() {
		return SnapshotList{}, ErrClosed
	}
	ds, err := s.snapshots.ListFull(ctx)
	if err != nil {
		return SnapshotList{}, err
	}
	return SnapshotList{Snapshots: ds, Elapsed: time.Since(start)}, nil
}

// DeleteFullSnapshot removes a full snapshot.
func (s *Storage) DeleteFullSnapshot(ctx context.Context, name string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.snapshots.DeleteFull(ctx, name)
}

// RecoverFullSnapshot restores every collection and alias of a full
// snapshot; an empty name picks the newest one. Collections not in the
// snapshot are kept, together with their aliases unless the snapshot
// reuses the name.
func (s *Storage) RecoverFullSnapshot(ctx context.Context, name string, timeout time.Duration) error {
	return s.commit(ctx, "recover full snapshot "+name, timeout, func(ctx context.Context) error {
		if name == "" {
			latest, err := s.snapshots.LatestFull(ctx)
			if err != nil {
				return err
			}
			name = latest
		}
		fa, err := s.snapshots.FetchFull(ctx, name)
		if err != nil {
			return err
		}
		defer fa.Close()

		var meta storageMeta
		if err := json.Unmarshal(fa.Meta, &meta); err != nil {
			return fmt.Errorf("%w: storage meta: %v", snapshot.ErrCorrupt, err)
		}

		s.structMu.Lock()
		defer s.structMu.Unlock()

		var merr *multierror.Error
		restored := make(map[string]bool, len(fa.Manifest.Collections))
		for _, col := range fa.Manifest.Collections {
			if err := s.restoreNested(ctx, fa, col); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("collection %s: %w", col, err))
				continue
			}
			restored[col] = true
		}

		s.aliasMu.Lock()
		defer s.aliasMu.Unlock()

		s.mu.RLock()
		aliases := make(map[string]string, len(s.aliases)+len(meta.Aliases))
		for alias, target := range s.aliases {
			if _, taken := meta.Aliases[alias]; !taken && !restored[alias] {
				aliases[alias] = target
			}
		}
		for alias, target := range meta.Aliases {
			if _, ok := s.collections[target]; ok && !restored[alias] {
				aliases[alias] = target
			}
		}
		s.mu.RUnlock()
		if err := s.reg.setAliases(aliases); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("store aliases: %w", err))
		} else {
			s.mu.Lock()
			s.aliases = aliases
			s.mu.Unlock()
		}

		err = merr.ErrorOrNil()
		s.logger.LogRestore(ctx, name, len(restored), err)
		return err
	})
}

func (s *Storage) restoreNested(ctx context.Context, fa *snapshot.FullArchive, name string) error {
	if err := validateName(name); err != nil {
		return fmt.Errorf("%w: %v", snapshot.ErrCorrupt, err)
	}
	a, err := fa.Collection(ctx, name)
	if err != nil {
		return err
	}
	defer a.Close()

	desc, err := collection.DescriptorOf(a.Manifest)
	if err != nil {
		return fmt.Errorf("%w: %v", snapshot.ErrCorrupt, err)
	}
	s.mu.RLock()
	_, isCollection := s.collections[name]
	_, isAlias := s.aliases[name]
	s.mu.RUnlock()
	if !isCollection && isAlias {
		s.logger.WarnContext(ctx, "restored collection replaces alias", "name", name)
	}
	return s.restore(ctx, desc, a)
}

// IsNotFound reports whether err means a missing collection, alias or
// snapshot.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCollectionNotFound) ||
		errors.Is(err, ErrAliasNotFound) ||
		errors.Is(err, snapshot.ErrNotFound)
}
