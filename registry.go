package vecshard

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hupe1980/vecshard/collection"
	bolt "go.etcd.io/bbolt"
)

const (
	registryFile    = "registry.db"
	registryVersion = 1
)

var (
	bucketCollections = []byte("collections")
	bucketAliases     = []byte("aliases")
	bucketMeta        = []byte("meta")
	keyVersion        = []byte("version")
)

// registry persists collection descriptors and aliases. Every mutation is a
// single bbolt transaction.
//
// Layout:
//   - collections: name -> JSON collection.Descriptor
//   - aliases: alias -> collection name
//   - meta: version -> uint32
type registry struct {
	db *bolt.DB
}

func openRegistry(dir string) (*registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %q: %w", dir, err)
	}
	path := filepath.Join(dir, registryFile)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCollections, bucketAliases, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyVersion); len(v) == 4 {
			if got := binary.BigEndian.Uint32(v); got > registryVersion {
				return fmt.Errorf("registry version %d higher than %d", got, registryVersion)
			}
			return nil
		}
		return meta.Put(keyVersion, binary.BigEndian.AppendUint32(nil, registryVersion))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init registry: %w", err)
	}
	return &registry{db: db}, nil
}

func (r *registry) close() error { return r.db.Close() }

// load returns every stored descriptor and alias.
func (r *registry) load() (map[string]collection.Descriptor, map[string]string, error) {
	descs := make(map[string]collection.Descriptor)
	aliases := make(map[string]string)
	err := r.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketCollections).ForEach(func(k, v []byte) error {
			var d collection.Descriptor
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("collection %q: %w", k, err)
			}
			d.Name = string(k)
			descs[d.Name] = d
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAliases).ForEach(func(k, v []byte) error {
			aliases[string(k)] = string(v)
			return nil
		})
	})
	return descs, aliases, err
}

func putDescriptor(tx *bolt.Tx, d collection.Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketCollections).Put([]byte(d.Name), data)
}

// putCollection stores a new or replaced descriptor.
func (r *registry) putCollection(d collection.Descriptor) error {
	return r.db.Update(func(tx *bolt.Tx) error { return putDescriptor(tx, d) })
}

// updateCollection stores d only if the same generation of the collection
// is still registered. Late changes of a deleted or replaced instance are
// dropped.
func (r *registry) updateCollection(d collection.Descriptor) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCollections).Get([]byte(d.Name))
		if v == nil {
			return nil
		}
		var cur collection.Descriptor
		if err := json.Unmarshal(v, &cur); err != nil {
			return fmt.Errorf("collection %q: %w", d.Name, err)
		}
		if cur.Generation != d.Generation {
			return nil
		}
		return putDescriptor(tx, d)
	})
}

// deleteCollection removes a collection together with the aliases
// pointing at it.
func (r *registry) deleteCollection(name string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketCollections).Delete([]byte(name)); err != nil {
			return err
		}
		b := tx.Bucket(bucketAliases)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if string(v) == name {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func replaceAliases(tx *bolt.Tx, aliases map[string]string) error {
	if err := tx.DeleteBucket(bucketAliases); err != nil {
		return err
	}
	b, err := tx.CreateBucket(bucketAliases)
	if err != nil {
		return err
	}
	for alias, col := range aliases {
		if err := b.Put([]byte(alias), []byte(col)); err != nil {
			return err
		}
	}
	return nil
}

// setAliases replaces the whole alias table.
func (r *registry) setAliases(aliases map[string]string) error {
	return r.db.Update(func(tx *bolt.Tx) error { return replaceAliases(tx, aliases) })
}
