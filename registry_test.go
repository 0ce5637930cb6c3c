package vecshard

import (
	"encoding/binary"
	"testing"

	"github.com/hupe1980/vecshard/collection"
	"github.com/hupe1980/vecshard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func TestRegistry(t *testing.T) {
	dir := t.TempDir()
	reg, err := openRegistry(dir)
	require.NoError(t, err)

	desc := collection.Descriptor{
		Name:   "docs",
		Config: collection.Config{ShardNumber: 2, ReplicationFactor: 1, WriteConsistencyFactor: 1},
		Layout: collection.Layout{0: {"local"}, 1: {"local"}},
	}
	require.NoError(t, reg.putCollection(desc))
	require.NoError(t, reg.setAliases(map[string]string{"a": "docs", "b": "docs", "c": "other"}))

	// Updates of unregistered collections are dropped.
	require.NoError(t, reg.updateCollection(collection.Descriptor{Name: "gone"}))

	desc.Schema = []model.FieldIndex{{Field: "color", Kind: model.IndexKeyword}}
	require.NoError(t, reg.updateCollection(desc))

	// So are late updates of a replaced generation.
	stale := desc
	stale.Generation = 7
	stale.Schema = nil
	require.NoError(t, reg.updateCollection(stale))

	descs, aliases, err := reg.load()
	require.NoError(t, err)
	assert.Equal(t, map[string]collection.Descriptor{"docs": desc}, descs)
	assert.Len(t, aliases, 3)

	require.NoError(t, reg.deleteCollection("docs"))
	descs, aliases, err = reg.load()
	require.NoError(t, err)
	assert.Empty(t, descs)
	assert.Equal(t, map[string]string{"c": "other"}, aliases)
	require.NoError(t, reg.close())

	// Reopening keeps the data.
	reg, err = openRegistry(dir)
	require.NoError(t, err)
	_, aliases, err = reg.load()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c": "other"}, aliases)

	// A registry written by a newer version is refused.
	err = reg.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyVersion, binary.BigEndian.AppendUint32(nil, registryVersion+1))
	})
	require.NoError(t, err)
	require.NoError(t, reg.close())

	_, err = openRegistry(dir)
	assert.ErrorContains(t, err, "registry version")
}
