package shard

import (
	"testing"

	"github.com/hupe1980/vecshard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	op := Upsert(
		model.Point{ID: 1, Vector: []float32{0.1, 0.2}, Payload: map[string]any{"color": "red"}},
		model.Point{ID: 2, Vector: []float32{0.3, 0.4}},
	)

	data, err := Encode(op)
	require.NoError(t, err)
	assert.Equal(t, codecVersion, data[0])

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, OpUpsert, got.Kind)
	require.Len(t, got.Points, 2)
	assert.Equal(t, []float32{0.1, 0.2}, got.Points[0].Vector)
	assert.Equal(t, "red", got.Points[0].Payload["color"])
	assert.Equal(t, []model.PointID{1, 2}, got.Keys())

	idx, err := Decode(mustEncode(t, CreateFieldIndex(model.FieldIndex{Field: "color", Kind: model.IndexKeyword})))
	require.NoError(t, err)
	require.NotNil(t, idx.Index)
	assert.Equal(t, model.IndexKeyword, idx.Index.Kind)
	assert.True(t, idx.IsSchema())
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = Decode([]byte{99, 1, 2})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = Decode([]byte{codecVersion, 0xc1}) // 0xc1 is never used by msgpack
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestValidate(t *testing.T) {
	valid := []Operation{
		Upsert(model.Point{ID: 1}),
		Delete(1),
		SetPayload(map[string]any{"a": 1}, 1),
		CreateFieldIndex(model.FieldIndex{Field: "a", Kind: model.IndexInteger}),
		DeleteFieldIndex("a"),
		UpdateParams(map[string]any{"ef": 64}),
	}
	for _, op := range valid {
		assert.NoError(t, op.Validate(), op.Kind.String())
	}

	invalid := []Operation{
		{},
		Upsert(),
		Delete(),
		SetPayload(nil),
		CreateFieldIndex(model.FieldIndex{Kind: model.IndexInteger}),
		CreateFieldIndex(model.FieldIndex{Field: "a", Kind: "vector"}),
		DeleteFieldIndex(""),
		UpdateParams(nil),
	}
	for _, op := range invalid {
		assert.ErrorIs(t, op.Validate(), ErrInvalidOperation, op.Kind.String())
	}
}

func TestMutations(t *testing.T) {
	store := map[model.PointID]model.Record{
		1: {ID: 1, Vector: []float32{1}, Payload: map[string]any{"a": 1}, Version: 5},
		2: {ID: 2, Version: 6, Deleted: true},
	}
	lookup := func(id model.PointID) (model.Record, bool, error) {
		r, ok := store[id]
		return r, ok, nil
	}

	t.Run("upsert skips newer versions", func(t *testing.T) {
		recs, err := Mutations(Upsert(model.Point{ID: 1}, model.Point{ID: 3}), 5, lookup)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, model.PointID(3), recs[0].ID)
		assert.Equal(t, uint64(5), recs[0].Version)
	})

	t.Run("delete writes tombstones", func(t *testing.T) {
		recs, err := Mutations(Delete(1, 9), 7, lookup)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		for _, r := range recs {
			assert.True(t, r.Deleted)
			assert.Equal(t, uint64(7), r.Version)
		}
	})

	t.Run("set payload merges into live points", func(t *testing.T) {
		recs, err := Mutations(SetPayload(map[string]any{"b": 2}, 1, 2, 9), 8, lookup)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, map[string]any{"a": 1, "b": 2}, recs[0].Payload)
		assert.Equal(t, []float32{1}, recs[0].Vector)
		// The stored payload is not mutated in place.
		assert.Equal(t, map[string]any{"a": 1}, store[1].Payload)
	})
}

func TestSchema(t *testing.T) {
	var s Schema
	s.Apply(CreateFieldIndex(model.FieldIndex{Field: "b", Kind: model.IndexKeyword}))
	s.Apply(CreateFieldIndex(model.FieldIndex{Field: "a", Kind: model.IndexFloat}))
	s.Apply(UpdateParams(map[string]any{"m": 16}))
	s.Apply(UpdateParams(map[string]any{"ef": 64}))

	assert.Equal(t, []model.FieldIndex{
		{Field: "a", Kind: model.IndexFloat},
		{Field: "b", Kind: model.IndexKeyword},
	}, s.FieldIndexes())
	assert.Equal(t, map[string]any{"m": 16, "ef": 64}, s.Params)

	c := s.Clone()
	s.Apply(DeleteFieldIndex("a"))
	s.Apply(DeleteFieldIndex("missing"))
	assert.Len(t, s.FieldIndexes(), 1)
	assert.Len(t, c.FieldIndexes(), 2)
}

func mustEncode(t *testing.T, op Operation) []byte {
	t.Helper()
	data, err := Encode(op)
	require.NoError(t, err)
	return data
}
