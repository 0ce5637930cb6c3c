package vecshard

import (
	"context"
	"testing"

	"github.com/hupe1980/vecshard/collection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyAliases(t *testing.T) {
	isCollection := func(name string) bool { return name == "X" || name == "Y" }
	current := map[string]string{"old": "X"}

	tests := []struct {
		name    string
		ops     []AliasOperation
		want    map[string]string
		wantErr error
	}{
		{
			name: "create and rename",
			ops:  []AliasOperation{CreateAlias("a", "Y"), RenameAlias("old", "new")},
			want: map[string]string{"a": "Y", "new": "X"},
		},
		{
			name: "delete then recreate",
			ops:  []AliasOperation{DeleteAlias("old"), CreateAlias("old", "Y")},
			want: map[string]string{"old": "Y"},
		},
		{
			name: "rename to itself",
			ops:  []AliasOperation{RenameAlias("old", "old")},
			want: map[string]string{"old": "X"},
		},
		{
			name:    "duplicate create",
			ops:     []AliasOperation{CreateAlias("a", "X"), CreateAlias("a", "Y")},
			wantErr: ErrSchemaConflict,
		},
		{
			name:    "alias shadows collection",
			ops:     []AliasOperation{CreateAlias("Y", "X")},
			wantErr: ErrSchemaConflict,
		},
		{
			name:    "rename onto existing",
			ops:     []AliasOperation{CreateAlias("a", "Y"), RenameAlias("a", "old")},
			wantErr: ErrSchemaConflict,
		},
		{
			name:    "missing collection",
			ops:     []AliasOperation{CreateAlias("a", "Z")},
			wantErr: ErrCollectionNotFound,
		},
		{
			name:    "delete missing",
			ops:     []AliasOperation{CreateAlias("a", "X"), DeleteAlias("b")},
			wantErr: ErrAliasNotFound,
		},
		{
			name:    "rename missing",
			ops:     []AliasOperation{RenameAlias("b", "c")},
			wantErr: ErrAliasNotFound,
		},
		{
			name:    "invalid name",
			ops:     []AliasOperation{CreateAlias("a/b", "X")},
			wantErr: ErrInvalidName,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyAliases(current, isCollection, tt.ops)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			assert.Equal(t, map[string]string{"old": "X"}, current)
		})
	}
}

func TestStorage_UpdateAliasesAllOrNothing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := newStorage(t, dir)

	require.NoError(t, st.CreateCollection(ctx, "X", collection.Config{}, 0))
	require.NoError(t, st.CreateCollection(ctx, "Y", collection.Config{}, 0))

	err := st.UpdateAliases(ctx, []AliasOperation{CreateAlias("a", "X"), CreateAlias("a", "Y")}, 0)
	require.ErrorIs(t, err, ErrSchemaConflict)
	_, err = st.Collection("a")
	assert.ErrorIs(t, err, ErrCollectionNotFound, "no alias a after a rejected batch")

	require.NoError(t, st.UpdateAliases(ctx, []AliasOperation{CreateAlias("a", "X"), CreateAlias("b", "Y")}, 0))
	err = st.UpdateAliases(ctx, []AliasOperation{RenameAlias("a", "c"), DeleteAlias("missing")}, 0)
	require.ErrorIs(t, err, ErrAliasNotFound)

	aliases, err := st.ListAliases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []AliasDescription{{Alias: "a", Collection: "X"}, {Alias: "b", Collection: "Y"}}, aliases)

	// Collection names and alias names share one namespace.
	err = st.CreateCollection(ctx, "a", collection.Config{}, 0)
	assert.ErrorIs(t, err, ErrSchemaConflict)

	// Deleting a collection removes its aliases, also after a reopen.
	require.NoError(t, st.DeleteCollection(ctx, "X", 0))
	aliases, err = st.ListAliases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []AliasDescription{{Alias: "b", Collection: "Y"}}, aliases)

	require.NoError(t, st.Close())
	st = newStorage(t, dir)
	aliases, err = st.ListAliases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []AliasDescription{{Alias: "b", Collection: "Y"}}, aliases)
}
