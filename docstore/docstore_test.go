// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package docstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fulcrumnet/fulcrum-registry/ci"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()

	boltStore, err := NewBoltStore(filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = boltStore.Close() })

	return map[string]Store{
		"bolt":   boltStore,
		"memory": NewMemoryStore(),
	}
}

func TestDocstore_RoundTrip(t *testing.T) {
	ci.Parallel(t)
	ctx := context.Background()

	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			envs := s.Collection(CollectionEnvironments)

			desc := &structs.EnvironmentDescriptor{
				ID:           "duel",
				Tag:          "duel",
				Modules:      []string{"combat"},
				MinPlayers:   2,
				MaxPlayers:   2,
				PlayerFactor: 1.5,
				Settings:     map[string]string{"arena": "classic"},
			}
			require.NoError(t, envs.Put(ctx, desc.ID, desc))

			var got structs.EnvironmentDescriptor
			found, err := envs.Document(ctx, "duel", &got)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, desc.PlayerFactor, got.PlayerFactor)
			require.Equal(t, desc.Settings, got.Settings)

			found, err = envs.Document(ctx, "missing", &got)
			require.NoError(t, err)
			require.False(t, found)

			require.NoError(t, envs.Put(ctx, "lobby", &structs.EnvironmentDescriptor{ID: "lobby"}))
			ids, err := envs.List(ctx)
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"duel", "lobby"}, ids)

			require.NoError(t, envs.Delete(ctx, "duel"))
			found, err = envs.Document(ctx, "duel", &got)
			require.NoError(t, err)
			require.False(t, found)

			// Deleting a missing document is not an error.
			require.NoError(t, envs.Delete(ctx, "duel"))
		})
	}
}

func TestDocstore_CollectionsAreIsolated(t *testing.T) {
	ci.Parallel(t)
	ctx := context.Background()

	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Collection(CollectionPlayers).Put(ctx, "p1", map[string]string{"name": "one"}))

			ids, err := s.Collection(CollectionEnvironments).List(ctx)
			require.NoError(t, err)
			require.Empty(t, ids)
		})
	}
}
