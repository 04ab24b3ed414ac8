// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fulcrumnet/fulcrum-registry/ci"
	"github.com/fulcrumnet/fulcrum-registry/docstore"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

func (c *testComponents) putEnvironment(t *testing.T, desc *structs.EnvironmentDescriptor) {
	t.Helper()
	envs := c.docs.Collection(docstore.CollectionEnvironments)
	require.NoError(t, envs.Put(context.Background(), desc.ID, desc))
}

func TestEnvironmentCatalog_Lookup(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.putEnvironment(t, &structs.EnvironmentDescriptor{
		ID:           "duel",
		Tag:          "duels",
		MinPlayers:   2,
		MaxPlayers:   8,
		PlayerFactor: 0.5,
	})

	desc, found, err := c.catalog.Environment(ctx, "duel")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "duels", desc.Tag)

	// Family ids are normalized before lookup.
	desc, found, err = c.catalog.Environment(ctx, "  DUEL ")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "duel", desc.ID)

	_, found, err = c.catalog.Environment(ctx, "ghost")
	require.NoError(t, err)
	require.False(t, found)
}

func TestEnvironmentCatalog_PlayerCostDefaults(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.putEnvironment(t, &structs.EnvironmentDescriptor{ID: "duel", PlayerFactor: 0.25})
	c.putEnvironment(t, &structs.EnvironmentDescriptor{ID: "lobby"})

	require.Equal(t, 0.25, c.catalog.PlayerCost(ctx, "duel"))
	// Zero and missing factors both cost one unit.
	require.Equal(t, float64(1), c.catalog.PlayerCost(ctx, "lobby"))
	require.Equal(t, float64(1), c.catalog.PlayerCost(ctx, "ghost"))
}

func TestEnvironmentCatalog_FamilyBounds(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.putEnvironment(t, &structs.EnvironmentDescriptor{ID: "duel", MinPlayers: 2, MaxPlayers: 8})

	min, max := c.catalog.FamilyBounds(ctx, "duel")
	require.Equal(t, 2, min)
	require.Equal(t, 8, max)

	min, max = c.catalog.FamilyBounds(ctx, "ghost")
	require.Zero(t, min)
	require.Zero(t, max)
}

func TestEnvironmentCatalog_RefreshDropsCache(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.putEnvironment(t, &structs.EnvironmentDescriptor{ID: "duel", MaxPlayers: 8})
	_, found, err := c.catalog.Environment(ctx, "duel")
	require.NoError(t, err)
	require.True(t, found)

	// The document changes underneath; the cached copy still answers.
	c.putEnvironment(t, &structs.EnvironmentDescriptor{ID: "duel", MaxPlayers: 16})
	desc, _, err := c.catalog.Environment(ctx, "duel")
	require.NoError(t, err)
	require.Equal(t, 8, desc.MaxPlayers)

	c.catalog.Refresh()
	desc, _, err = c.catalog.Environment(ctx, "duel")
	require.NoError(t, err)
	require.Equal(t, 16, desc.MaxPlayers)
}

func TestEnvironmentCatalog_CallersCannotMutateCache(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.putEnvironment(t, &structs.EnvironmentDescriptor{
		ID:       "duel",
		Settings: map[string]string{"mode": "ranked"},
	})

	desc, _, err := c.catalog.Environment(ctx, "duel")
	require.NoError(t, err)
	desc.Settings["mode"] = "casual"

	again, _, err := c.catalog.Environment(ctx, "duel")
	require.NoError(t, err)
	require.Equal(t, "ranked", again.Settings["mode"])
}

func TestEnvironmentCatalog_List(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.putEnvironment(t, &structs.EnvironmentDescriptor{ID: "duel"})
	c.putEnvironment(t, &structs.EnvironmentDescriptor{ID: "lobby"})

	families, err := c.catalog.List(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"duel", "lobby"}, families)
}
