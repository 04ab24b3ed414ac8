// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fulcrumnet/fulcrum-registry/ci"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

func TestFleet_RegisterBackendIdempotent(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)

	reg := &structs.ServiceRegistration{
		ServiceID:   "game-1",
		ServiceType: structs.ServiceTypeBackend,
		Address:     "10.0.0.1:25565",
	}
	first, isNew := c.fleet.RegisterBackend(reg, time.Now())
	require.True(t, isNew)
	require.Equal(t, structs.ServerStatusRegistering, first.Status())

	second, isNew := c.fleet.RegisterBackend(reg, time.Now())
	require.False(t, isNew)
	require.Same(t, first, second)
	require.Equal(t, 1, c.fleet.Stats().Backends)
}

func TestFleet_DeclareFamiliesActivatesAndMirrors(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	backend, _ := c.fleet.RegisterBackend(&structs.ServiceRegistration{
		ServiceID:   "game-1",
		ServiceType: structs.ServiceTypeBackend,
	}, time.Now())
	require.Equal(t, structs.ServerStatusRegistering, backend.Status())

	require.NoError(t, c.fleet.DeclareFamilies(ctx, "game-1", map[string]int{"duel": 4, "lobby": 2}))
	require.Equal(t, structs.ServerStatusAvailable, backend.Status())

	remaining, err := c.store.GetFamilyCapacity(ctx, "game-1", "duel")
	require.NoError(t, err)
	require.Equal(t, 4, remaining)

	families, err := c.store.ServerFamilies(ctx, "game-1")
	require.NoError(t, err)
	require.Len(t, families, 2)

	require.ErrorIs(t, c.fleet.DeclareFamilies(ctx, "ghost", nil), structs.ErrServerMissing)
}

func TestFleet_HeartbeatUnknownService(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)

	hb := &structs.ServiceHeartbeat{ServiceID: "ghost", PlayerCount: 3}
	require.False(t, c.fleet.Heartbeat(hb, time.Now()))

	backend := c.addBackend(t, "game-1", map[string]int{"duel": 2})
	hb.ServiceID = "game-1"
	require.True(t, c.fleet.Heartbeat(hb, time.Now()))
	require.Equal(t, 3, backend.PlayerCount())
}

func TestFleet_UpdateStatusRejectsIllegalTransition(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)

	backend := c.addBackend(t, "game-1", map[string]int{"duel": 2})
	require.NoError(t, c.fleet.UpdateStatus("game-1", structs.ServerStatusEvacuating))
	require.Equal(t, structs.ServerStatusEvacuating, backend.Status())

	// STOPPING cannot go back to AVAILABLE.
	require.NoError(t, c.fleet.UpdateStatus("game-1", structs.ServerStatusStopping))
	require.Error(t, c.fleet.UpdateStatus("game-1", structs.ServerStatusAvailable))

	require.ErrorIs(t, c.fleet.UpdateStatus("ghost", structs.ServerStatusAvailable), structs.ErrServerMissing)
}

func TestFleet_RemoveBackendClearsStore(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"duel": 4})

	removed, err := c.fleet.RemoveBackend(ctx, "game-1")
	require.NoError(t, err)
	require.Equal(t, "game-1", removed.ID)
	require.Zero(t, c.fleet.Stats().Backends)

	families, err := c.store.ServerFamilies(ctx, "game-1")
	require.NoError(t, err)
	require.Empty(t, families)

	_, err = c.fleet.RemoveBackend(ctx, "game-1")
	require.ErrorIs(t, err, structs.ErrServerMissing)
}

func TestFleet_SlotByID(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)

	c.addBackend(t, "game-1", map[string]int{"duel": 2})
	c.addSlot(t, "game-1", "B", "duel", 8)

	slot, ok := c.fleet.SlotByID("game-1B")
	require.True(t, ok)
	require.Equal(t, "duel", slot.Family)

	_, ok = c.fleet.SlotByID("game-1Z")
	require.False(t, ok)
	_, ok = c.fleet.SlotByID("no-suffix-here-")
	require.False(t, ok)
}
