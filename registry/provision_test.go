// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fulcrumnet/fulcrum-registry/ci"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

func TestSlotProvisioner_ReservesAndDispatches(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	backend := c.addBackend(t, "game-1", map[string]int{"duel": 2})

	result, err := c.provisioner.RequestProvision(ctx, "duel", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, "game-1", result.ServerID)
	require.Equal(t, 1, result.RemainingSlots)

	// Both halves of the reserve moved together.
	require.Equal(t, 1, backend.AvailableFamilySlots("duel"))
	remaining, err := c.store.GetFamilyCapacity(ctx, "game-1", "duel")
	require.NoError(t, err)
	require.Equal(t, 1, remaining)

	provisions := c.pub.ofType(structs.MsgSlotProvisionCommand)
	require.Len(t, provisions, 1)
	require.Equal(t, structs.ProvisionChannel("game-1"), provisions[0].Channel)
	command := provisions[0].Payload.(*structs.SlotProvisionCommand)
	require.Equal(t, "duel", command.Family)
	require.NotEmpty(t, command.RequestID)
}

func TestSlotProvisioner_PacksFewestRemainingFirst(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-big", map[string]int{"duel": 8})
	c.addBackend(t, "game-small", map[string]int{"duel": 1})

	result, err := c.provisioner.RequestProvision(ctx, "duel", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, "game-small", result.ServerID)
}

func TestSlotProvisioner_NoCandidates(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"lobby": 2})

	_, err := c.provisioner.RequestProvision(ctx, "duel", nil)
	require.ErrorIs(t, err, structs.ErrCapacityExhausted)
	require.Empty(t, c.pub.ofType(structs.MsgSlotProvisionCommand))
}

func TestSlotProvisioner_CoalescesDuplicates(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"duel": 4})

	result, err := c.provisioner.RequestProvision(ctx, "duel", nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	// Same key inside the window: suppressed without error.
	result, err = c.provisioner.RequestProvision(ctx, "duel", nil)
	require.NoError(t, err)
	require.Nil(t, result)
	require.Len(t, c.pub.ofType(structs.MsgSlotProvisionCommand), 1)

	// A different coalescing key (party hint) goes through.
	meta := map[string]string{structs.SlotMetaPartyReservation: "resv-1"}
	result, err = c.provisioner.RequestProvision(ctx, "duel", meta)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Len(t, c.pub.ofType(structs.MsgSlotProvisionCommand), 2)
}

func TestSlotProvisioner_PublishFailureCompensates(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	backend := c.addBackend(t, "game-1", map[string]int{"duel": 2})
	c.pub.failType(structs.MsgSlotProvisionCommand, errors.New("bus down"))

	_, err := c.provisioner.RequestProvision(ctx, "duel", nil)
	require.ErrorIs(t, err, structs.ErrCapacityExhausted)

	// The failed dispatch returned the reserved capacity in both stores.
	require.Equal(t, 2, backend.AvailableFamilySlots("duel"))
	remaining, err := c.store.GetFamilyCapacity(ctx, "game-1", "duel")
	require.NoError(t, err)
	require.Equal(t, 2, remaining)
}

func TestSlotProvisioner_HardCapSkipsBackend(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	// A backend already hosting a slot of unit cost, with a hard cap of
	// one player-equivalent, cannot take another.
	capped, _ := c.fleet.RegisterBackend(&structs.ServiceRegistration{
		ServiceID:     "game-capped",
		ServiceType:   structs.ServiceTypeBackend,
		HardPlayerCap: 1,
	}, time.Now())
	require.NoError(t, c.fleet.DeclareFamilies(ctx, "game-capped", map[string]int{"duel": 4}))
	c.addSlot(t, "game-capped", "A", "duel", 8)
	require.Equal(t, "game-capped", capped.ID)

	c.addBackend(t, "game-open", map[string]int{"duel": 4})

	result, err := c.provisioner.RequestProvision(ctx, "duel", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, "game-open", result.ServerID)
}
