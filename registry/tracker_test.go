// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fulcrumnet/fulcrum-registry/ci"
)

func TestPlayerTracker_SetActivePushesPrevious(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, c.tracker.SetActive(ctx, "alice", "game-1A", now))
	slot, found, err := c.tracker.ActiveSlot(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "game-1A", slot)

	// Moving slots records the old one as recent.
	require.NoError(t, c.tracker.SetActive(ctx, "alice", "game-2B", now))
	recent, err := c.tracker.ResolveRecentBlockedSlots(ctx, "alice", now)
	require.NoError(t, err)
	require.Equal(t, []string{"game-1A"}, recent)

	// Re-assigning the same slot does not.
	require.NoError(t, c.tracker.SetActive(ctx, "alice", "game-2B", now))
	recent, err = c.tracker.ResolveRecentBlockedSlots(ctx, "alice", now)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestPlayerTracker_ClearActivePlayersForSlot(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, c.tracker.SetActive(ctx, "alice", "game-1A", now))
	require.NoError(t, c.tracker.SetActive(ctx, "bob", "game-1A", now))
	require.NoError(t, c.tracker.SetActive(ctx, "carol", "game-2B", now))

	evicted, err := c.tracker.ClearActivePlayersForSlot(ctx, "game-1A", now)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, evicted)

	_, found, err := c.tracker.ActiveSlot(ctx, "alice")
	require.NoError(t, err)
	require.False(t, found)

	// Untouched players keep their assignment.
	slot, found, err := c.tracker.ActiveSlot(ctx, "carol")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "game-2B", slot)

	// Evicted players carry the slot as recent history.
	recent, err := c.tracker.ResolveRecentBlockedSlots(ctx, "bob", now)
	require.NoError(t, err)
	require.Equal(t, []string{"game-1A"}, recent)
}

func TestPlayerTracker_ClearPlayer(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, c.tracker.SetActive(ctx, "alice", "game-1A", now))
	require.NoError(t, c.tracker.ClearPlayer(ctx, "alice", false, now))

	_, found, err := c.tracker.ActiveSlot(ctx, "alice")
	require.NoError(t, err)
	require.False(t, found)
	recent, err := c.tracker.ResolveRecentBlockedSlots(ctx, "alice", now)
	require.NoError(t, err)
	require.Empty(t, recent)

	// Clearing a player with no assignment is a no-op.
	require.NoError(t, c.tracker.ClearPlayer(ctx, "alice", true, now))

	require.NoError(t, c.tracker.SetActive(ctx, "bob", "game-1A", now))
	require.NoError(t, c.tracker.ClearPlayer(ctx, "bob", true, now))
	recent, err = c.tracker.ResolveRecentBlockedSlots(ctx, "bob", now)
	require.NoError(t, err)
	require.Equal(t, []string{"game-1A"}, recent)
}

func TestPlayerTracker_RecentHistoryExpires(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	old := time.Now().Add(-c.config.RecentSlotTTL - time.Minute)
	require.NoError(t, c.store.PushRecentSlot(ctx, "alice", "game-1A", old))

	recent, err := c.tracker.ResolveRecentBlockedSlots(ctx, "alice", time.Now())
	require.NoError(t, err)
	require.Empty(t, recent)
}
