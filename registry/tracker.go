// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/fulcrumnet/fulcrum-registry/registry/store"
)

// PlayerTracker maintains the player-to-slot active map and the
// recent-slot history that biases routing away from slots a player just
// left. It is a policy layer over the routing store's player operations.
type PlayerTracker struct {
	logger hclog.Logger
	store  *store.RoutingStore
}

// NewPlayerTracker builds a tracker over the routing store.
func NewPlayerTracker(logger hclog.Logger, routingStore *store.RoutingStore) *PlayerTracker {
	return &PlayerTracker{
		logger: logger.Named("tracker"),
		store:  routingStore,
	}
}

// SetActive points a player at a slot. If the player was active on a
// different slot, the previous slot enters their recent history.
func (t *PlayerTracker) SetActive(ctx context.Context, playerID, slotID string, now time.Time) error {
	prev, err := t.store.SetActiveSlot(ctx, playerID, slotID)
	if err != nil {
		return err
	}
	if prev != "" && prev != slotID {
		if err := t.store.PushRecentSlot(ctx, playerID, prev, now); err != nil {
			return err
		}
	}
	return nil
}

// ActiveSlot returns the player's current slot assignment.
func (t *PlayerTracker) ActiveSlot(ctx context.Context, playerID string) (string, bool, error) {
	return t.store.GetActiveSlot(ctx, playerID)
}

// RecordActivePlayers assigns every listed player to the slot. Per-player
// failures do not abort the batch.
func (t *PlayerTracker) RecordActivePlayers(ctx context.Context, slotID string, players []string, now time.Time) error {
	var mErr *multierror.Error
	for _, playerID := range players {
		if err := t.SetActive(ctx, playerID, slotID, now); err != nil {
			t.logger.Error("failed to record active player",
				"player_id", playerID, "slot_id", slotID, "error", err)
			mErr = multierror.Append(mErr, err)
		}
	}
	return mErr.ErrorOrNil()
}

// ClearActivePlayersForSlot evicts everyone still assigned to the slot,
// pushing the slot into each evicted player's recent history, and returns
// the evicted ids.
func (t *PlayerTracker) ClearActivePlayersForSlot(ctx context.Context, slotID string, now time.Time) ([]string, error) {
	evicted, err := t.store.RemoveActivePlayersForSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}

	var mErr *multierror.Error
	for _, playerID := range evicted {
		if err := t.store.PushRecentSlot(ctx, playerID, slotID, now); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	return evicted, mErr.ErrorOrNil()
}

// ClearPlayer drops a player's active assignment, optionally pushing the
// slot they were on into recent history.
func (t *PlayerTracker) ClearPlayer(ctx context.Context, playerID string, pushRecent bool, now time.Time) error {
	slotID, found, err := t.store.ClearActiveSlot(ctx, playerID)
	if err != nil || !found {
		return err
	}
	if pushRecent {
		return t.store.PushRecentSlot(ctx, playerID, slotID, now)
	}
	return nil
}

// ResolveRecentBlockedSlots returns the player's recent slots inside the
// TTL window for use as a routing blocklist, trimming stale entries on
// the way.
func (t *PlayerTracker) ResolveRecentBlockedSlots(ctx context.Context, playerID string, now time.Time) ([]string, error) {
	if _, err := t.store.TrimRecentSlots(ctx, playerID, now); err != nil {
		return nil, err
	}
	return t.store.GetRecentSlots(ctx, playerID, now)
}
