// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/fulcrumnet/fulcrum-registry/registry/store"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// MatchRosterService keeps the active-player map consistent with
// in-progress matches by consuming the backends' roster events.
type MatchRosterService struct {
	logger  hclog.Logger
	store   *store.RoutingStore
	tracker *PlayerTracker
}

// NewMatchRosterService builds the service.
func NewMatchRosterService(logger hclog.Logger, routingStore *store.RoutingStore, tracker *PlayerTracker) *MatchRosterService {
	return &MatchRosterService{
		logger:  logger.Named("roster"),
		store:   routingStore,
		tracker: tracker,
	}
}

// HandleRosterCreated stores the roster and marks every listed player
// active on the slot. An empty player list means the match dissolved
// before starting: the roster is dropped and the slot's players cleared.
func (m *MatchRosterService) HandleRosterCreated(ctx context.Context, msg *structs.MatchRosterCreated, now time.Time) error {
	if msg.SlotID == "" {
		return fmt.Errorf("roster created without slot id")
	}

	if len(msg.Players) == 0 {
		if _, _, err := m.store.RemoveMatchRoster(ctx, msg.SlotID); err != nil {
			return err
		}
		_, err := m.tracker.ClearActivePlayersForSlot(ctx, msg.SlotID, now)
		return err
	}

	roster := &structs.MatchRoster{
		SlotID:    msg.SlotID,
		MatchID:   msg.MatchID,
		Players:   msg.Players,
		CreatedAt: now,
	}
	if err := m.store.StoreMatchRoster(ctx, roster); err != nil {
		return err
	}

	m.logger.Debug("match roster recorded",
		"slot_id", msg.SlotID, "match_id", msg.MatchID, "players", len(msg.Players))
	return m.tracker.RecordActivePlayers(ctx, msg.SlotID, msg.Players, now)
}

// HandleRosterEnded removes the roster and clears each rostered player's
// active assignment, pushing the slot into their recent history. Without
// a stored roster it falls back to clearing whoever is still assigned to
// the slot.
func (m *MatchRosterService) HandleRosterEnded(ctx context.Context, msg *structs.MatchRosterEnded, now time.Time) error {
	if msg.SlotID == "" {
		return fmt.Errorf("roster ended without slot id")
	}

	roster, found, err := m.store.RemoveMatchRoster(ctx, msg.SlotID)
	if err != nil {
		return err
	}
	if !found {
		evicted, err := m.tracker.ClearActivePlayersForSlot(ctx, msg.SlotID, now)
		if err != nil {
			return err
		}
		m.logger.Debug("roster ended with no stored roster, cleared slot players",
			"slot_id", msg.SlotID, "evicted", len(evicted))
		return nil
	}

	var mErr *multierror.Error
	for _, playerID := range roster.Players {
		if err := m.tracker.ClearPlayer(ctx, playerID, true, now); err != nil {
			m.logger.Error("failed to clear rostered player",
				"player_id", playerID, "slot_id", msg.SlotID, "error", err)
			mErr = multierror.Append(mErr, err)
		}
	}

	m.logger.Debug("match roster ended",
		"slot_id", msg.SlotID, "match_id", roster.MatchID, "players", len(roster.Players))
	return mErr.ErrorOrNil()
}
