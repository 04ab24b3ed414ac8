// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// IncrementOccupancy bumps the pending-player counter for a slot and
// returns the new value.
func (s *RoutingStore) IncrementOccupancy(ctx context.Context, slotID string) (int, error) {
	n, err := s.client.Incr(ctx, occupancyKey(slotID)).Result()
	if err != nil {
		return 0, structs.NewStoreError("increment-occupancy", err)
	}
	return int(n), nil
}

// DecrementOccupancy lowers the pending-player counter, clamped at zero,
// and returns the new value.
func (s *RoutingStore) DecrementOccupancy(ctx context.Context, slotID string) (int, error) {
	n, err := s.decrOccupancy.Run(ctx, s.client, []string{occupancyKey(slotID)}).Int()
	if err != nil {
		return 0, structs.NewStoreError("decrement-occupancy", err)
	}
	return n, nil
}

// AddOccupancy applies a signed delta to the pending-player counter,
// clamped at zero, and returns the new value. Used by party allocation,
// which reserves a whole party's seats at once.
func (s *RoutingStore) AddOccupancy(ctx context.Context, slotID string, delta int) (int, error) {
	n, err := s.addOccupancy.Run(ctx, s.client, []string{occupancyKey(slotID)}, delta).Int()
	if err != nil {
		return 0, structs.NewStoreError("add-occupancy", err)
	}
	return n, nil
}

// GetOccupancy reads the pending-player counter; missing keys read as 0.
func (s *RoutingStore) GetOccupancy(ctx context.Context, slotID string) (int, error) {
	raw, err := s.client.Get(ctx, occupancyKey(slotID)).Result()
	if err != nil {
		if isNil(err) {
			return 0, nil
		}
		return 0, structs.NewStoreError("get-occupancy", err)
	}
	n, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return 0, structs.NewStoreError("get-occupancy", convErr)
	}
	return n, nil
}

// GetOccupancies batch-reads the pending-player counters for many slots.
func (s *RoutingStore) GetOccupancies(ctx context.Context, slotIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(slotIDs))
	if len(slotIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(slotIDs))
	for i, id := range slotIDs {
		keys[i] = occupancyKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, structs.NewStoreError("get-occupancies", err)
	}
	for i, v := range values {
		if v == nil {
			out[slotIDs[i]] = 0
			continue
		}
		if raw, ok := v.(string); ok {
			if n, convErr := strconv.Atoi(raw); convErr == nil {
				out[slotIDs[i]] = n
			}
		}
	}
	return out, nil
}

// SetActiveSlot points the player at a slot, maintaining the per-slot
// reverse index, and returns the player's previous slot id if there was a
// different one.
func (s *RoutingStore) SetActiveSlot(ctx context.Context, playerID, slotID string) (string, error) {
	keys := []string{activeSlotKey(playerID), slotPlayersKey(slotID)}
	prev, err := s.setActive.Run(ctx, s.client, keys, slotID, playerID, keySlotPlayersPref).Text()
	if err != nil {
		if isNil(err) {
			return "", nil
		}
		return "", structs.NewStoreError("set-active-slot", err)
	}
	return prev, nil
}

// GetActiveSlot returns the slot the player is assigned to, if any.
func (s *RoutingStore) GetActiveSlot(ctx context.Context, playerID string) (string, bool, error) {
	slotID, err := s.client.Get(ctx, activeSlotKey(playerID)).Result()
	if err != nil {
		if isNil(err) {
			return "", false, nil
		}
		return "", false, structs.NewStoreError("get-active-slot", err)
	}
	return slotID, true, nil
}

// ClearActiveSlot removes the player's assignment and returns the slot it
// pointed at, if any.
func (s *RoutingStore) ClearActiveSlot(ctx context.Context, playerID string) (string, bool, error) {
	slotID, err := s.clearActive.Run(ctx, s.client, []string{activeSlotKey(playerID)}, playerID, keySlotPlayersPref).Text()
	if err != nil {
		if isNil(err) {
			return "", false, nil
		}
		return "", false, structs.NewStoreError("clear-active-slot", err)
	}
	return slotID, true, nil
}

// RemoveActivePlayersForSlot evicts every player still assigned to the
// slot and returns their ids. Players re-routed elsewhere in the meantime
// keep their newer assignment.
func (s *RoutingStore) RemoveActivePlayersForSlot(ctx context.Context, slotID string) ([]string, error) {
	res, err := s.clearSlot.Run(ctx, s.client, []string{slotPlayersKey(slotID)}, slotID, keyActivePrefix).StringSlice()
	if err != nil {
		if isNil(err) {
			return nil, nil
		}
		return nil, structs.NewStoreError("remove-active-players", err)
	}
	return res, nil
}

// PushRecentSlot records that the player just left a slot, trimming the
// history to the configured TTL and bound in the same round trip.
func (s *RoutingStore) PushRecentSlot(ctx context.Context, playerID, slotID string, now time.Time) error {
	key := recentSlotsKey(playerID)
	score := float64(now.UnixMilli())
	cutoff := strconv.FormatInt(now.Add(-s.config.RecentSlotTTL).UnixMilli(), 10)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: slotID})
	pipe.ZAdd(ctx, keyRecentIndex, redis.Z{Score: score, Member: playerID})
	pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
	if s.config.RecentSlotHistory > 0 {
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.config.RecentSlotHistory-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return structs.NewStoreError("push-recent-slot", err)
	}
	return nil
}

// GetRecentSlots returns the player's recent slots still inside the TTL
// window, most recent last.
func (s *RoutingStore) GetRecentSlots(ctx context.Context, playerID string, now time.Time) ([]string, error) {
	cutoff := strconv.FormatInt(now.Add(-s.config.RecentSlotTTL).UnixMilli(), 10)
	slots, err := s.client.ZRangeByScore(ctx, recentSlotsKey(playerID), &redis.ZRangeBy{
		Min: cutoff,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, structs.NewStoreError("get-recent-slots", err)
	}
	return slots, nil
}

// TrimRecentSlots drops entries outside the TTL window and beyond the
// bound, returning how many entries remain. When the history empties the
// player also leaves the recent index.
func (s *RoutingStore) TrimRecentSlots(ctx context.Context, playerID string, now time.Time) (int, error) {
	key := recentSlotsKey(playerID)
	cutoff := strconv.FormatInt(now.Add(-s.config.RecentSlotTTL).UnixMilli(), 10)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
	if s.config.RecentSlotHistory > 0 {
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.config.RecentSlotHistory-1))
	}
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, structs.NewStoreError("trim-recent-slots", err)
	}

	remaining := int(card.Val())
	if remaining == 0 {
		if err := s.client.ZRem(ctx, keyRecentIndex, playerID).Err(); err != nil {
			return 0, structs.NewStoreError("trim-recent-slots", err)
		}
	}
	return remaining, nil
}

// StaleRecentPlayers lists players whose last recent-slot push is older
// than the TTL, bounded by limit. The sweeper trims each one.
func (s *RoutingStore) StaleRecentPlayers(ctx context.Context, now time.Time, limit int) ([]string, error) {
	cutoff := strconv.FormatInt(now.Add(-s.config.RecentSlotTTL).UnixMilli(), 10)
	players, err := s.client.ZRangeByScore(ctx, keyRecentIndex, &redis.ZRangeBy{
		Min:   "0",
		Max:   cutoff,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, structs.NewStoreError("stale-recent-players", err)
	}
	return players, nil
}
