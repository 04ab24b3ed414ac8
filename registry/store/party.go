// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"encoding/json"

	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// EnqueuePartyReservation appends a reservation to the tail of its family
// queue.
func (s *RoutingStore) EnqueuePartyReservation(ctx context.Context, snapshot *structs.PartyReservationSnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return structs.NewStoreError("enqueue-party-reservation", err)
	}
	key := partyQueueKey(structs.NormalizeFamily(snapshot.Family))
	if err := s.client.RPush(ctx, key, raw).Err(); err != nil {
		return structs.NewStoreError("enqueue-party-reservation", err)
	}
	return nil
}

// EnqueuePartyReservationFront pushes a reservation back onto the head of
// its family queue, preserving its priority over later arrivals.
func (s *RoutingStore) EnqueuePartyReservationFront(ctx context.Context, snapshot *structs.PartyReservationSnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return structs.NewStoreError("enqueue-party-reservation-front", err)
	}
	key := partyQueueKey(structs.NormalizeFamily(snapshot.Family))
	if err := s.client.LPush(ctx, key, raw).Err(); err != nil {
		return structs.NewStoreError("enqueue-party-reservation-front", err)
	}
	return nil
}

// PollPartyReservation pops the head of the family queue. The second
// return is false when the queue is empty.
func (s *RoutingStore) PollPartyReservation(ctx context.Context, family string) (*structs.PartyReservationSnapshot, bool, error) {
	raw, err := s.client.LPop(ctx, partyQueueKey(structs.NormalizeFamily(family))).Result()
	if err != nil {
		if isNil(err) {
			return nil, false, nil
		}
		return nil, false, structs.NewStoreError("poll-party-reservation", err)
	}

	var snapshot structs.PartyReservationSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return nil, false, structs.NewStoreError("poll-party-reservation", err)
	}
	return &snapshot, true, nil
}

// PartyQueueDepth returns the number of reservations waiting on a family.
func (s *RoutingStore) PartyQueueDepth(ctx context.Context, family string) (int, error) {
	n, err := s.client.LLen(ctx, partyQueueKey(structs.NormalizeFamily(family))).Result()
	if err != nil {
		return 0, structs.NewStoreError("party-queue-depth", err)
	}
	return int(n), nil
}

// SavePartyAllocation persists the allocation record and indexes its
// reservation id.
func (s *RoutingStore) SavePartyAllocation(ctx context.Context, alloc *structs.PartyReservationAllocation) error {
	raw, err := json.Marshal(alloc)
	if err != nil {
		return structs.NewStoreError("save-party-allocation", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, partyAllocKey(alloc.ReservationID()), raw, 0)
	pipe.SAdd(ctx, keyPartyAllocIndex, alloc.ReservationID())
	if _, err := pipe.Exec(ctx); err != nil {
		return structs.NewStoreError("save-party-allocation", err)
	}
	return nil
}

// GetPartyAllocation reads an allocation by reservation id.
func (s *RoutingStore) GetPartyAllocation(ctx context.Context, reservationID string) (*structs.PartyReservationAllocation, bool, error) {
	raw, err := s.client.Get(ctx, partyAllocKey(reservationID)).Result()
	if err != nil {
		if isNil(err) {
			return nil, false, nil
		}
		return nil, false, structs.NewStoreError("get-party-allocation", err)
	}

	var alloc structs.PartyReservationAllocation
	if err := json.Unmarshal([]byte(raw), &alloc); err != nil {
		return nil, false, structs.NewStoreError("get-party-allocation", err)
	}
	return &alloc, true, nil
}

// RemovePartyAllocation drops the allocation record and its index entry.
func (s *RoutingStore) RemovePartyAllocation(ctx context.Context, reservationID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, partyAllocKey(reservationID))
	pipe.SRem(ctx, keyPartyAllocIndex, reservationID)
	if _, err := pipe.Exec(ctx); err != nil {
		return structs.NewStoreError("remove-party-allocation", err)
	}
	return nil
}

// GetPartyAllocations reads every live allocation. Index entries whose
// record disappeared are skipped.
func (s *RoutingStore) GetPartyAllocations(ctx context.Context) ([]*structs.PartyReservationAllocation, error) {
	ids, err := s.client.SMembers(ctx, keyPartyAllocIndex).Result()
	if err != nil {
		return nil, structs.NewStoreError("get-party-allocations", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = partyAllocKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, structs.NewStoreError("get-party-allocations", err)
	}

	out := make([]*structs.PartyReservationAllocation, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var alloc structs.PartyReservationAllocation
		if err := json.Unmarshal([]byte(raw), &alloc); err != nil {
			s.logger.Warn("dropping undecodable party allocation", "error", err)
			continue
		}
		out = append(out, &alloc)
	}
	return out, nil
}

// EnqueuePendingReservationPlayer parks a player context that arrived
// before its reservation was allocated.
func (s *RoutingStore) EnqueuePendingReservationPlayer(ctx context.Context, reservationID string, pctx *structs.PlayerRequestContext) error {
	raw, err := json.Marshal(pctx)
	if err != nil {
		return structs.NewStoreError("enqueue-pending-player", err)
	}
	if err := s.client.RPush(ctx, pendingPlayersKey(reservationID), raw).Err(); err != nil {
		return structs.NewStoreError("enqueue-pending-player", err)
	}
	return nil
}

// DrainPendingReservationPlayers removes and returns every parked context
// for the reservation, in arrival order.
func (s *RoutingStore) DrainPendingReservationPlayers(ctx context.Context, reservationID string) ([]*structs.PlayerRequestContext, error) {
	key := pendingPlayersKey(reservationID)

	pipe := s.client.TxPipeline()
	entries := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, structs.NewStoreError("drain-pending-players", err)
	}

	raws := entries.Val()
	out := make([]*structs.PlayerRequestContext, 0, len(raws))
	for _, raw := range raws {
		var pctx structs.PlayerRequestContext
		if err := json.Unmarshal([]byte(raw), &pctx); err != nil {
			s.logger.Warn("dropping undecodable pending player context", "reservation_id", reservationID, "error", err)
			continue
		}
		pctx.Normalize()
		out = append(out, &pctx)
	}
	return out, nil
}
