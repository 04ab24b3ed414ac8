// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"strconv"

	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// ReserveFamilyCapacity atomically takes one slot of capacity for the
// family on the server. Returns the remaining capacity, or -1 when the
// server has none left; -1 is not an error.
func (s *RoutingStore) ReserveFamilyCapacity(ctx context.Context, serverID, family string) (int, error) {
	family = structs.NormalizeFamily(family)
	keys := []string{
		familyCapacityKey(serverID),
		slotsByFamilyKey(family),
		serverFamiliesKey(serverID),
	}
	remaining, err := s.reserveCapacity.Run(ctx, s.client, keys, family, serverID).Int()
	if err != nil {
		return 0, structs.NewStoreError("reserve-family-capacity", err)
	}
	return remaining, nil
}

// ReleaseFamilyCapacity returns one slot of capacity, clamped at the
// declared total. Safe to call as compensation even when the reserve leg
// never happened.
func (s *RoutingStore) ReleaseFamilyCapacity(ctx context.Context, serverID, family string) (int, error) {
	family = structs.NormalizeFamily(family)
	keys := []string{
		familyCapacityKey(serverID),
		familyTotalKey(serverID),
		slotsByFamilyKey(family),
	}
	remaining, err := s.releaseCapacity.Run(ctx, s.client, keys, family, serverID).Int()
	if err != nil {
		return 0, structs.NewStoreError("release-family-capacity", err)
	}
	return remaining, nil
}

// GetFamilyCapacity reads the remaining capacity for one family on one
// server; missing families read as 0.
func (s *RoutingStore) GetFamilyCapacity(ctx context.Context, serverID, family string) (int, error) {
	family = structs.NormalizeFamily(family)
	raw, err := s.client.HGet(ctx, familyCapacityKey(serverID), family).Result()
	if err != nil {
		if isNil(err) {
			return 0, nil
		}
		return 0, structs.NewStoreError("get-family-capacity", err)
	}
	n, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return 0, structs.NewStoreError("get-family-capacity", convErr)
	}
	return n, nil
}

// SyncServer mirrors a backend's declared and remaining capacities into
// the store, replacing whatever was there.
func (s *RoutingStore) SyncServer(ctx context.Context, backend *structs.Backend) error {
	families := backend.Families()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, familyCapacityKey(backend.ID), familyTotalKey(backend.ID), serverFamiliesKey(backend.ID))
	for family, counts := range families {
		pipe.HSet(ctx, familyCapacityKey(backend.ID), family, counts.Available)
		pipe.HSet(ctx, familyTotalKey(backend.ID), family, counts.Total)
		pipe.SAdd(ctx, serverFamiliesKey(backend.ID), family)
		if counts.Available > 0 {
			pipe.SAdd(ctx, slotsByFamilyKey(family), backend.ID)
		} else {
			pipe.SRem(ctx, slotsByFamilyKey(family), backend.ID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return structs.NewStoreError("sync-server", err)
	}
	return nil
}

// RemoveServer drops the server's capacity mirror and its family index
// memberships. families is the set the server was last known to serve.
func (s *RoutingStore) RemoveServer(ctx context.Context, serverID string, families []string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, familyCapacityKey(serverID), familyTotalKey(serverID), serverFamiliesKey(serverID))
	for _, family := range families {
		pipe.SRem(ctx, slotsByFamilyKey(structs.NormalizeFamily(family)), serverID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return structs.NewStoreError("remove-server", err)
	}
	return nil
}

// ServerFamilies reads the family set mirrored for a server.
func (s *RoutingStore) ServerFamilies(ctx context.Context, serverID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, serverFamiliesKey(serverID)).Result()
	if err != nil {
		return nil, structs.NewStoreError("server-families", err)
	}
	return members, nil
}
