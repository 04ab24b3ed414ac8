// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// Slot hash fields. Metadata entries are stored alongside under a meta:
// prefix so one HGETALL returns the whole record.
const (
	slotFieldServerID      = "serverId"
	slotFieldSuffix        = "slotSuffix"
	slotFieldFamily        = "family"
	slotFieldStatus        = "status"
	slotFieldGameType      = "gameType"
	slotFieldMaxPlayers    = "maxPlayers"
	slotFieldOnlinePlayers = "onlinePlayers"
	slotFieldLastUpdated   = "lastUpdated"
	slotMetaFieldPrefix    = "meta:"
)

// StoreSlot mirrors a slot record and indexes it under its family. The
// write replaces the previous hash so metadata removed by the backend does
// not linger.
func (s *RoutingStore) StoreSlot(ctx context.Context, slot *structs.LogicalSlot) error {
	fields := map[string]interface{}{
		slotFieldServerID:      slot.ServerID,
		slotFieldSuffix:        slot.Suffix,
		slotFieldFamily:        structs.NormalizeFamily(slot.Family),
		slotFieldStatus:        string(slot.Status),
		slotFieldGameType:      slot.GameType,
		slotFieldMaxPlayers:    slot.MaxPlayers,
		slotFieldOnlinePlayers: slot.OnlinePlayers,
		slotFieldLastUpdated:   slot.LastUpdated.UnixMilli(),
	}
	for k, v := range slot.Metadata {
		fields[slotMetaFieldPrefix+k] = v
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, slotKey(slot.ID))
	pipe.HSet(ctx, slotKey(slot.ID), fields)
	pipe.SAdd(ctx, slotsByFamilyKey(structs.NormalizeFamily(slot.Family)), slot.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return structs.NewStoreError("store-slot", err)
	}
	return nil
}

// RemoveSlot drops the slot record, its family index entry and its
// occupancy counter.
func (s *RoutingStore) RemoveSlot(ctx context.Context, slotID, family string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, slotKey(slotID))
	pipe.SRem(ctx, slotsByFamilyKey(structs.NormalizeFamily(family)), slotID)
	pipe.Del(ctx, occupancyKey(slotID))
	if _, err := pipe.Exec(ctx); err != nil {
		return structs.NewStoreError("remove-slot", err)
	}
	return nil
}

// GetSlot reads a mirrored slot record. The second return is false when
// no record exists.
func (s *RoutingStore) GetSlot(ctx context.Context, slotID string) (*structs.LogicalSlot, bool, error) {
	fields, err := s.client.HGetAll(ctx, slotKey(slotID)).Result()
	if err != nil {
		return nil, false, structs.NewStoreError("get-slot", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return slotFromHash(slotID, fields), true, nil
}

// FamilyMembers returns the raw by-family index: a mix of server ids (with
// remaining provision capacity) and slot ids (mirrored slots).
func (s *RoutingStore) FamilyMembers(ctx context.Context, family string) ([]string, error) {
	members, err := s.client.SMembers(ctx, slotsByFamilyKey(structs.NormalizeFamily(family))).Result()
	if err != nil {
		return nil, structs.NewStoreError("family-members", err)
	}
	return members, nil
}

func slotFromHash(slotID string, fields map[string]string) *structs.LogicalSlot {
	slot := &structs.LogicalSlot{
		ID:       slotID,
		ServerID: fields[slotFieldServerID],
		Suffix:   fields[slotFieldSuffix],
		Family:   fields[slotFieldFamily],
		GameType: fields[slotFieldGameType],
		Status:   structs.SlotStatus(fields[slotFieldStatus]),
		Metadata: make(map[string]string),
	}
	if n, err := strconv.Atoi(fields[slotFieldMaxPlayers]); err == nil {
		slot.MaxPlayers = n
	}
	if n, err := strconv.Atoi(fields[slotFieldOnlinePlayers]); err == nil {
		slot.OnlinePlayers = n
	}
	if ms, err := strconv.ParseInt(fields[slotFieldLastUpdated], 10, 64); err == nil {
		slot.LastUpdated = time.UnixMilli(ms)
	}
	for k, v := range fields {
		if meta, ok := strings.CutPrefix(k, slotMetaFieldPrefix); ok {
			slot.Metadata[meta] = v
		}
	}
	return slot
}
