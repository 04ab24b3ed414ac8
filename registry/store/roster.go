// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"encoding/json"

	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// StoreMatchRoster persists the roster for a slot, replacing any previous
// one.
func (s *RoutingStore) StoreMatchRoster(ctx context.Context, roster *structs.MatchRoster) error {
	raw, err := json.Marshal(roster)
	if err != nil {
		return structs.NewStoreError("store-match-roster", err)
	}
	if err := s.client.Set(ctx, rosterKey(roster.SlotID), raw, 0).Err(); err != nil {
		return structs.NewStoreError("store-match-roster", err)
	}
	return nil
}

// GetMatchRoster reads the roster stored for a slot.
func (s *RoutingStore) GetMatchRoster(ctx context.Context, slotID string) (*structs.MatchRoster, bool, error) {
	raw, err := s.client.Get(ctx, rosterKey(slotID)).Result()
	if err != nil {
		if isNil(err) {
			return nil, false, nil
		}
		return nil, false, structs.NewStoreError("get-match-roster", err)
	}

	var roster structs.MatchRoster
	if err := json.Unmarshal([]byte(raw), &roster); err != nil {
		return nil, false, structs.NewStoreError("get-match-roster", err)
	}
	return &roster, true, nil
}

// RemoveMatchRoster deletes the roster for a slot and returns what was
// stored, so match-ended handling can clear exactly the rostered players.
func (s *RoutingStore) RemoveMatchRoster(ctx context.Context, slotID string) (*structs.MatchRoster, bool, error) {
	raw, err := s.client.GetDel(ctx, rosterKey(slotID)).Result()
	if err != nil {
		if isNil(err) {
			return nil, false, nil
		}
		return nil, false, structs.NewStoreError("remove-match-roster", err)
	}

	var roster structs.MatchRoster
	if err := json.Unmarshal([]byte(raw), &roster); err != nil {
		return nil, false, structs.NewStoreError("remove-match-roster", err)
	}
	return &roster, true, nil
}
