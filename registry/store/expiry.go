// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// Expiry member kinds. Members are <kind>:<payload> strings in a single
// sorted set scored by their deadline, so one sweep pass covers every
// kind.
const (
	expiryKindBlock  = "block"
	expiryKindTicket = "ticket"
)

// BlockExpiryMember formats the expiry member for a social/routing block.
func BlockExpiryMember(playerID, slotID string) string {
	return fmt.Sprintf("%s:%s:%s", expiryKindBlock, playerID, slotID)
}

// TicketExpiryMember formats the expiry member for a shutdown ticket.
func TicketExpiryMember(intentID, playerID string) string {
	return fmt.Sprintf("%s:%s:%s", expiryKindTicket, intentID, playerID)
}

// ParseExpiryMember splits a member into its kind and the two payload
// parts.
func ParseExpiryMember(member string) (kind, a, b string, err error) {
	parts := strings.SplitN(member, ":", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed expiry member %q", member)
	}
	return parts[0], parts[1], parts[2], nil
}

// IsBlockExpiry reports whether the member is a block entry.
func IsBlockExpiry(kind string) bool { return kind == expiryKindBlock }

// IsTicketExpiry reports whether the member is a ticket entry.
func IsTicketExpiry(kind string) bool { return kind == expiryKindTicket }

// AddExpiry schedules a member for the sweeper at deadline.
func (s *RoutingStore) AddExpiry(ctx context.Context, member string, deadline time.Time) error {
	err := s.client.ZAdd(ctx, keyExpiry, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: member,
	}).Err()
	if err != nil {
		return structs.NewStoreError("add-expiry", err)
	}
	return nil
}

// RemoveExpiry unschedules members.
func (s *RoutingStore) RemoveExpiry(ctx context.Context, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.ZRem(ctx, keyExpiry, args...).Err(); err != nil {
		return structs.NewStoreError("remove-expiry", err)
	}
	return nil
}

// ExpiredMembers pops up to limit members whose deadline passed. Members
// are removed before being returned so a crashing sweep pass loses at
// most one batch of purely advisory entries.
func (s *RoutingStore) ExpiredMembers(ctx context.Context, now time.Time, limit int) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, keyExpiry, &redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, structs.NewStoreError("expired-members", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	if err := s.RemoveExpiry(ctx, members...); err != nil {
		return nil, err
	}
	return members, nil
}
