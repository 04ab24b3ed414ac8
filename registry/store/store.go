// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package store is the typed accessor over the Redis routing state: family
// capacities, slot mirrors, occupancy counters, player assignment, recent
// history, party queues and allocations, match rosters and the expiry
// index. Every multi-key mutation that must be atomic runs as a
// server-side script; plain accessors use single commands or MULTI
// pipelines. No policy lives here.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// Config holds the store-leaning tunables the accessor needs to enforce
// bounds on its own keys.
type Config struct {
	// RecentSlotTTL is how long a recent-slot entry blocks re-routing.
	RecentSlotTTL time.Duration

	// RecentSlotHistory bounds the number of entries kept per player.
	RecentSlotHistory int
}

// DefaultConfig returns the tunables used when the agent does not
// override them.
func DefaultConfig() Config {
	return Config{
		RecentSlotTTL:     5 * time.Minute,
		RecentSlotHistory: 5,
	}
}

// RoutingStore is the typed accessor. It is safe for concurrent use; all
// state lives server-side.
type RoutingStore struct {
	client redis.UniversalClient
	logger hclog.Logger
	config Config

	reserveCapacity *redis.Script
	releaseCapacity *redis.Script
	setActive       *redis.Script
	clearActive     *redis.Script
	clearSlot       *redis.Script
	decrOccupancy   *redis.Script
	addOccupancy    *redis.Script
}

// New creates a RoutingStore over the given client. Scripts are loaded
// lazily on first use via EVALSHA with EVAL fallback.
func New(client redis.UniversalClient, logger hclog.Logger, config Config) *RoutingStore {
	return &RoutingStore{
		client: client,
		logger: logger.Named("routing_store"),
		config: config,

		reserveCapacity: redis.NewScript(reserveCapacityScript),
		releaseCapacity: redis.NewScript(releaseCapacityScript),
		setActive:       redis.NewScript(setActiveScript),
		clearActive:     redis.NewScript(clearActiveScript),
		clearSlot:       redis.NewScript(clearSlotPlayersScript),
		decrOccupancy:   redis.NewScript(decrementOccupancyScript),
		addOccupancy:    redis.NewScript(addOccupancyScript),
	}
}

// Client exposes the underlying connection for health checks.
func (s *RoutingStore) Client() redis.UniversalClient {
	return s.client
}

// Ping verifies connectivity.
func (s *RoutingStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return structs.NewStoreError("ping", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RoutingStore) Close() error {
	return s.client.Close()
}

// isNil reports whether err is the missing-key sentinel.
func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
