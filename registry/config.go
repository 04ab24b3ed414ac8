// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package registry implements the control plane: fleet registration,
// slot provisioning, player and party routing, shutdown orchestration
// and the periodic expiry sweeps. State that must survive a restart
// lives in the routing store; everything here holds only the live view.
package registry

import (
	"fmt"
	"time"

	"github.com/fulcrumnet/fulcrum-registry/registry/store"
)

// Config holds every tunable of the registry core. The agent builds one
// from defaults, an optional config file, and flags.
type Config struct {
	// SenderID identifies this registry on the bus.
	SenderID string

	// HeartbeatTimeout is how long a backend or proxy may go silent
	// before it is declared dead. HeartbeatGrace is added to the first
	// timer so services get time to begin heartbeating after registering.
	HeartbeatTimeout time.Duration
	HeartbeatGrace   time.Duration

	// MaxRoutingRetries bounds how often a starved player request is
	// re-enqueued before it is rejected with no-capacity.
	MaxRoutingRetries int

	// RequestMaxAge rejects requests older than this with timeout.
	RequestMaxAge time.Duration

	// RecentSlotTTL and RecentSlotHistory bound the per-player recent-slot
	// history used as a routing blocklist.
	RecentSlotTTL     time.Duration
	RecentSlotHistory int

	// QueueDepthLimit bounds each in-process family queue; on overflow the
	// oldest waiter is evicted with no-capacity.
	QueueDepthLimit int

	// StorePingInterval and StoreFailoverDeadline drive the store health
	// monitor. Past the deadline the registry stops accepting new work.
	StorePingInterval     time.Duration
	StoreFailoverDeadline time.Duration

	// EvictBuffer and TicketBuffer pad shutdown ticket lifetimes beyond
	// the intent countdown.
	EvictBuffer  time.Duration
	TicketBuffer time.Duration

	// SweepInterval and SweepBatchLimit pace the expiry sweeper.
	SweepInterval   time.Duration
	SweepBatchLimit int

	// ProvisionRate and ProvisionBurst rate-limit provision triggers so a
	// burst of starved requests cannot stampede the fleet.
	ProvisionRate  float64
	ProvisionBurst int

	// StatsInterval paces the component stats gauges.
	StatsInterval time.Duration
}

// DefaultConfig returns the tunables used when nothing overrides them.
func DefaultConfig() *Config {
	return &Config{
		SenderID:              "registry",
		HeartbeatTimeout:      30 * time.Second,
		HeartbeatGrace:        10 * time.Second,
		MaxRoutingRetries:     3,
		RequestMaxAge:         30 * time.Second,
		RecentSlotTTL:         5 * time.Minute,
		RecentSlotHistory:     5,
		QueueDepthLimit:       256,
		StorePingInterval:     2 * time.Second,
		StoreFailoverDeadline: 15 * time.Second,
		EvictBuffer:           15 * time.Second,
		TicketBuffer:          30 * time.Second,
		SweepInterval:         10 * time.Second,
		SweepBatchLimit:       128,
		ProvisionRate:         10,
		ProvisionBurst:        20,
		StatsInterval:         10 * time.Second,
	}
}

// Validate rejects configurations the registry cannot run with.
func (c *Config) Validate() error {
	if c.SenderID == "" {
		return fmt.Errorf("sender id must be set")
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive")
	}
	if c.MaxRoutingRetries < 0 {
		return fmt.Errorf("max routing retries cannot be negative")
	}
	if c.QueueDepthLimit <= 0 {
		return fmt.Errorf("queue depth limit must be positive")
	}
	if c.SweepInterval <= 0 || c.SweepBatchLimit <= 0 {
		return fmt.Errorf("sweep interval and batch limit must be positive")
	}
	if c.StoreFailoverDeadline < c.StorePingInterval {
		return fmt.Errorf("store failover deadline must cover at least one ping interval")
	}
	return nil
}

// StoreConfig derives the routing-store tunables.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		RecentSlotTTL:     c.RecentSlotTTL,
		RecentSlotHistory: c.RecentSlotHistory,
	}
}
