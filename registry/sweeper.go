// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/hashicorp/go-multierror"

	"github.com/fulcrumnet/fulcrum-registry/registry/store"
)

// ExpirySweeper walks the shared expiry index on a fixed cadence and
// retires whatever crossed its deadline: shutdown transfer tickets that
// were never consumed, and recent-slot histories that aged out. Batches
// are bounded so a large backlog spreads across passes instead of
// stalling one.
type ExpirySweeper struct {
	logger  hclog.Logger
	config  *Config
	store   *store.RoutingStore
	intents *IntentManager
	tracker *PlayerTracker
}

// NewExpirySweeper builds the sweeper; call Run to start it.
func NewExpirySweeper(logger hclog.Logger, config *Config, routingStore *store.RoutingStore, intents *IntentManager, tracker *PlayerTracker) *ExpirySweeper {
	return &ExpirySweeper{
		logger:  logger.Named("sweeper"),
		config:  config,
		store:   routingStore,
		intents: intents,
		tracker: tracker,
	}
}

// Run sweeps until the context ends.
func (sw *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := sw.Sweep(ctx, time.Now()); err != nil {
				sw.logger.Error("sweep pass failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep performs one pass. Exported for tests and the console status
// verb.
func (sw *ExpirySweeper) Sweep(ctx context.Context, now time.Time) error {
	defer metrics.MeasureSince([]string{"sweeper", "pass"}, time.Now())

	var mErr multierror.Error

	members, err := sw.store.ExpiredMembers(ctx, now, sw.config.SweepBatchLimit)
	if err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	// ExpiredMembers pops entries as it returns them, so each member is
	// handled at most once even across overlapping passes.
	for _, member := range members {
		kind, a, b, parseErr := store.ParseExpiryMember(member)
		if parseErr != nil {
			sw.logger.Warn("dropping malformed expiry member", "member", member, "error", parseErr)
			continue
		}
		if store.IsTicketExpiry(kind) {
			// a is the intent id, b the player id.
			sw.intents.ExpireTicket(a, b)
			metrics.IncrCounter([]string{"sweeper", "tickets_expired"}, 1)
		}
	}

	// Safety net for tickets that never made it into the shared index.
	if n := sw.intents.SweepExpiredTickets(now); n > 0 {
		sw.logger.Debug("expired unconsumed tickets", "count", n)
	}

	stale, err := sw.store.StaleRecentPlayers(ctx, now, sw.config.SweepBatchLimit)
	if err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	for _, playerID := range stale {
		if _, trimErr := sw.store.TrimRecentSlots(ctx, playerID, now); trimErr != nil {
			mErr.Errors = append(mErr.Errors, trimErr)
		}
	}
	if len(stale) > 0 {
		sw.logger.Debug("trimmed stale recent-slot histories", "players", len(stale))
	}

	return mErr.ErrorOrNil()
}
