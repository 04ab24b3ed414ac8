// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"golang.org/x/time/rate"

	"github.com/fulcrumnet/fulcrum-registry/helper/uuid"
	"github.com/fulcrumnet/fulcrum-registry/registry/store"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// coalesceWindow is how long a provision request for the same
// (family, reservation) key suppresses duplicates. New slot capacity is
// expected to appear well inside this window.
const coalesceWindow = 10 * time.Second

// SlotProvisioner mints new slots: it reserves capacity on the best
// backend in both the routing store and the in-memory fleet, then
// dispatches a provision command to the backend. Every successful
// provision corresponds to exactly one capacity decrement in both
// stores; any failed leg compensates the ones before it.
type SlotProvisioner struct {
	logger    hclog.Logger
	fleet     *Fleet
	store     *store.RoutingStore
	catalog   *EnvironmentCatalog
	publisher Publisher

	// evacuating filters out backends under a shutdown intent. Wired to
	// the intent manager at assembly; nil means nothing is evacuating.
	evacuating func(serverID string) bool

	limiter *rate.Limiter

	mu       sync.Mutex
	inflight map[string]time.Time
}

// NewSlotProvisioner builds the provisioner.
func NewSlotProvisioner(logger hclog.Logger, fleet *Fleet, routingStore *store.RoutingStore, catalog *EnvironmentCatalog, publisher Publisher, config *Config) *SlotProvisioner {
	return &SlotProvisioner{
		logger:    logger.Named("provisioner"),
		fleet:     fleet,
		store:     routingStore,
		catalog:   catalog,
		publisher: publisher,
		limiter:   rate.NewLimiter(rate.Limit(config.ProvisionRate), config.ProvisionBurst),
		inflight:  make(map[string]time.Time),
	}
}

// SetEvacuationCheck wires the shutdown intent manager's evacuating
// filter. Called once at assembly, before any messages flow.
func (p *SlotProvisioner) SetEvacuationCheck(check func(serverID string) bool) {
	p.evacuating = check
}

// RequestProvision finds the best backend with remaining capacity for the
// family and dispatches a provision command to it. A nil result with a
// nil error means the request was coalesced or rate-limited; capacity
// exhaustion returns ErrCapacityExhausted.
func (p *SlotProvisioner) RequestProvision(ctx context.Context, family string, meta map[string]string) (*structs.ProvisionResult, error) {
	defer metrics.MeasureSince([]string{"provision", "request"}, time.Now())
	family = structs.NormalizeFamily(family)

	if !p.beginRequest(family, meta) {
		metrics.IncrCounter([]string{"provision", "coalesced"}, 1)
		p.logger.Debug("provision request coalesced", "family", family)
		return nil, nil
	}

	if !p.limiter.Allow() {
		metrics.IncrCounter([]string{"provision", "rate_limited"}, 1)
		p.logger.Debug("provision request rate limited", "family", family)
		return nil, nil
	}

	cost := p.catalog.PlayerCost(ctx, family)
	candidates := p.rankCandidates(ctx, family, cost)
	if len(candidates) == 0 {
		metrics.IncrCounter([]string{"provision", "no_candidates"}, 1)
		p.logger.Warn("no backend can host a new slot", "family", family)
		return nil, structs.ErrCapacityExhausted
	}

	for _, backend := range candidates {
		result, err := p.tryProvision(ctx, backend, family, meta)
		if err != nil {
			p.logger.Debug("provision candidate failed, trying next",
				"server_id", backend.ID, "family", family, "error", err)
			continue
		}
		metrics.IncrCounter([]string{"provision", "success"}, 1)
		p.logger.Info("slot provision dispatched",
			"server_id", result.ServerID, "family", family, "remaining_slots", result.RemainingSlots)
		return result, nil
	}

	metrics.IncrCounter([]string{"provision", "exhausted"}, 1)
	p.logger.Warn("every provision candidate failed", "family", family)
	return nil, structs.ErrCapacityExhausted
}

// beginRequest records the request under its coalescing key and reports
// whether the caller should proceed.
func (p *SlotProvisioner) beginRequest(family string, meta map[string]string) bool {
	key := family + "|" + meta[structs.SlotMetaPartyReservation]
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if started, ok := p.inflight[key]; ok && now.Sub(started) < coalesceWindow {
		return false
	}
	p.inflight[key] = now

	// Drop stale entries opportunistically; the map stays fleet-sized.
	for k, started := range p.inflight {
		if now.Sub(started) >= coalesceWindow {
			delete(p.inflight, k)
		}
	}
	return true
}

// rankCandidates lists routable backends with remaining family capacity,
// ordered so the first candidate has the fewest remaining slots (pack
// existing servers before scattering), then the most current players
// (keep hot servers hot), then ascending id for determinism.
func (p *SlotProvisioner) rankCandidates(ctx context.Context, family string, cost float64) []*structs.Backend {
	var candidates []*structs.Backend
	for _, backend := range p.fleet.Backends() {
		if !backend.Status().Routable() {
			continue
		}
		if p.evacuating != nil && p.evacuating(backend.ID) {
			continue
		}
		if !backend.SupportsFamily(family) || backend.AvailableFamilySlots(family) <= 0 {
			continue
		}

		load := backend.PlayerEquivalentLoad(func(f string) float64 { return p.catalog.PlayerCost(ctx, f) })
		if backend.HardPlayerCap > 0 && load+cost > float64(backend.HardPlayerCap) {
			p.logger.Debug("skipping backend over hard player cap",
				"server_id", backend.ID, "load", load, "hard_cap", backend.HardPlayerCap)
			continue
		}
		if backend.SoftPlayerCap > 0 && load+cost > float64(backend.SoftPlayerCap) {
			p.logger.Warn("provisioning past soft player cap",
				"server_id", backend.ID, "load", load, "soft_cap", backend.SoftPlayerCap)
		}
		candidates = append(candidates, backend)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		availA, availB := a.AvailableFamilySlots(family), b.AvailableFamilySlots(family)
		if availA != availB {
			return availA < availB
		}
		if pa, pb := a.PlayerCount(), b.PlayerCount(); pa != pb {
			return pa > pb
		}
		return a.ID < b.ID
	})
	return candidates
}

// tryProvision runs the two-phase reserve against one backend and
// broadcasts the provision command, unwinding on any failed leg.
func (p *SlotProvisioner) tryProvision(ctx context.Context, backend *structs.Backend, family string, meta map[string]string) (*structs.ProvisionResult, error) {
	remaining, err := p.store.ReserveFamilyCapacity(ctx, backend.ID, family)
	if err != nil {
		return nil, err
	}
	if remaining < 0 {
		return nil, structs.ErrCapacityExhausted
	}

	if !backend.ReserveFamilySlot(family) {
		// Lost the race against another provision on this backend.
		if _, relErr := p.store.ReleaseFamilyCapacity(ctx, backend.ID, family); relErr != nil {
			p.logger.Error("failed to compensate store capacity after lost reserve race",
				"server_id", backend.ID, "family", family, "error", relErr)
		}
		return nil, structs.ErrCapacityExhausted
	}

	command := &structs.SlotProvisionCommand{
		ServerID:  backend.ID,
		Family:    family,
		Variant:   structs.NormalizeFamily(meta[structs.SlotMetaVariant]),
		Metadata:  maps.Clone(meta),
		RequestID: uuid.Generate(),
	}
	if err := p.publisher.Publish(ctx, structs.ProvisionChannel(backend.ID), structs.MsgSlotProvisionCommand, command); err != nil {
		backend.ReleaseFamilySlot(family)
		if _, relErr := p.store.ReleaseFamilyCapacity(ctx, backend.ID, family); relErr != nil {
			p.logger.Error("failed to compensate store capacity after publish failure",
				"server_id", backend.ID, "family", family, "error", relErr)
		}
		return nil, err
	}

	return &structs.ProvisionResult{
		ServerID:       backend.ID,
		Family:         family,
		RemainingSlots: remaining,
		Command:        command,
	}, nil
}
