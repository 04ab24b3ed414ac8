// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/fulcrumnet/fulcrum-registry/registry/store"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// Fleet is the in-memory index of registered backends and proxies. It is
// authoritative for live registration; capacity facts a restart must not
// lose are mirrored into the routing store as they change.
type Fleet struct {
	logger hclog.Logger
	store  *store.RoutingStore

	mu       sync.RWMutex
	backends map[string]*structs.Backend
	proxies  map[string]*structs.Proxy
}

// NewFleet creates an empty fleet over the given routing store.
func NewFleet(logger hclog.Logger, routingStore *store.RoutingStore) *Fleet {
	return &Fleet{
		logger:   logger.Named("fleet"),
		store:    routingStore,
		backends: make(map[string]*structs.Backend),
		proxies:  make(map[string]*structs.Proxy),
	}
}

// RegisterBackend adds a backend to the fleet. Registration is idempotent
// by id: re-registering an existing backend only refreshes its heartbeat.
// The boolean reports whether this was a first registration.
func (f *Fleet) RegisterBackend(reg *structs.ServiceRegistration, now time.Time) (*structs.Backend, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.backends[reg.ServiceID]; ok {
		existing.Heartbeat(now)
		return existing, false
	}

	backend := structs.NewBackend(reg.ServiceID, reg.Address, reg.SoftPlayerCap, reg.HardPlayerCap, now)
	f.backends[reg.ServiceID] = backend
	metrics.SetGauge([]string{"fleet", "backends"}, float32(len(f.backends)))
	f.logger.Info("backend registered", "server_id", reg.ServiceID, "address", reg.Address)
	return backend, true
}

// RegisterProxy adds a proxy to the fleet, idempotent by id.
func (f *Fleet) RegisterProxy(reg *structs.ServiceRegistration, now time.Time) (*structs.Proxy, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.proxies[reg.ServiceID]; ok {
		existing.Heartbeat(now)
		return existing, false
	}

	proxy := structs.NewProxy(reg.ServiceID, now)
	f.proxies[reg.ServiceID] = proxy
	metrics.SetGauge([]string{"fleet", "proxies"}, float32(len(f.proxies)))
	f.logger.Info("proxy registered", "proxy_id", reg.ServiceID)
	return proxy, true
}

// Backend returns the backend with the given id.
func (f *Fleet) Backend(serverID string) (*structs.Backend, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.backends[serverID]
	return b, ok
}

// Proxy returns the proxy with the given id.
func (f *Fleet) Proxy(proxyID string) (*structs.Proxy, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.proxies[proxyID]
	return p, ok
}

// Backends returns a snapshot of the registered backends.
func (f *Fleet) Backends() []*structs.Backend {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*structs.Backend, 0, len(f.backends))
	for _, b := range f.backends {
		out = append(out, b)
	}
	return out
}

// Proxies returns a snapshot of the registered proxies.
func (f *Fleet) Proxies() []*structs.Proxy {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*structs.Proxy, 0, len(f.proxies))
	for _, p := range f.proxies {
		out = append(out, p)
	}
	return out
}

// UpdateStatus transitions a backend or proxy along the status chain,
// rejecting illegal transitions.
func (f *Fleet) UpdateStatus(serviceID string, next structs.ServerStatus) error {
	if b, ok := f.Backend(serviceID); ok {
		if !b.SetStatus(next) {
			return fmt.Errorf("backend %s cannot move %s -> %s", serviceID, b.Status(), next)
		}
		return nil
	}
	if p, ok := f.Proxy(serviceID); ok {
		if !p.SetStatus(next) {
			return fmt.Errorf("proxy %s cannot move %s -> %s", serviceID, p.Status(), next)
		}
		return nil
	}
	return structs.ErrServerMissing
}

// DeclareFamilies records a backend's advertised capacity table and
// mirrors it into the routing store. A backend still REGISTERING becomes
// AVAILABLE on its first advertisement.
func (f *Fleet) DeclareFamilies(ctx context.Context, serverID string, capacities map[string]int) error {
	backend, ok := f.Backend(serverID)
	if !ok {
		return structs.ErrServerMissing
	}

	backend.DeclareFamilies(capacities)
	if backend.Status() == structs.ServerStatusRegistering {
		backend.SetStatus(structs.ServerStatusAvailable)
	}
	if err := f.store.SyncServer(ctx, backend); err != nil {
		return err
	}
	f.logger.Debug("family capacities declared", "server_id", serverID, "families", len(capacities))
	return nil
}

// Heartbeat refreshes liveness for a service, returning false when the
// service is unknown and must re-register.
func (f *Fleet) Heartbeat(hb *structs.ServiceHeartbeat, now time.Time) bool {
	if b, ok := f.Backend(hb.ServiceID); ok {
		b.Heartbeat(now)
		b.SetPlayerCount(hb.PlayerCount)
		return true
	}
	if p, ok := f.Proxy(hb.ServiceID); ok {
		p.Heartbeat(now)
		return true
	}
	return false
}

// RemoveBackend drops a backend and its store mirror, returning the
// removed backend so the caller can release its slots and allocations.
func (f *Fleet) RemoveBackend(ctx context.Context, serverID string) (*structs.Backend, error) {
	f.mu.Lock()
	backend, ok := f.backends[serverID]
	if ok {
		delete(f.backends, serverID)
		metrics.SetGauge([]string{"fleet", "backends"}, float32(len(f.backends)))
	}
	f.mu.Unlock()

	if !ok {
		return nil, structs.ErrServerMissing
	}

	families := make([]string, 0)
	for family := range backend.Families() {
		families = append(families, family)
	}
	if err := f.store.RemoveServer(ctx, serverID, families); err != nil {
		return backend, err
	}
	return backend, nil
}

// RemoveProxy drops a proxy, returning it if it was registered.
func (f *Fleet) RemoveProxy(proxyID string) (*structs.Proxy, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	proxy, ok := f.proxies[proxyID]
	if ok {
		delete(f.proxies, proxyID)
		metrics.SetGauge([]string{"fleet", "proxies"}, float32(len(f.proxies)))
	}
	return proxy, ok
}

// SlotByID resolves a slot id to its live record by splitting off the
// backend id and suffix.
func (f *Fleet) SlotByID(slotID string) (*structs.LogicalSlot, bool) {
	serverID, suffix, err := structs.SplitSlotID(slotID)
	if err != nil {
		return nil, false
	}
	backend, ok := f.Backend(serverID)
	if !ok {
		return nil, false
	}
	slot := backend.Slot(suffix)
	if slot == nil {
		return nil, false
	}
	return slot, true
}

// Slots returns every live slot across the fleet.
func (f *Fleet) Slots() []*structs.LogicalSlot {
	var out []*structs.LogicalSlot
	for _, b := range f.Backends() {
		out = append(out, b.Slots()...)
	}
	return out
}

// FleetStats is a point-in-time summary of the fleet.
type FleetStats struct {
	Backends int
	Proxies  int
	Slots    int
}

// Stats returns a snapshot summary.
func (f *Fleet) Stats() FleetStats {
	f.mu.RLock()
	backends := len(f.backends)
	proxies := len(f.proxies)
	f.mu.RUnlock()

	return FleetStats{
		Backends: backends,
		Proxies:  proxies,
		Slots:    len(f.Slots()),
	}
}

// EmitStats publishes fleet gauges until stopCh closes.
func (f *Fleet) EmitStats(period time.Duration, stopCh <-chan struct{}) {
	timer := time.NewTicker(period)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			stats := f.Stats()
			metrics.SetGauge([]string{"fleet", "backends"}, float32(stats.Backends))
			metrics.SetGauge([]string{"fleet", "proxies"}, float32(stats.Proxies))
			metrics.SetGauge([]string{"fleet", "slots"}, float32(stats.Slots))
		case <-stopCh:
			return
		}
	}
}
