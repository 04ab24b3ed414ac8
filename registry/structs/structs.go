// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the domain types shared by the registry services,
// the routing store, and the message bus. Types here are plain values;
// anything that must survive a registry restart is mirrored into the
// routing store by the owning service.
package structs

import (
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ServiceType identifies the kind of service registered with the fleet.
type ServiceType string

const (
	// ServiceTypeBackend is a game server hosting logical slots.
	ServiceTypeBackend ServiceType = "BACKEND"

	// ServiceTypeProxy is a frontend node owning player connections.
	ServiceTypeProxy ServiceType = "PROXY"
)

// Validate returns an error for unknown service types.
func (s ServiceType) Validate() error {
	switch s {
	case ServiceTypeBackend, ServiceTypeProxy:
		return nil
	default:
		return fmt.Errorf("invalid service type %q", string(s))
	}
}

// ServerStatus is the lifecycle status of a registered service. Backends
// walk the full chain; proxies only use AVAILABLE, EVACUATING, UNAVAILABLE
// and DEAD.
type ServerStatus string

const (
	ServerStatusRegistering ServerStatus = "REGISTERING"
	ServerStatusAvailable   ServerStatus = "AVAILABLE"
	ServerStatusRunning     ServerStatus = "RUNNING"
	ServerStatusFull        ServerStatus = "FULL"
	ServerStatusEvacuating  ServerStatus = "EVACUATING"
	ServerStatusStopping    ServerStatus = "STOPPING"
	ServerStatusUnavailable ServerStatus = "UNAVAILABLE"
	ServerStatusDead        ServerStatus = "DEAD"
)

// terminal statuses accept no further transitions except DEAD.
func (s ServerStatus) terminal() bool {
	return s == ServerStatusDead
}

// CanTransitionTo reports whether moving from s to next follows the
// REGISTERING -> AVAILABLE -> RUNNING <-> FULL -> EVACUATING -> STOPPING ->
// DEAD chain. DEAD is reachable from every status (heartbeat loss).
// EVACUATING is absorbing until the owning shutdown intent completes or is
// cancelled, which is the only path back to AVAILABLE.
func (s ServerStatus) CanTransitionTo(next ServerStatus) bool {
	if s == next {
		return true
	}
	if next == ServerStatusDead {
		return true
	}
	if s.terminal() {
		return false
	}

	switch s {
	case ServerStatusRegistering:
		return next == ServerStatusAvailable
	case ServerStatusAvailable:
		return next == ServerStatusRunning || next == ServerStatusFull ||
			next == ServerStatusEvacuating || next == ServerStatusUnavailable
	case ServerStatusRunning:
		return next == ServerStatusFull || next == ServerStatusEvacuating
	case ServerStatusFull:
		return next == ServerStatusRunning || next == ServerStatusEvacuating
	case ServerStatusEvacuating:
		// Cancellation restores availability, completion stops the service.
		return next == ServerStatusAvailable || next == ServerStatusStopping ||
			next == ServerStatusUnavailable
	case ServerStatusStopping:
		return false
	case ServerStatusUnavailable:
		return next == ServerStatusAvailable
	default:
		return false
	}
}

// Routable reports whether a backend in this status may receive new slots
// or players.
func (s ServerStatus) Routable() bool {
	return s == ServerStatusAvailable || s == ServerStatusRunning
}

// FamilySlotCounts tracks declared and remaining slot capacity for one
// family on one backend.
type FamilySlotCounts struct {
	// Available is the number of slots that may still be provisioned.
	Available int

	// Total is the capacity the backend declared at registration.
	Total int
}

// Backend is a registered game server. The fleet owns the canonical
// instance; everything handed out of the fleet is a value copy. The
// mutable parts are guarded by mu except the player counter, which is
// updated from heartbeats without taking the lock.
type Backend struct {
	ID      string
	Address string

	// SoftPlayerCap is the advisory player-equivalent budget; provisions
	// beyond it log a warning. HardPlayerCap refuses provisions outright.
	SoftPlayerCap int
	HardPlayerCap int

	RegisteredAt time.Time

	mu              sync.Mutex
	status          ServerStatus
	lastHeartbeatAt time.Time
	familySlots     map[string]*FamilySlotCounts
	slots           map[string]*LogicalSlot // keyed by slot suffix

	playerCount atomic.Int64
}

// NewBackend creates a backend in the REGISTERING state.
func NewBackend(id, address string, softCap, hardCap int, now time.Time) *Backend {
	return &Backend{
		ID:              id,
		Address:         address,
		SoftPlayerCap:   softCap,
		HardPlayerCap:   hardCap,
		RegisteredAt:    now,
		status:          ServerStatusRegistering,
		lastHeartbeatAt: now,
		familySlots:     make(map[string]*FamilySlotCounts),
		slots:           make(map[string]*LogicalSlot),
	}
}

// Status returns the current lifecycle status.
func (b *Backend) Status() ServerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// SetStatus transitions the backend, returning false if the transition is
// not legal from the current status.
func (b *Backend) SetStatus(next ServerStatus) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.status.CanTransitionTo(next) {
		return false
	}
	b.status = next
	return true
}

// PlayerCount returns the last player count reported via heartbeat.
func (b *Backend) PlayerCount() int {
	return int(b.playerCount.Load())
}

// SetPlayerCount records the player count from a heartbeat.
func (b *Backend) SetPlayerCount(n int) {
	b.playerCount.Store(int64(n))
}

// Heartbeat records liveness at now.
func (b *Backend) Heartbeat(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastHeartbeatAt = now
}

// LastHeartbeatAt returns the time of the last received heartbeat.
func (b *Backend) LastHeartbeatAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastHeartbeatAt
}

// DeclareFamilies replaces the advertised family capacity table. Remaining
// capacity for an already-known family is adjusted by the difference in
// declared totals so in-flight reservations are not forgotten.
func (b *Backend) DeclareFamilies(capacities map[string]int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for family, total := range capacities {
		family = NormalizeFamily(family)
		existing, ok := b.familySlots[family]
		if !ok {
			b.familySlots[family] = &FamilySlotCounts{Available: total, Total: total}
			continue
		}
		delta := total - existing.Total
		existing.Total = total
		existing.Available += delta
		if existing.Available < 0 {
			existing.Available = 0
		}
	}
	for family := range b.familySlots {
		if _, ok := capacities[family]; !ok {
			delete(b.familySlots, family)
		}
	}
}

// SupportsFamily reports whether the backend declared any capacity for the
// family.
func (b *Backend) SupportsFamily(family string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.familySlots[NormalizeFamily(family)]
	return ok
}

// AvailableFamilySlots returns the remaining provisionable slots for the
// family, or 0 when the family is not declared.
func (b *Backend) AvailableFamilySlots(family string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts, ok := b.familySlots[NormalizeFamily(family)]
	if !ok {
		return 0
	}
	return counts.Available
}

// TotalFamilySlots returns the declared capacity for the family.
func (b *Backend) TotalFamilySlots(family string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts, ok := b.familySlots[NormalizeFamily(family)]
	if !ok {
		return 0
	}
	return counts.Total
}

// Families returns the declared family capacity table as a copy.
func (b *Backend) Families() map[string]FamilySlotCounts {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]FamilySlotCounts, len(b.familySlots))
	for family, counts := range b.familySlots {
		out[family] = *counts
	}
	return out
}

// ReserveFamilySlot decrements the remaining capacity for the family. It
// returns false when no capacity remains, leaving the counter untouched.
// This is the in-memory half of the two-phase reserve; the routing store
// script is the authoritative half.
func (b *Backend) ReserveFamilySlot(family string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts, ok := b.familySlots[NormalizeFamily(family)]
	if !ok || counts.Available <= 0 {
		return false
	}
	counts.Available--
	return true
}

// ReleaseFamilySlot increments the remaining capacity for the family,
// clamped at the declared total. Used both for compensation after a failed
// provision and when a slot closes.
func (b *Backend) ReleaseFamilySlot(family string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts, ok := b.familySlots[NormalizeFamily(family)]
	if !ok {
		return
	}
	counts.Available++
	if counts.Available > counts.Total {
		counts.Available = counts.Total
	}
}

// UpsertSlot indexes a slot under its suffix, replacing any previous
// version.
func (b *Backend) UpsertSlot(slot *LogicalSlot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[slot.Suffix] = slot
}

// RemoveSlot drops the slot with the given suffix, returning it if present.
func (b *Backend) RemoveSlot(suffix string) *LogicalSlot {
	b.mu.Lock()
	defer b.mu.Unlock()
	slot, ok := b.slots[suffix]
	if !ok {
		return nil
	}
	delete(b.slots, suffix)
	return slot
}

// Slot returns the slot with the given suffix, or nil.
func (b *Backend) Slot(suffix string) *LogicalSlot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slots[suffix]
}

// Slots returns a snapshot copy of the hosted slots.
func (b *Backend) Slots() []*LogicalSlot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*LogicalSlot, 0, len(b.slots))
	for _, slot := range b.slots {
		out = append(out, slot.Copy())
	}
	return out
}

// PlayerEquivalentLoad computes the player-budget units consumed by the
// hosted slots, using cost to resolve each family's player-equivalent
// factor.
func (b *Backend) PlayerEquivalentLoad(cost func(family string) float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var load float64
	for _, slot := range b.slots {
		if slot.Status == SlotStatusClosed {
			continue
		}
		load += cost(slot.Family)
	}
	return load
}

// Proxy is a registered frontend node. Proxies are the only sources of
// player requests and the only targets of route commands.
type Proxy struct {
	ID string

	mu              sync.Mutex
	status          ServerStatus
	lastHeartbeatAt time.Time
	players         map[string]struct{}
}

// NewProxy creates a proxy in the AVAILABLE state.
func NewProxy(id string, now time.Time) *Proxy {
	return &Proxy{
		ID:              id,
		status:          ServerStatusAvailable,
		lastHeartbeatAt: now,
		players:         make(map[string]struct{}),
	}
}

// Status returns the current lifecycle status.
func (p *Proxy) Status() ServerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// SetStatus transitions the proxy, returning false for illegal transitions.
func (p *Proxy) SetStatus(next ServerStatus) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.status.CanTransitionTo(next) {
		return false
	}
	p.status = next
	return true
}

// Heartbeat records liveness at now.
func (p *Proxy) Heartbeat(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHeartbeatAt = now
}

// LastHeartbeatAt returns the time of the last received heartbeat.
func (p *Proxy) LastHeartbeatAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHeartbeatAt
}

// AttachPlayer records a player connection on this proxy.
func (p *Proxy) AttachPlayer(playerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.players[playerID] = struct{}{}
}

// DetachPlayer removes a player connection from this proxy.
func (p *Proxy) DetachPlayer(playerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.players, playerID)
}

// PlayerCount returns the number of attached players.
func (p *Proxy) PlayerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.players)
}

// Players returns a snapshot of attached player ids.
func (p *Proxy) Players() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.players))
	for id := range p.players {
		out = append(out, id)
	}
	return out
}

// MatchRoster records the players participating in a match on a slot.
type MatchRoster struct {
	SlotID    string    `json:"slotId"`
	MatchID   string    `json:"matchId"`
	Players   []string  `json:"players"`
	CreatedAt time.Time `json:"createdAt"`
}

// Copy returns a deep copy of the roster.
func (m *MatchRoster) Copy() *MatchRoster {
	if m == nil {
		return nil
	}
	out := *m
	out.Players = append([]string(nil), m.Players...)
	return &out
}

// EnvironmentDescriptor is the durable description of a slot family, read
// from the document store. PlayerFactor converts one slot of this family
// into player-budget units for backend capacity accounting.
type EnvironmentDescriptor struct {
	ID           string            `json:"id"`
	Tag          string            `json:"tag"`
	Modules      []string          `json:"modules"`
	Description  string            `json:"description"`
	MinPlayers   int               `json:"minPlayers"`
	MaxPlayers   int               `json:"maxPlayers"`
	PlayerFactor float64           `json:"playerFactor"`
	Settings     map[string]string `json:"settings"`
}

// Copy returns a deep copy of the descriptor.
func (e *EnvironmentDescriptor) Copy() *EnvironmentDescriptor {
	if e == nil {
		return nil
	}
	out := *e
	out.Modules = append([]string(nil), e.Modules...)
	out.Settings = maps.Clone(e.Settings)
	return &out
}

// ProvisionResult describes a successful slot provision.
type ProvisionResult struct {
	ServerID       string
	Family         string
	RemainingSlots int
	Command        *SlotProvisionCommand
}

// NormalizeFamily lower-cases a family id; family comparisons are
// case-insensitive everywhere.
func NormalizeFamily(family string) string {
	return strings.ToLower(strings.TrimSpace(family))
}
