// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"maps"
	"time"
)

// PartyReservationSnapshot is the party manager's view of a preformed
// group handed to the registry for placement. Tokens are per-player
// credentials the player must present when its own slot request arrives.
type PartyReservationSnapshot struct {
	ReservationID string            `json:"reservationId"`
	Family        string            `json:"family"`
	Variant       string            `json:"variant,omitempty"`
	PartySize     int               `json:"partySize"`
	Tokens        map[string]string `json:"tokens"`

	// TargetServerID pins the search to one backend when set.
	TargetServerID string `json:"targetServerId,omitempty"`

	// AssignedTeamIndex is -1 until allocation assigns a team.
	AssignedTeamIndex int `json:"assignedTeamIndex"`

	CreatedAt  time.Time `json:"createdAt"`
	EnqueuedAt time.Time `json:"enqueuedAt,omitempty"`
}

// Validate checks the fields every reservation must carry before the
// coordinator will consider it.
func (r *PartyReservationSnapshot) Validate() error {
	if r == nil {
		return fmt.Errorf("reservation snapshot missing")
	}
	if r.ReservationID == "" {
		return fmt.Errorf("reservation id missing")
	}
	if NormalizeFamily(r.Family) == "" {
		return fmt.Errorf("reservation %s has no family", r.ReservationID)
	}
	if r.PartySize <= 0 {
		return fmt.Errorf("reservation %s has party size %d", r.ReservationID, r.PartySize)
	}
	return nil
}

// Token returns the token id registered for a player and whether one
// exists.
func (r *PartyReservationSnapshot) Token(playerID string) (string, bool) {
	tok, ok := r.Tokens[playerID]
	return tok, ok
}

// Copy returns a deep copy of the snapshot.
func (r *PartyReservationSnapshot) Copy() *PartyReservationSnapshot {
	if r == nil {
		return nil
	}
	out := *r
	out.Tokens = maps.Clone(r.Tokens)
	return &out
}

// PartyReservationAllocation is the runtime state of a reservation that
// has been bound to a slot. The routing store owns the canonical record;
// in-memory values are copies that must be persisted after mutation.
type PartyReservationAllocation struct {
	Snapshot *PartyReservationSnapshot `json:"snapshot"`

	ServerID   string `json:"serverId"`
	SlotSuffix string `json:"slotSuffix"`
	SlotID     string `json:"slotId"`
	TeamIndex  int    `json:"teamIndex"`

	// Dispatched is the set of players who have received a route command.
	// Acked marks which of those completed the route and Nacked which were
	// refused by the slot. Claims records the backend-confirmed join
	// result per player.
	Dispatched map[string]bool `json:"dispatched"`
	Acked      map[string]bool `json:"acked"`
	Nacked     map[string]bool `json:"nacked"`
	Claims     map[string]bool `json:"claims"`

	AllocatedAt time.Time `json:"allocatedAt"`
}

// NewPartyAllocation binds a reservation to a slot.
func NewPartyAllocation(snapshot *PartyReservationSnapshot, slot *LogicalSlot, teamIndex int, now time.Time) *PartyReservationAllocation {
	return &PartyReservationAllocation{
		Snapshot:    snapshot.Copy(),
		ServerID:    slot.ServerID,
		SlotSuffix:  slot.Suffix,
		SlotID:      slot.ID,
		TeamIndex:   teamIndex,
		Dispatched:  make(map[string]bool),
		Acked:       make(map[string]bool),
		Nacked:      make(map[string]bool),
		Claims:      make(map[string]bool),
		AllocatedAt: now,
	}
}

// ReservationID is a convenience accessor into the snapshot.
func (a *PartyReservationAllocation) ReservationID() string {
	if a == nil || a.Snapshot == nil {
		return ""
	}
	return a.Snapshot.ReservationID
}

// PartySize is a convenience accessor into the snapshot.
func (a *PartyReservationAllocation) PartySize() int {
	if a == nil || a.Snapshot == nil {
		return 0
	}
	return a.Snapshot.PartySize
}

// MarkDispatched records that a player received a route command. Returns
// false if the player was already dispatched (idempotent re-delivery) or
// dispatching another player would exceed the party size.
func (a *PartyReservationAllocation) MarkDispatched(playerID string) bool {
	if a.Dispatched[playerID] {
		return false
	}
	if len(a.Dispatched) >= a.PartySize() {
		return false
	}
	a.Dispatched[playerID] = true
	return true
}

// MarkAcked records a completed route for a dispatched player. Returns
// true when every party member has been dispatched and reached a
// terminal route outcome, which settles the allocation.
func (a *PartyReservationAllocation) MarkAcked(playerID string) bool {
	if !a.Dispatched[playerID] {
		return false
	}
	a.Acked[playerID] = true
	delete(a.Nacked, playerID)
	return a.routesSettled()
}

// MarkNacked records a refused route for a dispatched player. The member
// leaves the party placement and retries on its own, so it stops counting
// toward the seats and claims the allocation still waits for. Returns
// true when every member has a terminal route outcome.
func (a *PartyReservationAllocation) MarkNacked(playerID string) bool {
	if !a.Dispatched[playerID] {
		return false
	}
	if a.Nacked == nil {
		a.Nacked = make(map[string]bool)
	}
	a.Nacked[playerID] = true
	delete(a.Acked, playerID)
	return a.routesSettled()
}

// routesSettled reports whether every party member was dispatched and
// either acked or nacked its route.
func (a *PartyReservationAllocation) routesSettled() bool {
	if len(a.Dispatched) < a.PartySize() {
		return false
	}
	for id := range a.Dispatched {
		if !a.Acked[id] && !a.Nacked[id] {
			return false
		}
	}
	return true
}

// RecordClaim stores a backend-confirmed join result. Complete is true
// once every member that can still claim has done so; nacked members
// never reach the backend. Success is true only if every claim succeeded
// and no member was nacked.
func (a *PartyReservationAllocation) RecordClaim(playerID string, ok bool) (complete, success bool) {
	a.Claims[playerID] = ok
	if len(a.Claims) < a.PartySize()-len(a.Nacked) {
		return false, false
	}
	success = len(a.Nacked) == 0
	for _, claimOK := range a.Claims {
		if !claimOK {
			success = false
			break
		}
	}
	return true, success
}

// FailedClaims lists the players whose claims failed.
func (a *PartyReservationAllocation) FailedClaims() []string {
	var out []string
	for playerID, ok := range a.Claims {
		if !ok {
			out = append(out, playerID)
		}
	}
	return out
}

// MissingPlayers lists party members that were never dispatched, going by
// the token table.
func (a *PartyReservationAllocation) MissingPlayers() []string {
	var out []string
	if a.Snapshot == nil {
		return out
	}
	for playerID := range a.Snapshot.Tokens {
		if !a.Dispatched[playerID] {
			out = append(out, playerID)
		}
	}
	return out
}

// Copy returns a deep copy of the allocation.
func (a *PartyReservationAllocation) Copy() *PartyReservationAllocation {
	if a == nil {
		return nil
	}
	out := *a
	out.Snapshot = a.Snapshot.Copy()
	out.Dispatched = maps.Clone(a.Dispatched)
	out.Acked = maps.Clone(a.Acked)
	out.Nacked = maps.Clone(a.Nacked)
	out.Claims = maps.Clone(a.Claims)
	return &out
}
