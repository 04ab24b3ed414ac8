// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/fulcrumnet/fulcrum-registry/registry/store"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// RouterCallbacks is the surface the party coordinator needs from the
// routing layer. It exists to break the routing/party cycle: the router
// implements it and injects itself at assembly.
type RouterCallbacks interface {
	// DispatchWithReservation sends the per-player route command for a
	// party member, carrying the reservation token and preReserved flag.
	DispatchWithReservation(ctx context.Context, pctx *structs.PlayerRequestContext, alloc *structs.PartyReservationAllocation, tokenID string) error

	// SendDisconnect rejects a request with a structured reason code.
	SendDisconnect(ctx context.Context, pctx *structs.PlayerRequestContext, reason string) error

	// TriggerProvision asks for a new slot of the family.
	TriggerProvision(ctx context.Context, family string, meta map[string]string)

	// NotifyCapacityChange tells the router slot capacity on the family
	// shifted so waiting requests can be re-evaluated. It never provisions.
	NotifyCapacityChange(ctx context.Context, family string)

	// RetryRequest re-enters a player context into the routing pipeline.
	RetryRequest(ctx context.Context, pctx *structs.PlayerRequestContext)
}

// PartyCoordinator allocates whole parties to single slots atomically,
// tracks per-player dispatch and claim progress, requeues on failure and
// releases on completion. Allocation records live in the routing store;
// the coordinator's lock only serializes the select-and-allocate step so
// two reservations cannot double-book one slot's remaining seats.
type PartyCoordinator struct {
	logger hclog.Logger
	store  *store.RoutingStore
	fleet  *Fleet

	callbacks RouterCallbacks

	mu sync.Mutex
}

// NewPartyCoordinator builds the coordinator. Callbacks are injected
// separately to break the construction cycle with the router.
func NewPartyCoordinator(logger hclog.Logger, routingStore *store.RoutingStore, fleet *Fleet) *PartyCoordinator {
	return &PartyCoordinator{
		logger: logger.Named("party"),
		store:  routingStore,
		fleet:  fleet,
	}
}

// SetCallbacks wires the routing layer. Must be called before any
// messages flow.
func (pc *PartyCoordinator) SetCallbacks(cb RouterCallbacks) {
	pc.callbacks = cb
}

// HandleReservationCreated places a new reservation: bind it to an
// eligible slot now, or queue it and trigger provisioning. Re-delivery of
// an already-allocated reservation id is ignored.
func (pc *PartyCoordinator) HandleReservationCreated(ctx context.Context, msg *structs.PartyReservationCreated, now time.Time) error {
	defer metrics.MeasureSince([]string{"party", "reservation_created"}, time.Now())

	snapshot := msg.Snapshot
	if err := snapshot.Validate(); err != nil {
		metrics.IncrCounter([]string{"party", "rejected"}, 1)
		return structs.NewProtocolError(structs.ReasonNoCapacity, "invalid reservation: %v", err)
	}
	snapshot = snapshot.Copy()
	snapshot.Family = structs.NormalizeFamily(snapshot.Family)

	if _, exists, err := pc.store.GetPartyAllocation(ctx, snapshot.ReservationID); err != nil {
		return err
	} else if exists {
		pc.logger.Debug("ignoring re-delivered reservation",
			"reservation_id", snapshot.ReservationID)
		return nil
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	slot, err := pc.findSlot(ctx, snapshot)
	if err != nil {
		return err
	}
	if slot == nil {
		snapshot.EnqueuedAt = now
		if err := pc.store.EnqueuePartyReservation(ctx, snapshot); err != nil {
			return err
		}
		metrics.IncrCounter([]string{"party", "queued"}, 1)
		pc.logger.Info("no slot fits party, queued and provisioning",
			"reservation_id", snapshot.ReservationID, "family", snapshot.Family, "party_size", snapshot.PartySize)
		pc.callbacks.TriggerProvision(ctx, snapshot.Family, pc.provisionMeta(snapshot))
		return nil
	}

	return pc.allocate(ctx, snapshot, slot, now)
}

// findSlot locates an eligible slot for the reservation. A pinned target
// server restricts the search to that backend; a pinned server that is
// not routable or does not support the family logs a warning and falls
// back to the family-wide scan.
func (pc *PartyCoordinator) findSlot(ctx context.Context, snapshot *structs.PartyReservationSnapshot) (*structs.LogicalSlot, error) {
	if snapshot.TargetServerID != "" {
		backend, ok := pc.fleet.Backend(snapshot.TargetServerID)
		if ok && backend.Status().Routable() && backend.SupportsFamily(snapshot.Family) {
			return pc.findSlotOnServer(ctx, backend, snapshot)
		}
		pc.logger.Warn("reservation target server cannot host family, scanning fleet",
			"reservation_id", snapshot.ReservationID,
			"target_server_id", snapshot.TargetServerID,
			"family", snapshot.Family)
	}
	return pc.findAvailableSlotForParty(ctx, snapshot)
}

// findSlotOnServer looks for an eligible slot on exactly one backend,
// preferring the fullest fitting slot.
func (pc *PartyCoordinator) findSlotOnServer(ctx context.Context, backend *structs.Backend, snapshot *structs.PartyReservationSnapshot) (*structs.LogicalSlot, error) {
	return pc.pickSlot(ctx, backend.Slots(), snapshot)
}

// findAvailableSlotForParty scans the whole fleet for the fullest
// eligible slot so parties pack into nearly-full slots first.
func (pc *PartyCoordinator) findAvailableSlotForParty(ctx context.Context, snapshot *structs.PartyReservationSnapshot) (*structs.LogicalSlot, error) {
	var slots []*structs.LogicalSlot
	for _, backend := range pc.fleet.Backends() {
		if !backend.Status().Routable() {
			continue
		}
		slots = append(slots, backend.Slots()...)
	}
	return pc.pickSlot(ctx, slots, snapshot)
}

// pickSlot filters candidates for eligibility and returns the one with
// the highest fill ratio; ties break on lexical slot id for determinism.
func (pc *PartyCoordinator) pickSlot(ctx context.Context, slots []*structs.LogicalSlot, snapshot *structs.PartyReservationSnapshot) (*structs.LogicalSlot, error) {
	if len(slots) == 0 {
		return nil, nil
	}

	ids := make([]string, len(slots))
	for i, s := range slots {
		ids[i] = s.ID
	}
	occupancies, err := pc.store.GetOccupancies(ctx, ids)
	if err != nil {
		return nil, err
	}
	allocations, err := pc.store.GetPartyAllocations(ctx)
	if err != nil {
		return nil, err
	}

	var eligible []*structs.LogicalSlot
	for _, slot := range slots {
		if pc.slotEligible(slot, occupancies[slot.ID], snapshot, allocations) {
			eligible = append(eligible, slot)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		ri := eligible[i].FillRatio(occupancies[eligible[i].ID])
		rj := eligible[j].FillRatio(occupancies[eligible[j].ID])
		if ri != rj {
			return ri > rj
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible[0], nil
}

// slotEligible applies the party fit rules: available, right family and
// variant, enough remaining seats for the whole party, inside any
// per-team size bound, and a free team when the slot is team-limited.
func (pc *PartyCoordinator) slotEligible(slot *structs.LogicalSlot, occupancy int, snapshot *structs.PartyReservationSnapshot, allocations []*structs.PartyReservationAllocation) bool {
	if slot.Status != structs.SlotStatusAvailable {
		return false
	}
	if !slot.MatchesFamily(snapshot.Family) {
		return false
	}
	if !slot.MatchesVariant(snapshot.Variant) {
		return false
	}
	if slot.RemainingCapacity(occupancy) < snapshot.PartySize {
		return false
	}
	if teamMax, ok := slot.MetaInt(structs.SlotMetaTeamMax); ok && snapshot.PartySize > teamMax {
		return false
	}
	if teamCount, ok := slot.MetaInt(structs.SlotMetaTeamCount); ok {
		teams := 0
		for _, alloc := range allocations {
			if alloc.SlotID == slot.ID && alloc.TeamIndex >= 0 {
				teams++
			}
		}
		if teams >= teamCount {
			return false
		}
	}
	return true
}

// allocate binds the reservation to the slot: assign a team index,
// persist the allocation, reserve the party's seats in the occupancy
// counter, and dispatch any players that arrived ahead of the
// allocation. Callers hold pc.mu.
func (pc *PartyCoordinator) allocate(ctx context.Context, snapshot *structs.PartyReservationSnapshot, slot *structs.LogicalSlot, now time.Time) error {
	// The existence probe runs before pc.mu is taken; re-check under the
	// lock so a doubly delivered reservation cannot reserve seats twice.
	if _, exists, err := pc.store.GetPartyAllocation(ctx, snapshot.ReservationID); err != nil {
		return err
	} else if exists {
		return structs.ErrDuplicateReservation
	}

	teamIndex, err := pc.nextTeamIndex(ctx, slot)
	if err != nil {
		return err
	}

	snapshot.TargetServerID = slot.ServerID
	snapshot.AssignedTeamIndex = teamIndex

	alloc := structs.NewPartyAllocation(snapshot, slot, teamIndex, now)
	if err := pc.store.SavePartyAllocation(ctx, alloc); err != nil {
		return err
	}
	if _, err := pc.store.AddOccupancy(ctx, slot.ID, snapshot.PartySize); err != nil {
		// The allocation must not survive without its seat reservation.
		if remErr := pc.store.RemovePartyAllocation(ctx, snapshot.ReservationID); remErr != nil {
			pc.logger.Error("failed to unwind allocation after occupancy failure",
				"reservation_id", snapshot.ReservationID, "error", remErr)
		}
		return err
	}

	metrics.IncrCounter([]string{"party", "allocated"}, 1)
	pc.logger.Info("party reservation allocated",
		"reservation_id", snapshot.ReservationID,
		"slot_id", slot.ID,
		"team_index", teamIndex,
		"party_size", snapshot.PartySize)

	pc.callbacks.NotifyCapacityChange(ctx, snapshot.Family)

	return pc.dispatchPending(ctx, snapshot.ReservationID)
}

// nextTeamIndex picks the lowest team index not taken by another
// allocation on the slot. Slots without team metadata use index 0.
func (pc *PartyCoordinator) nextTeamIndex(ctx context.Context, slot *structs.LogicalSlot) (int, error) {
	teamCount, hasTeams := slot.MetaInt(structs.SlotMetaTeamCount)
	if !hasTeams || teamCount <= 0 {
		return 0, nil
	}

	allocations, err := pc.store.GetPartyAllocations(ctx)
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool)
	for _, alloc := range allocations {
		if alloc.SlotID == slot.ID && alloc.TeamIndex >= 0 {
			used[alloc.TeamIndex] = true
		}
	}
	for i := 0; i < teamCount; i++ {
		if !used[i] {
			return i, nil
		}
	}
	return 0, structs.ErrSlotNotAvailable
}

// dispatchPending drains contexts parked against the reservation and
// runs each through the party request path.
func (pc *PartyCoordinator) dispatchPending(ctx context.Context, reservationID string) error {
	pending, err := pc.store.DrainPendingReservationPlayers(ctx, reservationID)
	if err != nil {
		return err
	}
	for _, pctx := range pending {
		if _, err := pc.HandlePartyPlayerRequest(ctx, pctx, reservationID); err != nil {
			pc.logger.Error("failed to dispatch pending party player",
				"reservation_id", reservationID, "player_id", pctx.PlayerID, "error", err)
		}
	}
	return nil
}

// HandlePartyPlayerRequest matches one player request against its
// reservation. The boolean reports whether the request was handled here;
// false means no allocation exists yet and the context was parked, with
// the caller free to fall through to its own waiting logic.
func (pc *PartyCoordinator) HandlePartyPlayerRequest(ctx context.Context, pctx *structs.PlayerRequestContext, reservationID string) (bool, error) {
	alloc, exists, err := pc.store.GetPartyAllocation(ctx, reservationID)
	if err != nil {
		return false, err
	}
	if !exists {
		if err := pc.store.EnqueuePendingReservationPlayer(ctx, reservationID, pctx); err != nil {
			return false, err
		}
		pc.logger.Debug("player arrived before party allocation, parked",
			"reservation_id", reservationID, "player_id", pctx.PlayerID)
		return false, nil
	}

	tokenID, hasToken := alloc.Snapshot.Token(pctx.PlayerID)
	if !hasToken {
		metrics.IncrCounter([]string{"party", "token_missing"}, 1)
		return true, pc.callbacks.SendDisconnect(ctx, pctx, structs.ReasonPartyTokenMissing)
	}
	if pctx.PartyTokenID != "" && pctx.PartyTokenID != tokenID {
		metrics.IncrCounter([]string{"party", "token_mismatch"}, 1)
		return true, pc.callbacks.SendDisconnect(ctx, pctx, structs.ReasonPartyTokenMismatch)
	}

	slot, ok := pc.fleet.SlotByID(alloc.SlotID)
	if !ok || slot.Status != structs.SlotStatusAvailable {
		// The assigned slot went away under us: park the player and put
		// the reservation back at the head of its queue.
		if err := pc.store.EnqueuePendingReservationPlayer(ctx, reservationID, pctx); err != nil {
			return true, err
		}
		return true, pc.RequeueAllocation(ctx, alloc)
	}

	if !alloc.MarkDispatched(pctx.PlayerID) {
		pc.logger.Debug("player already dispatched for reservation",
			"reservation_id", reservationID, "player_id", pctx.PlayerID)
		return true, nil
	}
	if err := pc.store.SavePartyAllocation(ctx, alloc); err != nil {
		return true, err
	}

	metrics.IncrCounter([]string{"party", "dispatched"}, 1)
	return true, pc.callbacks.DispatchWithReservation(ctx, pctx, alloc, tokenID)
}

// HandleRouteAck records a completed route for a party member. Once every
// member reaches a terminal route outcome the allocation is released,
// successfully only if nobody was nacked.
func (pc *PartyCoordinator) HandleRouteAck(ctx context.Context, reservationID, playerID string) error {
	alloc, exists, err := pc.store.GetPartyAllocation(ctx, reservationID)
	if err != nil {
		return err
	}
	if !exists {
		pc.logger.Debug("route ack for unknown or released reservation",
			"reservation_id", reservationID, "player_id", playerID)
		return nil
	}

	settled := alloc.MarkAcked(playerID)
	if err := pc.store.SavePartyAllocation(ctx, alloc); err != nil {
		return err
	}
	if settled {
		return pc.release(ctx, alloc, len(alloc.Nacked) == 0)
	}
	return nil
}

// HandleRouteNack records a refused route for a party member. The
// member's seat was already returned through the routing ack path and the
// player retries outside the reservation, so the allocation stops waiting
// for it. Once every member has a terminal outcome the allocation is
// released as failed.
func (pc *PartyCoordinator) HandleRouteNack(ctx context.Context, reservationID, playerID string) error {
	alloc, exists, err := pc.store.GetPartyAllocation(ctx, reservationID)
	if err != nil {
		return err
	}
	if !exists {
		pc.logger.Debug("route nack for unknown or released reservation",
			"reservation_id", reservationID, "player_id", playerID)
		return nil
	}

	settled := alloc.MarkNacked(playerID)
	if err := pc.store.SavePartyAllocation(ctx, alloc); err != nil {
		return err
	}
	metrics.IncrCounter([]string{"party", "member_nacked"}, 1)
	if settled {
		return pc.release(ctx, alloc, false)
	}
	return nil
}

// HandleReservationClaimed records a backend-confirmed join result. When
// all partySize claims have arrived the allocation is released, with
// success only if every claim succeeded.
func (pc *PartyCoordinator) HandleReservationClaimed(ctx context.Context, msg *structs.PartyReservationClaimed) error {
	if msg.ReservationID == "" || msg.PlayerID == "" {
		return structs.NewProtocolError(structs.ReasonNoCapacity,
			"reservation claim missing ids")
	}

	alloc, exists, err := pc.store.GetPartyAllocation(ctx, msg.ReservationID)
	if err != nil {
		return err
	}
	if !exists {
		pc.logger.Debug("claim for unknown or released reservation",
			"reservation_id", msg.ReservationID, "player_id", msg.PlayerID)
		return nil
	}

	complete, success := alloc.RecordClaim(msg.PlayerID, msg.Success)
	if err := pc.store.SavePartyAllocation(ctx, alloc); err != nil {
		return err
	}
	if complete {
		return pc.release(ctx, alloc, success)
	}
	return nil
}

// RequeueAllocation undoes an allocation whose slot or backend went away:
// the allocation record is dropped, its seats are returned, and the
// reservation re-enters the head of its family queue so it keeps its
// place. A fresh provision is triggered for it.
func (pc *PartyCoordinator) RequeueAllocation(ctx context.Context, alloc *structs.PartyReservationAllocation) error {
	reservationID := alloc.ReservationID()
	if err := pc.store.RemovePartyAllocation(ctx, reservationID); err != nil {
		return err
	}
	if _, err := pc.store.AddOccupancy(ctx, alloc.SlotID, -pc.heldSeats(alloc)); err != nil {
		pc.logger.Error("failed to return party seats on requeue",
			"reservation_id", reservationID, "slot_id", alloc.SlotID, "error", err)
	}

	snapshot := alloc.Snapshot.Copy()
	snapshot.TargetServerID = ""
	snapshot.AssignedTeamIndex = -1
	if err := pc.store.EnqueuePartyReservationFront(ctx, snapshot); err != nil {
		return err
	}

	metrics.IncrCounter([]string{"party", "requeued"}, 1)
	pc.logger.Warn("party allocation requeued",
		"reservation_id", reservationID, "slot_id", alloc.SlotID)
	pc.callbacks.TriggerProvision(ctx, snapshot.Family, pc.provisionMeta(snapshot))
	return nil
}

// RequeueAllocationsForServer requeues every live allocation bound to a
// backend, used when the backend dies or deregisters.
func (pc *PartyCoordinator) RequeueAllocationsForServer(ctx context.Context, serverID string) error {
	allocations, err := pc.store.GetPartyAllocations(ctx)
	if err != nil {
		return err
	}
	for _, alloc := range allocations {
		if alloc.ServerID != serverID {
			continue
		}
		if err := pc.RequeueAllocation(ctx, alloc); err != nil {
			pc.logger.Error("failed to requeue allocation for dead server",
				"reservation_id", alloc.ReservationID(), "server_id", serverID, "error", err)
		}
	}
	return nil
}

// ProcessPendingReservations offers a newly available slot to the
// family's queued reservations. Reservations are popped one at a time;
// the first one that fits is allocated and scanning stops. Non-fitting
// reservations are deferred and pushed back to the front in their
// original relative order.
func (pc *PartyCoordinator) ProcessPendingReservations(ctx context.Context, family string, slot *structs.LogicalSlot, now time.Time) error {
	family = structs.NormalizeFamily(family)

	pc.mu.Lock()
	defer pc.mu.Unlock()

	var deferred []*structs.PartyReservationSnapshot
	defer func() {
		for i := len(deferred) - 1; i >= 0; i-- {
			if err := pc.store.EnqueuePartyReservationFront(ctx, deferred[i]); err != nil {
				pc.logger.Error("failed to restore deferred reservation",
					"reservation_id", deferred[i].ReservationID, "error", err)
			}
		}
	}()

	for {
		snapshot, ok, err := pc.store.PollPartyReservation(ctx, family)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		occupancy, err := pc.store.GetOccupancy(ctx, slot.ID)
		if err != nil {
			return err
		}
		allocations, err := pc.store.GetPartyAllocations(ctx)
		if err != nil {
			return err
		}
		if !pc.slotEligible(slot, occupancy, snapshot, allocations) {
			deferred = append(deferred, snapshot)
			continue
		}

		return pc.allocate(ctx, snapshot, slot, now)
	}
}

// release drops a finished allocation, returns any seats its players
// never consumed, and lets parked players retry as normal requests.
func (pc *PartyCoordinator) release(ctx context.Context, alloc *structs.PartyReservationAllocation, success bool) error {
	reservationID := alloc.ReservationID()
	if err := pc.store.RemovePartyAllocation(ctx, reservationID); err != nil {
		return err
	}
	if seats := pc.heldSeats(alloc); seats > 0 {
		if _, err := pc.store.AddOccupancy(ctx, alloc.SlotID, -seats); err != nil {
			pc.logger.Error("failed to return unused party seats",
				"reservation_id", reservationID, "slot_id", alloc.SlotID, "error", err)
		}
	}

	if success {
		metrics.IncrCounter([]string{"party", "released_success"}, 1)
	} else {
		metrics.IncrCounter([]string{"party", "released_failure"}, 1)
	}
	pc.logger.Info("party reservation released",
		"reservation_id", reservationID,
		"slot_id", alloc.SlotID,
		"success", success,
		"failed_claims", alloc.FailedClaims(),
		"missing_players", alloc.MissingPlayers())

	// Players still parked against the reservation retry as solo
	// requests.
	pending, err := pc.store.DrainPendingReservationPlayers(ctx, reservationID)
	if err != nil {
		return err
	}
	for _, pctx := range pending {
		pctx.ReservationID = ""
		pctx.PartyTokenID = ""
		pc.callbacks.RetryRequest(ctx, pctx)
	}

	pc.callbacks.NotifyCapacityChange(ctx, alloc.Snapshot.Family)
	return nil
}

// heldSeats is how many of the party's reserved seats are still held in
// the occupancy counter: each completed or refused route already returned
// one seat through the routing service's ack path.
func (pc *PartyCoordinator) heldSeats(alloc *structs.PartyReservationAllocation) int {
	settled := 0
	for id := range alloc.Dispatched {
		if alloc.Acked[id] || alloc.Nacked[id] {
			settled++
		}
	}
	held := alloc.PartySize() - settled
	if held < 0 {
		return 0
	}
	return held
}

// provisionMeta builds the provision hint for a queued reservation.
func (pc *PartyCoordinator) provisionMeta(snapshot *structs.PartyReservationSnapshot) map[string]string {
	meta := map[string]string{
		structs.SlotMetaPartyReservation: snapshot.ReservationID,
		structs.SlotMetaPartySize:        strconv.Itoa(snapshot.PartySize),
	}
	if snapshot.Variant != "" {
		meta[structs.SlotMetaVariant] = snapshot.Variant
	}
	return meta
}
