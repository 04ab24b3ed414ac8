// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/fulcrumnet/fulcrum-registry/registry/store"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// PlayerRouter is the entry point for player placement. It consumes slot
// requests from proxies, selects slots, hands party members to the
// coordinator, triggers provisioning on starvation, and processes route
// acknowledgements. Starved requests wait in bounded in-process queues
// per family and are drained when new capacity appears, parties first.
type PlayerRouter struct {
	logger hclog.Logger
	config *Config

	store       *store.RoutingStore
	fleet       *Fleet
	tracker     *PlayerTracker
	provisioner *SlotProvisioner
	party       *PartyCoordinator
	intents     *IntentManager
	publisher   Publisher

	// accepting gates new work; the store health monitor flips it.
	accepting atomic.Bool

	mu sync.Mutex

	// queues holds starved solo requests per family, FIFO.
	queues map[string][]*structs.PlayerRequestContext

	// inflight tracks routed requests awaiting their ack, by player id,
	// so a nack can retry with full context.
	inflight map[string]*structs.PlayerRequestContext
}

// NewPlayerRouter builds the router and injects it into the party
// coordinator as its callback surface.
func NewPlayerRouter(logger hclog.Logger, config *Config, routingStore *store.RoutingStore, fleet *Fleet, tracker *PlayerTracker, provisioner *SlotProvisioner, party *PartyCoordinator, intents *IntentManager, publisher Publisher) *PlayerRouter {
	r := &PlayerRouter{
		logger:      logger.Named("router"),
		config:      config,
		store:       routingStore,
		fleet:       fleet,
		tracker:     tracker,
		provisioner: provisioner,
		party:       party,
		intents:     intents,
		publisher:   publisher,
		queues:      make(map[string][]*structs.PlayerRequestContext),
		inflight:    make(map[string]*structs.PlayerRequestContext),
	}
	r.accepting.Store(true)
	party.SetCallbacks(r)
	return r
}

// SetAccepting gates new routing work; while false every new request is
// rejected with no-capacity. The store health monitor drives this.
func (r *PlayerRouter) SetAccepting(accepting bool) {
	r.accepting.Store(accepting)
	if !accepting {
		r.logger.Warn("router stopped accepting new requests")
	} else {
		r.logger.Info("router accepting requests again")
	}
}

// HandlePlayerRequest runs one inbound request through the pipeline.
func (r *PlayerRouter) HandlePlayerRequest(ctx context.Context, proxyID string, req *structs.PlayerSlotRequest, correlationID string, now time.Time) error {
	defer metrics.MeasureSince([]string{"router", "request"}, time.Now())

	pctx := structs.NewPlayerRequestContext(req, proxyID, correlationID, now)
	if pctx.PlayerID == "" || pctx.Family == "" {
		return r.SendDisconnect(ctx, pctx, structs.ReasonNoCapacity)
	}
	if !r.accepting.Load() {
		metrics.IncrCounter([]string{"router", "rejected_unhealthy"}, 1)
		if err := r.SendDisconnect(ctx, pctx, structs.ReasonNoCapacity); err != nil {
			return err
		}
		return structs.ErrStoreDown
	}

	if proxy, ok := r.fleet.Proxy(proxyID); ok {
		proxy.AttachPlayer(pctx.PlayerID)
	}

	// Resolve the player's current assignment and recent history before
	// the first selection pass.
	if current, ok, err := r.tracker.ActiveSlot(ctx, pctx.PlayerID); err == nil && ok {
		pctx.CurrentSlotID = current
	}
	recent, err := r.tracker.ResolveRecentBlockedSlots(ctx, pctx.PlayerID, now)
	if err != nil {
		r.logger.Warn("failed to resolve recent slots, routing without blocklist",
			"player_id", pctx.PlayerID, "error", err)
	}
	for _, slotID := range recent {
		pctx.BlockSlot(slotID)
	}

	// A rejoining player prefers the slot they were last on.
	if pctx.Rejoin && pctx.PreferredSlotID == "" && pctx.CurrentSlotID != "" {
		pctx.PreferredSlotID = pctx.CurrentSlotID
	}

	if pctx.ReservationID != "" {
		handled, err := r.party.HandlePartyPlayerRequest(ctx, pctx, pctx.ReservationID)
		if err != nil {
			r.logger.Error("party request handling failed",
				"player_id", pctx.PlayerID, "reservation_id", pctx.ReservationID, "error", err)
			return err
		}
		if handled {
			return nil
		}
		// No allocation yet: the context is parked with the reservation
		// and also proceeds as a solo request so the player is not
		// stranded if the party never lands.
	}

	return r.route(ctx, pctx, now)
}

// route is the selection pipeline shared by fresh requests, retries and
// queue drains.
func (r *PlayerRouter) route(ctx context.Context, pctx *structs.PlayerRequestContext, now time.Time) error {
	if pctx.Expired(r.config.RequestMaxAge, now) {
		metrics.IncrCounter([]string{"router", "timeout"}, 1)
		return r.SendDisconnect(ctx, pctx, structs.ReasonTimeout)
	}

	// Shutdown transfer tickets retarget the player and may bypass
	// blocked-slot rules.
	force := false
	if ticket, ok := r.intents.ConsumeTicket(pctx.PlayerID, now); ok {
		r.logger.Info("honoring shutdown transfer ticket",
			"player_id", pctx.PlayerID, "intent_id", ticket.IntentID,
			"fallback_family", ticket.FallbackFamily, "force", ticket.Force)
		if ticket.FallbackFamily != "" {
			pctx.Family = ticket.FallbackFamily
		}
		force = ticket.Force
	}

	slot, err := r.selectSlot(ctx, pctx, force)
	if err != nil {
		return err
	}
	if slot == nil {
		return r.starve(ctx, pctx, now)
	}
	return r.dispatch(ctx, pctx, slot, "", false, now)
}

// selectSlot picks the best eligible slot for the request: the preferred
// slot when still eligible, otherwise the fullest fitting one. force
// bypasses the blocked-slot rules.
func (r *PlayerRouter) selectSlot(ctx context.Context, pctx *structs.PlayerRequestContext, force bool) (*structs.LogicalSlot, error) {
	var candidates []*structs.LogicalSlot
	for _, backend := range r.fleet.Backends() {
		if !backend.Status().Routable() {
			continue
		}
		if r.intents.IsServerEvacuating(backend.ID) {
			continue
		}
		for _, slot := range backend.Slots() {
			if slot.Status != structs.SlotStatusAvailable {
				continue
			}
			if !slot.MatchesFamily(pctx.Family) || !slot.MatchesVariant(pctx.Variant) {
				continue
			}
			if !force && pctx.Blocked(slot.ID) {
				continue
			}
			candidates = append(candidates, slot)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(candidates))
	for i, s := range candidates {
		ids[i] = s.ID
	}
	occupancies, err := r.store.GetOccupancies(ctx, ids)
	if err != nil {
		return nil, err
	}

	var eligible []*structs.LogicalSlot
	for _, slot := range candidates {
		if slot.RemainingCapacity(occupancies[slot.ID]) >= 1 {
			eligible = append(eligible, slot)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	// The preferred slot wins outright while it stays eligible; blocked
	// preferences were already filtered out above unless forced.
	if pctx.PreferredSlotID != "" {
		for _, slot := range eligible {
			if slot.ID == pctx.PreferredSlotID {
				return slot, nil
			}
		}
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

// dispatch reserves one seat, sends the route command and records the
// assignment. A failed publish returns the seat and requeues the
// request.
func (r *PlayerRouter) dispatch(ctx context.Context, pctx *structs.PlayerRequestContext, slot *structs.LogicalSlot, reservationToken string, preReserved bool, now time.Time) error {
	if !preReserved {
		if _, err := r.store.IncrementOccupancy(ctx, slot.ID); err != nil {
			return err
		}
	}

	command := &structs.PlayerRouteCommand{
		PlayerID:         pctx.PlayerID,
		SlotID:           slot.ID,
		ReservationToken: reservationToken,
		PreReserved:      preReserved,
	}
	if err := r.publisher.Publish(ctx, structs.RouteChannel(pctx.ProxyID), structs.MsgPlayerRouteCommand, command); err != nil {
		if !preReserved {
			if _, decErr := r.store.DecrementOccupancy(ctx, slot.ID); decErr != nil {
				r.logger.Error("failed to return seat after publish failure",
					"slot_id", slot.ID, "error", decErr)
			}
		}
		r.logger.Error("route command publish failed, requeueing",
			"player_id", pctx.PlayerID, "slot_id", slot.ID, "error", err)
		pctx.Retries++
		return r.starve(ctx, pctx, now)
	}

	r.mu.Lock()
	r.inflight[pctx.PlayerID] = pctx
	r.mu.Unlock()

	if err := r.tracker.SetActive(ctx, pctx.PlayerID, slot.ID, now); err != nil {
		r.logger.Error("failed to record active slot",
			"player_id", pctx.PlayerID, "slot_id", slot.ID, "error", err)
	}

	metrics.IncrCounter([]string{"router", "routed"}, 1)
	r.logger.Debug("player routed",
		"player_id", pctx.PlayerID, "slot_id", slot.ID,
		"pre_reserved", preReserved, "retries", pctx.Retries)
	return nil
}

// starve handles a request with no eligible slot: enqueue and trigger
// provisioning while retries remain, otherwise reject.
func (r *PlayerRouter) starve(ctx context.Context, pctx *structs.PlayerRequestContext, now time.Time) error {
	if pctx.Retries >= r.config.MaxRoutingRetries {
		metrics.IncrCounter([]string{"router", "no_capacity"}, 1)
		return r.SendDisconnect(ctx, pctx, structs.ReasonNoCapacity)
	}

	evicted := r.enqueue(pctx, now)
	if evicted != nil {
		// The queue was full; the oldest waiter is failed closed.
		metrics.IncrCounter([]string{"router", "queue_evicted"}, 1)
		if err := r.SendDisconnect(ctx, evicted, structs.ReasonNoCapacity); err != nil {
			r.logger.Error("failed to disconnect evicted waiter",
				"player_id", evicted.PlayerID, "error", err)
		}
	}

	r.TriggerProvision(ctx, pctx.Family, pctx.Metadata)
	return nil
}

// enqueue appends the context to its family queue and returns the waiter
// evicted by overflow, if any.
func (r *PlayerRouter) enqueue(pctx *structs.PlayerRequestContext, now time.Time) *structs.PlayerRequestContext {
	pctx.LastEnqueuedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.queues[pctx.Family]
	var evicted *structs.PlayerRequestContext
	if len(queue) >= r.config.QueueDepthLimit {
		evicted = queue[0]
		queue = queue[1:]
	}
	r.queues[pctx.Family] = append(queue, pctx)
	metrics.SetGauge([]string{"router", "queued", pctx.Family}, float32(len(r.queues[pctx.Family])))
	return evicted
}

// HandleRouteAck processes a proxy's ack or nack for a route command.
// Occupancy is returned on every ack: the counter only bridges the gap
// until the backend reports its own player count.
func (r *PlayerRouter) HandleRouteAck(ctx context.Context, proxyID string, msg *structs.PlayerRouteAck, now time.Time) error {
	if msg.SlotID != "" {
		if _, err := r.store.DecrementOccupancy(ctx, msg.SlotID); err != nil {
			r.logger.Error("failed to decrement occupancy on ack",
				"slot_id", msg.SlotID, "error", err)
		}
	}

	r.mu.Lock()
	pctx := r.inflight[msg.PlayerID]
	delete(r.inflight, msg.PlayerID)
	r.mu.Unlock()

	if msg.Success {
		if msg.ReservationID != "" {
			return r.party.HandleRouteAck(ctx, msg.ReservationID, msg.PlayerID)
		}
		metrics.IncrCounter([]string{"router", "acked"}, 1)
		return nil
	}

	// Nack: the slot refused the player. Block it and retry.
	metrics.IncrCounter([]string{"router", "nacked"}, 1)

	// A nacked party member leaves its reservation, which must stop
	// waiting on it before the player retries as a solo request.
	reservationID := msg.ReservationID
	if reservationID == "" && pctx != nil {
		reservationID = pctx.ReservationID
	}
	if reservationID != "" {
		if err := r.party.HandleRouteNack(ctx, reservationID, msg.PlayerID); err != nil {
			r.logger.Error("failed to record party route nack",
				"reservation_id", reservationID, "player_id", msg.PlayerID, "error", err)
		}
	}

	if pctx == nil {
		// No in-flight context survives a registry restart; rebuild what
		// the retry needs from the ack itself.
		pctx = &structs.PlayerRequestContext{
			PlayerID:  msg.PlayerID,
			ProxyID:   proxyID,
			CreatedAt: now,
		}
		if slot, ok := r.fleet.SlotByID(msg.SlotID); ok {
			pctx.Family = slot.Family
		}
		pctx.Normalize()
		if pctx.Family == "" {
			r.logger.Warn("dropping nack with no recoverable context",
				"player_id", msg.PlayerID, "slot_id", msg.SlotID, "reason", msg.Reason)
			return nil
		}
	}

	pctx.BlockSlot(msg.SlotID)
	pctx.ReservationID = ""
	pctx.PartyTokenID = ""
	pctx.Retries++
	r.logger.Debug("route nacked, retrying",
		"player_id", msg.PlayerID, "slot_id", msg.SlotID,
		"reason", msg.Reason, "retries", pctx.Retries)
	return r.route(ctx, pctx, now)
}

// HandleSlotStatus applies a backend's slot update to the fleet and the
// store mirror, and wakes waiting work when new capacity appears.
func (r *PlayerRouter) HandleSlotStatus(ctx context.Context, update *structs.SlotStatusUpdate, now time.Time) error {
	backend, ok := r.fleet.Backend(update.ServerID)
	if !ok {
		return structs.ErrServerMissing
	}
	if !update.Status.Valid() {
		return structs.NewProtocolError(structs.ReasonNoCapacity,
			"slot %s has unknown status %q", update.SlotID, update.Status)
	}
	if _, err := structs.ParseSlotSuffix(update.SlotSuffix); err != nil {
		return structs.NewProtocolError(structs.ReasonNoCapacity,
			"slot %s: %v", update.SlotID, err)
	}

	slot := update.Slot(now)
	prev := backend.Slot(slot.Suffix)

	if slot.Status == structs.SlotStatusClosed {
		return r.removeSlot(ctx, backend, slot)
	}

	backend.UpsertSlot(slot)
	if err := r.store.StoreSlot(ctx, slot); err != nil {
		return err
	}

	becameAvailable := slot.Status == structs.SlotStatusAvailable &&
		(prev == nil || prev.Status != structs.SlotStatusAvailable)
	if becameAvailable {
		r.logger.Info("slot available",
			"slot_id", slot.ID, "family", slot.Family, "max_players", slot.MaxPlayers)
		r.wakeFamily(ctx, slot, now)
	}
	return nil
}

// removeSlot drops a closed slot everywhere and returns its capacity.
func (r *PlayerRouter) removeSlot(ctx context.Context, backend *structs.Backend, slot *structs.LogicalSlot) error {
	removed := backend.RemoveSlot(slot.Suffix)
	if removed == nil {
		return nil
	}

	if err := r.store.RemoveSlot(ctx, slot.ID, removed.Family); err != nil {
		return err
	}
	backend.ReleaseFamilySlot(removed.Family)
	if _, err := r.store.ReleaseFamilyCapacity(ctx, backend.ID, removed.Family); err != nil {
		r.logger.Error("failed to release capacity for closed slot",
			"slot_id", slot.ID, "family", removed.Family, "error", err)
	}

	evicted, err := r.tracker.ClearActivePlayersForSlot(ctx, slot.ID, time.Now())
	if err != nil {
		r.logger.Error("failed to clear players of closed slot",
			"slot_id", slot.ID, "error", err)
	}
	r.logger.Info("slot closed",
		"slot_id", slot.ID, "family", removed.Family, "evicted_players", len(evicted))
	return nil
}

// wakeFamily drains waiting work for a family after new capacity
// appeared: queued party reservations get the slot first, then solo
// waiters re-enter the pipeline FIFO.
func (r *PlayerRouter) wakeFamily(ctx context.Context, slot *structs.LogicalSlot, now time.Time) {
	if err := r.party.ProcessPendingReservations(ctx, slot.Family, slot, now); err != nil {
		r.logger.Error("failed to process queued reservations",
			"family", slot.Family, "error", err)
	}
	r.drainQueue(ctx, slot.Family, now)
}

// drainQueue re-routes every waiter on the family queue in FIFO order.
// Requests that still find no slot re-enqueue themselves.
func (r *PlayerRouter) drainQueue(ctx context.Context, family string, now time.Time) {
	r.mu.Lock()
	waiting := r.queues[family]
	delete(r.queues, family)
	r.mu.Unlock()

	if len(waiting) == 0 {
		return
	}
	r.logger.Debug("draining family queue", "family", family, "waiters", len(waiting))
	for _, pctx := range waiting {
		pctx.Retries++
		if err := r.route(ctx, pctx, now); err != nil {
			r.logger.Error("failed to re-route queued request",
				"player_id", pctx.PlayerID, "family", family, "error", err)
		}
	}
}

// DispatchWithReservation implements RouterCallbacks for party members.
func (r *PlayerRouter) DispatchWithReservation(ctx context.Context, pctx *structs.PlayerRequestContext, alloc *structs.PartyReservationAllocation, tokenID string) error {
	slot, ok := r.fleet.SlotByID(alloc.SlotID)
	if !ok {
		return structs.ErrSlotNotAvailable
	}
	// The party's seats were reserved at allocation time.
	return r.dispatch(ctx, pctx, slot, tokenID, true, time.Now())
}

// SendDisconnect implements RouterCallbacks: a structured rejection to
// the player's proxy.
func (r *PlayerRouter) SendDisconnect(ctx context.Context, pctx *structs.PlayerRequestContext, reason string) error {
	metrics.IncrCounter([]string{"router", "disconnect", reason}, 1)
	// The proxy drops the connection on a structured disconnect.
	if proxy, ok := r.fleet.Proxy(pctx.ProxyID); ok {
		proxy.DetachPlayer(pctx.PlayerID)
	}
	command := &structs.PlayerRouteCommand{
		PlayerID: pctx.PlayerID,
		Reason:   reason,
	}
	return r.publisher.Publish(ctx, structs.RouteChannel(pctx.ProxyID), structs.MsgPlayerRouteCommand, command)
}

// TriggerProvision implements RouterCallbacks.
func (r *PlayerRouter) TriggerProvision(ctx context.Context, family string, meta map[string]string) {
	if _, err := r.provisioner.RequestProvision(ctx, family, meta); err != nil {
		r.logger.Debug("provision trigger unsatisfied", "family", family, "error", err)
	}
}

// NotifyCapacityChange implements RouterCallbacks: capacity on the
// family moved, so waiting solo requests get another pass.
func (r *PlayerRouter) NotifyCapacityChange(ctx context.Context, family string) {
	r.drainQueue(ctx, structs.NormalizeFamily(family), time.Now())
}

// RetryRequest implements RouterCallbacks: re-enter a context into the
// pipeline, e.g. after its party reservation dissolved.
func (r *PlayerRouter) RetryRequest(ctx context.Context, pctx *structs.PlayerRequestContext) {
	if err := r.route(ctx, pctx, time.Now()); err != nil {
		r.logger.Error("retry failed", "player_id", pctx.PlayerID, "error", err)
	}
}

// RouterStats is a point-in-time summary of routing activity.
type RouterStats struct {
	QueuedRequests int
	Families       int
	Inflight       int
}

// Stats returns a snapshot summary.
func (r *PlayerRouter) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	queued := 0
	for _, q := range r.queues {
		queued += len(q)
	}
	return RouterStats{
		QueuedRequests: queued,
		Families:       len(r.queues),
		Inflight:       len(r.inflight),
	}
}

// EmitStats publishes router gauges until stopCh closes.
func (r *PlayerRouter) EmitStats(period time.Duration, stopCh <-chan struct{}) {
	timer := time.NewTicker(period)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			stats := r.Stats()
			metrics.SetGauge([]string{"router", "queued_total"}, float32(stats.QueuedRequests))
			metrics.SetGauge([]string{"router", "inflight"}, float32(stats.Inflight))
		case <-stopCh:
			return
		}
	}
}
