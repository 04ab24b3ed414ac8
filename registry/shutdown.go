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
	"github.com/hashicorp/go-set/v3"

	"github.com/fulcrumnet/fulcrum-registry/helper/uuid"
	"github.com/fulcrumnet/fulcrum-registry/registry/store"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// intentState is the manager's runtime view of one broadcast intent.
type intentState struct {
	intent          *structs.ShutdownIntent
	phases          map[string]structs.ShutdownPhase
	tickets         map[string]*structs.ShutdownTicket
	ticketExpiresAt time.Time
}

// IntentManager orchestrates graceful shutdown: it broadcasts
// countdown-bounded intents, marks targeted backends evacuating so
// provisioning and routing avoid them, mints per-player transfer tickets
// as services report evacuation progress, and restores or stops targets
// as intents complete or are cancelled.
type IntentManager struct {
	logger    hclog.Logger
	fleet     *Fleet
	store     *store.RoutingStore
	publisher Publisher

	evictBuffer  time.Duration
	ticketBuffer time.Duration

	mu         sync.Mutex
	intents    map[string]*intentState
	evacuating *set.Set[string]
}

// NewIntentManager builds the manager.
func NewIntentManager(logger hclog.Logger, fleet *Fleet, routingStore *store.RoutingStore, publisher Publisher, config *Config) *IntentManager {
	return &IntentManager{
		logger:       logger.Named("shutdown"),
		fleet:        fleet,
		store:        routingStore,
		publisher:    publisher,
		evictBuffer:  config.EvictBuffer,
		ticketBuffer: config.TicketBuffer,
		intents:      make(map[string]*intentState),
		evacuating:   set.New[string](8),
	}
}

// CreateIntent broadcasts a new shutdown intent and marks its targets
// evacuating. Backends enter EVACUATING; proxies likewise. Unknown
// targets fail the whole intent before anything is broadcast.
func (im *IntentManager) CreateIntent(ctx context.Context, targets []structs.ShutdownTarget, countdownSeconds int, reason, fallbackFamily string, force bool) (*structs.ShutdownIntent, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("shutdown intent needs at least one target")
	}
	for _, t := range targets {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		switch t.Type {
		case structs.ServiceTypeBackend:
			if _, ok := im.fleet.Backend(t.ServiceID); !ok {
				return nil, fmt.Errorf("backend %s: %w", t.ServiceID, structs.ErrServerMissing)
			}
		case structs.ServiceTypeProxy:
			if _, ok := im.fleet.Proxy(t.ServiceID); !ok {
				return nil, fmt.Errorf("proxy %s: %w", t.ServiceID, structs.ErrServerMissing)
			}
		}
	}

	intent := &structs.ShutdownIntent{
		ID:               uuid.Generate(),
		Targets:          append([]structs.ShutdownTarget(nil), targets...),
		CountdownSeconds: countdownSeconds,
		Reason:           reason,
		FallbackFamily:   structs.NormalizeFamily(fallbackFamily),
		Force:            force,
		CreatedAt:        time.Now().UTC(),
	}

	if err := im.publisher.Publish(ctx, structs.ChanShutdownIntent, structs.MsgShutdownIntent, intent); err != nil {
		return nil, err
	}

	im.mu.Lock()
	im.intents[intent.ID] = &intentState{
		intent:          intent,
		phases:          make(map[string]structs.ShutdownPhase),
		tickets:         make(map[string]*structs.ShutdownTicket),
		ticketExpiresAt: intent.TicketDeadline(im.evictBuffer, im.ticketBuffer),
	}
	for _, t := range targets {
		im.evacuating.Insert(t.ServiceID)
	}
	metrics.SetGauge([]string{"shutdown", "intents"}, float32(len(im.intents)))
	metrics.SetGauge([]string{"shutdown", "evacuating"}, float32(im.evacuating.Size()))
	im.mu.Unlock()

	for _, t := range targets {
		if err := im.fleet.UpdateStatus(t.ServiceID, structs.ServerStatusEvacuating); err != nil {
			im.logger.Warn("target did not transition to evacuating",
				"service_id", t.ServiceID, "error", err)
		}
	}

	im.logger.Info("shutdown intent created",
		"intent_id", intent.ID,
		"targets", len(targets),
		"countdown_seconds", countdownSeconds,
		"fallback_family", intent.FallbackFamily,
		"force", force,
		"reason", reason)
	return intent.Copy(), nil
}

// HandleUpdate processes a service's progress report. EVACUATE updates
// with players mint one transfer ticket per player; SHUTDOWN marks the
// service done, stopping it and dropping the intent once every target
// has reported.
func (im *IntentManager) HandleUpdate(ctx context.Context, msg *structs.ShutdownIntentUpdate) error {
	im.mu.Lock()
	state, ok := im.intents[msg.IntentID]
	if !ok {
		im.mu.Unlock()
		im.logger.Warn("update for unknown shutdown intent",
			"intent_id", msg.IntentID, "service_id", msg.ServiceID)
		return nil
	}
	if !state.intent.Covers(msg.ServiceID) {
		im.mu.Unlock()
		return fmt.Errorf("service %s is not a target of intent %s", msg.ServiceID, msg.IntentID)
	}

	state.phases[msg.ServiceID] = msg.Phase

	switch msg.Phase {
	case structs.ShutdownPhaseEvacuate:
		for _, playerID := range msg.PlayerIDs {
			ticket := &structs.ShutdownTicket{
				PlayerID:       playerID,
				ServiceID:      msg.ServiceID,
				IntentID:       msg.IntentID,
				FallbackFamily: state.intent.FallbackFamily,
				Force:          state.intent.Force,
				ExpiresAt:      state.ticketExpiresAt,
			}
			state.tickets[playerID] = ticket
			if err := im.store.AddExpiry(ctx, store.TicketExpiryMember(msg.IntentID, playerID), state.ticketExpiresAt); err != nil {
				im.logger.Error("failed to schedule ticket expiry",
					"intent_id", msg.IntentID, "player_id", playerID, "error", err)
			}
		}
		metrics.IncrCounter([]string{"shutdown", "tickets_minted"}, float32(len(msg.PlayerIDs)))
		im.mu.Unlock()
		im.logger.Info("evacuation tickets minted",
			"intent_id", msg.IntentID, "service_id", msg.ServiceID, "players", len(msg.PlayerIDs))
		return nil

	case structs.ShutdownPhaseShutdown:
		im.evacuating.Remove(msg.ServiceID)
		done := true
		for _, t := range state.intent.Targets {
			if state.phases[t.ServiceID] != structs.ShutdownPhaseShutdown {
				done = false
				break
			}
		}
		if done {
			delete(im.intents, msg.IntentID)
		}
		metrics.SetGauge([]string{"shutdown", "intents"}, float32(len(im.intents)))
		metrics.SetGauge([]string{"shutdown", "evacuating"}, float32(im.evacuating.Size()))
		intent := state.intent
		im.mu.Unlock()

		im.stopService(intent, msg.ServiceID)
		if done {
			im.logger.Info("shutdown intent complete", "intent_id", msg.IntentID)
		}
		return nil

	default:
		im.mu.Unlock()
		return fmt.Errorf("unknown shutdown phase %q", msg.Phase)
	}
}

// stopService transitions a finished target out of routing.
func (im *IntentManager) stopService(intent *structs.ShutdownIntent, serviceID string) {
	var target structs.ShutdownTarget
	for _, t := range intent.Targets {
		if t.ServiceID == serviceID {
			target = t
			break
		}
	}

	next := structs.ServerStatusStopping
	if target.Type == structs.ServiceTypeProxy {
		next = structs.ServerStatusUnavailable
	}
	if err := im.fleet.UpdateStatus(serviceID, next); err != nil {
		im.logger.Warn("finished target did not transition",
			"service_id", serviceID, "status", next, "error", err)
	}
}

// ConsumeTicket returns the player's transfer ticket once, if one exists
// and has not expired. Concurrent callers race for a single ticket;
// exactly one wins.
func (im *IntentManager) ConsumeTicket(playerID string, now time.Time) (*structs.ShutdownTicket, bool) {
	im.mu.Lock()
	defer im.mu.Unlock()

	for _, state := range im.intents {
		ticket, ok := state.tickets[playerID]
		if !ok {
			continue
		}
		delete(state.tickets, playerID)
		if ticket.Expired(now) {
			continue
		}
		metrics.IncrCounter([]string{"shutdown", "tickets_consumed"}, 1)
		return ticket, true
	}
	return nil, false
}

// CancelIntent withdraws an intent: a cancellation is broadcast and the
// targets still evacuating are restored to AVAILABLE.
func (im *IntentManager) CancelIntent(ctx context.Context, intentID, operator string) error {
	im.mu.Lock()
	state, ok := im.intents[intentID]
	if !ok {
		im.mu.Unlock()
		return fmt.Errorf("unknown shutdown intent %s", intentID)
	}
	delete(im.intents, intentID)

	var restore []structs.ShutdownTarget
	for _, t := range state.intent.Targets {
		if state.phases[t.ServiceID] != structs.ShutdownPhaseShutdown {
			im.evacuating.Remove(t.ServiceID)
			restore = append(restore, t)
		}
	}
	metrics.SetGauge([]string{"shutdown", "intents"}, float32(len(im.intents)))
	metrics.SetGauge([]string{"shutdown", "evacuating"}, float32(im.evacuating.Size()))
	im.mu.Unlock()

	cancellation := &structs.ShutdownCancellation{IntentID: intentID, Operator: operator}
	if err := im.publisher.Publish(ctx, structs.ChanShutdownCancel, structs.MsgShutdownCancellation, cancellation); err != nil {
		im.logger.Error("failed to broadcast shutdown cancellation",
			"intent_id", intentID, "error", err)
	}

	for _, t := range restore {
		if err := im.fleet.UpdateStatus(t.ServiceID, structs.ServerStatusAvailable); err != nil {
			im.logger.Warn("cancelled target did not restore",
				"service_id", t.ServiceID, "error", err)
		}
	}

	im.logger.Info("shutdown intent cancelled", "intent_id", intentID, "operator", operator)
	return nil
}

// IsServerEvacuating reports whether the service is covered by a live
// intent; provisioning and routing exclude such backends.
func (im *IntentManager) IsServerEvacuating(serviceID string) bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.evacuating.Contains(serviceID)
}

// ExpireTicket drops one ticket, called by the sweeper when its expiry
// entry fires.
func (im *IntentManager) ExpireTicket(intentID, playerID string) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if state, ok := im.intents[intentID]; ok {
		if _, held := state.tickets[playerID]; held {
			delete(state.tickets, playerID)
			metrics.IncrCounter([]string{"shutdown", "tickets_expired"}, 1)
		}
	}
}

// SweepExpiredTickets drops every ticket past its deadline, returning the
// count removed. Intents themselves persist until their targets report
// SHUTDOWN or an operator cancels them.
func (im *IntentManager) SweepExpiredTickets(now time.Time) int {
	im.mu.Lock()
	defer im.mu.Unlock()

	removed := 0
	for _, state := range im.intents {
		for playerID, ticket := range state.tickets {
			if ticket.Expired(now) {
				delete(state.tickets, playerID)
				removed++
			}
		}
	}
	if removed > 0 {
		metrics.IncrCounter([]string{"shutdown", "tickets_expired"}, float32(removed))
	}
	return removed
}

// IntentStats is a point-in-time summary of shutdown activity.
type IntentStats struct {
	Intents    int
	Evacuating int
	Tickets    int
}

// Stats returns a snapshot summary.
func (im *IntentManager) Stats() IntentStats {
	im.mu.Lock()
	defer im.mu.Unlock()

	tickets := 0
	for _, state := range im.intents {
		tickets += len(state.tickets)
	}
	return IntentStats{
		Intents:    len(im.intents),
		Evacuating: im.evacuating.Size(),
		Tickets:    tickets,
	}
}
