// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/fulcrumnet/fulcrum-registry/docstore"
	"github.com/fulcrumnet/fulcrum-registry/registry/bus"
	"github.com/fulcrumnet/fulcrum-registry/registry/store"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// Server assembles the registry: the routing store and its health
// monitor, the message bus, the fleet, and every service built on top.
// One Server owns the subscriptions and background loops; Start brings
// them up and Shutdown tears them down.
type Server struct {
	logger hclog.Logger
	config *Config

	store      *store.RoutingStore
	monitor    *store.Monitor
	transport  bus.Transport
	dispatcher *bus.Dispatcher
	publisher  Publisher
	docs       docstore.Store

	fleet       *Fleet
	catalog     *EnvironmentCatalog
	tracker     *PlayerTracker
	rosters     *MatchRosterService
	provisioner *SlotProvisioner
	party       *PartyCoordinator
	intents     *IntentManager
	router      *PlayerRouter
	console     *Console
	sweeper     *ExpirySweeper
	heartbeats  *heartbeatTimers

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	shutdownCh     chan struct{}
	shutdownOnce   sync.Once

	unsubMu      sync.Mutex
	unsubscribes []func()
	wg           sync.WaitGroup
}

// NewServer wires every registry component together over the given Redis
// client and document store. The caller owns both connections; Shutdown
// stops the server's own loops but closes neither.
func NewServer(config *Config, logger hclog.Logger, client redis.UniversalClient, docs docstore.Store) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger = logger.Named("registry")

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	s := &Server{
		logger:         logger,
		config:         config,
		docs:           docs,
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
		shutdownCh:     make(chan struct{}),
	}

	s.store = store.New(client, logger, config.StoreConfig())
	s.transport = bus.NewRedisTransport(client, logger)
	s.dispatcher = bus.NewDispatcher(logger)
	s.publisher = NewPublisher(s.transport, config.SenderID)

	s.fleet = NewFleet(logger, s.store)
	s.catalog = NewEnvironmentCatalog(logger, docs)
	s.tracker = NewPlayerTracker(logger, s.store)
	s.rosters = NewMatchRosterService(logger, s.store, s.tracker)
	s.provisioner = NewSlotProvisioner(logger, s.fleet, s.store, s.catalog, s.publisher, config)
	s.party = NewPartyCoordinator(logger, s.store, s.fleet)
	s.intents = NewIntentManager(logger, s.fleet, s.store, s.publisher, config)
	s.router = NewPlayerRouter(logger, config, s.store, s.fleet, s.tracker, s.provisioner, s.party, s.intents, s.publisher)
	s.console = NewConsole(logger, s.fleet, s.catalog, s.intents, s.router, s.publisher)
	s.sweeper = NewExpirySweeper(logger, config, s.store, s.intents, s.tracker)

	s.provisioner.SetEvacuationCheck(s.intents.IsServerEvacuating)
	s.heartbeats = newHeartbeatTimers(logger, config.HeartbeatTimeout, config.HeartbeatGrace, s.onHeartbeatExpire)

	s.monitor = store.NewMonitor(s.store, logger,
		config.StorePingInterval, config.StoreFailoverDeadline,
		func() { s.router.SetAccepting(false) },
		func() { s.router.SetAccepting(true) })

	s.registerHandlers()
	return s, nil
}

// Start subscribes to every inbound channel and launches the background
// loops. Each channel gets its own consume goroutine so ordering holds
// per channel without head-of-line blocking across them.
func (s *Server) Start() error {
	channels := []string{
		structs.ChanServerRegister,
		structs.ChanServerDeregister,
		structs.ChanServiceHeartbeat,
		structs.ChanSlotFamily,
		structs.ChanSlotStatus,
		structs.ChanPlayerRequest,
		structs.ChanPlayerRouteAck,
		structs.ChanPartyCreated,
		structs.ChanPartyClaimed,
		structs.ChanRosterCreated,
		structs.ChanRosterEnded,
		structs.ChanShutdownUpdate,
		structs.ChanShutdownCancel,
		structs.ChanConsoleCommand,
	}
	for _, channel := range channels {
		inbound, unsubscribe, err := s.transport.Subscribe(s.shutdownCtx, channel)
		if err != nil {
			s.Shutdown()
			return err
		}
		s.unsubMu.Lock()
		s.unsubscribes = append(s.unsubscribes, unsubscribe)
		s.unsubMu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatcher.Consume(s.shutdownCtx, inbound)
		}()
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.monitor.Run(s.shutdownCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.sweeper.Run(s.shutdownCtx)
	}()

	go s.fleet.EmitStats(s.config.StatsInterval, s.shutdownCh)
	go s.router.EmitStats(s.config.StatsInterval, s.shutdownCh)

	s.logger.Info("registry server started",
		"sender_id", s.config.SenderID, "channels", len(channels))
	return nil
}

// Shutdown stops subscriptions, timers and background loops. Safe to
// call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Info("registry server shutting down")
		s.shutdownCancel()
		close(s.shutdownCh)

		s.unsubMu.Lock()
		for _, unsubscribe := range s.unsubscribes {
			unsubscribe()
		}
		s.unsubscribes = nil
		s.unsubMu.Unlock()

		s.heartbeats.clearAll()
		s.wg.Wait()
	})
}

// Store exposes the routing store, mainly for the console and tests.
func (s *Server) Store() *store.RoutingStore { return s.store }

// Router exposes the player router for tests.
func (s *Server) Router() *PlayerRouter { return s.router }

// registerHandlers binds every message type to its service.
func (s *Server) registerHandlers() {
	s.dispatcher.Register(structs.MsgServiceRegistration, s.handleRegistration)
	s.dispatcher.Register(structs.MsgServiceDeregistration, s.handleDeregistration)
	s.dispatcher.Register(structs.MsgServiceHeartbeat, s.handleHeartbeat)
	s.dispatcher.Register(structs.MsgSlotFamilyAdvertisement, s.handleFamilyAdvertisement)
	s.dispatcher.Register(structs.MsgSlotStatusUpdate, s.handleSlotStatus)
	s.dispatcher.Register(structs.MsgPlayerSlotRequest, s.handlePlayerRequest)
	s.dispatcher.Register(structs.MsgPlayerRouteAck, s.handleRouteAck)
	s.dispatcher.Register(structs.MsgPartyReservationCreated, s.handlePartyCreated)
	s.dispatcher.Register(structs.MsgPartyReservationClaimed, s.handlePartyClaimed)
	s.dispatcher.Register(structs.MsgMatchRosterCreated, s.handleRosterCreated)
	s.dispatcher.Register(structs.MsgMatchRosterEnded, s.handleRosterEnded)
	s.dispatcher.Register(structs.MsgShutdownIntentUpdate, s.handleShutdownUpdate)
	s.dispatcher.Register(structs.MsgShutdownCancellation, s.handleShutdownCancel)
	s.dispatcher.Register(structs.MsgConsoleCommand, s.handleConsoleCommand)
}

func (s *Server) handleRegistration(ctx context.Context, inbound *bus.Inbound) {
	var reg structs.ServiceRegistration
	if err := inbound.Envelope.Decode(structs.MsgServiceRegistration, &reg); err != nil {
		s.logger.Error("bad registration", "error", err)
		return
	}
	if err := reg.ServiceType.Validate(); err != nil {
		s.logger.Error("bad registration", "service_id", reg.ServiceID, "error", err)
		return
	}

	now := time.Now()
	var isNew bool
	switch reg.ServiceType {
	case structs.ServiceTypeBackend:
		_, isNew = s.fleet.RegisterBackend(&reg, now)
	case structs.ServiceTypeProxy:
		_, isNew = s.fleet.RegisterProxy(&reg, now)
	}
	s.heartbeats.reset(reg.ServiceID)

	if isNew {
		added := &structs.ServerAdded{
			ServerID:    reg.ServiceID,
			ServiceType: reg.ServiceType,
			Address:     reg.Address,
		}
		if err := s.publisher.Publish(ctx, structs.ChanServerAdded, structs.MsgServerAdded, added); err != nil {
			s.logger.Error("failed to announce new service",
				"service_id", reg.ServiceID, "error", err)
		}
	}
}

func (s *Server) handleDeregistration(ctx context.Context, inbound *bus.Inbound) {
	var dereg structs.ServiceDeregistration
	if err := inbound.Envelope.Decode(structs.MsgServiceDeregistration, &dereg); err != nil {
		s.logger.Error("bad deregistration", "error", err)
		return
	}
	s.logger.Info("service deregistered",
		"service_id", dereg.ServiceID, "reason", dereg.Reason)
	s.removeService(ctx, dereg.ServiceID)
}

func (s *Server) handleHeartbeat(ctx context.Context, inbound *bus.Inbound) {
	var hb structs.ServiceHeartbeat
	if err := inbound.Envelope.Decode(structs.MsgServiceHeartbeat, &hb); err != nil {
		s.logger.Error("bad heartbeat", "error", err)
		return
	}
	if !s.fleet.Heartbeat(&hb, time.Now()) {
		// Unknown service: it must re-register before being routable.
		s.logger.Warn("heartbeat from unregistered service", "service_id", hb.ServiceID)
		return
	}
	s.heartbeats.reset(hb.ServiceID)
}

func (s *Server) handleFamilyAdvertisement(ctx context.Context, inbound *bus.Inbound) {
	var adv structs.SlotFamilyAdvertisement
	if err := inbound.Envelope.Decode(structs.MsgSlotFamilyAdvertisement, &adv); err != nil {
		s.logger.Error("bad family advertisement", "error", err)
		return
	}
	if err := s.fleet.DeclareFamilies(ctx, adv.ServerID, adv.Capacities); err != nil {
		s.logger.Error("failed to declare families",
			"server_id", adv.ServerID, "error", err)
	}
}

func (s *Server) handleSlotStatus(ctx context.Context, inbound *bus.Inbound) {
	var update structs.SlotStatusUpdate
	if err := inbound.Envelope.Decode(structs.MsgSlotStatusUpdate, &update); err != nil {
		s.logger.Error("bad slot status", "error", err)
		return
	}
	if err := s.router.HandleSlotStatus(ctx, &update, time.Now()); err != nil {
		s.logger.Error("slot status rejected",
			"server_id", update.ServerID, "slot_id", update.SlotID, "error", err)
	}
}

func (s *Server) handlePlayerRequest(ctx context.Context, inbound *bus.Inbound) {
	var req structs.PlayerSlotRequest
	if err := inbound.Envelope.Decode(structs.MsgPlayerSlotRequest, &req); err != nil {
		s.logger.Error("bad player request", "error", err)
		return
	}
	env := inbound.Envelope
	if err := s.router.HandlePlayerRequest(ctx, env.SenderID, &req, env.CorrelationID, time.Now()); err != nil {
		s.logger.Error("player request failed",
			"player_id", req.PlayerID, "proxy_id", env.SenderID,
			"kind", structs.KindOf(err), "error", err)
	}
}

func (s *Server) handleRouteAck(ctx context.Context, inbound *bus.Inbound) {
	var ack structs.PlayerRouteAck
	if err := inbound.Envelope.Decode(structs.MsgPlayerRouteAck, &ack); err != nil {
		s.logger.Error("bad route ack", "error", err)
		return
	}
	if err := s.router.HandleRouteAck(ctx, inbound.Envelope.SenderID, &ack, time.Now()); err != nil {
		s.logger.Error("route ack handling failed",
			"player_id", ack.PlayerID, "error", err)
	}
}

func (s *Server) handlePartyCreated(ctx context.Context, inbound *bus.Inbound) {
	var msg structs.PartyReservationCreated
	if err := inbound.Envelope.Decode(structs.MsgPartyReservationCreated, &msg); err != nil {
		s.logger.Error("bad party reservation", "error", err)
		return
	}
	if err := s.party.HandleReservationCreated(ctx, &msg, time.Now()); err != nil {
		s.logger.Error("party reservation failed",
			"kind", structs.KindOf(err), "error", err)
	}
}

func (s *Server) handlePartyClaimed(ctx context.Context, inbound *bus.Inbound) {
	var msg structs.PartyReservationClaimed
	if err := inbound.Envelope.Decode(structs.MsgPartyReservationClaimed, &msg); err != nil {
		s.logger.Error("bad party claim", "error", err)
		return
	}
	if err := s.party.HandleReservationClaimed(ctx, &msg); err != nil {
		s.logger.Error("party claim handling failed",
			"reservation_id", msg.ReservationID, "player_id", msg.PlayerID, "error", err)
	}
}

func (s *Server) handleRosterCreated(ctx context.Context, inbound *bus.Inbound) {
	var msg structs.MatchRosterCreated
	if err := inbound.Envelope.Decode(structs.MsgMatchRosterCreated, &msg); err != nil {
		s.logger.Error("bad roster", "error", err)
		return
	}
	if err := s.rosters.HandleRosterCreated(ctx, &msg, time.Now()); err != nil {
		s.logger.Error("roster creation failed",
			"slot_id", msg.SlotID, "match_id", msg.MatchID, "error", err)
	}
}

func (s *Server) handleRosterEnded(ctx context.Context, inbound *bus.Inbound) {
	var msg structs.MatchRosterEnded
	if err := inbound.Envelope.Decode(structs.MsgMatchRosterEnded, &msg); err != nil {
		s.logger.Error("bad roster end", "error", err)
		return
	}
	if err := s.rosters.HandleRosterEnded(ctx, &msg, time.Now()); err != nil {
		s.logger.Error("roster end failed", "slot_id", msg.SlotID, "error", err)
	}
}

func (s *Server) handleShutdownUpdate(ctx context.Context, inbound *bus.Inbound) {
	var msg structs.ShutdownIntentUpdate
	if err := inbound.Envelope.Decode(structs.MsgShutdownIntentUpdate, &msg); err != nil {
		s.logger.Error("bad shutdown update", "error", err)
		return
	}
	if err := s.intents.HandleUpdate(ctx, &msg); err != nil {
		s.logger.Error("shutdown update rejected",
			"intent_id", msg.IntentID, "service_id", msg.ServiceID, "error", err)
	}
}

func (s *Server) handleShutdownCancel(ctx context.Context, inbound *bus.Inbound) {
	// Cancellations we broadcast ourselves come back on the same channel.
	if inbound.Envelope.SenderID == s.config.SenderID {
		return
	}
	var msg structs.ShutdownCancellation
	if err := inbound.Envelope.Decode(structs.MsgShutdownCancellation, &msg); err != nil {
		s.logger.Error("bad shutdown cancellation", "error", err)
		return
	}
	if err := s.intents.CancelIntent(ctx, msg.IntentID, msg.Operator); err != nil {
		s.logger.Error("shutdown cancellation rejected",
			"intent_id", msg.IntentID, "error", err)
	}
}

func (s *Server) handleConsoleCommand(ctx context.Context, inbound *bus.Inbound) {
	var cmd structs.ConsoleCommand
	if err := inbound.Envelope.Decode(structs.MsgConsoleCommand, &cmd); err != nil {
		s.logger.Error("bad console command", "error", err)
		return
	}
	if err := s.console.Execute(ctx, &cmd, inbound.Envelope.CorrelationID); err != nil {
		s.logger.Error("console reply failed", "command", cmd.Command, "error", err)
	}
}

// onHeartbeatExpire fires when a service misses its heartbeat window.
func (s *Server) onHeartbeatExpire(serviceID string) {
	s.logger.Warn("service missed heartbeat window, removing", "service_id", serviceID)
	s.removeService(s.shutdownCtx, serviceID)
}

// removeService tears a dead or departing service out of the fleet. For
// backends that means dropping every slot mirror, evicting the players
// still assigned to them, and requeueing any party allocations that
// targeted the server.
func (s *Server) removeService(ctx context.Context, serviceID string) {
	s.heartbeats.clear(serviceID)

	if backend, ok := s.fleet.Backend(serviceID); ok {
		slots := backend.Slots()
		if _, err := s.fleet.RemoveBackend(ctx, serviceID); err != nil {
			s.logger.Error("failed to remove backend",
				"server_id", serviceID, "error", err)
		}
		now := time.Now()
		for _, slot := range slots {
			if err := s.store.RemoveSlot(ctx, slot.ID, slot.Family); err != nil {
				s.logger.Error("failed to remove slot of dead backend",
					"slot_id", slot.ID, "error", err)
			}
			evicted, err := s.tracker.ClearActivePlayersForSlot(ctx, slot.ID, now)
			if err != nil {
				s.logger.Error("failed to evict players of dead backend",
					"slot_id", slot.ID, "error", err)
			} else if len(evicted) > 0 {
				s.logger.Info("evicted players of dead backend",
					"slot_id", slot.ID, "players", len(evicted))
			}
		}
		if err := s.party.RequeueAllocationsForServer(ctx, serviceID); err != nil {
			s.logger.Error("failed to requeue party allocations",
				"server_id", serviceID, "error", err)
		}
		return
	}

	if proxy, ok := s.fleet.RemoveProxy(serviceID); ok {
		s.logger.Info("proxy removed",
			"proxy_id", serviceID, "attached_players", proxy.PlayerCount())
	}
}
