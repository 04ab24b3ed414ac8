// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fulcrumnet/fulcrum-registry/docstore"
	"github.com/fulcrumnet/fulcrum-registry/helper/testlog"
	"github.com/fulcrumnet/fulcrum-registry/registry/store"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// testPublished is one message captured by the test publisher.
type testPublished struct {
	Channel     string
	Type        string
	Correlation string
	Payload     any
}

// testPublisher records everything published and can fail selected
// message types to exercise compensation paths.
type testPublisher struct {
	mu   sync.Mutex
	msgs []testPublished
	fail map[string]error
}

func (p *testPublisher) Publish(_ context.Context, channel, msgType string, payload any) error {
	return p.record(channel, msgType, "", payload)
}

func (p *testPublisher) PublishReply(_ context.Context, channel, msgType, correlationID string, payload any) error {
	return p.record(channel, msgType, correlationID, payload)
}

func (p *testPublisher) record(channel, msgType, correlationID string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.fail[msgType]; ok {
		return err
	}
	p.msgs = append(p.msgs, testPublished{Channel: channel, Type: msgType, Correlation: correlationID, Payload: payload})
	return nil
}

func (p *testPublisher) failType(msgType string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail == nil {
		p.fail = make(map[string]error)
	}
	p.fail[msgType] = err
}

func (p *testPublisher) clearFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = nil
}

func (p *testPublisher) ofType(msgType string) []testPublished {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []testPublished
	for _, m := range p.msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (p *testPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = nil
}

// testComponents is the registry core wired over miniredis and an
// in-memory document store, with a capturing publisher in place of the
// bus.
type testComponents struct {
	config      *Config
	store       *store.RoutingStore
	docs        docstore.Store
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
	pub         *testPublisher
}

func newTestComponents(t *testing.T) *testComponents {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := testlog.HCLogger(t)
	config := DefaultConfig()
	config.SenderID = "registry-test"

	c := &testComponents{
		config: config,
		store:  store.New(client, logger, config.StoreConfig()),
		docs:   docstore.NewMemoryStore(),
		pub:    &testPublisher{},
	}
	c.fleet = NewFleet(logger, c.store)
	c.catalog = NewEnvironmentCatalog(logger, c.docs)
	c.tracker = NewPlayerTracker(logger, c.store)
	c.rosters = NewMatchRosterService(logger, c.store, c.tracker)
	c.provisioner = NewSlotProvisioner(logger, c.fleet, c.store, c.catalog, c.pub, config)
	c.party = NewPartyCoordinator(logger, c.store, c.fleet)
	c.intents = NewIntentManager(logger, c.fleet, c.store, c.pub, config)
	c.router = NewPlayerRouter(logger, config, c.store, c.fleet, c.tracker, c.provisioner, c.party, c.intents, c.pub)
	c.console = NewConsole(logger, c.fleet, c.catalog, c.intents, c.router, c.pub)
	c.sweeper = NewExpirySweeper(logger, config, c.store, c.intents, c.tracker)
	c.provisioner.SetEvacuationCheck(c.intents.IsServerEvacuating)
	return c
}

// addBackend registers a backend and declares its family capacities.
func (c *testComponents) addBackend(t *testing.T, id string, capacities map[string]int) *structs.Backend {
	t.Helper()
	backend, _ := c.fleet.RegisterBackend(&structs.ServiceRegistration{
		ServiceID:   id,
		ServiceType: structs.ServiceTypeBackend,
		Address:     "10.0.0.1:25565",
	}, time.Now())
	require.NoError(t, c.fleet.DeclareFamilies(context.Background(), id, capacities))
	return backend
}

// addProxy registers a proxy.
func (c *testComponents) addProxy(t *testing.T, id string) *structs.Proxy {
	t.Helper()
	proxy, _ := c.fleet.RegisterProxy(&structs.ServiceRegistration{
		ServiceID:   id,
		ServiceType: structs.ServiceTypeProxy,
	}, time.Now())
	proxy.SetStatus(structs.ServerStatusAvailable)
	return proxy
}

// addSlot pushes an AVAILABLE slot status update through the router,
// mirroring how a backend announces a new instance.
func (c *testComponents) addSlot(t *testing.T, serverID, suffix, family string, maxPlayers int) *structs.LogicalSlot {
	t.Helper()
	update := &structs.SlotStatusUpdate{
		ServerID:   serverID,
		SlotID:     serverID + suffix,
		SlotSuffix: suffix,
		Status:     structs.SlotStatusAvailable,
		MaxPlayers: maxPlayers,
		GameType:   family,
		Metadata:   map[string]string{structs.SlotMetaFamily: family},
	}
	require.NoError(t, c.router.HandleSlotStatus(context.Background(), update, time.Now()))
	slot, ok := c.fleet.SlotByID(serverID + suffix)
	require.True(t, ok)
	return slot
}

// routeCommandsFor filters captured route commands for one player.
func (c *testComponents) routeCommandsFor(playerID string) []*structs.PlayerRouteCommand {
	var out []*structs.PlayerRouteCommand
	for _, m := range c.pub.ofType(structs.MsgPlayerRouteCommand) {
		cmd := m.Payload.(*structs.PlayerRouteCommand)
		if cmd.PlayerID == playerID {
			out = append(out, cmd)
		}
	}
	return out
}
