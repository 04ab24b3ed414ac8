// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fulcrumnet/fulcrum-registry/ci"
	"github.com/fulcrumnet/fulcrum-registry/registry/mock"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// partyPlayers returns the reservation's player ids in stable order.
func partyPlayers(snapshot *structs.PartyReservationSnapshot) []string {
	var players []string
	for playerID := range snapshot.Tokens {
		players = append(players, playerID)
	}
	sort.Strings(players)
	return players
}

// requestFor builds the proxy request a party member would send.
func requestFor(snapshot *structs.PartyReservationSnapshot, playerID string) *structs.PlayerSlotRequest {
	return &structs.PlayerSlotRequest{
		PlayerID: playerID,
		Family:   snapshot.Family,
		Metadata: map[string]string{
			structs.RequestMetaPartyReservation: snapshot.ReservationID,
			structs.RequestMetaPartyToken:       snapshot.Tokens[playerID],
		},
	}
}

func TestPartyCoordinator_AllocatesExistingSlot(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"duel": 2})
	c.addProxy(t, "proxy-1")
	slot := c.addSlot(t, "game-1", "A", "duel", 8)

	snapshot := mock.Reservation()
	msg := &structs.PartyReservationCreated{Snapshot: snapshot}
	require.NoError(t, c.party.HandleReservationCreated(ctx, msg, time.Now()))

	alloc, found, err := c.store.GetPartyAllocation(ctx, snapshot.ReservationID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, slot.ID, alloc.SlotID)

	// The whole party's seats are reserved up front, and a fitting slot
	// means no provision trigger.
	occ, err := c.store.GetOccupancy(ctx, slot.ID)
	require.NoError(t, err)
	require.Equal(t, snapshot.PartySize, occ)
	require.Empty(t, c.pub.ofType(structs.MsgSlotProvisionCommand))
}

func TestPartyCoordinator_QueuesWhenNoSlotFits(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"duel": 2})
	// The only slot has too few free seats for a party of three.
	slot := c.addSlot(t, "game-1", "A", "duel", 8)
	_, err := c.store.AddOccupancy(ctx, slot.ID, 6)
	require.NoError(t, err)

	snapshot := mock.Reservation()
	msg := &structs.PartyReservationCreated{Snapshot: snapshot}
	require.NoError(t, c.party.HandleReservationCreated(ctx, msg, time.Now()))

	_, found, err := c.store.GetPartyAllocation(ctx, snapshot.ReservationID)
	require.NoError(t, err)
	require.False(t, found)

	depth, err := c.store.PartyQueueDepth(ctx, "duel")
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	// A provision was triggered carrying the reservation hint.
	provisions := c.pub.ofType(structs.MsgSlotProvisionCommand)
	require.Len(t, provisions, 1)
	command := provisions[0].Payload.(*structs.SlotProvisionCommand)
	require.Equal(t, snapshot.ReservationID, command.Metadata[structs.SlotMetaPartyReservation])
}

func TestPartyCoordinator_RedeliveryIgnored(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"duel": 2})
	slot := c.addSlot(t, "game-1", "A", "duel", 8)

	snapshot := mock.Reservation()
	msg := &structs.PartyReservationCreated{Snapshot: snapshot}
	require.NoError(t, c.party.HandleReservationCreated(ctx, msg, time.Now()))
	require.NoError(t, c.party.HandleReservationCreated(ctx, msg, time.Now()))

	// Seats were reserved exactly once.
	occ, err := c.store.GetOccupancy(ctx, slot.ID)
	require.NoError(t, err)
	require.Equal(t, snapshot.PartySize, occ)
}

func TestPartyCoordinator_DuplicateAllocationRejected(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"duel": 2})
	slot := c.addSlot(t, "game-1", "A", "duel", 8)

	snapshot := mock.Reservation()
	require.NoError(t, c.party.HandleReservationCreated(ctx,
		&structs.PartyReservationCreated{Snapshot: snapshot}, time.Now()))

	// A second bind attempt for the same reservation id must not reserve
	// seats again.
	err := c.party.allocate(ctx, snapshot.Copy(), slot, time.Now())
	require.ErrorIs(t, err, structs.ErrDuplicateReservation)
	require.Equal(t, structs.ErrKindConflict, structs.KindOf(err))

	occ, err := c.store.GetOccupancy(ctx, slot.ID)
	require.NoError(t, err)
	require.Equal(t, snapshot.PartySize, occ)
}

func TestPartyCoordinator_DispatchAndComplete(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"duel": 2})
	c.addProxy(t, "proxy-1")
	slot := c.addSlot(t, "game-1", "A", "duel", 8)

	snapshot := mock.Reservation()
	require.NoError(t, c.party.HandleReservationCreated(ctx,
		&structs.PartyReservationCreated{Snapshot: snapshot}, time.Now()))

	players := partyPlayers(snapshot)
	for _, playerID := range players {
		require.NoError(t, c.router.HandlePlayerRequest(ctx, "proxy-1",
			requestFor(snapshot, playerID), "corr-"+playerID, time.Now()))

		commands := c.routeCommandsFor(playerID)
		require.Len(t, commands, 1)
		require.Equal(t, slot.ID, commands[0].SlotID)
		require.True(t, commands[0].PreReserved)
		require.Equal(t, snapshot.Tokens[playerID], commands[0].ReservationToken)
	}

	// Occupancy still holds the whole party until routes complete.
	occ, err := c.store.GetOccupancy(ctx, slot.ID)
	require.NoError(t, err)
	require.Equal(t, snapshot.PartySize, occ)

	for _, playerID := range players {
		ack := &structs.PlayerRouteAck{
			PlayerID:      playerID,
			SlotID:        slot.ID,
			ReservationID: snapshot.ReservationID,
			Success:       true,
		}
		require.NoError(t, c.router.HandleRouteAck(ctx, "proxy-1", ack, time.Now()))
	}

	// Every ack returned one seat and the full party completed the
	// allocation.
	occ, err = c.store.GetOccupancy(ctx, slot.ID)
	require.NoError(t, err)
	require.Zero(t, occ)

	_, found, err := c.store.GetPartyAllocation(ctx, snapshot.ReservationID)
	require.NoError(t, err)
	require.False(t, found)
}

func TestPartyCoordinator_EarlyPlayerParkedThenDispatched(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"duel": 2})
	c.addProxy(t, "proxy-1")

	snapshot := mock.Reservation()
	players := partyPlayers(snapshot)
	early := players[0]

	// The player request arrives before any allocation exists: parked,
	// and with no slot anywhere the solo fallthrough queues too.
	require.NoError(t, c.router.HandlePlayerRequest(ctx, "proxy-1",
		requestFor(snapshot, early), "corr-1", time.Now()))
	require.Empty(t, c.routeCommandsFor(early))

	// The slot appears and the reservation lands; the parked player is
	// dispatched without asking again.
	slot := c.addSlot(t, "game-1", "A", "duel", 8)
	require.NoError(t, c.party.HandleReservationCreated(ctx,
		&structs.PartyReservationCreated{Snapshot: snapshot}, time.Now()))

	commands := c.routeCommandsFor(early)
	require.NotEmpty(t, commands)
	last := commands[len(commands)-1]
	require.Equal(t, slot.ID, last.SlotID)
	require.True(t, last.PreReserved)
}

func TestPartyCoordinator_TokenMismatchDisconnects(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"duel": 2})
	proxy := c.addProxy(t, "proxy-1")
	c.addSlot(t, "game-1", "A", "duel", 8)

	snapshot := mock.Reservation()
	require.NoError(t, c.party.HandleReservationCreated(ctx,
		&structs.PartyReservationCreated{Snapshot: snapshot}, time.Now()))

	playerID := partyPlayers(snapshot)[0]
	req := requestFor(snapshot, playerID)
	req.Metadata[structs.RequestMetaPartyToken] = "forged"
	require.NoError(t, c.router.HandlePlayerRequest(ctx, "proxy-1", req, "corr-1", time.Now()))

	commands := c.routeCommandsFor(playerID)
	require.Len(t, commands, 1)
	require.True(t, commands[0].Disconnect())
	require.Equal(t, structs.ReasonPartyTokenMismatch, commands[0].Reason)

	// The disconnect also detached the player from its proxy.
	require.Zero(t, proxy.PlayerCount())
}

func TestPartyCoordinator_OutsiderDisconnects(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"duel": 2})
	c.addProxy(t, "proxy-1")
	c.addSlot(t, "game-1", "A", "duel", 8)

	snapshot := mock.Reservation()
	require.NoError(t, c.party.HandleReservationCreated(ctx,
		&structs.PartyReservationCreated{Snapshot: snapshot}, time.Now()))

	req := &structs.PlayerSlotRequest{
		PlayerID: "outsider",
		Family:   "duel",
		Metadata: map[string]string{structs.RequestMetaPartyReservation: snapshot.ReservationID},
	}
	require.NoError(t, c.router.HandlePlayerRequest(ctx, "proxy-1", req, "corr-1", time.Now()))

	commands := c.routeCommandsFor("outsider")
	require.Len(t, commands, 1)
	require.True(t, commands[0].Disconnect())
	require.Equal(t, structs.ReasonPartyTokenMissing, commands[0].Reason)
}

func TestPartyCoordinator_FailedClaimReleasesUnusedSeats(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"duel": 2})
	c.addProxy(t, "proxy-1")
	slot := c.addSlot(t, "game-1", "A", "duel", 8)

	snapshot := mock.Reservation()
	require.NoError(t, c.party.HandleReservationCreated(ctx,
		&structs.PartyReservationCreated{Snapshot: snapshot}, time.Now()))

	players := partyPlayers(snapshot)
	for i, playerID := range players {
		claim := &structs.PartyReservationClaimed{
			ReservationID: snapshot.ReservationID,
			PlayerID:      playerID,
			Success:       i != 0,
		}
		require.NoError(t, c.party.HandleReservationClaimed(ctx, claim))
	}

	// All partySize claims arrived, one failed: released unsuccessfully
	// and every held seat returned (no routes ever completed).
	_, found, err := c.store.GetPartyAllocation(ctx, snapshot.ReservationID)
	require.NoError(t, err)
	require.False(t, found)

	occ, err := c.store.GetOccupancy(ctx, slot.ID)
	require.NoError(t, err)
	require.Zero(t, occ)
}

func TestPartyCoordinator_MemberNackSettlesAllocation(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"duel": 2})
	c.addProxy(t, "proxy-1")
	slot := c.addSlot(t, "game-1", "A", "duel", 8)

	snapshot := mock.Reservation()
	require.NoError(t, c.party.HandleReservationCreated(ctx,
		&structs.PartyReservationCreated{Snapshot: snapshot}, time.Now()))

	players := partyPlayers(snapshot)
	for _, playerID := range players {
		require.NoError(t, c.router.HandlePlayerRequest(ctx, "proxy-1",
			requestFor(snapshot, playerID), "corr-"+playerID, time.Now()))
	}

	// Two members complete their routes, the third is refused by the
	// slot.
	for _, playerID := range players[:2] {
		require.NoError(t, c.router.HandleRouteAck(ctx, "proxy-1", &structs.PlayerRouteAck{
			PlayerID:      playerID,
			SlotID:        slot.ID,
			ReservationID: snapshot.ReservationID,
			Success:       true,
		}, time.Now()))
	}
	require.NoError(t, c.router.HandleRouteAck(ctx, "proxy-1", &structs.PlayerRouteAck{
		PlayerID:      players[2],
		SlotID:        slot.ID,
		ReservationID: snapshot.ReservationID,
		Success:       false,
		Reason:        structs.ReasonNoCapacity,
	}, time.Now()))

	// The refusal settles the allocation: it must not wait forever for an
	// ack or claim the nacked member will never send.
	_, found, err := c.store.GetPartyAllocation(ctx, snapshot.ReservationID)
	require.NoError(t, err)
	require.False(t, found)

	// Every route outcome returned exactly one seat; the release must not
	// return them again.
	occ, err := c.store.GetOccupancy(ctx, slot.ID)
	require.NoError(t, err)
	require.Zero(t, occ)

	// The joined members' claims arrive after the release and are
	// ignored.
	for _, playerID := range players[:2] {
		require.NoError(t, c.party.HandleReservationClaimed(ctx, &structs.PartyReservationClaimed{
			ReservationID: snapshot.ReservationID,
			PlayerID:      playerID,
			Success:       true,
		}))
	}
	occ, err = c.store.GetOccupancy(ctx, slot.ID)
	require.NoError(t, err)
	require.Zero(t, occ)
}

func TestPartyCoordinator_PinnedEvacuatingServerFallsBack(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	evacuating := c.addBackend(t, "game-1", map[string]int{"duel": 2})
	c.addSlot(t, "game-1", "A", "duel", 8)
	require.True(t, evacuating.SetStatus(structs.ServerStatusEvacuating))

	c.addBackend(t, "game-2", map[string]int{"duel": 2})
	fallback := c.addSlot(t, "game-2", "A", "duel", 8)

	snapshot := mock.Reservation()
	snapshot.TargetServerID = "game-1"
	require.NoError(t, c.party.HandleReservationCreated(ctx,
		&structs.PartyReservationCreated{Snapshot: snapshot}, time.Now()))

	// The pinned backend is draining, so the fleet-wide scan places the
	// party elsewhere.
	alloc, found, err := c.store.GetPartyAllocation(ctx, snapshot.ReservationID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, fallback.ID, alloc.SlotID)
}

func TestPartyCoordinator_RequeuesWhenSlotVanishes(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"duel": 2})
	c.addProxy(t, "proxy-1")
	slot := c.addSlot(t, "game-1", "A", "duel", 8)

	snapshot := mock.Reservation()
	require.NoError(t, c.party.HandleReservationCreated(ctx,
		&structs.PartyReservationCreated{Snapshot: snapshot}, time.Now()))

	// The slot closes before any member arrives.
	update := &structs.SlotStatusUpdate{
		ServerID:   "game-1",
		SlotID:     slot.ID,
		SlotSuffix: "A",
		Status:     structs.SlotStatusClosed,
		Metadata:   map[string]string{structs.SlotMetaFamily: "duel"},
	}
	require.NoError(t, c.router.HandleSlotStatus(ctx, update, time.Now()))

	playerID := partyPlayers(snapshot)[0]
	require.NoError(t, c.router.HandlePlayerRequest(ctx, "proxy-1",
		requestFor(snapshot, playerID), "corr-1", time.Now()))

	// The allocation was unwound: seats returned, reservation back at the
	// head of its queue, player parked for the next allocation.
	_, found, err := c.store.GetPartyAllocation(ctx, snapshot.ReservationID)
	require.NoError(t, err)
	require.False(t, found)

	occ, err := c.store.GetOccupancy(ctx, slot.ID)
	require.NoError(t, err)
	require.Zero(t, occ)

	depth, err := c.store.PartyQueueDepth(ctx, "duel")
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestPartyCoordinator_QueuedReservationTakesNewSlot(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"duel": 2})
	c.addProxy(t, "proxy-1")

	snapshot := mock.Reservation()
	require.NoError(t, c.party.HandleReservationCreated(ctx,
		&structs.PartyReservationCreated{Snapshot: snapshot}, time.Now()))

	depth, err := c.store.PartyQueueDepth(ctx, "duel")
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	// A new slot arrives; the queued reservation gets it before any solo
	// waiter.
	slot := c.addSlot(t, "game-1", "A", "duel", 8)

	alloc, found, err := c.store.GetPartyAllocation(ctx, snapshot.ReservationID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, slot.ID, alloc.SlotID)

	depth, err = c.store.PartyQueueDepth(ctx, "duel")
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestPartyCoordinator_TeamSlotAssignsFreeIndex(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"skywars": 2})
	update := &structs.SlotStatusUpdate{
		ServerID:   "game-1",
		SlotID:     "game-1A",
		SlotSuffix: "A",
		Status:     structs.SlotStatusAvailable,
		MaxPlayers: 16,
		Metadata: map[string]string{
			structs.SlotMetaFamily:    "skywars",
			structs.SlotMetaTeamCount: "2",
			structs.SlotMetaTeamMax:   "4",
		},
	}
	require.NoError(t, c.router.HandleSlotStatus(ctx, update, time.Now()))

	first := mock.Reservation()
	first.Family = "skywars"
	require.NoError(t, c.party.HandleReservationCreated(ctx,
		&structs.PartyReservationCreated{Snapshot: first}, time.Now()))

	second := mock.Reservation()
	second.Family = "skywars"
	require.NoError(t, c.party.HandleReservationCreated(ctx,
		&structs.PartyReservationCreated{Snapshot: second}, time.Now()))

	allocA, _, err := c.store.GetPartyAllocation(ctx, first.ReservationID)
	require.NoError(t, err)
	allocB, _, err := c.store.GetPartyAllocation(ctx, second.ReservationID)
	require.NoError(t, err)
	require.ElementsMatch(t, []int{0, 1}, []int{allocA.TeamIndex, allocB.TeamIndex})

	// Both teams taken: a third party cannot land on the slot.
	third := mock.Reservation()
	third.Family = "skywars"
	require.NoError(t, c.party.HandleReservationCreated(ctx,
		&structs.PartyReservationCreated{Snapshot: third}, time.Now()))
	_, found, err := c.store.GetPartyAllocation(ctx, third.ReservationID)
	require.NoError(t, err)
	require.False(t, found)
}

func TestPartyCoordinator_OversizedPartyForTeamSkipsSlot(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)
	ctx := context.Background()

	c.addBackend(t, "game-1", map[string]int{"skywars": 2})
	update := &structs.SlotStatusUpdate{
		ServerID:   "game-1",
		SlotID:     "game-1A",
		SlotSuffix: "A",
		Status:     structs.SlotStatusAvailable,
		MaxPlayers: 16,
		Metadata: map[string]string{
			structs.SlotMetaFamily:  "skywars",
			structs.SlotMetaTeamMax: "2",
		},
	}
	require.NoError(t, c.router.HandleSlotStatus(ctx, update, time.Now()))

	snapshot := mock.Reservation()
	snapshot.Family = "skywars"
	require.NoError(t, c.party.HandleReservationCreated(ctx,
		&structs.PartyReservationCreated{Snapshot: snapshot}, time.Now()))

	// Party of three exceeds the per-team bound of two: queued instead.
	_, found, err := c.store.GetPartyAllocation(ctx, snapshot.ReservationID)
	require.NoError(t, err)
	require.False(t, found)
}
