// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"
	"time"

	"github.com/fulcrumnet/fulcrum-registry/ci"
	"github.com/stretchr/testify/require"
)

func TestServerStatus_CanTransitionTo(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		from ServerStatus
		to   ServerStatus
		ok   bool
	}{
		{ServerStatusRegistering, ServerStatusAvailable, true},
		{ServerStatusRegistering, ServerStatusRunning, false},
		{ServerStatusAvailable, ServerStatusRunning, true},
		{ServerStatusRunning, ServerStatusFull, true},
		{ServerStatusFull, ServerStatusRunning, true},
		{ServerStatusRunning, ServerStatusEvacuating, true},
		{ServerStatusEvacuating, ServerStatusStopping, true},
		{ServerStatusEvacuating, ServerStatusAvailable, true},
		{ServerStatusEvacuating, ServerStatusRunning, false},
		{ServerStatusStopping, ServerStatusRunning, false},
		{ServerStatusStopping, ServerStatusDead, true},
		{ServerStatusDead, ServerStatusAvailable, false},
		{ServerStatusRunning, ServerStatusDead, true},
		{ServerStatusAvailable, ServerStatusDead, true},
	}

	for _, tc := range cases {
		got := tc.from.CanTransitionTo(tc.to)
		require.Equal(t, tc.ok, got, "%s -> %s", tc.from, tc.to)
	}
}

func TestBackend_FamilySlots(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()
	b := NewBackend("game-1", "10.0.0.1:25565", 80, 100, now)
	b.DeclareFamilies(map[string]int{"duel": 2, "lobby": 1})

	require.True(t, b.SupportsFamily("duel"))
	require.True(t, b.SupportsFamily("DUEL"))
	require.False(t, b.SupportsFamily("arena"))
	require.Equal(t, 2, b.AvailableFamilySlots("duel"))

	require.True(t, b.ReserveFamilySlot("duel"))
	require.True(t, b.ReserveFamilySlot("duel"))
	require.False(t, b.ReserveFamilySlot("duel"))
	require.Equal(t, 0, b.AvailableFamilySlots("duel"))

	b.ReleaseFamilySlot("duel")
	require.Equal(t, 1, b.AvailableFamilySlots("duel"))

	// Release never exceeds the declared total.
	b.ReleaseFamilySlot("duel")
	b.ReleaseFamilySlot("duel")
	require.Equal(t, 2, b.AvailableFamilySlots("duel"))
}

func TestBackend_DeclareFamilies_Redeclare(t *testing.T) {
	ci.Parallel(t)

	b := NewBackend("game-1", "", 80, 100, time.Now())
	b.DeclareFamilies(map[string]int{"duel": 3})
	require.True(t, b.ReserveFamilySlot("duel"))

	// Raising the total keeps the outstanding reservation.
	b.DeclareFamilies(map[string]int{"duel": 5})
	require.Equal(t, 4, b.AvailableFamilySlots("duel"))
	require.Equal(t, 5, b.TotalFamilySlots("duel"))

	// Dropping a family removes it entirely.
	b.DeclareFamilies(map[string]int{"lobby": 1})
	require.False(t, b.SupportsFamily("duel"))
	require.True(t, b.SupportsFamily("lobby"))
}

func TestBackend_PlayerEquivalentLoad(t *testing.T) {
	ci.Parallel(t)

	b := NewBackend("game-1", "", 80, 100, time.Now())
	b.UpsertSlot(&LogicalSlot{ID: "game-1A", Suffix: "A", Family: "duel", Status: SlotStatusAvailable})
	b.UpsertSlot(&LogicalSlot{ID: "game-1B", Suffix: "B", Family: "duel", Status: SlotStatusFull})
	b.UpsertSlot(&LogicalSlot{ID: "game-1C", Suffix: "C", Family: "lobby", Status: SlotStatusClosed})

	load := b.PlayerEquivalentLoad(func(family string) float64 {
		if family == "duel" {
			return 2
		}
		return 50
	})
	require.Equal(t, float64(4), load)
}

func TestFormatSlotSuffix(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		index  int
		suffix string
	}{
		{0, "A"},
		{1, "B"},
		{25, "Z"},
		{26, "AA"},
		{27, "AB"},
		{51, "AZ"},
		{52, "BA"},
		{701, "ZZ"},
		{702, "AAA"},
	}

	for _, tc := range cases {
		require.Equal(t, tc.suffix, FormatSlotSuffix(tc.index), "index %d", tc.index)

		back, err := ParseSlotSuffix(tc.suffix)
		require.NoError(t, err)
		require.Equal(t, tc.index, back, "suffix %s", tc.suffix)
	}

	_, err := ParseSlotSuffix("")
	require.Error(t, err)
	_, err = ParseSlotSuffix("a1")
	require.Error(t, err)
}

func TestSplitSlotID(t *testing.T) {
	ci.Parallel(t)

	server, suffix, err := SplitSlotID("game-7AB")
	require.NoError(t, err)
	require.Equal(t, "game-7", server)
	require.Equal(t, "AB", suffix)

	_, _, err = SplitSlotID("game-7")
	require.Error(t, err)

	_, _, err = SplitSlotID("ABC")
	require.Error(t, err)
}

func TestLogicalSlot_Capacity(t *testing.T) {
	ci.Parallel(t)

	slot := &LogicalSlot{
		ID: "game-1A", MaxPlayers: 8, OnlinePlayers: 3,
		Metadata: map[string]string{SlotMetaVariant: "Ranked", SlotMetaTeamMax: "4"},
	}

	require.Equal(t, 5, slot.RemainingCapacity(0))
	require.Equal(t, 2, slot.RemainingCapacity(3))
	require.Equal(t, 0, slot.RemainingCapacity(9))

	require.InDelta(t, 0.375, slot.FillRatio(0), 0.0001)
	require.InDelta(t, 0.75, slot.FillRatio(3), 0.0001)
	require.Equal(t, float64(1), slot.FillRatio(100))

	require.True(t, slot.MatchesVariant(""))
	require.True(t, slot.MatchesVariant("ranked"))
	require.False(t, slot.MatchesVariant("casual"))

	teamMax, ok := slot.MetaInt(SlotMetaTeamMax)
	require.True(t, ok)
	require.Equal(t, 4, teamMax)

	_, ok = slot.MetaInt(SlotMetaTeamCount)
	require.False(t, ok)
}

func TestSlotStatusUpdate_Slot(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()
	update := &SlotStatusUpdate{
		ServerID:      "game-1",
		SlotID:        "game-1A",
		SlotSuffix:    "A",
		Status:        SlotStatusAvailable,
		MaxPlayers:    8,
		OnlinePlayers: 2,
		GameType:      "Duel",
		Metadata:      map[string]string{SlotMetaFamily: "Duel"},
	}

	slot := update.Slot(now)
	require.Equal(t, "duel", slot.Family)
	require.Equal(t, "Duel", slot.GameType)
	require.Equal(t, now, slot.LastUpdated)

	// Family falls back to the game type when metadata omits it.
	update.Metadata = nil
	slot = update.Slot(now)
	require.Equal(t, "duel", slot.Family)
}
