// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package mock provides prebuilt fixtures for registry tests.
package mock

import (
	"time"

	"github.com/fulcrumnet/fulcrum-registry/helper/uuid"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// Backend returns a registered backend with capacity for the duel family.
func Backend() *structs.Backend {
	b := structs.NewBackend("backend-"+uuid.Short(), "10.0.0.1:25565", 80, 100, time.Now())
	b.SetStatus(structs.ServerStatusAvailable)
	b.DeclareFamilies(map[string]int{"duel": 4})
	return b
}

// Proxy returns a registered proxy.
func Proxy() *structs.Proxy {
	p := structs.NewProxy("proxy-"+uuid.Short(), time.Now())
	p.SetStatus(structs.ServerStatusAvailable)
	return p
}

// Slot returns an available slot on the given backend.
func Slot(serverID, family string) *structs.LogicalSlot {
	return &structs.LogicalSlot{
		ID:         serverID + "A",
		ServerID:   serverID,
		Suffix:     "A",
		Family:     structs.NormalizeFamily(family),
		GameType:   family,
		Status:     structs.SlotStatusAvailable,
		MaxPlayers: 8,
		Metadata: map[string]string{
			structs.SlotMetaFamily: family,
		},
		LastUpdated: time.Now(),
	}
}

// Registration returns a backend registration message.
func Registration() *structs.ServiceRegistration {
	return &structs.ServiceRegistration{
		ServiceID:     "backend-" + uuid.Short(),
		ServiceType:   structs.ServiceTypeBackend,
		Address:       "10.0.0.1:25565",
		SoftPlayerCap: 80,
		HardPlayerCap: 100,
	}
}

// ProxyRegistration returns a proxy registration message.
func ProxyRegistration() *structs.ServiceRegistration {
	return &structs.ServiceRegistration{
		ServiceID:   "proxy-" + uuid.Short(),
		ServiceType: structs.ServiceTypeProxy,
		Address:     "10.0.0.2:25577",
	}
}

// PlayerRequest returns a solo slot request for the duel family.
func PlayerRequest() *structs.PlayerSlotRequest {
	return &structs.PlayerSlotRequest{
		PlayerID:   "player-" + uuid.Short(),
		PlayerName: "Steve",
		Family:     "duel",
	}
}

// Reservation returns a three-player party reservation for the duel
// family, with one token per player.
func Reservation() *structs.PartyReservationSnapshot {
	id := uuid.Short()
	return &structs.PartyReservationSnapshot{
		ReservationID: "resv-" + id,
		Family:        "duel",
		PartySize:     3,
		Tokens: map[string]string{
			"player-" + id + "-1": "token-" + id + "-1",
			"player-" + id + "-2": "token-" + id + "-2",
			"player-" + id + "-3": "token-" + id + "-3",
		},
		AssignedTeamIndex: -1,
		CreatedAt:         time.Now(),
	}
}

// Environment returns an environment descriptor for the duel family.
func Environment() *structs.EnvironmentDescriptor {
	return &structs.EnvironmentDescriptor{
		ID:           "duel",
		Tag:          "duel",
		Modules:      []string{"arena", "kits"},
		Description:  "1v1 arena duels",
		MinPlayers:   2,
		MaxPlayers:   8,
		PlayerFactor: 1.0,
		Settings:     map[string]string{"map": "classic"},
	}
}
