// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"encoding/json"
	"time"
)

// Bus channel names. Channels suffixed with an id are built by the
// helpers below.
const (
	ChanSlotFamily       = "fulcrum.registry.slot.family"
	ChanSlotStatus       = "fulcrum.registry.slot.status"
	ChanPlayerRequest    = "fulcrum.registry.player.request"
	ChanPlayerRouteAck   = "fulcrum.registry.player.route.ack"
	ChanPartyCreated     = "fulcrum.party.reservation.created"
	ChanPartyClaimed     = "fulcrum.party.reservation.claimed"
	ChanRosterCreated    = "fulcrum.match.roster.created"
	ChanRosterEnded      = "fulcrum.match.roster.ended"
	ChanShutdownIntent   = "fulcrum.registry.shutdown.intent"
	ChanShutdownUpdate   = "fulcrum.registry.shutdown.update"
	ChanShutdownCancel   = "fulcrum.registry.shutdown.cancel"
	ChanServerRegister   = "fulcrum.registry.server.register"
	ChanServerDeregister = "fulcrum.registry.server.deregister"
	ChanServerAdded      = "fulcrum.registry.server.added"
	ChanServiceHeartbeat = "fulcrum.registry.service.heartbeat"
	ChanConsoleCommand   = "fulcrum.registry.console.command"

	chanProvisionPrefix    = "fulcrum.server.slot.provision."
	chanRoutePrefix        = "fulcrum.registry.player.route."
	chanConsoleReplyPrefix = "fulcrum.registry.console.reply."
)

// ProvisionChannel is the per-backend channel provision commands are sent
// on.
func ProvisionChannel(serverID string) string {
	return chanProvisionPrefix + serverID
}

// RouteChannel is the per-proxy channel route commands and disconnects are
// sent on.
func RouteChannel(proxyID string) string {
	return chanRoutePrefix + proxyID
}

// ConsoleReplyChannel is the per-request reply channel for console
// commands.
func ConsoleReplyChannel(correlationID string) string {
	return chanConsoleReplyPrefix + correlationID
}

// Message type discriminators carried in the envelope's type field.
const (
	MsgSlotFamilyAdvertisement = "SlotFamilyAdvertisement"
	MsgSlotStatusUpdate        = "SlotStatusUpdate"
	MsgSlotProvisionCommand    = "SlotProvisionCommand"
	MsgPlayerSlotRequest       = "PlayerSlotRequest"
	MsgPlayerRouteCommand      = "PlayerRouteCommand"
	MsgPlayerRouteAck          = "PlayerRouteAck"
	MsgPartyReservationCreated = "PartyReservationCreated"
	MsgPartyReservationClaimed = "PartyReservationClaimed"
	MsgMatchRosterCreated      = "MatchRosterCreated"
	MsgMatchRosterEnded        = "MatchRosterEnded"
	MsgShutdownIntent          = "ShutdownIntent"
	MsgShutdownIntentUpdate    = "ShutdownIntentUpdate"
	MsgShutdownCancellation    = "ShutdownCancellation"
	MsgServiceRegistration     = "ServiceRegistration"
	MsgServiceDeregistration   = "ServiceDeregistration"
	MsgServerAdded             = "ServerAdded"
	MsgServiceHeartbeat        = "ServiceHeartbeat"
	MsgConsoleCommand          = "ConsoleCommand"
	MsgConsoleReply            = "ConsoleReply"
)

// SlotFamilyAdvertisement declares a backend's per-family slot capacity.
// Sent on registration and whenever the backend's capacity table changes.
type SlotFamilyAdvertisement struct {
	ServerID   string         `json:"serverId"`
	Capacities map[string]int `json:"capacities"`
}

// SlotStatusUpdate reports a slot lifecycle or population change from the
// owning backend.
type SlotStatusUpdate struct {
	ServerID      string            `json:"serverId"`
	SlotID        string            `json:"slotId"`
	SlotSuffix    string            `json:"slotSuffix"`
	Status        SlotStatus        `json:"status"`
	MaxPlayers    int               `json:"maxPlayers"`
	OnlinePlayers int               `json:"onlinePlayers"`
	GameType      string            `json:"gameType,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Slot builds the registry-side slot record from the update.
func (u *SlotStatusUpdate) Slot(now time.Time) *LogicalSlot {
	family := u.Metadata[SlotMetaFamily]
	if family == "" {
		family = u.GameType
	}
	return &LogicalSlot{
		ID:            u.SlotID,
		ServerID:      u.ServerID,
		Suffix:        u.SlotSuffix,
		Family:        NormalizeFamily(family),
		GameType:      u.GameType,
		Status:        u.Status,
		MaxPlayers:    u.MaxPlayers,
		OnlinePlayers: u.OnlinePlayers,
		Metadata:      u.Metadata,
		LastUpdated:   now,
	}
}

// SlotProvisionCommand instructs a backend to create a slot of the given
// family.
type SlotProvisionCommand struct {
	ServerID  string            `json:"serverId"`
	Family    string            `json:"family"`
	Variant   string            `json:"variant,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	RequestID string            `json:"requestId"`
}

// PlayerSlotRequest asks the registry to place a player.
type PlayerSlotRequest struct {
	PlayerID        string            `json:"playerId"`
	PlayerName      string            `json:"playerName,omitempty"`
	Family          string            `json:"family"`
	Variant         string            `json:"variant,omitempty"`
	PreferredSlotID string            `json:"preferredSlotId,omitempty"`
	Rejoin          bool              `json:"rejoin,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// PlayerRouteCommand tells a proxy where to send a player. An empty
// SlotID with a Reason is a structured disconnect.
type PlayerRouteCommand struct {
	PlayerID         string `json:"playerId"`
	SlotID           string `json:"slotId,omitempty"`
	ReservationToken string `json:"reservationToken,omitempty"`
	PreReserved      bool   `json:"preReserved,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// Disconnect reports whether the command is a disconnect rather than a
// route.
func (c *PlayerRouteCommand) Disconnect() bool {
	return c.SlotID == ""
}

// PlayerRouteAck reports the outcome of a route command. Success false is
// a nack; the player is re-routed with the slot blocked.
type PlayerRouteAck struct {
	PlayerID      string `json:"playerId"`
	SlotID        string `json:"slotId"`
	ReservationID string `json:"reservationId,omitempty"`
	Success       bool   `json:"success"`
	Reason        string `json:"reason,omitempty"`
}

// PartyReservationCreated hands a party snapshot to the registry for
// placement.
type PartyReservationCreated struct {
	Snapshot *PartyReservationSnapshot `json:"snapshot"`
}

// PartyReservationClaimed is the backend-confirmed join result for one
// party member.
type PartyReservationClaimed struct {
	ReservationID string `json:"reservationId"`
	PlayerID      string `json:"playerId"`
	Success       bool   `json:"success"`
	Reason        string `json:"reason,omitempty"`
}

// MatchRosterCreated announces the players participating in a new match.
type MatchRosterCreated struct {
	SlotID  string   `json:"slotId"`
	MatchID string   `json:"matchId"`
	Players []string `json:"players"`
}

// MatchRosterEnded announces a finished match. MatchID may be empty when
// the backend lost track; the registry then ends whatever roster it holds
// for the slot.
type MatchRosterEnded struct {
	SlotID  string `json:"slotId"`
	MatchID string `json:"matchId,omitempty"`
}

// ShutdownIntentUpdate is a service's progress report against an intent.
type ShutdownIntentUpdate struct {
	IntentID  string        `json:"intentId"`
	ServiceID string        `json:"serviceId"`
	Phase     ShutdownPhase `json:"phase"`
	PlayerIDs []string      `json:"playerIds,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ShutdownCancellation withdraws an intent and restores its targets.
type ShutdownCancellation struct {
	IntentID string `json:"intentId"`
	Operator string `json:"operator,omitempty"`
}

// ServiceRegistration announces a backend or proxy joining the fleet.
type ServiceRegistration struct {
	ServiceID     string      `json:"serviceId"`
	ServiceType   ServiceType `json:"serviceType"`
	Address       string      `json:"address,omitempty"`
	SoftPlayerCap int         `json:"softPlayerCap,omitempty"`
	HardPlayerCap int         `json:"hardPlayerCap,omitempty"`
}

// ServiceDeregistration announces a clean exit.
type ServiceDeregistration struct {
	ServiceID string `json:"serviceId"`
	Reason    string `json:"reason,omitempty"`
}

// ServerAdded is broadcast on a service's first registration.
type ServerAdded struct {
	ServerID    string      `json:"serverId"`
	ServiceType ServiceType `json:"serviceType"`
	Address     string      `json:"address,omitempty"`
}

// ServiceHeartbeat is the periodic liveness report from backends and
// proxies.
type ServiceHeartbeat struct {
	ServiceID   string      `json:"serviceId"`
	ServiceType ServiceType `json:"serviceType"`
	PlayerCount int         `json:"playerCount"`
	Timestamp   time.Time   `json:"timestamp"`
}

// ConsoleCommand is an operator verb submitted over the bus; the reply is
// published on the correlation-id reply channel.
type ConsoleCommand struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

// ConsoleReply is the outcome of a console command. Body is
// verb-specific JSON.
type ConsoleReply struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}
