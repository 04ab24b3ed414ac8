// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package store

// Key layout. Everything the registry owns lives under fulcrum:registry;
// the fulcrum:party namespace belongs to the party manager and is never
// written here.
const (
	keyPrefix = "fulcrum:registry:"

	keyServersPrefix    = keyPrefix + "servers:"
	keySlotsPrefix      = keyPrefix + "slots:"
	keySlotsByFamily    = keyPrefix + "slots:by-family:"
	keyOccupancyPrefix  = keyPrefix + "route:occupancy:"
	keyActivePrefix     = keyPrefix + "route:active:"
	keySlotPlayersPref  = keyPrefix + "route:slot-players:"
	keyRecentPrefix     = keyPrefix + "route:recent:"
	keyRecentIndex      = keyPrefix + "route:recent-index"
	keyRosterPrefix     = keyPrefix + "route:roster:"
	keyPartyQueuePrefix = keyPrefix + "route:party:queue:"
	keyPartyAllocPrefix = keyPrefix + "route:party:alloc:"
	keyPartyAllocIndex  = keyPrefix + "route:party:allocs"
	keyPendingPrefix    = keyPrefix + "route:party:pending:"
	keyExpiry           = keyPrefix + "route:expiry"
)

func familyCapacityKey(serverID string) string {
	return keyServersPrefix + serverID + ":family-capacity"
}

func familyTotalKey(serverID string) string {
	return keyServersPrefix + serverID + ":family-total"
}

func serverFamiliesKey(serverID string) string {
	return keyServersPrefix + serverID + ":families"
}

func slotsByFamilyKey(family string) string {
	return keySlotsByFamily + family
}

func slotKey(slotID string) string {
	return keySlotsPrefix + slotID
}

func occupancyKey(slotID string) string {
	return keyOccupancyPrefix + slotID
}

func activeSlotKey(playerID string) string {
	return keyActivePrefix + playerID
}

func slotPlayersKey(slotID string) string {
	return keySlotPlayersPref + slotID
}

func recentSlotsKey(playerID string) string {
	return keyRecentPrefix + playerID
}

func rosterKey(slotID string) string {
	return keyRosterPrefix + slotID
}

func partyQueueKey(family string) string {
	return keyPartyQueuePrefix + family
}

func partyAllocKey(reservationID string) string {
	return keyPartyAllocPrefix + reservationID
}

func pendingPlayersKey(reservationID string) string {
	return keyPendingPrefix + reservationID
}
