// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// SlotStatus is the lifecycle status of a logical slot. Transitions are
// driven by backend-emitted status updates; the registry only forces
// CLOSED when the owning backend disappears.
type SlotStatus string

const (
	SlotStatusProvisioning SlotStatus = "PROVISIONING"
	SlotStatusAvailable    SlotStatus = "AVAILABLE"
	SlotStatusFull         SlotStatus = "FULL"
	SlotStatusClosed       SlotStatus = "CLOSED"
)

// Valid reports whether the status is one of the known values.
func (s SlotStatus) Valid() bool {
	switch s {
	case SlotStatusProvisioning, SlotStatusAvailable, SlotStatusFull, SlotStatusClosed:
		return true
	}
	return false
}

// Well-known slot metadata keys. Metadata is a free-form string map owned
// by the backend; the registry reads these keys during routing decisions.
const (
	SlotMetaFamily           = "family"
	SlotMetaEnvironment      = "environment"
	SlotMetaVariant          = "variant"
	SlotMetaTeamCount        = "team.count"
	SlotMetaTeamMax          = "team.max"
	SlotMetaFamilyMinPlayers = "familyMinPlayers"
	SlotMetaFamilyMaxPlayers = "familyMaxPlayers"
	SlotMetaPartyReservation = "partyReservationId"
	SlotMetaPartySize        = "partySize"
)

// LogicalSlot is a running game instance on a backend. The slot id is the
// backend id concatenated with a per-(backend,family) base-26 suffix the
// backend mints when it creates the instance.
type LogicalSlot struct {
	ID       string
	ServerID string
	Suffix   string

	Family   string
	GameType string
	Status   SlotStatus

	MaxPlayers    int
	OnlinePlayers int

	Metadata map[string]string

	LastUpdated time.Time
}

// Copy returns a deep copy of the slot.
func (s *LogicalSlot) Copy() *LogicalSlot {
	if s == nil {
		return nil
	}
	out := *s
	out.Metadata = maps.Clone(s.Metadata)
	return &out
}

// Meta returns the metadata value for key and whether it was present.
func (s *LogicalSlot) Meta(key string) (string, bool) {
	v, ok := s.Metadata[key]
	return v, ok
}

// MetaInt parses the metadata value for key as an integer; ok is false
// when the key is absent or unparsable.
func (s *LogicalSlot) MetaInt(key string) (int, bool) {
	v, present := s.Metadata[key]
	if !present {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Variant returns the slot's variant metadata, normalized.
func (s *LogicalSlot) Variant() string {
	return NormalizeFamily(s.Metadata[SlotMetaVariant])
}

// MatchesFamily compares the slot's family case-insensitively.
func (s *LogicalSlot) MatchesFamily(family string) bool {
	return NormalizeFamily(s.Family) == NormalizeFamily(family)
}

// MatchesVariant reports whether the slot satisfies a requested variant:
// an empty request matches any slot, otherwise the slot's variant metadata
// must match case-insensitively.
func (s *LogicalSlot) MatchesVariant(variant string) bool {
	if variant == "" {
		return true
	}
	return s.Variant() == NormalizeFamily(variant)
}

// RemainingCapacity computes the seats left on the slot given the store's
// pending-occupancy counter, clamped at zero.
func (s *LogicalSlot) RemainingCapacity(storeOccupancy int) int {
	remaining := s.MaxPlayers - s.OnlinePlayers - storeOccupancy
	if remaining < 0 {
		return 0
	}
	return remaining
}

// FillRatio is (online + pending) / max, used to pack players into the
// fullest eligible slot first. A slot with no capacity reports 1.
func (s *LogicalSlot) FillRatio(storeOccupancy int) float64 {
	if s.MaxPlayers <= 0 {
		return 1
	}
	ratio := float64(s.OnlinePlayers+storeOccupancy) / float64(s.MaxPlayers)
	if ratio > 1 {
		return 1
	}
	return ratio
}

// FormatSlotSuffix renders a zero-based slot index as the base-26 suffix
// sequence A, B, ... Z, AA, AB, ...
func FormatSlotSuffix(index int) string {
	if index < 0 {
		return ""
	}
	var b []byte
	for {
		b = append([]byte{byte('A' + index%26)}, b...)
		index = index/26 - 1
		if index < 0 {
			break
		}
	}
	return string(b)
}

// ParseSlotSuffix inverts FormatSlotSuffix, returning an error for
// anything but upper-case A-Z.
func ParseSlotSuffix(suffix string) (int, error) {
	if suffix == "" {
		return 0, fmt.Errorf("empty slot suffix")
	}
	index := 0
	for _, r := range suffix {
		if r < 'A' || r > 'Z' {
			return 0, fmt.Errorf("invalid slot suffix %q", suffix)
		}
		index = index*26 + int(r-'A') + 1
	}
	return index - 1, nil
}

// SplitSlotID splits a slot id into its server id and suffix using the
// trailing run of upper-case letters. Returns an error when no suffix is
// present.
func SplitSlotID(slotID string) (serverID, suffix string, err error) {
	i := len(slotID)
	for i > 0 {
		r := slotID[i-1]
		if r < 'A' || r > 'Z' {
			break
		}
		i--
	}
	if i == len(slotID) || i == 0 {
		return "", "", fmt.Errorf("slot id %q has no server/suffix split", slotID)
	}
	return slotID[:i], slotID[i:], nil
}
