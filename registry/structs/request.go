// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"maps"
	"time"

	"github.com/hashicorp/go-set/v3"
)

// Request metadata keys recognized by the routing pipeline. Proxies pass
// these through from the party manager.
const (
	RequestMetaPartyReservation = "partyReservationId"
	RequestMetaPartyToken       = "partyTokenId"
)

// PlayerRequestContext is one single-player routing attempt. It is built
// from an inbound PlayerSlotRequest and mutated as the request moves
// through retries and queues; contexts are owned by the routing service
// and never shared across goroutines without copying.
type PlayerRequestContext struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`

	// ProxyID is the sender of the request and the target for the
	// eventual route command or disconnect.
	ProxyID string `json:"proxyId"`

	Family string `json:"family"`

	// Variant is the resolved variant, already normalized. Empty means
	// any variant is acceptable.
	Variant string `json:"variant,omitempty"`

	PreferredSlotID string            `json:"preferredSlotId,omitempty"`
	Rejoin          bool              `json:"rejoin,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	// ReservationID and PartyTokenID are extracted from metadata when the
	// request belongs to a party reservation.
	ReservationID string `json:"reservationId,omitempty"`
	PartyTokenID  string `json:"partyTokenId,omitempty"`

	CorrelationID string `json:"correlationId,omitempty"`

	CreatedAt      time.Time `json:"createdAt"`
	LastEnqueuedAt time.Time `json:"lastEnqueuedAt"`
	Retries        int       `json:"retries"`

	// BlockedSlotIDs accumulates slots this request must not land on:
	// recent-slot history plus any slot that nacked the player.
	BlockedSlotIDs *set.Set[string] `json:"blockedSlotIds,omitempty"`

	// CurrentSlotID is the player's active slot at request time, if any.
	CurrentSlotID string `json:"currentSlotId,omitempty"`
}

// NewPlayerRequestContext builds a context from an inbound request. The
// blocked set starts empty; the routing service resolves recent-slot
// blocks before the first selection pass.
func NewPlayerRequestContext(req *PlayerSlotRequest, proxyID, correlationID string, now time.Time) *PlayerRequestContext {
	ctx := &PlayerRequestContext{
		PlayerID:        req.PlayerID,
		PlayerName:      req.PlayerName,
		ProxyID:         proxyID,
		Family:          NormalizeFamily(req.Family),
		Variant:         NormalizeFamily(req.Variant),
		PreferredSlotID: req.PreferredSlotID,
		Rejoin:          req.Rejoin,
		Metadata:        maps.Clone(req.Metadata),
		CorrelationID:   correlationID,
		CreatedAt:       now,
		LastEnqueuedAt:  now,
		BlockedSlotIDs:  set.New[string](4),
	}
	if ctx.Metadata == nil {
		ctx.Metadata = make(map[string]string)
	}
	ctx.ReservationID = ctx.Metadata[RequestMetaPartyReservation]
	ctx.PartyTokenID = ctx.Metadata[RequestMetaPartyToken]
	return ctx
}

// Normalize repairs fields after JSON decoding: a missing blocked set
// becomes an empty one, ids are re-normalized.
func (c *PlayerRequestContext) Normalize() {
	if c.BlockedSlotIDs == nil {
		c.BlockedSlotIDs = set.New[string](4)
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Family = NormalizeFamily(c.Family)
	c.Variant = NormalizeFamily(c.Variant)
}

// Age returns how long the request has existed.
func (c *PlayerRequestContext) Age(now time.Time) time.Duration {
	return now.Sub(c.CreatedAt)
}

// Expired reports whether the request exceeded maxAge.
func (c *PlayerRequestContext) Expired(maxAge time.Duration, now time.Time) bool {
	return maxAge > 0 && c.Age(now) > maxAge
}

// BlockSlot adds a slot to the blocked set.
func (c *PlayerRequestContext) BlockSlot(slotID string) {
	c.BlockedSlotIDs.Insert(slotID)
}

// Blocked reports whether the slot is in the blocked set.
func (c *PlayerRequestContext) Blocked(slotID string) bool {
	return c.BlockedSlotIDs.Contains(slotID)
}

// Copy returns a deep copy of the context.
func (c *PlayerRequestContext) Copy() *PlayerRequestContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Metadata = maps.Clone(c.Metadata)
	out.BlockedSlotIDs = set.From(c.BlockedSlotIDs.Slice())
	return &out
}
