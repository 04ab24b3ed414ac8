// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"
)

// ShutdownPhase is the per-service progress of a shutdown intent as
// reported by the service itself.
type ShutdownPhase string

const (
	// ShutdownPhaseEvacuate means the service is moving its players off.
	ShutdownPhaseEvacuate ShutdownPhase = "EVACUATE"

	// ShutdownPhaseShutdown means the service has finished evacuating and
	// is about to exit.
	ShutdownPhaseShutdown ShutdownPhase = "SHUTDOWN"
)

// ShutdownTarget names one service covered by an intent.
type ShutdownTarget struct {
	ServiceID string      `json:"serviceId"`
	Type      ServiceType `json:"type"`
}

// Validate checks the target fields.
func (t ShutdownTarget) Validate() error {
	if t.ServiceID == "" {
		return fmt.Errorf("shutdown target missing service id")
	}
	return t.Type.Validate()
}

// ShutdownTicket lets one evacuated player bypass normal routing rules:
// the player is retargeted to FallbackFamily, and Force additionally
// bypasses blocked-slot checks. Tickets are one-shot and expire.
type ShutdownTicket struct {
	PlayerID       string    `json:"playerId"`
	ServiceID      string    `json:"serviceId"`
	IntentID       string    `json:"intentId"`
	FallbackFamily string    `json:"fallbackFamily"`
	Force          bool      `json:"force"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Expired reports whether the ticket is past its deadline.
func (t *ShutdownTicket) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ShutdownIntent is a countdown-bounded instruction to evacuate and stop
// one or more services. The wire form is broadcast once; the manager
// keeps the runtime state (phases, tickets) in memory.
type ShutdownIntent struct {
	ID               string           `json:"id"`
	Targets          []ShutdownTarget `json:"targets"`
	CountdownSeconds int              `json:"countdownSeconds"`
	Reason           string           `json:"reason,omitempty"`

	// FallbackFamily is the family evacuated players are retargeted to.
	FallbackFamily string `json:"fallbackFamily,omitempty"`

	// Force lets tickets minted under this intent bypass blocked-slot
	// checks.
	Force bool `json:"force"`

	CreatedAt time.Time `json:"createdAt"`
}

// Countdown returns the countdown as a duration.
func (i *ShutdownIntent) Countdown() time.Duration {
	return time.Duration(i.CountdownSeconds) * time.Second
}

// TicketDeadline computes when tickets minted under this intent stop
// being honored: the countdown plus the eviction and ticket grace
// buffers.
func (i *ShutdownIntent) TicketDeadline(evictBuffer, ticketBuffer time.Duration) time.Time {
	return i.CreatedAt.Add(i.Countdown() + evictBuffer + ticketBuffer)
}

// Covers reports whether the intent targets the given service.
func (i *ShutdownIntent) Covers(serviceID string) bool {
	for _, t := range i.Targets {
		if t.ServiceID == serviceID {
			return true
		}
	}
	return false
}

// Copy returns a deep copy of the intent.
func (i *ShutdownIntent) Copy() *ShutdownIntent {
	if i == nil {
		return nil
	}
	out := *i
	out.Targets = append([]ShutdownTarget(nil), i.Targets...)
	return &out
}
