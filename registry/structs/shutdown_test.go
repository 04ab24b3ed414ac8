// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"
	"time"

	"github.com/fulcrumnet/fulcrum-registry/ci"
	"github.com/stretchr/testify/require"
)

func TestShutdownIntent_TicketDeadline(t *testing.T) {
	ci.Parallel(t)

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	intent := &ShutdownIntent{
		ID:               "intent-1",
		Targets:          []ShutdownTarget{{ServiceID: "game-1", Type: ServiceTypeBackend}},
		CountdownSeconds: 30,
		CreatedAt:        created,
	}

	deadline := intent.TicketDeadline(10*time.Second, 5*time.Second)
	require.Equal(t, created.Add(45*time.Second), deadline)
}

func TestShutdownIntent_Covers(t *testing.T) {
	ci.Parallel(t)

	intent := &ShutdownIntent{
		Targets: []ShutdownTarget{
			{ServiceID: "game-1", Type: ServiceTypeBackend},
			{ServiceID: "proxy-1", Type: ServiceTypeProxy},
		},
	}

	require.True(t, intent.Covers("game-1"))
	require.True(t, intent.Covers("proxy-1"))
	require.False(t, intent.Covers("game-2"))
}

func TestShutdownTicket_Expired(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()
	ticket := &ShutdownTicket{PlayerID: "p1", ExpiresAt: now.Add(time.Minute)}

	require.False(t, ticket.Expired(now))
	require.True(t, ticket.Expired(now.Add(2*time.Minute)))
}

func TestShutdownTarget_Validate(t *testing.T) {
	ci.Parallel(t)

	require.NoError(t, ShutdownTarget{ServiceID: "game-1", Type: ServiceTypeBackend}.Validate())
	require.Error(t, ShutdownTarget{Type: ServiceTypeBackend}.Validate())
	require.Error(t, ShutdownTarget{ServiceID: "game-1", Type: "ROUTER"}.Validate())
}
