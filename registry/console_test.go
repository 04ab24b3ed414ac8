// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fulcrumnet/fulcrum-registry/ci"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// runConsole executes a verb and returns the captured reply.
func (c *testComponents) runConsole(t *testing.T, command string, args map[string]string) *structs.ConsoleReply {
	t.Helper()
	cmd := &structs.ConsoleCommand{Command: command, Args: args}
	require.NoError(t, c.console.Execute(context.Background(), cmd, "corr-1"))

	replies := c.pub.ofType(structs.MsgConsoleReply)
	require.NotEmpty(t, replies)
	last := replies[len(replies)-1]
	require.Equal(t, structs.ConsoleReplyChannel("corr-1"), last.Channel)
	require.Equal(t, "corr-1", last.Correlation)
	return last.Payload.(*structs.ConsoleReply)
}

func TestConsole_Status(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)

	c.addBackend(t, "game-1", map[string]int{"duel": 2})
	c.addProxy(t, "edge-1")
	c.addSlot(t, "game-1", "A", "duel", 8)

	reply := c.runConsole(t, "status", nil)
	require.True(t, reply.OK)

	var status consoleStatus
	require.NoError(t, json.Unmarshal(reply.Body, &status))
	require.Equal(t, 1, status.Fleet.Backends)
	require.Equal(t, 1, status.Fleet.Proxies)
	require.Equal(t, 1, status.Fleet.Slots)
}

func TestConsole_EnvironmentVerbs(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)

	c.putEnvironment(t, &structs.EnvironmentDescriptor{ID: "duel", MaxPlayers: 8})

	reply := c.runConsole(t, "environment.list", nil)
	require.True(t, reply.OK)
	var listed struct {
		Environments []string `json:"environments"`
	}
	require.NoError(t, json.Unmarshal(reply.Body, &listed))
	require.Equal(t, []string{"duel"}, listed.Environments)

	reply = c.runConsole(t, "environment.show", map[string]string{"family": "duel"})
	require.True(t, reply.OK)
	var desc structs.EnvironmentDescriptor
	require.NoError(t, json.Unmarshal(reply.Body, &desc))
	require.Equal(t, 8, desc.MaxPlayers)

	reply = c.runConsole(t, "environment.show", map[string]string{"family": "ghost"})
	require.False(t, reply.OK)
	require.Contains(t, reply.Error, "ghost")

	reply = c.runConsole(t, "environment.show", nil)
	require.False(t, reply.OK)

	reply = c.runConsole(t, "environment.refresh", nil)
	require.True(t, reply.OK)
}

func TestConsole_ShutdownVerbs(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)

	backend := c.addBackend(t, "game-1", map[string]int{"duel": 2})

	reply := c.runConsole(t, "shutdown.create", map[string]string{
		"targets":        "backend:game-1",
		"countdown":      "30",
		"force":          "true",
		"fallbackFamily": "lobby",
		"reason":         "maintenance",
	})
	require.True(t, reply.OK)

	var intent structs.ShutdownIntent
	require.NoError(t, json.Unmarshal(reply.Body, &intent))
	require.NotEmpty(t, intent.ID)
	require.True(t, intent.Force)
	require.Equal(t, structs.ServerStatusEvacuating, backend.Status())

	reply = c.runConsole(t, "shutdown.cancel", map[string]string{
		"intentId": intent.ID,
		"operator": "ops",
	})
	require.True(t, reply.OK)
	require.Equal(t, structs.ServerStatusAvailable, backend.Status())

	// Second cancel: the intent no longer exists.
	reply = c.runConsole(t, "shutdown.cancel", map[string]string{"intentId": intent.ID})
	require.False(t, reply.OK)
}

func TestConsole_ShutdownCreateValidation(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)

	reply := c.runConsole(t, "shutdown.create", nil)
	require.False(t, reply.OK)
	require.Contains(t, reply.Error, "targets")

	reply = c.runConsole(t, "shutdown.create", map[string]string{"targets": "game-1"})
	require.False(t, reply.OK)
	require.Contains(t, reply.Error, "type:id")

	reply = c.runConsole(t, "shutdown.create", map[string]string{
		"targets":   "backend:game-1",
		"countdown": "soon",
	})
	require.False(t, reply.OK)
}

func TestConsole_UnknownCommand(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)

	reply := c.runConsole(t, "fleet.explode", nil)
	require.False(t, reply.OK)
	require.Contains(t, reply.Error, "unknown console command")
}

func TestConsole_NoCorrelationDropsReply(t *testing.T) {
	ci.Parallel(t)
	c := newTestComponents(t)

	cmd := &structs.ConsoleCommand{Command: "status"}
	require.NoError(t, c.console.Execute(context.Background(), cmd, ""))
	require.Empty(t, c.pub.ofType(structs.MsgConsoleReply))
}
