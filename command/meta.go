// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package command implements the fulcrum-registry CLI. The agent command
// runs the registry itself; every other command is a thin client that
// submits a console verb over the bus and waits for the correlated reply.
package command

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"
	"github.com/posener/complete"
	"github.com/redis/go-redis/v9"

	"github.com/fulcrumnet/fulcrum-registry/helper/uuid"
	"github.com/fulcrumnet/fulcrum-registry/registry/bus"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

const (
	// EnvRedisAddr overrides the default bus address.
	EnvRedisAddr = "FULCRUM_REDIS_ADDR"

	// DefaultRedisAddr is used when neither flag nor env var is set.
	DefaultRedisAddr = "127.0.0.1:6379"

	// consoleTimeout bounds how long a client command waits for the
	// registry's reply.
	consoleTimeout = 10 * time.Second
)

// FlagSetFlags selects which common flags a command's FlagSet carries.
type FlagSetFlags uint

const (
	FlagSetNone   FlagSetFlags = 0
	FlagSetClient FlagSetFlags = 1 << iota
	FlagSetDefault             = FlagSetClient
)

// Meta contains the options and helpers nearly every command inherits.
type Meta struct {
	Ui cli.Ui

	// These are set by the command line flags.
	redisAddr     string
	redisPassword string
}

// FlagSet returns a FlagSet with the common flags for the named command.
func (m *Meta) FlagSet(n string, fs FlagSetFlags) *flag.FlagSet {
	f := flag.NewFlagSet(n, flag.ContinueOnError)

	if fs&FlagSetClient != 0 {
		f.StringVar(&m.redisAddr, "redis", "", "")
		f.StringVar(&m.redisPassword, "redis-password", "", "")
	}

	f.SetOutput(&uiErrorWriter{ui: m.Ui})
	return f
}

// AutocompleteFlags returns the global flags any command accepts.
func (m *Meta) AutocompleteFlags(fs FlagSetFlags) complete.Flags {
	if fs&FlagSetClient == 0 {
		return nil
	}
	return complete.Flags{
		"-redis":          complete.PredictAnything,
		"-redis-password": complete.PredictAnything,
	}
}

// RedisAddr resolves the bus address from flag, environment, default.
func (m *Meta) RedisAddr() string {
	if m.redisAddr != "" {
		return m.redisAddr
	}
	if addr := os.Getenv(EnvRedisAddr); addr != "" {
		return addr
	}
	return DefaultRedisAddr
}

// redisClient opens a client against the resolved bus address.
func (m *Meta) redisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     m.RedisAddr(),
		Password: m.redisPassword,
	})
}

// ConsoleRequest submits one console verb to the registry and returns the
// decoded reply. The reply subscription is correlated, so concurrent
// operators do not see each other's responses.
func (m *Meta) ConsoleRequest(command string, args map[string]string) (*structs.ConsoleReply, error) {
	client := m.redisClient()
	defer client.Close()

	ctx := context.Background()
	transport := bus.NewRedisTransport(client, hclog.NewNullLogger())

	env, err := bus.NewEnvelope(structs.MsgConsoleCommand, "cli-"+uuid.Short(),
		&structs.ConsoleCommand{Command: command, Args: args})
	if err != nil {
		return nil, err
	}

	reply, err := bus.Request(ctx, transport,
		structs.ChanConsoleCommand,
		structs.ConsoleReplyChannel(env.CorrelationID),
		env, consoleTimeout)
	if err != nil {
		return nil, fmt.Errorf("no reply from registry at %s: %w", m.RedisAddr(), err)
	}

	var out structs.ConsoleReply
	if err := reply.Decode(structs.MsgConsoleReply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunConsole executes a verb, renders the reply body with render, and
// returns the command exit code.
func (m *Meta) RunConsole(command string, args map[string]string, render func(body json.RawMessage) error) int {
	reply, err := m.ConsoleRequest(command, args)
	if err != nil {
		m.Ui.Error(err.Error())
		return 1
	}
	if !reply.OK {
		m.Ui.Error(fmt.Sprintf("Error: %s", reply.Error))
		return 1
	}
	if render != nil {
		if err := render(reply.Body); err != nil {
			m.Ui.Error(fmt.Sprintf("Error rendering reply: %s", err))
			return 1
		}
	}
	return 0
}

// generalOptionsUsage is the shared help text for client flags.
func generalOptionsUsage() string {
	return `
  -redis=<addr>
    Address of the Redis bus shared with the registry. Overrides the
    ` + EnvRedisAddr + ` environment variable if set. Defaults to
    ` + DefaultRedisAddr + `.

  -redis-password=<password>
    Password for the Redis bus, if required.`
}

// uiErrorWriter adapts a cli.Ui to the io.Writer flag packages expect
// for their error output.
type uiErrorWriter struct {
	ui cli.Ui
}

func (w *uiErrorWriter) Write(p []byte) (int, error) {
	w.ui.Error(string(p))
	return len(p), nil
}
