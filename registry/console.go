// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// Console executes operator verbs submitted over the bus. Each command
// arrives on the shared console channel and is answered on the reply
// channel derived from its correlation id, so the CLI can block on
// exactly its own response.
type Console struct {
	logger    hclog.Logger
	fleet     *Fleet
	catalog   *EnvironmentCatalog
	intents   *IntentManager
	router    *PlayerRouter
	publisher Publisher
}

// NewConsole builds the console verb executor.
func NewConsole(logger hclog.Logger, fleet *Fleet, catalog *EnvironmentCatalog, intents *IntentManager, router *PlayerRouter, publisher Publisher) *Console {
	return &Console{
		logger:    logger.Named("console"),
		fleet:     fleet,
		catalog:   catalog,
		intents:   intents,
		router:    router,
		publisher: publisher,
	}
}

// Execute runs one command and publishes the reply. The correlation id
// names the reply channel; commands without one are executed but their
// result is dropped.
func (c *Console) Execute(ctx context.Context, cmd *structs.ConsoleCommand, correlationID string) error {
	body, err := c.run(ctx, cmd)

	reply := &structs.ConsoleReply{OK: err == nil, Body: body}
	if err != nil {
		reply.Error = err.Error()
		c.logger.Warn("console command failed", "command", cmd.Command, "error", err)
	} else {
		c.logger.Debug("console command executed", "command", cmd.Command)
	}

	if correlationID == "" {
		return nil
	}
	return c.publisher.PublishReply(ctx, structs.ConsoleReplyChannel(correlationID), structs.MsgConsoleReply, correlationID, reply)
}

func (c *Console) run(ctx context.Context, cmd *structs.ConsoleCommand) (json.RawMessage, error) {
	switch cmd.Command {
	case "environment.list":
		return c.environmentList(ctx)
	case "environment.show":
		return c.environmentShow(ctx, cmd.Args)
	case "environment.refresh":
		c.catalog.Refresh()
		return marshalBody(map[string]string{"status": "refreshed"})
	case "shutdown.create":
		return c.shutdownCreate(ctx, cmd.Args)
	case "shutdown.cancel":
		return c.shutdownCancel(ctx, cmd.Args)
	case "status":
		return c.status()
	default:
		return nil, fmt.Errorf("unknown console command %q", cmd.Command)
	}
}

func (c *Console) environmentList(ctx context.Context) (json.RawMessage, error) {
	families, err := c.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	return marshalBody(map[string]any{"environments": families})
}

func (c *Console) environmentShow(ctx context.Context, args map[string]string) (json.RawMessage, error) {
	family := args["family"]
	if family == "" {
		return nil, fmt.Errorf("environment.show requires a family argument")
	}
	env, ok, err := c.catalog.Environment(ctx, family)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no environment found for family %q", family)
	}
	return marshalBody(env)
}

func (c *Console) shutdownCreate(ctx context.Context, args map[string]string) (json.RawMessage, error) {
	targets, err := parseShutdownTargets(args["targets"])
	if err != nil {
		return nil, err
	}

	countdown := 60
	if raw := args["countdown"]; raw != "" {
		countdown, err = strconv.Atoi(raw)
		if err != nil || countdown < 0 {
			return nil, fmt.Errorf("invalid countdown %q", raw)
		}
	}
	force := false
	if raw := args["force"]; raw != "" {
		force, err = strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid force flag %q", raw)
		}
	}

	intent, err := c.intents.CreateIntent(ctx, targets, countdown, args["reason"], args["fallbackFamily"], force)
	if err != nil {
		return nil, err
	}
	return marshalBody(intent)
}

func (c *Console) shutdownCancel(ctx context.Context, args map[string]string) (json.RawMessage, error) {
	intentID := args["intentId"]
	if intentID == "" {
		return nil, fmt.Errorf("shutdown.cancel requires an intentId argument")
	}
	if err := c.intents.CancelIntent(ctx, intentID, args["operator"]); err != nil {
		return nil, err
	}
	return marshalBody(map[string]string{"intentId": intentID, "status": "cancelled"})
}

// consoleStatus is the body of the status verb.
type consoleStatus struct {
	Fleet   FleetStats  `json:"fleet"`
	Router  RouterStats `json:"router"`
	Intents IntentStats `json:"intents"`
}

func (c *Console) status() (json.RawMessage, error) {
	return marshalBody(&consoleStatus{
		Fleet:   c.fleet.Stats(),
		Router:  c.router.Stats(),
		Intents: c.intents.Stats(),
	})
}

// parseShutdownTargets parses "backend:srv-1,proxy:edge-2" into targets.
func parseShutdownTargets(raw string) ([]structs.ShutdownTarget, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("shutdown.create requires a targets argument")
	}
	var targets []structs.ShutdownTarget
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kind, id, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid target %q, expected type:id", part)
		}
		target := structs.ShutdownTarget{
			ServiceID: strings.TrimSpace(id),
			Type:      structs.ServiceType(strings.ToUpper(strings.TrimSpace(kind))),
		}
		if err := target.Validate(); err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, nil
}

func marshalBody(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}
