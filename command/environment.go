// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashicorp/cli"
	"github.com/posener/complete"
)

// EnvironmentCommand groups the environment subcommands.
type EnvironmentCommand struct {
	Meta
}

func (c *EnvironmentCommand) Help() string {
	helpText := `
Usage: fulcrum-registry environment <subcommand> [options] [args]

  This command groups subcommands for inspecting the environment
  catalog: the durable descriptors that define each slot family's
  player bounds, capacity cost and settings.

  List the known environments:

      $ fulcrum-registry environment list

  Show one environment:

      $ fulcrum-registry environment show <family>

  Drop the registry's descriptor cache after editing documents:

      $ fulcrum-registry environment refresh

  Please see the individual subcommand help for detailed usage.
`
	return strings.TrimSpace(helpText)
}

func (c *EnvironmentCommand) Synopsis() string {
	return "Inspect the environment catalog"
}

func (c *EnvironmentCommand) Name() string { return "environment" }

func (c *EnvironmentCommand) Run(_ []string) int {
	return cli.RunResultHelp
}

// EnvironmentListCommand lists every environment id.
type EnvironmentListCommand struct {
	Meta
}

func (c *EnvironmentListCommand) Help() string {
	helpText := `
Usage: fulcrum-registry environment list [options]

  List the families with a stored environment descriptor.

General Options:
` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *EnvironmentListCommand) Synopsis() string {
	return "List environment descriptors"
}

func (c *EnvironmentListCommand) Name() string { return "environment list" }

func (c *EnvironmentListCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *EnvironmentListCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *EnvironmentListCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) > 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	return c.RunConsole("environment.list", nil, func(body json.RawMessage) error {
		var listed struct {
			Environments []string `json:"environments"`
		}
		if err := json.Unmarshal(body, &listed); err != nil {
			return err
		}
		if len(listed.Environments) == 0 {
			c.Ui.Output("No environment descriptors found")
			return nil
		}
		for _, id := range listed.Environments {
			c.Ui.Output(id)
		}
		return nil
	})
}

// EnvironmentShowCommand prints one descriptor.
type EnvironmentShowCommand struct {
	Meta

	json bool
}

func (c *EnvironmentShowCommand) Help() string {
	helpText := `
Usage: fulcrum-registry environment show [options] <family>

  Show the environment descriptor for one slot family.

General Options:
` + generalOptionsUsage() + `

Show Options:

  -json
    Output the descriptor in JSON format.
`
	return strings.TrimSpace(helpText)
}

func (c *EnvironmentShowCommand) Synopsis() string {
	return "Show one environment descriptor"
}

func (c *EnvironmentShowCommand) Name() string { return "environment show" }

func (c *EnvironmentShowCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-json": complete.PredictNothing,
		})
}

func (c *EnvironmentShowCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictAnything
}

func (c *EnvironmentShowCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&c.json, "json", false, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) != 1 {
		c.Ui.Error("This command takes one argument: <family>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	family := flags.Args()[0]

	return c.RunConsole("environment.show", map[string]string{"family": family},
		func(body json.RawMessage) error {
			if c.json {
				return outputJSON(c.Ui, body)
			}

			var desc struct {
				ID           string   `json:"id"`
				Tag          string   `json:"tag"`
				Modules      []string `json:"modules"`
				Description  string   `json:"description"`
				MinPlayers   int      `json:"minPlayers"`
				MaxPlayers   int      `json:"maxPlayers"`
				PlayerFactor float64  `json:"playerFactor"`
			}
			if err := json.Unmarshal(body, &desc); err != nil {
				return err
			}

			c.Ui.Output(formatKV([]string{
				fmt.Sprintf("ID|%s", desc.ID),
				fmt.Sprintf("Tag|%s", desc.Tag),
				fmt.Sprintf("Description|%s", desc.Description),
				fmt.Sprintf("Modules|%s", strings.Join(desc.Modules, ",")),
				fmt.Sprintf("Min Players|%d", desc.MinPlayers),
				fmt.Sprintf("Max Players|%d", desc.MaxPlayers),
				fmt.Sprintf("Player Factor|%g", desc.PlayerFactor),
			}))
			return nil
		})
}

// EnvironmentRefreshCommand purges the registry's descriptor cache.
type EnvironmentRefreshCommand struct {
	Meta
}

func (c *EnvironmentRefreshCommand) Help() string {
	helpText := `
Usage: fulcrum-registry environment refresh [options]

  Drop the registry's environment descriptor cache so the next lookups
  re-read the stored documents. Run this after editing descriptors.

General Options:
` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *EnvironmentRefreshCommand) Synopsis() string {
	return "Drop the registry's environment cache"
}

func (c *EnvironmentRefreshCommand) Name() string { return "environment refresh" }

func (c *EnvironmentRefreshCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *EnvironmentRefreshCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *EnvironmentRefreshCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}

	return c.RunConsole("environment.refresh", nil, func(json.RawMessage) error {
		c.Ui.Output("Environment cache refreshed")
		return nil
	})
}
