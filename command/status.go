// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/posener/complete"
)

type StatusCommand struct {
	Meta

	json bool
}

func (c *StatusCommand) Help() string {
	helpText := `
Usage: fulcrum-registry status [options]

  Display a summary of the running registry: registered backends and
  proxies, live slots, queued player requests and active shutdown
  intents.

General Options:
` + generalOptionsUsage() + `

Status Options:

  -json
    Output the raw status reply in JSON format.
`
	return strings.TrimSpace(helpText)
}

func (c *StatusCommand) Synopsis() string {
	return "Display registry fleet and routing status"
}

func (c *StatusCommand) Name() string { return "status" }

func (c *StatusCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-json": complete.PredictNothing,
		})
}

func (c *StatusCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *StatusCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&c.json, "json", false, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) > 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	return c.RunConsole("status", nil, func(body json.RawMessage) error {
		if c.json {
			return outputJSON(c.Ui, body)
		}

		var status struct {
			Fleet struct {
				Backends int `json:"Backends"`
				Proxies  int `json:"Proxies"`
				Slots    int `json:"Slots"`
			} `json:"fleet"`
			Router struct {
				QueuedRequests int `json:"QueuedRequests"`
				Families       int `json:"Families"`
				Inflight       int `json:"Inflight"`
			} `json:"router"`
			Intents struct {
				Intents int `json:"Intents"`
				Tickets int `json:"Tickets"`
			} `json:"intents"`
		}
		if err := json.Unmarshal(body, &status); err != nil {
			return err
		}

		c.Ui.Output(formatKV([]string{
			fmt.Sprintf("Backends|%d", status.Fleet.Backends),
			fmt.Sprintf("Proxies|%d", status.Fleet.Proxies),
			fmt.Sprintf("Slots|%d", status.Fleet.Slots),
			fmt.Sprintf("Queued Requests|%d", status.Router.QueuedRequests),
			fmt.Sprintf("Starved Families|%d", status.Router.Families),
			fmt.Sprintf("Inflight Routes|%d", status.Router.Inflight),
			fmt.Sprintf("Shutdown Intents|%d", status.Intents.Intents),
			fmt.Sprintf("Shutdown Tickets|%d", status.Intents.Tickets),
		}))
		return nil
	})
}
