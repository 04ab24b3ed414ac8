// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"
	colorable "github.com/mattn/go-colorable"

	"github.com/fulcrumnet/fulcrum-registry/command"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

// Run executes the CLI with the given arguments and returns the exit
// code.
func Run(args []string) int {
	metaPtr := &command.Meta{
		Ui: &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      colorable.NewColorableStdout(),
			ErrorWriter: colorable.NewColorableStderr(),
		},
	}

	commands := command.Commands(metaPtr)
	commands["version"] = func() (cli.Command, error) {
		return &command.VersionCommand{
			Meta:    *metaPtr,
			Version: PrettyVersion(GetVersionParts()),
		}, nil
	}

	c := &cli.CLI{
		Name:                       "fulcrum-registry",
		Version:                    PrettyVersion(GetVersionParts()),
		Args:                       args,
		Commands:                   commands,
		Autocomplete:               true,
		AutocompleteNoDefaultFlags: true,
		HelpFunc:                   cli.BasicHelpFunc("fulcrum-registry"),
	}

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}

	return exitCode
}
