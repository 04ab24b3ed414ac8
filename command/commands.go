// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"os"

	"github.com/hashicorp/cli"
	colorable "github.com/mattn/go-colorable"
)

// NamedCommand is an interface to denote a command's name.
type NamedCommand interface {
	Name() string
}

// Commands returns the mapping of CLI commands. The meta parameter lets
// you set meta options for all commands.
func Commands(metaPtr *Meta) map[string]cli.CommandFactory {
	if metaPtr == nil {
		metaPtr = new(Meta)
	}

	meta := *metaPtr
	if meta.Ui == nil {
		meta.Ui = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      colorable.NewColorableStdout(),
			ErrorWriter: colorable.NewColorableStderr(),
		}
	}

	return map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &AgentCommand{
				Meta: meta,
			}, nil
		},
		"status": func() (cli.Command, error) {
			return &StatusCommand{
				Meta: meta,
			}, nil
		},
		"environment": func() (cli.Command, error) {
			return &EnvironmentCommand{
				Meta: meta,
			}, nil
		},
		"environment list": func() (cli.Command, error) {
			return &EnvironmentListCommand{
				Meta: meta,
			}, nil
		},
		"environment show": func() (cli.Command, error) {
			return &EnvironmentShowCommand{
				Meta: meta,
			}, nil
		},
		"environment refresh": func() (cli.Command, error) {
			return &EnvironmentRefreshCommand{
				Meta: meta,
			}, nil
		},
		"shutdown": func() (cli.Command, error) {
			return &ShutdownCommand{
				Meta: meta,
			}, nil
		},
		"shutdown create": func() (cli.Command, error) {
			return &ShutdownCreateCommand{
				Meta: meta,
			}, nil
		},
		"shutdown cancel": func() (cli.Command, error) {
			return &ShutdownCancelCommand{
				Meta: meta,
			}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{
				Meta: meta,
			}, nil
		},
	}
}
