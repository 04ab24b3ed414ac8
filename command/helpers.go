// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashicorp/cli"
	"github.com/posener/complete"
)

// maxLineLength is the maximum width of any line in help output.
const maxLineLength = 78

// formatKV takes a set of strings with a pipe separating key and value
// and renders them as an aligned two column table.
func formatKV(in []string) string {
	width := 0
	rows := make([][2]string, 0, len(in))
	for _, line := range in {
		key, value, _ := strings.Cut(line, "|")
		if len(key) > width {
			width = len(key)
		}
		rows = append(rows, [2]string{key, value})
	}

	var buf bytes.Buffer
	for i, row := range rows {
		if i > 0 {
			buf.WriteByte('\n')
		}
		fmt.Fprintf(&buf, "%-*s = %s", width, row[0], row[1])
	}
	return buf.String()
}

// outputJSON pretty-prints a raw JSON body to the Ui.
func outputJSON(ui cli.Ui, body json.RawMessage) error {
	var indented bytes.Buffer
	if err := json.Indent(&indented, body, "", "    "); err != nil {
		return err
	}
	ui.Output(indented.String())
	return nil
}

// mergeAutocompleteFlags is used to join multiple flag completion sets.
func mergeAutocompleteFlags(flags ...complete.Flags) complete.Flags {
	merged := make(complete.Flags, len(flags))
	for _, f := range flags {
		for k, v := range f {
			merged[k] = v
		}
	}
	return merged
}

// commandErrorText is used to easily render the same messaging across
// commands when an error is printed to the user.
func commandErrorText(cmd NamedCommand) string {
	return fmt.Sprintf("For additional help try 'fulcrum-registry %s -help'", cmd.Name())
}

// wrapAtLength wraps the given text at the maxLineLength, taking into
// account any provided left padding.
func wrapAtLength(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		for len(line) > maxLineLength {
			cut := strings.LastIndex(line[:maxLineLength], " ")
			if cut <= 0 {
				break
			}
			out = append(out, line[:cut])
			line = line[cut+1:]
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
