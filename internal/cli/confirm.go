// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"fmt"
	"strings"
)

// ConfirmationOptions says how a destructive action may be confirmed.
type ConfirmationOptions struct {
	// ConfirmFlag is set by --confirm (or --yes) and skips the prompt.
	ConfirmFlag bool

	// JSONMode forbids prompting; --confirm is then required.
	JSONMode bool
}

// Detail is one labelled line shown before a confirmation prompt.
type Detail struct {
	Label string
	Value string
}

// confirm asks before a privileged change:
//  1. --confirm proceeds without prompting
//  2. JSON mode without --confirm is an error
//  3. a non-terminal stdin without --confirm is an error
//  4. otherwise the user is prompted [y/N]
func (e *Env) confirm(action string, details []Detail, opts ConfirmationOptions) (bool, error) {
	if opts.ConfirmFlag {
		return true, nil
	}
	if opts.JSONMode {
		return false, &UsageError{Message: "confirmation required: use --confirm in JSON mode"}
	}
	if !e.Interactive {
		return false, &UsageError{Message: "confirmation required but stdin is not a terminal; use --confirm"}
	}

	if len(details) > 0 {
		fmt.Fprintln(e.Stdout)
		fmt.Fprintln(e.Stdout, WarningStyle.Render("This will change how sudo authenticates"))
		fmt.Fprintln(e.Stdout, RenderSeparator())
		for _, d := range details {
			fmt.Fprintf(e.Stdout, "  %s%s\n", RenderLabel(d.Label+":"), d.Value)
		}
	}
	fmt.Fprintln(e.Stdout)
	fmt.Fprintf(e.Stdout, "Are you sure you want to %s? [y/N]: ", action)

	input, err := bufio.NewReader(e.Stdin).ReadString('\n')
	if err != nil && input == "" {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	response := strings.ToLower(strings.TrimSpace(input))
	return response == "y" || response == "yes", nil
}

// showCancelled prints the standard cancellation line.
func (e *Env) showCancelled() {
	fmt.Fprintln(e.Stdout)
	fmt.Fprintln(e.Stdout, DimStyle.Render("Cancelled."))
}
