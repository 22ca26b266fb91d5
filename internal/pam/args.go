// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pam

import (
	"strings"

	"github.com/jeranaias/touchid-sudo/internal/paths"
)

// Args are the module arguments from the PAM control line, e.g.
//
//	auth binding pam_touchid.so config=/etc/touchid-sudo/policy.toml debug
type Args struct {
	ConfigPath string
	Debug      bool

	// Unknown holds arguments the module did not recognise.
	Unknown []string
}

// ParseArgs parses module arguments. Unknown arguments are kept for logging
// and otherwise ignored.
func ParseArgs(args []string) Args {
	a := Args{ConfigPath: paths.Default().ConfigPath}
	for _, arg := range args {
		switch {
		case arg == "debug":
			a.Debug = true
		case strings.HasPrefix(arg, "config="):
			if v := strings.TrimPrefix(arg, "config="); v != "" {
				a.ConfigPath = v
			}
		default:
			a.Unknown = append(a.Unknown, arg)
		}
	}
	return a
}
