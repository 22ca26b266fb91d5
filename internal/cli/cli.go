// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/touchid-sudo/internal/logger"
	"github.com/jeranaias/touchid-sudo/internal/paths"
	"github.com/jeranaias/touchid-sudo/internal/util"
)

// Version information (set at build time).
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command identifies a touchid-sudo subcommand.
type Command int

const (
	CmdHelp Command = iota
	CmdConfigure
	CmdStatus
	CmdUninstall
	CmdReset
	CmdVersion
	CmdUnknown
)

func (c Command) String() string {
	switch c {
	case CmdConfigure:
		return "configure"
	case CmdStatus:
		return "status"
	case CmdUninstall:
		return "uninstall"
	case CmdReset:
		return "reset"
	case CmdVersion:
		return "version"
	case CmdHelp:
		return "help"
	default:
		return "unknown"
	}
}

// aliases maps installed helper names to the subcommand they run.
var aliases = map[string]Command{
	"touchid-configure": CmdConfigure,
	"touchid-status":    CmdStatus,
	"touchid-uninstall": CmdUninstall,
}

const usageText = `touchid-sudo - Touch ID for sudo

Usage:
  touchid-sudo <command> [flags]

Commands:
  configure   Write the policy and register the PAM module (root)
  status      Show policy, registration, lockouts and recent decisions
  uninstall   Remove the PAM registration, state and policy (root)
  reset       Clear a user's failure counter and lockout (root)
  version     Print version information

The binary can also be invoked as touchid-configure, touchid-status or
touchid-uninstall.

Global flags:
  --json      Machine-readable output
  --debug     Debug logging to stderr

Locations can be overridden with TOUCHID_SUDO_CONFIG, TOUCHID_SUDO_STATE_DIR,
TOUCHID_SUDO_AUDIT_LOG, TOUCHID_SUDO_PAM_FILE, TOUCHID_SUDO_MODULE_PATH and
TOUCHID_SUDO_PAM_DIALECT (linux-pam or openpam).
`

// =============================================================================
// ENVIRONMENT
// =============================================================================

// Env is everything a command touches outside its arguments.
type Env struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader

	Locations paths.Locations

	// OwnerUID is the uid privileged files must belong to (root).
	OwnerUID int

	// Geteuid reports the effective uid for root checks.
	Geteuid func() int

	// Interactive is true when Stdin is a terminal.
	Interactive bool

	Now func() time.Time
	Log *slog.Logger
}

// DefaultEnv returns the process environment with locations read from
// TOUCHID_SUDO_* variables.
func DefaultEnv() (*Env, error) {
	loc, err := paths.FromEnv()
	if err != nil {
		return nil, &UsageError{Message: fmt.Sprintf("invalid environment: %v", err)}
	}
	return &Env{
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		Stdin:       os.Stdin,
		Locations:   loc,
		OwnerUID:    util.RootUID,
		Geteuid:     os.Geteuid,
		Interactive: IsTTY(),
		Now:         time.Now,
		Log:         logger.Stderr(false),
	}, nil
}

// requireRoot refuses privileged commands for non-root callers.
func (e *Env) requireRoot(action string) error {
	if e.Geteuid() != 0 {
		return &SecurityError{Action: action, Reason: "must be run as root (try sudo)"}
	}
	return nil
}

// =============================================================================
// PARSE / RUN
// =============================================================================

// Parse picks the command from argv: first by program name, then by the
// first argument. It returns the remaining arguments.
func Parse(argv []string) (Command, []string) {
	if len(argv) == 0 {
		return CmdHelp, nil
	}
	if cmd, ok := aliases[filepath.Base(argv[0])]; ok {
		return cmd, argv[1:]
	}

	rest := argv[1:]
	if len(rest) == 0 {
		return CmdHelp, nil
	}
	switch strings.ToLower(rest[0]) {
	case "configure", "config", "install":
		return CmdConfigure, rest[1:]
	case "status", "s":
		return CmdStatus, rest[1:]
	case "uninstall", "remove":
		return CmdUninstall, rest[1:]
	case "reset", "unlock":
		return CmdReset, rest[1:]
	case "version", "--version", "-v":
		return CmdVersion, rest[1:]
	case "help", "--help", "-h":
		return CmdHelp, rest[1:]
	default:
		return CmdUnknown, rest
	}
}

// Main runs the CLI and returns the exit code.
func Main(argv []string) int {
	env, err := DefaultEnv()
	if err != nil {
		DisplayError(os.Stderr, "touchid-sudo", err, false)
		return ExitCode(err)
	}
	return Run(env, argv)
}

// Run dispatches argv against env.
func Run(env *Env, argv []string) int {
	cmd, rest := Parse(argv)
	jsonMode := containsFlag(rest, "json")
	if containsFlag(rest, "debug") {
		env.Log = logger.New(env.Stderr, true)
	}
	env.Log = logger.OrNop(env.Log)

	var err error
	switch cmd {
	case CmdConfigure:
		err = env.Configure(rest)
	case CmdStatus:
		err = env.Status(rest)
	case CmdUninstall:
		err = env.Uninstall(rest)
	case CmdReset:
		err = env.Reset(rest)
	case CmdVersion:
		err = env.Version(jsonMode)
	case CmdHelp:
		fmt.Fprint(env.Stdout, usageText)
	default:
		err = &UsageError{Message: fmt.Sprintf("unknown command %q; run 'touchid-sudo help'", strings.Join(rest, " "))}
	}

	var reported *reportedError
	if errors.As(err, &reported) {
		return ExitCode(err)
	}
	if err != nil {
		out := env.Stderr
		if jsonMode {
			out = env.Stdout
		}
		DisplayError(out, cmd.String(), err, jsonMode)
		return ExitCode(err)
	}
	return ExitSuccess
}

// Version prints build information.
func (e *Env) Version(jsonMode bool) error {
	if jsonMode {
		return NewJSONResponse("version", map[string]string{
			"version":    Version,
			"git_commit": GitCommit,
			"build_date": BuildDate,
		}).Write(e.Stdout)
	}
	fmt.Fprintf(e.Stdout, "touchid-sudo version %s\n", Version)
	fmt.Fprintf(e.Stdout, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(e.Stdout, "  Build date: %s\n", BuildDate)
	return nil
}

func containsFlag(args []string, name string) bool {
	for _, a := range args {
		if a == "--" {
			return false
		}
		if a == "--"+name || a == "--"+name+"=true" {
			return true
		}
	}
	return false
}

// rejectUnknown fails on flags a command does not take.
func rejectUnknown(p *ArgParser, allowed ...string) error {
	allowed = append(allowed, "json", "debug")
	if unknown := p.Unknown(allowed...); len(unknown) > 0 {
		return &UsageError{Message: fmt.Sprintf("unknown flag(s): %s", strings.Join(unknown, ", "))}
	}
	return nil
}
