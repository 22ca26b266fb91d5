// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pamconf registers and unregisters the module in the sudo PAM
// stack. Every write is an atomic replace that keeps the file's mode, and
// removal re-reads the file to prove nothing was left behind.
package pamconf

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/jeranaias/touchid-sudo/internal/paths"
	"github.com/jeranaias/touchid-sudo/internal/util"
)

// Marker tags the line this package manages.
const Marker = "# touchid-sudo"

// Dialect is the PAM implementation that parses the stack file. The two
// accept different control syntax.
type Dialect string

const (
	// LinuxPAM understands the bracketed value=action control.
	LinuxPAM Dialect = "linux-pam"

	// OpenPAM, used by macOS and the BSDs, only accepts keyword controls.
	OpenPAM Dialect = "openpam"
)

// Native returns the dialect of the running platform.
func Native() Dialect {
	return DialectFor(runtime.GOOS)
}

// DialectFor returns the PAM dialect used on goos.
func DialectFor(goos string) Dialect {
	switch goos {
	case "darwin", "freebsd", "netbsd", "openbsd", "dragonfly":
		return OpenPAM
	default:
		return LinuxPAM
	}
}

// ParseDialect parses a dialect name. An empty name is Native().
func ParseDialect(name string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(name))); d {
	case "":
		return Native(), nil
	case LinuxPAM, OpenPAM:
		return d, nil
	default:
		return "", fmt.Errorf("unknown PAM dialect %q (want %s or %s)", name, LinuxPAM, OpenPAM)
	}
}

// Control returns the control value the module is registered with.
//
// Under Linux-PAM success ends the stack, ignore falls through to the
// password module and anything else fails the stack.
//
// OpenPAM has no equivalent. binding ends the chain on success and falls
// through on PAM_IGNORE. A failure still runs the rest of the chain, so the
// password prompt appears, but the request is denied whatever the later
// modules return.
func (d Dialect) Control() string {
	if d == OpenPAM {
		return "binding"
	}
	return "[success=done ignore=ignore default=die]"
}

var (
	// ErrNotInstalled means no module line is present.
	ErrNotInstalled = errors.New("module is not registered in the PAM stack")

	// ErrPartialRemoval means a module line survived removal.
	ErrPartialRemoval = errors.New("module registration was only partially removed")
)

// Line returns the auth line registering modulePath in dialect d.
func Line(d Dialect, modulePath string) string {
	return fmt.Sprintf("auth       %s %s %s", d.Control(), modulePath, Marker)
}

// State describes the registration in a PAM file.
type State struct {
	Path       string `json:"path"`
	Installed  bool   `json:"installed"`
	FileExists bool   `json:"file_exists"`

	// Lines are the registration lines found, as written.
	Lines []string `json:"lines,omitempty"`

	// First is true when the module is the first auth entry.
	First bool `json:"first"`
}

// Status reads path and reports the registration state. A missing file is
// reported as not installed, not as an error.
func Status(path string) (State, error) {
	st := State{Path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return st, nil
		}
		return st, fmt.Errorf("failed to read %s: %w", path, err)
	}
	st.FileExists = true

	seenAuth := false
	for _, line := range splitLines(data) {
		ours := references(line)
		if ours {
			st.Lines = append(st.Lines, line)
		}
		if isAuth(line) && !seenAuth {
			seenAuth = true
			st.First = ours
		}
	}
	st.Installed = len(st.Lines) > 0
	return st, nil
}

// Install inserts the module line before the first auth entry of path.
// It is idempotent: an existing registration is replaced in place by the
// canonical line for dialect d. Returns true if the file changed.
func Install(path, modulePath string, d Dialect) (bool, error) {
	if modulePath == "" {
		return false, errors.New("module path is empty")
	}

	data, mode, err := readWithMode(path)
	if err != nil {
		return false, err
	}

	want := Line(d, modulePath)
	var out []string
	inserted := false
	for _, line := range splitLines(data) {
		if references(line) {
			// Drop any previous registration; the canonical line goes first.
			continue
		}
		if !inserted && isAuth(line) {
			out = append(out, want)
			inserted = true
		}
		out = append(out, line)
	}
	if !inserted {
		out = append(out, want)
	}

	updated := joinLines(out)
	if bytes.Equal(updated, data) {
		return false, nil
	}
	if err := write(path, updated, mode); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes every line that references the module, writes the file
// atomically and re-reads it. If any reference survives it returns
// ErrPartialRemoval. Removing from a file without the module returns
// ErrNotInstalled.
func Remove(path string) error {
	data, mode, err := readWithMode(path)
	if err != nil {
		return err
	}

	var out []string
	removed := 0
	for _, line := range splitLines(data) {
		if references(line) {
			removed++
			continue
		}
		out = append(out, line)
	}
	if removed == 0 {
		return ErrNotInstalled
	}

	if err := write(path, joinLines(out), mode); err != nil {
		return fmt.Errorf("%w: %w", ErrPartialRemoval, err)
	}

	st, err := Status(path)
	if err != nil {
		return fmt.Errorf("%w: verify: %w", ErrPartialRemoval, err)
	}
	if st.Installed {
		return fmt.Errorf("%w: %d line(s) remain in %s", ErrPartialRemoval, len(st.Lines), path)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// references reports whether line registers this module, commented out or not.
func references(line string) bool {
	if strings.Contains(line, Marker) {
		return true
	}
	for _, field := range strings.Fields(strings.TrimLeft(line, "#")) {
		if filepath.Base(field) == paths.ModuleName {
			return true
		}
	}
	return false
}

// isAuth reports whether line contributes to the auth stack. That covers
// plain auth entries (including auth include and auth substack) and the
// Debian style "@include common-auth".
func isAuth(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "auth", "-auth":
		return true
	case "@include":
		return len(fields) > 1 && strings.HasSuffix(filepath.Base(fields[1]), "-auth")
	}
	return false
}

func splitLines(data []byte) []string {
	s := strings.TrimSuffix(string(data), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func joinLines(lines []string) []byte {
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// readWithMode reads path and its permission bits. A missing file reads as
// empty with mode 0444, the mode sudo's stock PAM files ship with.
func readWithMode(path string) ([]byte, fs.FileMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0444, nil
		}
		return nil, 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, 0, fmt.Errorf("%s is not a regular file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, info.Mode().Perm(), nil
}

func write(path string, data []byte, mode fs.FileMode) error {
	if err := util.AtomicWriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
