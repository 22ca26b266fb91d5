// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pam

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Process is one process table entry.
type Process struct {
	PID  int
	PPID int
	Name string
}

// ProcessLookup reads the process table entry for pid.
type ProcessLookup func(pid int) (Process, error)

// maxAncestry bounds the walk; the table can change while it is read.
const maxAncestry = 64

// remoteDaemons are the daemons that start a login session for a network
// peer. A process descending from one of them is in a remote session.
var remoteDaemons = map[string]bool{
	"sshd":         true,
	"sshd-session": true,
	"dropbear":     true,
	"mosh-server":  true,
	"telnetd":      true,
	"in.telnetd":   true,
	"rlogind":      true,
	"in.rlogind":   true,
}

// Ancestry walks from pid towards init and reports a remote origin when a
// remote login daemon is an ancestor. The caller can scrub its environment
// but not its parent chain.
func Ancestry(pid int, lookup ProcessLookup) SessionOrigin {
	return func() (Origin, error) {
		cur := pid
		seen := make(map[int]bool, 8)
		for depth := 0; cur > 1; depth++ {
			if depth == maxAncestry {
				return Origin{}, fmt.Errorf("process %d: ancestry deeper than %d", pid, maxAncestry)
			}
			if seen[cur] {
				return Origin{}, fmt.Errorf("process %d: ancestry loops at %d", pid, cur)
			}
			seen[cur] = true

			p, err := lookup(cur)
			if err != nil {
				return Origin{}, fmt.Errorf("read process %d: %w", cur, err)
			}
			if remoteDaemons[p.Name] {
				return Origin{
					Remote:   true,
					Evidence: fmt.Sprintf("ancestor %s (pid %d)", p.Name, p.PID),
				}, nil
			}
			cur = p.PPID
		}
		return Origin{}, nil
	}
}

// parseStat parses /proc/<pid>/stat. The command name is parenthesized and
// may itself contain spaces and parentheses, so it ends at the last ')'.
func parseStat(data []byte) (Process, error) {
	s := string(data)
	open := strings.IndexByte(s, '(')
	closing := strings.LastIndexByte(s, ')')
	if open < 1 || closing < open {
		return Process{}, fmt.Errorf("malformed stat %q", s)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(s[:open]))
	if err != nil {
		return Process{}, fmt.Errorf("malformed stat pid: %w", err)
	}
	// state ppid ...
	rest := strings.Fields(s[closing+1:])
	if len(rest) < 2 {
		return Process{}, fmt.Errorf("malformed stat %q", s)
	}
	ppid, err := strconv.Atoi(rest[1])
	if err != nil {
		return Process{}, fmt.Errorf("malformed stat ppid: %w", err)
	}
	return Process{PID: pid, PPID: ppid, Name: s[open+1 : closing]}, nil
}

// logindSession is the part of a systemd-logind session record
// (/run/systemd/sessions/<id>) that says where the session came from.
type logindSession struct {
	Remote     bool   `env:"REMOTE"`
	RemoteHost string `env:"REMOTE_HOST"`
	Service    string `env:"SERVICE"`
}

// parseLogindSession reads a logind session record. The file is KEY=VALUE
// lines in the environment file format.
func parseLogindSession(id string, data []byte) (Origin, error) {
	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			vars[k] = v
		}
	}

	var rec logindSession
	if err := env.ParseWithOptions(&rec, env.Options{Environment: vars}); err != nil {
		return Origin{}, fmt.Errorf("logind session %s: %w", id, err)
	}
	if !rec.Remote {
		return Origin{}, nil
	}
	evidence := "logind session " + id + " is remote"
	if rec.RemoteHost != "" {
		evidence += " from " + rec.RemoteHost
	}
	if rec.Service != "" {
		evidence += " via " + rec.Service
	}
	return Origin{Remote: true, Evidence: evidence}, nil
}
