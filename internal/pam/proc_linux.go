// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pam

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	procRoot       = "/proc"
	logindSessions = "/run/systemd/sessions"

	// unsetSessionID is the kernel's audit session id before pam_loginuid
	// has run.
	unsetSessionID = "4294967295"
)

func readProcess(pid int) (Process, error) {
	data, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return Process{}, err
	}
	return parseStat(data)
}

// loginSession looks up the logind record of this process's audit session.
// logind names sessions after the audit session id when one is set. The id
// is inherited and an unprivileged process cannot change it.
func loginSession() (Origin, error) {
	data, err := os.ReadFile(filepath.Join(procRoot, "self", "sessionid"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Origin{}, nil
		}
		return Origin{}, err
	}
	id := strings.TrimSpace(string(data))
	if id == "" || id == unsetSessionID {
		return Origin{}, nil
	}

	rec, err := os.ReadFile(filepath.Join(logindSessions, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// No logind, or the session was not registered with it.
			return Origin{}, nil
		}
		return Origin{}, err
	}
	return parseLogindSession(id, rec)
}
