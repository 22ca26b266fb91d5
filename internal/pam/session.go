// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pam

import (
	"errors"
	"net"
	"os"
	"strings"
)

// remoteEnv are variables whose presence marks an SSH session.
var remoteEnv = []string{"SSH_CONNECTION", "SSH_CLIENT", "SSH_TTY"}

// IsRemote reports whether the request carries remote markers: a
// non-loopback PAM_RHOST, or SSH variables in the PAM or process
// environment. The caller controls the environment, so a false result only
// means these markers are absent. It does not make the session local; see
// SessionOrigin.
func IsRemote(rhost string, pamEnv, procEnv func(string) string) bool {
	if rhost = strings.TrimSpace(rhost); rhost != "" && !isLoopback(rhost) {
		return true
	}
	for _, name := range remoteEnv {
		if pamEnv != nil && pamEnv(name) != "" {
			return true
		}
		if procEnv != nil && procEnv(name) != "" {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Origin is where a login session came from.
type Origin struct {
	Remote bool

	// Evidence names the record that showed the session is remote.
	Evidence string
}

// SessionOrigin reports the origin of the session the module runs in,
// using records the calling user cannot change. A source with no record
// returns a zero Origin; an error means the source could not tell.
type SessionOrigin func() (Origin, error)

// FirstRemote combines sources. The first remote answer wins. Otherwise
// the errors of every source that failed are returned, so the caller can
// treat an undecidable session as remote.
func FirstRemote(sources ...SessionOrigin) SessionOrigin {
	return func() (Origin, error) {
		var errs []error
		for _, source := range sources {
			o, err := source()
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if o.Remote {
				return o, nil
			}
		}
		return Origin{}, errors.Join(errs...)
	}
}

// DefaultOrigin consults the platform's login session record and then the
// ancestry of this process.
func DefaultOrigin() (Origin, error) {
	return FirstRemote(loginSession, Ancestry(os.Getpid(), readProcess))()
}
