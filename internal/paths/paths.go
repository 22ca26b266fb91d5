// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package paths resolves the on-disk locations shared by the PAM module and
// the command line tools.
//
// The PAM module only ever uses Default() plus its own module arguments; the
// environment of a sudo caller is attacker controlled. The CLI tools, which
// run as an operator, may additionally honor FromEnv overrides.
package paths

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
)

// ModuleName is the file name of the shared object registered in PAM.
const ModuleName = "pam_touchid.so"

// Locations are the files and directories the system reads and writes.
type Locations struct {
	ConfigPath string `env:"TOUCHID_SUDO_CONFIG"`
	StateDir   string `env:"TOUCHID_SUDO_STATE_DIR"`
	AuditLog   string `env:"TOUCHID_SUDO_AUDIT_LOG"`
	PAMFile    string `env:"TOUCHID_SUDO_PAM_FILE"`
	ModulePath string `env:"TOUCHID_SUDO_MODULE_PATH"`
	HelperPath string `env:"TOUCHID_SUDO_HELPER"`

	// PAMDialect names the PAM implementation reading PAMFile. Empty means
	// the platform's own.
	PAMDialect string `env:"TOUCHID_SUDO_PAM_DIALECT"`
}

// Default returns the platform locations.
func Default() Locations {
	return defaultFor(runtime.GOOS)
}

func defaultFor(goos string) Locations {
	loc := Locations{
		ConfigPath: "/etc/touchid-sudo/policy.toml",
		StateDir:   "/var/lib/touchid-sudo",
		AuditLog:   "/var/log/touchid-sudo/audit.log",
		PAMFile:    "/etc/pam.d/sudo",
		ModulePath: ModuleName,
		HelperPath: "/usr/libexec/touchid-sudo/touchid-helper",
	}
	if goos == "darwin" {
		// sudo_local survives OS updates; /etc/pam.d/sudo does not.
		loc.StateDir = "/private/var/db/touchid-sudo"
		loc.PAMFile = "/etc/pam.d/sudo_local"
		loc.ModulePath = filepath.Join("/usr/local/lib/pam", ModuleName)
		loc.HelperPath = "/usr/local/libexec/touchid-sudo/touchid-helper"
	}
	return loc
}

// FromEnv returns Default() with any TOUCHID_SUDO_* overrides applied.
// Only for the CLI tools.
func FromEnv() (Locations, error) {
	return fromEnv(env.Options{})
}

func fromEnv(opts env.Options) (Locations, error) {
	loc := Default()
	if err := env.ParseWithOptions(&loc, opts); err != nil {
		return Locations{}, fmt.Errorf("parse env: %w", err)
	}
	return loc, nil
}

// HealthPath returns the audit health signal file for an audit log path.
func HealthPath(auditLog string) string {
	return auditLog + ".health"
}
