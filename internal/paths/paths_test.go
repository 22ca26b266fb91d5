// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package paths

import (
	"testing"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/require"
)

func TestDefaultFor(t *testing.T) {
	testCases := []struct {
		goos    string
		pamFile string
		state   string
	}{
		{"darwin", "/etc/pam.d/sudo_local", "/private/var/db/touchid-sudo"},
		{"linux", "/etc/pam.d/sudo", "/var/lib/touchid-sudo"},
	}

	for _, tc := range testCases {
		t.Run(tc.goos, func(t *testing.T) {
			loc := defaultFor(tc.goos)
			require.Equal(t, tc.pamFile, loc.PAMFile)
			require.Equal(t, tc.state, loc.StateDir)
			require.Equal(t, "/etc/touchid-sudo/policy.toml", loc.ConfigPath)
		})
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	loc, err := fromEnv(env.Options{Environment: map[string]string{
		"TOUCHID_SUDO_CONFIG":      "/tmp/p.toml",
		"TOUCHID_SUDO_AUDIT_LOG":   "/tmp/audit.log",
		"TOUCHID_SUDO_PAM_DIALECT": "openpam",
	}})
	require.NoError(t, err)
	require.Equal(t, "/tmp/p.toml", loc.ConfigPath)
	require.Equal(t, "/tmp/audit.log", loc.AuditLog)
	require.Equal(t, "openpam", loc.PAMDialect)
	require.Equal(t, Default().StateDir, loc.StateDir)
}

func TestHealthPath(t *testing.T) {
	require.Equal(t, "/var/log/a.log.health", HealthPath("/var/log/a.log"))
}
