// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pamconf

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const linuxSudo = `#%PAM-1.0
# sudo: auth account password session
session    required   pam_env.so readenv=1 user_readenv=0
auth       include    common-auth
account    include    common-account
session    include    common-session-noninteractive
`

// debianSudo is the stock /etc/pam.d/sudo on Debian and Ubuntu.
const debianSudo = `#%PAM-1.0

session    required   pam_limits.so
session    required   pam_env.so readenv=1 user_readenv=0
@include common-auth
@include common-account
@include common-session-noninteractive
`

const modulePath = "/usr/local/lib/pam/pam_touchid.so"

func writePAM(t *testing.T, body string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sudo")
	require.NoError(t, os.WriteFile(path, []byte(body), mode))
	require.NoError(t, os.Chmod(path, mode))
	return path
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestInstall_InsertsBeforeFirstAuth(t *testing.T) {
	path := writePAM(t, linuxSudo, 0644)

	changed, err := Install(path, modulePath, LinuxPAM)
	require.NoError(t, err)
	assert.True(t, changed)

	lines := splitLines([]byte(read(t, path)))
	require.Len(t, lines, 7)
	assert.Equal(t, Line(LinuxPAM, modulePath), lines[3])
	assert.Equal(t, "auth       include    common-auth", lines[4])

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm(), "mode preserved")

	st, err := Status(path)
	require.NoError(t, err)
	assert.True(t, st.Installed)
	assert.True(t, st.First)
	assert.Equal(t, []string{Line(LinuxPAM, modulePath)}, st.Lines)
}

func TestInstall_Idempotent(t *testing.T) {
	path := writePAM(t, linuxSudo, 0444)

	_, err := Install(path, modulePath, LinuxPAM)
	require.NoError(t, err)
	first := read(t, path)

	changed, err := Install(path, modulePath, LinuxPAM)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first, read(t, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0444), info.Mode().Perm())
}

func TestInstall_ReplacesStaleRegistration(t *testing.T) {
	body := "auth sufficient /opt/old/pam_touchid.so\n" + linuxSudo
	path := writePAM(t, body, 0644)

	changed, err := Install(path, modulePath, LinuxPAM)
	require.NoError(t, err)
	assert.True(t, changed)

	st, err := Status(path)
	require.NoError(t, err)
	assert.Equal(t, []string{Line(LinuxPAM, modulePath)}, st.Lines)
}

func TestInstall_CreatesSudoLocal(t *testing.T) {
	// macOS ships sudo_local only as a template.
	path := filepath.Join(t.TempDir(), "sudo_local")

	changed, err := Install(path, modulePath, DialectFor("darwin"))
	require.NoError(t, err)
	assert.True(t, changed)

	got := read(t, path)
	assert.Equal(t, "auth       binding "+modulePath+" "+Marker+"\n", got)
	assert.NotContains(t, got, "[", "OpenPAM rejects bracketed controls")
	assert.NotContains(t, got, "]", "OpenPAM rejects bracketed controls")
}

func TestInstall_OpenPAMReplacesBracketedLine(t *testing.T) {
	// A registration written with the Linux-PAM control breaks sudo on macOS.
	path := writePAM(t, Line(LinuxPAM, modulePath)+"\n", 0444)

	changed, err := Install(path, modulePath, OpenPAM)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, Line(OpenPAM, modulePath)+"\n", read(t, path))
}

func TestInstall_DebianIncludeIsFirstAuth(t *testing.T) {
	path := writePAM(t, debianSudo, 0644)

	changed, err := Install(path, modulePath, LinuxPAM)
	require.NoError(t, err)
	assert.True(t, changed)

	lines := splitLines([]byte(read(t, path)))
	require.Len(t, lines, 8)
	assert.Equal(t, Line(LinuxPAM, modulePath), lines[4])
	assert.Equal(t, "@include common-auth", lines[5])
	assert.Equal(t, "@include common-session-noninteractive", lines[7])

	st, err := Status(path)
	require.NoError(t, err)
	assert.True(t, st.Installed)
	assert.True(t, st.First)
}

func TestStatus_AfterDebianInclude(t *testing.T) {
	body := debianSudo + Line(LinuxPAM, modulePath) + "\n"
	path := writePAM(t, body, 0644)

	st, err := Status(path)
	require.NoError(t, err)
	assert.True(t, st.Installed)
	assert.False(t, st.First, "common-auth runs before the module")

	// Install moves it in front of the include.
	changed, err := Install(path, modulePath, LinuxPAM)
	require.NoError(t, err)
	assert.True(t, changed)
	st, err = Status(path)
	require.NoError(t, err)
	assert.True(t, st.First)
}

func TestDialectFor(t *testing.T) {
	testCases := []struct {
		goos string
		want Dialect
	}{
		{"darwin", OpenPAM},
		{"freebsd", OpenPAM},
		{"linux", LinuxPAM},
	}
	for _, tc := range testCases {
		t.Run(tc.goos, func(t *testing.T) {
			assert.Equal(t, tc.want, DialectFor(tc.goos))
		})
	}
	assert.Equal(t, "binding", OpenPAM.Control())
	assert.Equal(t, "[success=done ignore=ignore default=die]", LinuxPAM.Control())
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("")
	require.NoError(t, err)
	assert.Equal(t, Native(), d)

	d, err = ParseDialect(" OpenPAM ")
	require.NoError(t, err)
	assert.Equal(t, OpenPAM, d)

	_, err = ParseDialect("solaris")
	assert.Error(t, err)
}

func TestIsAuth(t *testing.T) {
	testCases := []struct {
		line string
		want bool
	}{
		{"auth required pam_unix.so", true},
		{"-auth optional pam_gnome_keyring.so", true},
		{"auth include system-auth", true},
		{"auth substack common-auth", true},
		{"@include common-auth", true},
		{"@include /etc/pam.d/common-auth", true},
		{"@include common-account", false},
		{"@include common-session-noninteractive", false},
		{"account include common-account", false},
		{"# auth required pam_unix.so", false},
		{"", false},
	}
	for _, tc := range testCases {
		t.Run(tc.line, func(t *testing.T) {
			assert.Equal(t, tc.want, isAuth(tc.line))
		})
	}
}

func TestRemove(t *testing.T) {
	path := writePAM(t, linuxSudo, 0640)
	_, err := Install(path, modulePath, LinuxPAM)
	require.NoError(t, err)

	// A hand-edited duplicate is removed as well.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("#auth sufficient pam_touchid.so\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, Remove(path))
	assert.Equal(t, linuxSudo, read(t, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())

	st, err := Status(path)
	require.NoError(t, err)
	assert.False(t, st.Installed)
}

func TestRemove_NotInstalled(t *testing.T) {
	path := writePAM(t, linuxSudo, 0644)
	assert.ErrorIs(t, Remove(path), ErrNotInstalled)

	missing := filepath.Join(t.TempDir(), "sudo")
	assert.ErrorIs(t, Remove(missing), ErrNotInstalled)
}

func TestRemove_WriteFailureIsPartial(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	path := writePAM(t, linuxSudo, 0644)
	_, err := Install(path, modulePath, LinuxPAM)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	require.NoError(t, os.Chmod(dir, 0555))
	t.Cleanup(func() { os.Chmod(dir, 0755) })

	err = Remove(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPartialRemoval))

	st, err := Status(path)
	require.NoError(t, err)
	assert.True(t, st.Installed)
}

func TestStatus_Missing(t *testing.T) {
	st, err := Status(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.False(t, st.FileExists)
	assert.False(t, st.Installed)
}

func TestStatus_NotFirst(t *testing.T) {
	body := "auth required pam_faillock.so preauth\nauth sufficient pam_touchid.so\n"
	path := writePAM(t, body, 0644)

	st, err := Status(path)
	require.NoError(t, err)
	assert.True(t, st.Installed)
	assert.False(t, st.First)
}

func TestReferences(t *testing.T) {
	assert.True(t, references(Line(OpenPAM, "pam_touchid.so")))
	assert.True(t, references("auth sufficient /usr/lib/pam/pam_touchid.so"))
	assert.True(t, references("# auth sufficient pam_touchid.so"))
	assert.False(t, references("auth sufficient pam_tid.so"))
	assert.False(t, references("auth include common-auth"))
}
