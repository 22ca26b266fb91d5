// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/touchid-sudo/internal/auth"
	"github.com/jeranaias/touchid-sudo/internal/logger"
	"github.com/jeranaias/touchid-sudo/internal/paths"
)

type fakeHandle struct {
	user    string
	userErr error
	items   map[Item]string
	env     map[string]string
	infos   []string
}

func (h *fakeHandle) User() (string, error) {
	return h.user, h.userErr
}

func (h *fakeHandle) Item(item Item) string {
	return h.items[item]
}

func (h *fakeHandle) Getenv(name string) string {
	return h.env[name]
}

func (h *fakeHandle) Info(msg string) error {
	h.infos = append(h.infos, msg)
	return nil
}

type fakeAuth struct {
	decision auth.Decision
	panicky  bool
	got      []auth.Request
	args     Args
}

func (f *fakeAuth) Authenticate(_ context.Context, req auth.Request) auth.Decision {
	f.got = append(f.got, req)
	if f.panicky {
		panic("orchestrator bug")
	}
	return f.decision
}

func newModule(f *fakeAuth, env map[string]string) *TouchIDModule {
	return &TouchIDModule{
		NewAuthenticator: func(args Args, _ *slog.Logger) Authenticator {
			f.args = args
			return f
		},
		Logger: func(bool) (*slog.Logger, func()) { return logger.Nop(), func() {} },
		Getenv: func(name string) string { return env[name] },
		Origin: localOrigin,
	}
}

func localOrigin() (Origin, error) { return Origin{}, nil }

// processTable serves lookups from a fixed table.
type processTable map[int]Process

func (pt processTable) lookup(pid int) (Process, error) {
	p, ok := pt[pid]
	if !ok {
		return Process{}, fmt.Errorf("no process %d", pid)
	}
	return p, nil
}

// sshChain is sudo started from a shell under an SSH login.
var sshChain = processTable{
	400: {PID: 400, PPID: 300, Name: "sudo"},
	300: {PID: 300, PPID: 200, Name: "zsh"},
	200: {PID: 200, PPID: 100, Name: "sshd-session"},
	100: {PID: 100, PPID: 1, Name: "sshd"},
}

// consoleChain is sudo started from a terminal on the local desktop.
var consoleChain = processTable{
	400: {PID: 400, PPID: 300, Name: "sudo"},
	300: {PID: 300, PPID: 200, Name: "zsh"},
	200: {PID: 200, PPID: 150, Name: "login"},
	150: {PID: 150, PPID: 1, Name: "Terminal"},
}

func TestCodeFor(t *testing.T) {
	assert.Equal(t, Success, CodeFor(auth.Granted))
	assert.Equal(t, Ignore, CodeFor(auth.FallbackRequested))
	assert.Equal(t, MaxTries, CodeFor(auth.LockedOut))
	assert.Equal(t, AuthErr, CodeFor(auth.Denied))
	assert.Equal(t, AuthErr, CodeFor(auth.Verdict("")))
}

func TestParseArgs(t *testing.T) {
	a := ParseArgs(nil)
	assert.Equal(t, paths.Default().ConfigPath, a.ConfigPath)
	assert.False(t, a.Debug)

	a = ParseArgs([]string{"debug", "config=/opt/touchid/policy.toml", "try_first_pass", "config="})
	assert.True(t, a.Debug)
	assert.Equal(t, "/opt/touchid/policy.toml", a.ConfigPath)
	assert.Equal(t, []string{"try_first_pass"}, a.Unknown)
}

func TestIsRemote(t *testing.T) {
	none := func(string) string { return "" }
	tests := []struct {
		name    string
		rhost   string
		pamEnv  map[string]string
		procEnv map[string]string
		want    bool
	}{
		{name: "console", want: false},
		{name: "loopback v4", rhost: "127.0.0.1", want: false},
		{name: "loopback v6", rhost: "[::1]", want: false},
		{name: "localhost", rhost: "LOCALHOST", want: false},
		{name: "remote host", rhost: "10.1.2.3", want: true},
		{name: "remote name", rhost: "build.example.com", want: true},
		{name: "ssh in pam env", pamEnv: map[string]string{"SSH_CONNECTION": "1.2.3.4 22 5.6.7.8 22"}, want: true},
		{name: "ssh tty in process env", procEnv: map[string]string{"SSH_TTY": "/dev/pts/3"}, want: true},
		{name: "loopback but ssh", rhost: "::1", procEnv: map[string]string{"SSH_CLIENT": "::1 5000 22"}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pamEnv, procEnv := none, none
			if tt.pamEnv != nil {
				pamEnv = func(k string) string { return tt.pamEnv[k] }
			}
			if tt.procEnv != nil {
				procEnv = func(k string) string { return tt.procEnv[k] }
			}
			assert.Equal(t, tt.want, IsRemote(tt.rhost, pamEnv, procEnv))
		})
	}
}

func TestAuthenticate_MapsVerdicts(t *testing.T) {
	tests := []struct {
		verdict auth.Verdict
		code    Code
		msg     string
	}{
		{auth.Granted, Success, ""},
		{auth.FallbackRequested, Ignore, MsgFallback},
		{auth.LockedOut, MaxTries, MsgDenied},
		{auth.Denied, AuthErr, MsgDenied},
	}
	for _, tt := range tests {
		t.Run(string(tt.verdict), func(t *testing.T) {
			f := &fakeAuth{decision: auth.Decision{Verdict: tt.verdict, Reason: auth.ReasonNotMatched}}
			h := &fakeHandle{user: "alice"}

			code := newModule(f, nil).Authenticate(h, 0, nil)
			assert.Equal(t, tt.code, code)
			if tt.msg == "" {
				assert.Empty(t, h.infos)
			} else {
				assert.Equal(t, []string{tt.msg}, h.infos)
			}
		})
	}
}

func TestAuthenticate_MessageRevealsNothing(t *testing.T) {
	for _, reason := range []auth.Reason{auth.ReasonLockedOut, auth.ReasonHardwareUnavailable, auth.ReasonConfigError} {
		f := &fakeAuth{decision: auth.Decision{Verdict: auth.Denied, Reason: reason}}
		h := &fakeHandle{user: "alice"}
		newModule(f, nil).Authenticate(h, 0, nil)
		require.Len(t, h.infos, 1)
		assert.NotContains(t, h.infos[0], string(reason))
	}
}

func TestAuthenticate_Silent(t *testing.T) {
	f := &fakeAuth{decision: auth.Decision{Verdict: auth.Denied}}
	h := &fakeHandle{user: "alice"}
	assert.Equal(t, AuthErr, newModule(f, nil).Authenticate(h, FlagSilent, nil))
	assert.Empty(t, h.infos)
}

func TestAuthenticate_BuildsRequest(t *testing.T) {
	f := &fakeAuth{decision: auth.Decision{Verdict: auth.Granted}}
	h := &fakeHandle{
		user:  "alice",
		items: map[Item]string{ItemService: "sudo", ItemTTY: "/dev/ttys004", ItemRHost: "192.168.1.20"},
	}

	newModule(f, nil).Authenticate(h, 0, []string{"config=/tmp/p.toml", "debug"})

	require.Len(t, f.got, 1)
	req := f.got[0]
	assert.Equal(t, "alice", req.User)
	assert.Equal(t, "sudo", req.Service)
	assert.Equal(t, "/dev/ttys004", req.TTY)
	assert.True(t, req.Remote)
	assert.Equal(t, "/tmp/p.toml", f.args.ConfigPath)
	assert.True(t, f.args.Debug)
}

func TestAuthenticate_ProcessEnvMarksRemote(t *testing.T) {
	f := &fakeAuth{decision: auth.Decision{Verdict: auth.Granted}}
	h := &fakeHandle{user: "alice"}
	newModule(f, map[string]string{"SSH_CONNECTION": "x"}).Authenticate(h, 0, nil)
	assert.True(t, f.got[0].Remote)
}

func TestAuthenticate_ScrubbedEnvStillRemote(t *testing.T) {
	// env -i sudo ... from an SSH login: no SSH_* variables, no PAM_RHOST.
	f := &fakeAuth{decision: auth.Decision{Verdict: auth.FallbackRequested}}
	h := &fakeHandle{user: "alice", items: map[Item]string{ItemService: "sudo"}}
	m := newModule(f, nil)
	m.Origin = Ancestry(400, sshChain.lookup)

	assert.Equal(t, Ignore, m.Authenticate(h, 0, nil))
	require.Len(t, f.got, 1)
	assert.True(t, f.got[0].Remote)
}

func TestAuthenticate_UnknownOriginIsRemote(t *testing.T) {
	f := &fakeAuth{decision: auth.Decision{Verdict: auth.FallbackRequested}}
	h := &fakeHandle{user: "alice"}
	m := newModule(f, nil)
	m.Origin = func() (Origin, error) { return Origin{}, errors.New("proc unreadable") }

	m.Authenticate(h, 0, nil)
	assert.True(t, f.got[0].Remote)
}

func TestAuthenticate_LocalSession(t *testing.T) {
	f := &fakeAuth{decision: auth.Decision{Verdict: auth.Granted}}
	h := &fakeHandle{user: "alice"}
	m := newModule(f, nil)
	m.Origin = Ancestry(400, consoleChain.lookup)

	assert.Equal(t, Success, m.Authenticate(h, 0, nil))
	assert.False(t, f.got[0].Remote)
}

func TestAncestry(t *testing.T) {
	o, err := Ancestry(400, sshChain.lookup)()
	require.NoError(t, err)
	assert.True(t, o.Remote)
	assert.Equal(t, "ancestor sshd-session (pid 200)", o.Evidence)

	o, err = Ancestry(400, consoleChain.lookup)()
	require.NoError(t, err)
	assert.False(t, o.Remote)

	// A process that vanished mid-walk leaves the origin unknown.
	broken := processTable{400: {PID: 400, PPID: 399, Name: "sudo"}}
	_, err = Ancestry(400, broken.lookup)()
	assert.Error(t, err)
}

func TestAncestry_Terminates(t *testing.T) {
	loop := processTable{
		10: {PID: 10, PPID: 11, Name: "a"},
		11: {PID: 11, PPID: 10, Name: "b"},
	}
	_, err := Ancestry(10, loop.lookup)()
	assert.ErrorContains(t, err, "loops")

	deep := processTable{}
	for pid := 2; pid < 2+2*maxAncestry; pid++ {
		deep[pid] = Process{PID: pid, PPID: pid + 1, Name: "sh"}
	}
	_, err = Ancestry(2, deep.lookup)()
	assert.ErrorContains(t, err, "deeper")
}

func TestFirstRemote(t *testing.T) {
	remote := func() (Origin, error) { return Origin{Remote: true, Evidence: "audit"}, nil }
	failing := func() (Origin, error) { return Origin{}, errors.New("boom") }

	o, err := FirstRemote(failing, remote)()
	require.NoError(t, err)
	assert.Equal(t, "audit", o.Evidence)

	o, err = FirstRemote(localOrigin, localOrigin)()
	require.NoError(t, err)
	assert.False(t, o.Remote)

	_, err = FirstRemote(localOrigin, failing)()
	assert.ErrorContains(t, err, "boom")
}

func TestParseStat(t *testing.T) {
	p, err := parseStat([]byte("4242 (tmux: server) S 1 4242 4242 0 -1 4194560 1234\n"))
	require.NoError(t, err)
	assert.Equal(t, Process{PID: 4242, PPID: 1, Name: "tmux: server"}, p)

	p, err = parseStat([]byte("77 (a) b)) R 76 77 77"))
	require.NoError(t, err)
	assert.Equal(t, "a) b)", p.Name)
	assert.Equal(t, 76, p.PPID)

	_, err = parseStat([]byte("garbage"))
	assert.Error(t, err)
}

func TestParseLogindSession(t *testing.T) {
	remote := "# This is private data. Do not parse.\nUID=1000\nUSER=alice\nACTIVE=1\nTYPE=tty\n" +
		"REMOTE=1\nSERVICE=sshd\nREMOTE_HOST=203.0.113.9\n"
	o, err := parseLogindSession("12", []byte(remote))
	require.NoError(t, err)
	assert.True(t, o.Remote)
	assert.Equal(t, "logind session 12 is remote from 203.0.113.9 via sshd", o.Evidence)

	local := "UID=1000\nUSER=alice\nTYPE=x11\nREMOTE=0\nSERVICE=gdm-password\n"
	o, err = parseLogindSession("3", []byte(local))
	require.NoError(t, err)
	assert.False(t, o.Remote)

	_, err = parseLogindSession("4", []byte("REMOTE=maybe\n"))
	assert.Error(t, err)
}

func TestAuthenticate_UserLookupFailurePassesEmptyUser(t *testing.T) {
	f := &fakeAuth{decision: auth.Decision{Verdict: auth.Denied, Reason: auth.ReasonInvalidRequest}}
	h := &fakeHandle{userErr: errors.New("conversation failed")}
	assert.Equal(t, AuthErr, newModule(f, nil).Authenticate(h, 0, nil))
	assert.Equal(t, "", f.got[0].User)
}

func TestAuthenticate_PanicIsAuthErr(t *testing.T) {
	f := &fakeAuth{panicky: true}
	h := &fakeHandle{user: "alice"}
	var code Code
	require.NotPanics(t, func() { code = newModule(f, nil).Authenticate(h, 0, nil) })
	assert.Equal(t, AuthErr, code)
}

func TestPassThroughEntryPoints(t *testing.T) {
	m := &TouchIDModule{}
	h := &fakeHandle{}
	assert.Equal(t, Ignore, m.SetCredentials(h, 0, nil))
	assert.Equal(t, Ignore, m.OpenSession(h, 0, nil))
	assert.Equal(t, Ignore, m.CloseSession(h, 0, nil))
}
