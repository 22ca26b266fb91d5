// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package biometric

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/jeranaias/touchid-sudo/internal/util"
)

// maxHelperOutput bounds what is read from the helper's stdout.
const maxHelperOutput = 4096

// helperPATH is the only environment the helper receives.
const helperPATH = "PATH=/usr/bin:/bin:/usr/sbin:/sbin"

// helperReply is the single JSON line the helper prints.
type helperReply struct {
	Result string `json:"result"`
	Detail string `json:"detail,omitempty"`
}

// HelperCapability evaluates fingerprints by running a small root-owned
// helper binary that talks to the platform sensor service. The helper is
// started in its own process group with an empty environment so that
// nothing from the sudo caller leaks into it, and the whole group is
// killed on cancel.
//
// Helper protocol: invoked as
//
//	helper --user NAME --purpose TEXT --timeout SECONDS
//
// it prints one line {"result": "...", "detail": "..."} where result is
// matched, not_matched, cancelled, unavailable, busy, timeout or error.
type HelperCapability struct {
	Path string

	// OwnerUID is the uid the helper binary must belong to.
	OwnerUID int
}

// NewHelperCapability returns a capability for the helper at path,
// requiring root ownership.
func NewHelperCapability(path string) *HelperCapability {
	return &HelperCapability{Path: path, OwnerUID: util.RootUID}
}

// Open verifies and starts the helper.
func (h *HelperCapability) Open(ctx context.Context, req Request) (Session, error) {
	if err := util.CheckTrusted(h.Path, h.OwnerUID); err != nil {
		return nil, fmt.Errorf("%w: helper: %v", ErrNotAvailable, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seconds := int(req.Timeout.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	cmd := exec.Command(h.Path,
		"--user", req.User,
		"--purpose", req.Purpose,
		"--timeout", strconv.Itoa(seconds),
	)
	cmd.Env = []string{helperPATH}
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start helper: %v", ErrNotAvailable, err)
	}

	return &helperSession{cmd: cmd, stdout: stdout}, nil
}

type helperSession struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
	reaped   atomic.Bool
}

// Evaluate reads the helper's verdict. A cancelled or killed helper closes
// its stdout, which unblocks the read.
func (s *helperSession) Evaluate(ctx context.Context) (bool, error) {
	line, readErr := bufio.NewReader(io.LimitReader(s.stdout, maxHelperOutput)).ReadBytes('\n')
	waitErr := s.wait()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(line) == 0 {
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return false, fmt.Errorf("read helper output: %w", readErr)
		}
		return false, fmt.Errorf("helper exited without a result: %v", waitErr)
	}

	var reply helperReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return false, fmt.Errorf("malformed helper output: %w", err)
	}

	switch reply.Result {
	case "matched":
		// A match only counts if the helper also exited cleanly.
		if waitErr != nil {
			return false, fmt.Errorf("helper reported match but exited: %v", waitErr)
		}
		return true, nil
	case "not_matched":
		return false, nil
	case "cancelled":
		return false, ErrUserCancelled
	case "unavailable":
		return false, fmt.Errorf("%w: %s", ErrNotAvailable, reply.Detail)
	case "busy":
		return false, ErrBusy
	case "timeout":
		return false, ErrTimeout
	case "error":
		return false, fmt.Errorf("helper error: %s", reply.Detail)
	default:
		return false, fmt.Errorf("unknown helper result %q", reply.Result)
	}
}

// Cancel asks the helper's process group to stop.
func (s *helperSession) Cancel() {
	s.signal(unix.SIGTERM)
}

// Close kills whatever is left of the process group and reaps the helper.
func (s *helperSession) Close() error {
	s.signal(unix.SIGKILL)
	_ = s.wait()
	return nil
}

func (s *helperSession) signal(sig unix.Signal) {
	// Once reaped the pid may belong to someone else.
	if s.cmd.Process == nil || s.reaped.Load() {
		return
	}
	// Negative pid addresses the whole group created by Setpgid.
	_ = unix.Kill(-s.cmd.Process.Pid, sig)
}

func (s *helperSession) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
		s.reaped.Store(true)
	})
	return s.waitErr
}
