// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !linux && !darwin

package pam

import (
	"errors"
	"fmt"
	"runtime"
)

// Without a process table reader every session is undecidable, and so is
// treated as remote.
func readProcess(pid int) (Process, error) {
	return Process{}, fmt.Errorf("process table on %s: %w", runtime.GOOS, errors.ErrUnsupported)
}

func loginSession() (Origin, error) {
	return Origin{}, nil
}
