// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pam

import (
	"golang.org/x/sys/unix"
)

func readProcess(pid int) (Process, error) {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil {
		return Process{}, err
	}
	return Process{
		PID:  pid,
		PPID: int(kp.Eproc.Ppid),
		Name: unix.ByteSliceToString(kp.Proc.P_comm[:]),
	}, nil
}

// loginSession has no cgo-free source here. The audit session flags are
// read by the module binary and combined with DefaultOrigin.
func loginSession() (Origin, error) {
	return Origin{}, nil
}
