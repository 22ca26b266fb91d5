// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

/*
#include <bsm/audit.h>
#include <bsm/audit_session.h>
*/
import "C"

import (
	"fmt"

	"github.com/jeranaias/touchid-sudo/internal/pam"
)

// auditOrigin reads the flags of this process's audit session. sshd marks
// its sessions remote and the flag is inherited by every child.
func auditOrigin() (pam.Origin, error) {
	var info C.auditinfo_addr_t
	if rc, err := C.getaudit_addr(&info, C.int(C.sizeof_auditinfo_addr_t)); rc != 0 {
		return pam.Origin{}, fmt.Errorf("getaudit_addr: %w", err)
	}
	if info.ai_flags&C.AU_SESSION_FLAG_IS_REMOTE != 0 {
		return pam.Origin{
			Remote:   true,
			Evidence: fmt.Sprintf("audit session %d is flagged remote", int(info.ai_asid)),
		}, nil
	}
	return pam.Origin{}, nil
}

var sessionOrigin = pam.FirstRemote(auditOrigin, pam.DefaultOrigin)
