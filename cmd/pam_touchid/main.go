// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command pam_touchid builds the PAM service module:
//
//	go build -buildmode=c-shared -o pam_touchid.so ./cmd/pam_touchid
package main

/*
#include <security/pam_appl.h>
*/
import "C"

import (
	"github.com/jeranaias/touchid-sudo/internal/pam"
)

var module pam.Module = &pam.TouchIDModule{Origin: sessionOrigin}

//export pam_sm_authenticate
func pam_sm_authenticate(pamh *C.pam_handle_t, flags, argc C.int, argv **C.char) C.int {
	return cCode(module.Authenticate(handle{pamh}, goFlags(flags), goArgs(argc, argv)))
}

//export pam_sm_setcred
func pam_sm_setcred(pamh *C.pam_handle_t, flags, argc C.int, argv **C.char) C.int {
	return cCode(module.SetCredentials(handle{pamh}, goFlags(flags), goArgs(argc, argv)))
}

//export pam_sm_open_session
func pam_sm_open_session(pamh *C.pam_handle_t, flags, argc C.int, argv **C.char) C.int {
	return cCode(module.OpenSession(handle{pamh}, goFlags(flags), goArgs(argc, argv)))
}

//export pam_sm_close_session
func pam_sm_close_session(pamh *C.pam_handle_t, flags, argc C.int, argv **C.char) C.int {
	return cCode(module.CloseSession(handle{pamh}, goFlags(flags), goArgs(argc, argv)))
}

func main() {}
