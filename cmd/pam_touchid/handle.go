// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

/*
#cgo LDFLAGS: -lpam
#include <security/pam_appl.h>
#include <stdlib.h>
#include <string.h>

static char *touchid_get_user(pam_handle_t *pamh, int *rc) {
	const char *user = NULL;
	*rc = pam_get_user(pamh, &user, NULL);
	if (*rc != PAM_SUCCESS || user == NULL) {
		return NULL;
	}
	return strdup(user);
}

static char *touchid_get_item(pam_handle_t *pamh, int item) {
	const void *val = NULL;
	if (pam_get_item(pamh, item, &val) != PAM_SUCCESS || val == NULL) {
		return NULL;
	}
	return strdup((const char *)val);
}

static char *touchid_getenv(pam_handle_t *pamh, const char *name) {
	const char *val = pam_getenv(pamh, name);
	return val == NULL ? NULL : strdup(val);
}

static int touchid_info(pam_handle_t *pamh, const char *text) {
	const void *item = NULL;
	const struct pam_conv *conv;
	struct pam_message msg;
	const struct pam_message *msgp = &msg;
	struct pam_response *resp = NULL;
	int rc;

	rc = pam_get_item(pamh, PAM_CONV, &item);
	if (rc != PAM_SUCCESS || item == NULL) {
		return PAM_CONV_ERR;
	}
	conv = (const struct pam_conv *)item;
	if (conv->conv == NULL) {
		return PAM_CONV_ERR;
	}

	msg.msg_style = PAM_TEXT_INFO;
	msg.msg = (char *)text;
	rc = conv->conv(1, &msgp, &resp, conv->appdata_ptr);
	if (resp != NULL) {
		free(resp->resp);
		free(resp);
	}
	return rc;
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/jeranaias/touchid-sudo/internal/pam"
)

// handle implements pam.Handle over a pam_handle_t.
type handle struct {
	pamh *C.pam_handle_t
}

var _ pam.Handle = handle{}

func (h handle) User() (string, error) {
	var rc C.int
	cs := C.touchid_get_user(h.pamh, &rc)
	if cs == nil {
		return "", fmt.Errorf("pam_get_user: %s", C.GoString(C.pam_strerror(h.pamh, rc)))
	}
	defer C.free(unsafe.Pointer(cs))
	return C.GoString(cs), nil
}

func (h handle) Item(item pam.Item) string {
	var ci C.int
	switch item {
	case pam.ItemService:
		ci = C.PAM_SERVICE
	case pam.ItemTTY:
		ci = C.PAM_TTY
	case pam.ItemRHost:
		ci = C.PAM_RHOST
	default:
		return ""
	}
	cs := C.touchid_get_item(h.pamh, ci)
	if cs == nil {
		return ""
	}
	defer C.free(unsafe.Pointer(cs))
	return C.GoString(cs)
}

func (h handle) Getenv(name string) string {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	cs := C.touchid_getenv(h.pamh, cname)
	if cs == nil {
		return ""
	}
	defer C.free(unsafe.Pointer(cs))
	return C.GoString(cs)
}

func (h handle) Info(msg string) error {
	cmsg := C.CString(msg)
	defer C.free(unsafe.Pointer(cmsg))
	if rc := C.touchid_info(h.pamh, cmsg); rc != C.PAM_SUCCESS {
		return fmt.Errorf("conversation: %s", C.GoString(C.pam_strerror(h.pamh, rc)))
	}
	return nil
}

// cCode translates a module code to the libpam constant.
func cCode(code pam.Code) C.int {
	switch code {
	case pam.Success:
		return C.PAM_SUCCESS
	case pam.Ignore:
		return C.PAM_IGNORE
	case pam.MaxTries:
		return C.PAM_MAXTRIES
	default:
		return C.PAM_AUTH_ERR
	}
}

// goFlags keeps only the flags the module understands.
func goFlags(flags C.int) pam.Flags {
	var f pam.Flags
	if flags&C.PAM_SILENT != 0 {
		f |= pam.FlagSilent
	}
	return f
}

// goArgs copies argv.
func goArgs(argc C.int, argv **C.char) []string {
	if argc <= 0 || argv == nil {
		return nil
	}
	out := make([]string, 0, int(argc))
	for _, a := range unsafe.Slice(argv, int(argc)) {
		out = append(out, C.GoString(a))
	}
	return out
}
