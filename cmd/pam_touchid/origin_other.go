// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !darwin

package main

import "github.com/jeranaias/touchid-sudo/internal/pam"

var sessionOrigin pam.SessionOrigin = pam.DefaultOrigin
