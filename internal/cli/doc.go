// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the touchid-sudo administration tool.
//
// The same binary answers to several names: touchid-configure,
// touchid-status and touchid-uninstall select their command from argv[0];
// under any other name the first argument is the command.
//
// # Commands
//
//   - configure: validate and write the policy, register the PAM module
//   - status: show policy, registration, audit health, lockouts and recent
//     decisions (read-only; --follow streams new decisions)
//   - uninstall: remove the PAM line, attempt state and policy
//   - reset: clear one user's failure count and lockout
//
// Every command accepts --json for machine-readable output. Exit codes are
// listed in errors.go; ExitPartialRemoval (5) means sudo may still load the
// module and the PAM file needs manual attention.
//
// Commands operate on an Env so tests can point them at temporary paths.
package cli
