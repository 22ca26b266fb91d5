// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit records one entry per authentication decision.
//
// The log is append-only JSON Lines. Recording never fails the caller: a
// write error is logged, counted, and surfaced through a separate health
// file next to the log so an operator (or the status tool) can see that
// auditing is degraded. Rotation and retention are left to the host.
//
// # Components
//
// FileSink - Append-only JSONL writer with health signalling
//
//	sink := audit.NewFileSink("/var/log/touchid-sudo/audit.log")
//	sink.Record(audit.Entry{User: "alice", Verdict: "granted", Reason: "biometric_matched"})
//
// Readers - Used by the status tool
//
//	entries, err := audit.ReadEntries(path, 20, "alice")
//	health, err := audit.ReadHealth(path)
//
// Follow - Streams new entries as they are appended
//
//	err := audit.Follow(ctx, path, func(e audit.Entry) { ... })
package audit
