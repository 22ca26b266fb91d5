// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides the file-level primitives shared by the policy,
// state and PAM registration code.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: Crash-safe replace (temp file, fsync, rename, dir fsync)
//   - SyncDir: Persist directory entries after a rename or unlink
//
// Trust:
//   - CheckTrusted: Reject files an unprivileged identity could have written
//   - CheckTrustedDir: Same check for directories
//
// Identifiers:
//   - MaskIdentifier: Stable, non-reversible form of a user name for logs
//
// # Usage
//
//	// Refuse a policy file that a normal user could have edited
//	if err := util.CheckTrusted(path, 0); err != nil {
//	    return err
//	}
//
//	// Replace a file so a crash leaves either the old or the new content
//	err := util.AtomicWriteFile(path, data, 0600)
package util
