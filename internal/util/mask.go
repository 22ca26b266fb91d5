// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// MaskIdentifier returns a stable, non-reversible form of id suitable for
// log lines that may be read by less privileged operators.
func MaskIdentifier(id string) string {
	if id == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(id))
	return "hash:" + hex.EncodeToString(sum[:])[:12]
}

// HashIdentifier returns the full hex sha256 of id. Used to derive file names
// that cannot be steered by a crafted user name.
func HashIdentifier(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}
