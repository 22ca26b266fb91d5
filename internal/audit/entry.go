// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Entry is a single audit record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	User      string    `json:"user"`
	Verdict   string    `json:"verdict"`
	Reason    string    `json:"reason"`

	// Biometric is the adjudicated outcome, if the sensor was consulted.
	Biometric string `json:"biometric,omitempty"`

	// Failures is the consecutive failure count after this decision.
	Failures int `json:"failures,omitempty"`

	// LockedUntil is set when the user is (or has just become) locked out.
	LockedUntil time.Time `json:"locked_until,omitzero"`

	Service string `json:"service,omitempty"`
	TTY     string `json:"tty,omitempty"`
	Remote  bool   `json:"remote,omitempty"`
}

// ToLogLine formats the entry as a single human-readable line.
func (e *Entry) ToLogLine() string {
	timestamp := e.Timestamp.Local().Format("2006-01-02 15:04:05")

	origin := "local"
	if e.Remote {
		origin = "remote"
	}

	parts := []string{timestamp, sanitize(e.User), strings.ToUpper(e.Verdict), sanitize(e.Reason), origin}
	if e.Biometric != "" {
		parts = append(parts, "biometric="+e.Biometric)
	}
	if e.Failures > 0 {
		parts = append(parts, fmt.Sprintf("failures=%d", e.Failures))
	}
	if !e.LockedUntil.IsZero() {
		parts = append(parts, "locked_until="+e.LockedUntil.Local().Format("15:04:05"))
	}
	return strings.Join(parts, " | ")
}

// ToJSON returns the entry as one JSON line (without the newline).
func (e *Entry) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	return data, nil
}

// sanitize strips characters that could forge extra lines or terminal
// escapes when the log is displayed.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '?'
		}
		return r
	}, s)
}
