// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/jeranaias/touchid-sudo/internal/paths"
)

// maxLineSize bounds a single audit line when reading.
const maxLineSize = 64 * 1024

// ReadEntries returns up to limit of the most recent entries, optionally
// only those for user. Malformed lines are skipped. A missing log is not an
// error.
func ReadEntries(path string, limit int, user string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	return readEntries(f, limit, user)
}

func readEntries(r io.Reader, limit int, user string) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	for scanner.Scan() {
		e, ok := parseLine(scanner.Bytes())
		if !ok {
			continue
		}
		if user != "" && e.User != user {
			continue
		}
		entries = append(entries, e)
		// Keep only the tail; the log can be large.
		if limit > 0 && len(entries) > 2*limit {
			entries = append(entries[:0], entries[len(entries)-limit:]...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func parseLine(line []byte) (Entry, bool) {
	if len(line) == 0 {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, false
	}
	return e, true
}

// ReadHealth returns the health record for the audit log at auditPath, or
// nil if auditing is healthy.
func ReadHealth(auditPath string) (*Health, error) {
	return ReadHealthFile(paths.HealthPath(auditPath))
}

// ReadHealthFile reads a health file directly.
func ReadHealthFile(path string) (*Health, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read audit health: %w", err)
	}
	var h Health
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse audit health: %w", err)
	}
	return &h, nil
}
