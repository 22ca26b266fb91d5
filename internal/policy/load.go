// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/touchid-sudo/internal/util"
)

// MaxFileSize caps how much of the policy file is read.
const MaxFileSize = 64 * 1024

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Loader reads the policy from a fixed path.
type Loader struct {
	Path string

	// OwnerUID is the uid the file and its directory must belong to.
	// Always util.RootUID outside of tests.
	OwnerUID int
}

// NewLoader returns a loader that requires root ownership.
func NewLoader(path string) *Loader {
	return &Loader{Path: path, OwnerUID: util.RootUID}
}

// Load reads, decodes and validates the policy. Every failure is a
// *ConfigError.
func (l *Loader) Load() (*Config, error) {
	f, err := util.OpenTrusted(l.Path, l.OwnerUID)
	if err != nil {
		reason := "cannot be read"
		switch {
		case errors.Is(err, os.ErrNotExist):
			reason = "is missing"
		case errors.Is(err, util.ErrUntrusted):
			reason = "is not trusted"
		}
		return nil, &ConfigError{Path: l.Path, Reason: reason, Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return nil, &ConfigError{Path: l.Path, Reason: "cannot be read", Err: err}
	}
	if len(data) > MaxFileSize {
		return nil, &ConfigError{Path: l.Path, Reason: fmt.Sprintf("exceeds %d bytes", MaxFileSize)}
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, &ConfigError{Path: l.Path, Reason: "is invalid", Err: err}
	}
	return cfg, nil
}

// Load reads the policy at path, requiring root ownership.
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Parse decodes TOML policy text over the defaults, rejects unknown keys and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode TOML: %w", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Encode renders cfg as TOML with a header comment.
func Encode(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# touchid-sudo policy")
	fmt.Fprintln(&buf, "# Generated by touchid-configure - edit with care")
	fmt.Fprintln(&buf, "#")
	fmt.Fprintln(&buf, "# This file must stay owned by root and not be writable by group or")
	fmt.Fprintln(&buf, "# other, otherwise every sudo attempt through Touch ID is denied.")
	fmt.Fprintln(&buf, "")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode policy: %w", err)
	}
	return buf.Bytes(), nil
}

// Save validates cfg and atomically replaces the file at path.
// SECURITY: The file is world readable (the status tool shows it) but only
// root writable, and its directory is created 0755.
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return &ConfigError{Path: path, Reason: "refusing to write invalid policy", Err: err}
	}

	data, err := Encode(cfg)
	if err != nil {
		return err
	}

	if err := util.EnsureDir(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create policy directory: %w", err)
	}

	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write policy: %w", err)
	}
	return nil
}
