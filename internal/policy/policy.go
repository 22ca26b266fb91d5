// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package policy loads and validates the biometric sudo policy.
//
// The policy file is TOML, root-owned and not writable by anyone else. A
// missing, unreadable, malformed or untrusted file is a ConfigError; callers
// must treat that as "deny, no fallback" and never substitute defaults.
// Defaults only fill keys that are absent from an otherwise valid file.
package policy

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jeranaias/touchid-sudo/internal/paths"
)

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	// DefaultMaxConsecutiveFailures is the number of penalized biometric
	// failures that trigger a lockout.
	DefaultMaxConsecutiveFailures = 5

	// DefaultLockoutSeconds is how long a lockout lasts.
	DefaultLockoutSeconds = 30

	// DefaultTimeoutSeconds bounds a single fingerprint prompt.
	DefaultTimeoutSeconds = 30

	// DefaultPurpose is shown by the platform next to the fingerprint prompt.
	DefaultPurpose = "authenticate to run a privileged command (sudo)"

	// BackendFile stores one signed file per user.
	BackendFile = "file"

	// BackendSQLite stores all users in one SQLite database.
	BackendSQLite = "sqlite"
)

// =============================================================================
// CONFIG TYPES
// =============================================================================

// Config is the complete policy file.
type Config struct {
	Biometric BiometricConfig `toml:"biometric"`
	Lockout   LockoutConfig   `toml:"lockout"`
	Fallback  FallbackConfig  `toml:"fallback"`
	Store     StoreConfig     `toml:"store"`
	Audit     AuditConfig     `toml:"audit"`
}

// BiometricConfig controls when and how the fingerprint prompt is offered.
type BiometricConfig struct {
	Enabled             bool   `toml:"enabled"`
	AllowRemoteSessions bool   `toml:"allow_remote_sessions"`
	TimeoutSeconds      int    `toml:"timeout_seconds" validate:"min=1,max=300"`
	Helper              string `toml:"helper" validate:"required,startswith=/"`
	Purpose             string `toml:"purpose" validate:"required,max=200"`
}

// LockoutConfig controls failure counting.
type LockoutConfig struct {
	MaxConsecutiveFailures int `toml:"max_consecutive_failures" validate:"min=1,max=100"`
	DurationSeconds        int `toml:"duration_seconds" validate:"min=1,max=86400"`
}

// FallbackConfig controls deferral to the password modules further down the stack.
type FallbackConfig struct {
	PasswordAllowed bool `toml:"password_allowed"`
}

// StoreConfig selects the attempt state backend.
type StoreConfig struct {
	Backend string `toml:"backend" validate:"oneof=file sqlite"`
	Path    string `toml:"path" validate:"omitempty,startswith=/"`
}

// AuditConfig locates the audit log.
type AuditConfig struct {
	Path string `toml:"path" validate:"omitempty,startswith=/"`
}

// Default returns the policy used for keys absent from the file, and the
// starting point for the configure tool.
func Default() *Config {
	return &Config{
		Biometric: BiometricConfig{
			Enabled:             true,
			AllowRemoteSessions: false,
			TimeoutSeconds:      DefaultTimeoutSeconds,
			Helper:              paths.Default().HelperPath,
			Purpose:             DefaultPurpose,
		},
		Lockout: LockoutConfig{
			MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
			DurationSeconds:        DefaultLockoutSeconds,
		},
		Fallback: FallbackConfig{
			PasswordAllowed: true,
		},
		Store: StoreConfig{
			Backend: BackendFile,
		},
	}
}

// BiometricTimeout returns the prompt timeout as a duration.
func (c *Config) BiometricTimeout() time.Duration {
	return time.Duration(c.Biometric.TimeoutSeconds) * time.Second
}

// LockoutDuration returns the lockout window as a duration.
func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.Lockout.DurationSeconds) * time.Second
}

// StateLocation returns the configured state path or the platform default.
func (c *Config) StateLocation(loc paths.Locations) string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return loc.StateDir
}

// AuditLocation returns the configured audit path or the platform default.
func (c *Config) AuditLocation(loc paths.Locations) string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return loc.AuditLog
}

// Clone returns a deep copy. Config holds no reference types.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrConfig is the category for every policy problem.
var ErrConfig = errors.New("policy configuration error")

// ConfigError describes why the policy could not be used.
type ConfigError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("policy %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("policy %s: %s", e.Path, e.Reason)
}

func (e *ConfigError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfig}
	}
	return []error{ErrConfig, e.Err}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a policy validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their TOML key so messages match the file.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field ranges and combinations that would make the module
// unusable.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate policy: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Field:   fieldKey(fe),
				Message: describe(fe),
			})
		}
	}

	// With default=die in the PAM control line this combination would make
	// sudo unusable for everyone.
	if !c.Biometric.Enabled && !c.Fallback.PasswordAllowed {
		errs = append(errs, ValidationError{
			Field:   "fallback.password_allowed",
			Message: "must be true when biometric.enabled is false",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// fieldKey turns "Config.lockout.duration_seconds" into "lockout.duration_seconds".
func fieldKey(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s (got %v)", fe.Param(), fe.Value())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s (got %v)", fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of: %s (got %q)", strings.ReplaceAll(fe.Param(), " ", ", "), fe.Value())
	case "startswith":
		return fmt.Sprintf("must be an absolute path (got %q)", fe.Value())
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}
